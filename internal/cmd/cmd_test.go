package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/keyforge/internal/logging"
)

// executeCommand runs the root command with args and returns the captured
// output. Flag values and viper state from earlier runs are reset first.
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetCommandState()

	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func resetCommandState() {
	viper.Reset()
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))

	outputJSON, verbose = false, false
	planMode, planGPU = "", true
	runWordlist, runSources, runSHA256, runPlain = "", nil, "", ""
	customPhases, customWeights, customTimeouts = nil, nil, nil
	logsDir, logsLevel, logsPhase, logsTask, logsWorker, logsGrep = "", "", "", "", "", ""
	logsTail, logsSince = 50, 0

	var reset func(c *cobra.Command)
	reset = func(c *cobra.Command) {
		c.Flags().VisitAll(func(f *pflag.Flag) {
			switch f.Value.Type() {
			case "stringToString", "stringSlice":
			default:
				_ = f.Value.Set(f.DefValue)
			}
			f.Changed = false
		})
		for _, sub := range c.Commands() {
			reset(sub)
		}
	}
	reset(rootCmd)
}

// setupTestEnvironment points config and state at temporary directories.
func setupTestEnvironment(t *testing.T) (configDir, dataDir string) {
	t.Helper()
	configDir, dataDir = t.TempDir(), t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", configDir)
	t.Setenv("XDG_DATA_HOME", dataDir)
	t.Setenv("KEYFORGE_RESOURCES_DISABLE_GPU", "true")
	return configDir, dataDir
}

func writeFile(t *testing.T, path, content string) string {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
	return path
}

func TestRootCommand(t *testing.T) {
	if rootCmd.Use != "keyforge" {
		t.Errorf("rootCmd.Use = %q, want %q", rootCmd.Use, "keyforge")
	}

	expectedCmds := []string{"hardware", "plan", "estimate", "run", "prefs", "stats", "logs", "config"}
	cmdMap := make(map[string]bool)
	for _, cmd := range rootCmd.Commands() {
		cmdMap[cmd.Name()] = true
	}
	for _, expected := range expectedCmds {
		if !cmdMap[expected] {
			t.Errorf("expected subcommand %q not found", expected)
		}
	}
}

func TestPlanCommand_JSON(t *testing.T) {
	setupTestEnvironment(t)
	tgt := writeFile(t, filepath.Join(t.TempDir(), "photos.zip"), "PK")

	output, err := executeCommand(t, "plan", tgt, "--mode", "SPEED_PRIORITY", "--json")
	if err != nil {
		t.Fatalf("plan failed: %v\nOutput: %s", err, output)
	}

	var got struct {
		Strategy struct {
			Name   string   `json:"name"`
			Phases []string `json:"phases"`
		} `json:"strategy"`
	}
	if err := json.Unmarshal([]byte(output), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, output)
	}
	if got.Strategy.Name != "SPEED_PRIORITY" {
		t.Errorf("strategy = %q, want SPEED_PRIORITY", got.Strategy.Name)
	}
	if len(got.Strategy.Phases) == 0 {
		t.Error("plan has no phases")
	}
}

func TestPlanCommand_UnknownMode(t *testing.T) {
	setupTestEnvironment(t)

	if _, err := executeCommand(t, "plan", "backup.zip", "--mode", "NO_SUCH_MODE"); err == nil {
		t.Error("plan should fail for an unknown mode")
	}
}

func TestEstimateCommand_Text(t *testing.T) {
	setupTestEnvironment(t)

	output, err := executeCommand(t, "estimate", "report.docx")
	if err != nil {
		t.Fatalf("estimate failed: %v\nOutput: %s", err, output)
	}
	for _, want := range []string{"STRATEGY COMPARISON", "SPEED_PRIORITY", "BALANCED_ADAPTIVE", "THOROUGHNESS_PRIORITY", "* recommended"} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}
}

func TestPrefsCommand_DisablePersists(t *testing.T) {
	setupTestEnvironment(t)

	if output, err := executeCommand(t, "prefs", "disable", "keyboard"); err != nil {
		t.Fatalf("prefs disable failed: %v\nOutput: %s", err, output)
	}

	output, err := executeCommand(t, "prefs", "show", "--json")
	if err != nil {
		t.Fatalf("prefs show failed: %v\nOutput: %s", err, output)
	}
	var got struct {
		DefaultMode string `json:"default_mode"`
		Phases      map[string]struct {
			Enabled bool `json:"enabled"`
		} `json:"phases"`
	}
	if err := json.Unmarshal([]byte(output), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, output)
	}
	if got.Phases["keyboard"].Enabled {
		t.Error("keyboard should be disabled after a new process reads the store")
	}
	if !got.Phases["dictionary"].Enabled {
		t.Error("dictionary should stay enabled")
	}

	if _, err := executeCommand(t, "prefs", "reset"); err != nil {
		t.Fatalf("prefs reset failed: %v", err)
	}
	output, _ = executeCommand(t, "prefs", "show", "--json")
	if err := json.Unmarshal([]byte(output), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, output)
	}
	if !got.Phases["keyboard"].Enabled {
		t.Error("keyboard should be enabled after reset")
	}
}

func TestPrefsCommand_CustomStrategy(t *testing.T) {
	setupTestEnvironment(t)

	output, err := executeCommand(t, "prefs", "custom", "create", "quick check", "--phases", "top10k,dictionary")
	if err != nil {
		t.Fatalf("custom create failed: %v\nOutput: %s", err, output)
	}
	if !strings.Contains(output, "QUICK_CHECK") {
		t.Errorf("output should name the stored key:\n%s", output)
	}

	if output, err := executeCommand(t, "prefs", "set-mode", "quick check"); err != nil {
		t.Fatalf("set-mode failed: %v\nOutput: %s", err, output)
	}
	output, err = executeCommand(t, "plan", "notes.txt", "--json")
	if err != nil {
		t.Fatalf("plan failed: %v\nOutput: %s", err, output)
	}
	if !strings.Contains(output, `"QUICK_CHECK"`) {
		t.Errorf("plan should use the preferred custom strategy:\n%s", output)
	}

	if _, err := executeCommand(t, "prefs", "custom", "delete", "quick check"); err != nil {
		t.Fatalf("custom delete failed: %v", err)
	}
	if _, err := executeCommand(t, "prefs", "custom", "delete", "quick check"); err == nil {
		t.Error("deleting a missing strategy should fail")
	}
}

func TestPrefsCommand_ExportImport(t *testing.T) {
	setupTestEnvironment(t)
	file := filepath.Join(t.TempDir(), "prefs.yaml")

	if _, err := executeCommand(t, "prefs", "gpu", "off"); err != nil {
		t.Fatalf("prefs gpu failed: %v", err)
	}
	if output, err := executeCommand(t, "prefs", "export", file); err != nil {
		t.Fatalf("export failed: %v\nOutput: %s", err, output)
	}
	data, err := os.ReadFile(file)
	if err != nil {
		t.Fatalf("export did not write the file: %v", err)
	}
	if !strings.Contains(string(data), "prefer_gpu: false") {
		t.Errorf("export should carry the GPU preference:\n%s", data)
	}

	setupTestEnvironment(t)
	if output, err := executeCommand(t, "prefs", "import", file); err != nil {
		t.Fatalf("import failed: %v\nOutput: %s", err, output)
	}
	output, _ := executeCommand(t, "prefs", "show", "--json")
	if !strings.Contains(output, `"prefer_gpu": false`) {
		t.Errorf("imported preference missing:\n%s", output)
	}
}

func TestPrefsCommand_InvalidGPUValue(t *testing.T) {
	setupTestEnvironment(t)

	if _, err := executeCommand(t, "prefs", "gpu", "maybe"); err == nil {
		t.Error("prefs gpu should reject values other than on and off")
	}
}

func TestRunCommand_FindsPlainPassword(t *testing.T) {
	setupTestEnvironment(t)
	dir := t.TempDir()
	tgt := writeFile(t, filepath.Join(dir, "demo.zip"), "PK")
	words := writeFile(t, filepath.Join(dir, "words.txt"), "password\nletmein\nhunter2\ndragon\n")

	output, err := executeCommand(t, "run", tgt, "--wordlist", words, "--plain", "hunter2", "--mode", "SPEED_PRIORITY", "--json")
	if err != nil {
		t.Fatalf("run failed: %v\nOutput: %s", err, output)
	}

	var got struct {
		Found    bool   `json:"found"`
		Password string `json:"password"`
		Attempts int64  `json:"attempts"`
	}
	if err := json.Unmarshal([]byte(output), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, output)
	}
	if !got.Found || got.Password != "hunter2" {
		t.Errorf("found=%v password=%q, want hunter2", got.Found, got.Password)
	}
	if got.Attempts == 0 {
		t.Error("attempts should be counted")
	}
}

func TestRunCommand_RequiresCandidates(t *testing.T) {
	setupTestEnvironment(t)

	if _, err := executeCommand(t, "run", "demo.zip", "--plain", "x"); err == nil {
		t.Error("run without a wordlist should fail")
	}
}

func TestRunCommand_RequiresSecret(t *testing.T) {
	setupTestEnvironment(t)

	if _, err := executeCommand(t, "run", "demo.zip", "--wordlist", "words.txt"); err == nil {
		t.Error("run without --sha256 or --plain should fail")
	}
}

func TestLoadSources(t *testing.T) {
	dir := t.TempDir()
	shared := writeFile(t, filepath.Join(dir, "shared.txt"), "a\nb\n")
	dict := writeFile(t, filepath.Join(dir, "dict.txt"), "apple\n")

	got, err := loadSources([]string{"top10k", "dictionary"}, shared, map[string]string{"dictionary": dict})
	if err != nil {
		t.Fatalf("loadSources failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d sources, want 2", len(got))
	}
	if len(got["top10k"]) != 2 {
		t.Errorf("top10k = %v, want the shared wordlist", got["top10k"])
	}
	if len(got["dictionary"]) != 1 || got["dictionary"][0] != "apple" {
		t.Errorf("dictionary = %v, want its own wordlist", got["dictionary"])
	}

	if _, err := loadSources([]string{"top10k"}, filepath.Join(dir, "missing.txt"), nil); err == nil {
		t.Error("a missing wordlist should fail")
	}
}

func TestLogsCommand_Filters(t *testing.T) {
	setupTestEnvironment(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, logging.LogFileName), strings.Join([]string{
		`{"time":"2026-01-01T10:00:00Z","level":"INFO","msg":"phase started","phase":"dictionary"}`,
		`{"time":"2026-01-01T10:00:01Z","level":"WARN","msg":"memory pressure","phase":"dictionary"}`,
		`not json`,
		`{"time":"2026-01-01T10:00:02Z","level":"ERROR","msg":"task failed","phase":"keyboard","task_id":"t-1"}`,
	}, "\n"))

	output, err := executeCommand(t, "logs", "--dir", dir, "--level", "warn", "-n", "0", "--json")
	if err != nil {
		t.Fatalf("logs failed: %v\nOutput: %s", err, output)
	}
	var entries []logging.LogEntry
	if err := json.Unmarshal([]byte(output), &entries); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, output)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}

	output, err = executeCommand(t, "logs", "--dir", dir, "--phase", "keyboard")
	if err != nil {
		t.Fatalf("logs failed: %v", err)
	}
	if !strings.Contains(output, "task failed") || strings.Contains(output, "memory pressure") {
		t.Errorf("phase filter not applied:\n%s", output)
	}
	if !strings.Contains(output, "task_id=t-1") {
		t.Errorf("context fields missing:\n%s", output)
	}
}

func TestLogsCommand_InvalidLevel(t *testing.T) {
	setupTestEnvironment(t)

	if _, err := executeCommand(t, "logs", "--dir", t.TempDir(), "--level", "loud"); err == nil {
		t.Error("logs should reject an unknown level")
	}
}

func TestConfigCommand_SetWritesFile(t *testing.T) {
	configDir, _ := setupTestEnvironment(t)

	if output, err := executeCommand(t, "config", "set", "engine.batch_size", "500"); err != nil {
		t.Fatalf("config set failed: %v\nOutput: %s", err, output)
	}
	data, err := os.ReadFile(filepath.Join(configDir, "keyforge", "config.yaml"))
	if err != nil {
		t.Fatalf("config file not written: %v", err)
	}
	if !strings.Contains(string(data), "batch_size: 500") {
		t.Errorf("config file missing the value:\n%s", data)
	}

	output, err := executeCommand(t, "config", "show", "--json")
	if err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	if !strings.Contains(output, `"batch_size": 500`) {
		t.Errorf("config show should read the file back:\n%s", output)
	}
}

func TestConfigCommand_SetRejects(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"unknown key", []string{"config", "set", "coordinator.nope", "1"}},
		{"invalid value", []string{"config", "set", "engine.batch_size", "-3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setupTestEnvironment(t)
			if _, err := executeCommand(t, tt.args...); err == nil {
				t.Errorf("%v should fail", tt.args)
			}
		})
	}
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{"true", true},
		{"8", 8},
		{"0.5", 0.5},
		{"SPEED_PRIORITY", "SPEED_PRIORITY"},
	}
	for _, tt := range tests {
		if got := parseValue(tt.in); got != tt.want {
			t.Errorf("parseValue(%q) = %#v, want %#v", tt.in, got, tt.want)
		}
	}
}
