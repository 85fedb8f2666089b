package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/keyforge/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or modify keyforge configuration",
	Long: `View or modify keyforge configuration.

Without arguments, displays the effective configuration.
Use subcommands to modify settings or create a config file.`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value in the user's config file.

Keys use dot notation, e.g.:
  keyforge config set coordinator.max_workers 16
  keyforge config set strategy.default_mode SPEED_PRIORITY
  keyforge config set logging.dir ~/.local/state/keyforge

The new value is validated together with the rest of the configuration
before the file is written.`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a config file with the default values",
	Args:  cobra.NoArgs,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	Args:  cobra.NoArgs,
	RunE:  runConfigPath,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	settings := viper.AllSettings()
	delete(settings, "config")
	if outputJSON {
		return writeJSON(cmd.OutOrStdout(), settings)
	}
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(settings); err != nil {
		return err
	}
	return enc.Close()
}

// parseValue turns a command-line value into the type viper would decode
// from YAML.
func parseValue(s string) any {
	if i, err := strconv.Atoi(s); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key := strings.ToLower(args[0])
	if !slices.Contains(viper.AllKeys(), key) || key == "config" {
		return fmt.Errorf("unknown configuration key %q", args[0])
	}
	value := parseValue(args[1])

	viper.Set(key, value)
	if _, err := config.Load(); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}

	path := viper.ConfigFileUsed()
	if path == "" {
		path = config.ConfigFile()
	}
	// Only the file's own settings are written back, not defaults or the
	// environment.
	file := viper.New()
	file.SetConfigFile(path)
	file.SetConfigType("yaml")
	if err := file.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
	}
	file.Set(key, value)

	if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := file.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %v in %s\n", key, value, path)
	return nil
}

func runConfigInit(cmd *cobra.Command, _ []string) error {
	path := config.ConfigFile()
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s\nUse 'keyforge config set' to modify values", path)
	}
	if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	defaults := viper.New()
	for _, key := range viper.AllKeys() {
		if key == "config" {
			continue
		}
		defaults.Set(key, viper.Get(key))
	}
	body, err := yaml.Marshal(defaults.AllSettings())
	if err != nil {
		return err
	}
	content := "# Keyforge configuration\n# Environment variables override these values, e.g. KEYFORGE_COORDINATOR_MAX_WORKERS.\n\n" + string(body)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created config file at %s\n", path)
	return nil
}

func runConfigPath(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Fprintf(out, "Active config: %s\n", used)
	} else {
		fmt.Fprintf(out, "Default path: %s (not created)\n", config.ConfigFile())
	}

	fmt.Fprintln(out, "\nSearch paths:")
	fmt.Fprintf(out, "  1. %s\n", config.ConfigFile())
	fmt.Fprintln(out, "  2. ./config.yaml (current directory)")
	fmt.Fprintf(out, "\nState directory: %s\n", config.DataDir())
	fmt.Fprintln(out, "Environment variables: KEYFORGE_* (e.g., KEYFORGE_ENGINE_BATCH_SIZE)")
	return nil
}
