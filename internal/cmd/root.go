package cmd

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/keyforge/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "keyforge",
	Short: "Adaptive work-stealing scheduler for password recovery",
	Long: `Keyforge plans and runs password recovery sessions for protected files.

A session classifies the target file, picks a weighted phase plan for the
detected hardware and estimates its chance of success. The phases then run
over a work-stealing worker pool that adapts to the load of the host.`,
	SilenceUsage: true,
}

var (
	outputJSON bool
	verbose    bool
	envFile    string
)

// Execute runs the root command. An interrupt cancels the command's
// context so a running session stops its workers before exiting.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/keyforge/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Print machine-readable JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug output")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Environment file loaded before the config")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func initConfig() {
	// Variables already set in the environment win over the file.
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			rootCmd.PrintErrf("warning: could not load %s: %v\n", envFile, err)
		}
	}

	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("KEYFORGE")
	// e.g. KEYFORGE_ENGINE_BATCH_SIZE for engine.batch_size
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	_ = viper.ReadInConfig()
}
