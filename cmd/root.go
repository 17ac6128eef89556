// -- cmd/root.go --
package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/guardbot/internal/config"
	"github.com/xkilldash9x/guardbot/internal/observability"
)

var (
	cfgFile string

	// appConfig is populated by the persistent pre-run and consumed by the
	// subcommands.
	appConfig *config.Config
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "guardbot",
	Short: "Guardbot automates GUARD EZRate quote submissions.",
	Long: `Guardbot drives a real Chrome browser through the GUARD carrier portal:
it logs in (fetching the 2FA code from a mailbox when challenged), optionally
registers a new prospect account, and fills the EZRate quote wizard.

The serve command runs the webhook server; run executes a single task from
the command line without HTTP.`,
	// Version is set at build time. See cmd/version.go.
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Operators keep credentials in a .env next to the binary; load it
		// before viper reads the environment. A missing file is fine.
		_ = godotenv.Load()

		if err := initializeConfig(); err != nil {
			return err
		}

		cfg, err := config.NewConfigFromViper(viper.GetViper())
		if err != nil {
			// Initialize a fallback logger so the failure is at least visible.
			observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "guardbot"})
			return fmt.Errorf("failed to load config: %w", err)
		}
		appConfig = cfg

		observability.InitializeLogger(cfg.Logger())
		observability.GetLogger().Info("Starting guardbot", zap.String("version", Version))
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		// Use the logger if available, otherwise fall back to stderr.
		if logger := observability.GetLogger(); logger != nil && logger != zap.NewNop() {
			logger.Error("Command execution failed", zap.Error(err))
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
}

// initializeConfig reads in the config file and environment variables if set.
func initializeConfig() error {
	v := viper.GetViper()
	config.SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("GUARDBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is expected; env-only deployments are the
		// norm on Railway.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return nil
}
