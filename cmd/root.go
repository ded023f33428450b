// File: cmd/root.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/browserpilot/internal/config"
	"github.com/xkilldash9x/browserpilot/internal/observability"
)

type contextKey string

const configKey contextKey = "config"

// persistent flags; package level so tests can reset them.
var (
	cfgFile string
	verbose bool
)

// newRootCmd builds the command tree. Every call returns a fresh tree.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "browserpilot",
		Short:         "browserpilot drives a browser page through indexed observations and discrete actions.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			config.SetDefaults(v)

			if err := initializeConfig(cmd, v); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "browserpilot"})
				return fmt.Errorf("failed to load or validate config: %w", err)
			}

			logger := observability.InitializeLogger(cfg.Logger())
			if verbose {
				_ = observability.SetLevel("debug")
			}
			logger.Debug("Starting browserpilot", zap.String("version", Version))

			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}
	cmd.SetVersionTemplate("{{.Name}} version {{.Version}}\n")

	flags := cmd.PersistentFlags()
	flags.StringVarP(&cfgFile, "config", "c", "", "config file (default is ./browserpilot.yaml or ~/.config/browserpilot/browserpilot.yaml)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "log at debug level")
	flags.String("endpoint", "", "DevTools endpoint (ws://.../devtools/page/<id> or http://host:port); a local browser is launched when empty")
	flags.Bool("headless", true, "run a launched browser without a window")

	cmd.AddCommand(newObserveCmd())
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newHistoryCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// Execute runs the command tree and returns the process exit code.
func Execute(ctx context.Context) int {
	root := newRootCmd()
	err := root.ExecuteContext(ctx)
	defer observability.Sync()
	if err != nil {
		observability.GetLogger().Error("Command execution failed", zap.Error(err))
		fmt.Fprintln(root.ErrOrStderr(), "Error:", err)
		return 1
	}
	return 0
}

// initializeConfig layers the config file, BROWSERPILOT_* environment
// variables and persistent flags onto v, in increasing precedence.
func initializeConfig(cmd *cobra.Command, v *viper.Viper) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		if home, err := homedir.Dir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "browserpilot"))
		}
		v.SetConfigName("browserpilot")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(config.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || cfgFile != "" {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	flags := cmd.Flags()
	if err := v.BindPFlag("browser.endpoint", flags.Lookup("endpoint")); err != nil {
		return err
	}
	if err := v.BindPFlag("browser.headless", flags.Lookup("headless")); err != nil {
		return err
	}
	return nil
}

// getConfigFromContext returns the configuration stored by PersistentPreRunE.
func getConfigFromContext(ctx context.Context) (config.Interface, error) {
	cfg, ok := ctx.Value(configKey).(config.Interface)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not initialized")
	}
	return cfg, nil
}
