// Package commands implements the zfsabi command line interface.
package commands

import (
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vansante/go-zfsabi/config"
)

// Global flags
var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "zfsabi",
	Short: "ZFS dataset management across ABI generations",
	Long: `zfsabi manages ZFS datasets through a dispatcher that selects the call convention
per operation, so the same tooling runs against current OpenZFS and older ZFS releases.

Configuration is read from the file given with --config. Every key can be overridden with
an environment variable prefixed with ` + config.EnvPrefix + `_, for example ` + config.EnvPrefix + `_HTTP_PORT.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: built-in defaults)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(abiCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(configCmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// PrintErr prints an error message to stderr
func PrintErr(format string, args ...any) {
	rootCmd.PrintErrf(format+"\n", args...)
}

// loadConfig reads the config from the --config flag and creates the logger it describes
func loadConfig(logOutput io.Writer) (config.Config, *slog.Logger, error) {
	conf, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, nil, err
	}
	if logOutput == nil {
		logOutput = os.Stderr
	}
	return conf, conf.Logging.NewLogger(logOutput), nil
}
