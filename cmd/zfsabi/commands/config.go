package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/vansante/go-zfsabi/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configInitForce bool

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration to the --config path",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if cfgFile == "" {
			return errors.New("no --config path given")
		}
		_, err := os.Stat(cfgFile)
		if err == nil && !configInitForce {
			return fmt.Errorf("config file %s already exists, use --force to overwrite", cfgFile)
		}

		err = config.Save(config.Default(), cfgFile)
		if err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}
		cmd.Printf("Configuration file created at: %s\n", cfgFile)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration, with defaults and environment overrides applied",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		conf, _, err := loadConfig(cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		defer enc.Close() // nolint: errcheck
		return enc.Encode(conf)
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "overwrite an existing config file")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
}
