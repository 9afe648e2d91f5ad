package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	zfs "github.com/vansante/go-zfsabi"
)

var listProperties []string

var listCmd = &cobra.Command{
	Use:   "list <dataset>",
	Short: "List a dataset and its descendants",
	Long: `List a dataset, its filesystems and volumes and their snapshots, in hierarchy order.

Examples:
  zfsabi list tank
  zfsabi list tank/data --property used --property com.example:owner`,
	Args: cobra.ExactArgs(1),
	RunE: runList,
}

func init() {
	listCmd.Flags().StringSliceVarP(&listProperties, "property", "p", []string{zfs.PropertyCreateTxg}, "properties to show")
}

func runList(cmd *cobra.Command, args []string) error {
	conf, logger, err := loadConfig(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	library, err := conf.NewLibrary(logger, nil)
	if err != nil {
		return fmt.Errorf("error creating library: %w", err)
	}

	ctx := cmd.Context()
	ds, err := library.Open(ctx, args[0])
	if err != nil {
		return err
	}
	defer ds.Close() // nolint: errcheck

	descendants, err := ds.Descendants(ctx)
	if err != nil {
		return err
	}
	defer zfs.CloseAll(descendants) // nolint: errcheck

	headers := append([]string{"Name", "Type"}, listProperties...)
	rows := make([][]string, 0, len(descendants)+1)
	for _, d := range append([]*zfs.Dataset{ds}, descendants...) {
		row := []string{d.Name(), string(d.Type())}
		for _, key := range listProperties {
			val, ok, err := d.GetProperty(ctx, strings.TrimSpace(key))
			switch {
			case err != nil:
				return fmt.Errorf("error reading %s on %s: %w", key, d.Name(), err)
			case !ok:
				val = "-"
			}
			row = append(row, val)
		}
		rows = append(rows, row)
	}
	printTable(cmd.OutOrStdout(), headers, rows)
	return nil
}
