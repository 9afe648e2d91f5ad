package commands

import (
	"strings"

	"github.com/spf13/cobra"

	zfs "github.com/vansante/go-zfsabi"
)

var abiCmd = &cobra.Command{
	Use:   "abi",
	Short: "Show the call convention selected per operation",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		conf, _, err := loadConfig(cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		modes, err := conf.ABI.Resolve()
		if err != nil {
			return err
		}

		rows := make([][]string, 0, len(zfs.Operations()))
		for _, op := range zfs.Operations() {
			known := make([]string, 0, 4)
			for _, mode := range zfs.KnownModes(op) {
				known = append(known, string(mode))
			}
			rows = append(rows, []string{string(op), string(modes[op]), strings.Join(known, ", ")})
		}
		printTable(cmd.OutOrStdout(), []string{"Operation", "Mode", "Known modes"}, rows)
		return nil
	},
}
