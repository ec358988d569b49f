package app

import (
	"fmt"
	"sort"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"github.com/codeforberlin/mycyclingcity-sub001/cmd/mcc-tachod/app/options"
	"github.com/codeforberlin/mycyclingcity-sub001/internal/device/config"
)

// secretKeys are never printed in clear text.
var secretKeys = map[string]bool{
	config.KeyWiFiPassword: true,
	config.KeyAPIKey:       true,
	config.KeyAPPassword:   true,
}

func newConfigCommand(opts *options.Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the persisted device configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:          "show",
		Short:        "Print the device store as a table",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := config.Open(opts.StorePath())
			if err != nil {
				return fmt.Errorf("open device store: %w", err)
			}

			keys := store.Keys()
			sort.Strings(keys)

			table := uitable.New()
			table.AddRow("KEY", "VALUE")
			for _, k := range keys {
				v := store.GetString(k, "")
				if secretKeys[k] && v != "" {
					v = "<set>"
				}
				table.AddRow(k, v)
			}
			fmt.Fprintln(cmd.OutOrStdout(), table)
			return nil
		},
	})
	return cmd
}
