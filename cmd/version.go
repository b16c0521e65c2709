package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/captrail/captrail/pkg/buildinfo"
)

// NewVersionCommand creates the version command.
func NewVersionCommand() *cobra.Command {
	var asJSON bool

	c := &cobra.Command{
		Use:   "version",
		Short: "Print version and build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(buildinfo.Get("captrail"))
			}
			fmt.Fprintln(cmd.OutOrStdout(), "captrail", buildinfo.String())
			return nil
		},
	}

	c.Flags().BoolVar(&asJSON, "json", false, "print build info as JSON")
	return c
}
