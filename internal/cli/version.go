package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hatago-mcp/hatago/internal/service"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the hub version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "hatago %s\n", service.Version)
		},
	}
}
