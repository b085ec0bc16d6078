package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// starterConfig is the scaffold written by `hatago init`. JSONC comments
// survive loading; the example server is disabled so a fresh hub starts
// clean.
const starterConfig = `{
  // Hatago hub configuration.
  // Docs: every field here is optional except version and mcpServers.
  "version": 1,
  "logLevel": "info",
  "http": {
    "host": "127.0.0.1",
    "port": 3535,
    "path": "/mcp"
  },
  "toolNaming": {
    // namespace: tool_serverid, alias: serverid_tool, error: reject collisions
    "strategy": "namespace",
    "separator": "_"
  },
  "mcpServers": {
    "everything": {
      "command": "npx",
      "args": ["-y", "@modelcontextprotocol/server-everything"],
      "activationPolicy": "onDemand",
      "disabled": true
    }
    // Remote example:
    // "github": {
    //   "url": "https://api.githubcopilot.com/mcp/",
    //   "headers": { "Authorization": "Bearer ${env:GITHUB_TOKEN}" }
    // }
  }
}
`

func newInitCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				if _, err := os.Stat(flagConfig); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", flagConfig)
				}
			}
			if err := os.WriteFile(flagConfig, []byte(starterConfig), 0o600); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", flagConfig)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}
