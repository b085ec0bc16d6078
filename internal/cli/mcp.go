package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hatago-mcp/hatago/internal/config"
)

func newMCPCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Manage upstream server definitions",
	}
	cmd.AddCommand(newMCPAddCommand())
	cmd.AddCommand(newMCPRemoveCommand())
	cmd.AddCommand(newMCPGetCommand())
	cmd.AddCommand(newMCPListCommand())
	return cmd
}

// loadConfigDoc reads the config file as a generic JSON document so
// edits keep fields this CLI version does not model. JSONC comments do
// not survive a rewrite.
func loadConfigDoc() (map[string]json.RawMessage, error) {
	raw, err := os.ReadFile(flagConfig)
	if err != nil {
		return nil, err
	}
	processed, err := config.Preprocess(raw)
	if err != nil {
		return nil, err
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(processed, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", flagConfig, err)
	}
	return doc, nil
}

func saveConfigDoc(doc map[string]json.RawMessage) error {
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(flagConfig, append(out, '\n'), 0o600)
}

func loadServers(doc map[string]json.RawMessage) (map[string]config.ServerConfig, error) {
	servers := make(map[string]config.ServerConfig)
	if raw, ok := doc["mcpServers"]; ok {
		if err := json.Unmarshal(raw, &servers); err != nil {
			return nil, fmt.Errorf("parse mcpServers: %w", err)
		}
	}
	return servers, nil
}

func saveServers(doc map[string]json.RawMessage, servers map[string]config.ServerConfig) error {
	raw, err := json.Marshal(servers)
	if err != nil {
		return err
	}
	doc["mcpServers"] = raw
	return saveConfigDoc(doc)
}

func newMCPAddCommand() *cobra.Command {
	var (
		url     string
		kind    string
		headers []string
		env     []string
		cwd     string
		policy  string
		tags    []string
	)

	cmd := &cobra.Command{
		Use:   "add <id> [-- command [args...]]",
		Short: "Add an upstream server to the config",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			sc := config.ServerConfig{
				URL:              url,
				Type:             kind,
				Cwd:              cwd,
				ActivationPolicy: policy,
				Tags:             tags,
			}
			if len(args) > 1 {
				sc.Command = args[1]
				sc.Args = args[2:]
			}
			if sc.Command == "" && sc.URL == "" {
				return fmt.Errorf("either a command or --url is required")
			}
			var err error
			if sc.Headers, err = parsePairs(headers); err != nil {
				return err
			}
			if sc.Env, err = parsePairs(env); err != nil {
				return err
			}

			doc, err := loadConfigDoc()
			if err != nil {
				return err
			}
			servers, err := loadServers(doc)
			if err != nil {
				return err
			}
			if _, exists := servers[id]; exists {
				return fmt.Errorf("server %q already exists", id)
			}
			servers[id] = sc

			if err := validateServers(doc, servers); err != nil {
				return err
			}
			if err := saveServers(doc, servers); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s\n", id)
			return nil
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "remote server URL")
	cmd.Flags().StringVar(&kind, "type", "", "remote transport (http, streamable-http, sse)")
	cmd.Flags().StringArrayVar(&headers, "header", nil, "request header KEY=VALUE (repeatable)")
	cmd.Flags().StringArrayVar(&env, "env", nil, "child process env KEY=VALUE (repeatable)")
	cmd.Flags().StringVar(&cwd, "cwd", "", "child process working directory")
	cmd.Flags().StringVar(&policy, "policy", "", "activation policy (always, onDemand, manual)")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag for --tags filtering (repeatable)")
	return cmd
}

// validateServers checks an edited server set before it is written, so
// the CLI cannot produce a config the hub would refuse to load.
func validateServers(doc map[string]json.RawMessage, servers map[string]config.ServerConfig) error {
	raw, err := json.Marshal(servers)
	if err != nil {
		return err
	}
	probe := make(map[string]json.RawMessage, len(doc))
	for k, v := range doc {
		probe[k] = v
	}
	probe[fieldMCPServers] = raw
	full, err := json.Marshal(probe)
	if err != nil {
		return err
	}
	cfg, err := config.Parse(full)
	if err != nil {
		return err
	}
	return cfg.Validate()
}

const fieldMCPServers = "mcpServers"

func parsePairs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	m := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected KEY=VALUE, got %q", p)
		}
		m[k] = v
	}
	return m, nil
}

func newMCPRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove an upstream server from the config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := loadConfigDoc()
			if err != nil {
				return err
			}
			servers, err := loadServers(doc)
			if err != nil {
				return err
			}
			if _, ok := servers[args[0]]; !ok {
				return fmt.Errorf("server %q not found", args[0])
			}
			delete(servers, args[0])
			if err := saveServers(doc, servers); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return nil
		},
	}
}

func newMCPGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one upstream server definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := loadConfigDoc()
			if err != nil {
				return err
			}
			servers, err := loadServers(doc)
			if err != nil {
				return err
			}
			sc, ok := servers[args[0]]
			if !ok {
				return fmt.Errorf("server %q not found", args[0])
			}
			out, err := json.MarshalIndent(sc, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}

func newMCPListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured upstream servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := loadConfigDoc()
			if err != nil {
				return err
			}
			servers, err := loadServers(doc)
			if err != nil {
				return err
			}

			ids := make([]string, 0, len(servers))
			for id := range servers {
				ids = append(ids, id)
			}
			sort.Strings(ids)

			for _, id := range ids {
				sc := servers[id]
				target := sc.URL
				if sc.Command != "" {
					target = strings.TrimSpace(sc.Command + " " + strings.Join(sc.Args, " "))
				}
				policy := sc.ActivationPolicy
				if policy == "" {
					policy = "always"
				}
				state := ""
				if sc.Disabled {
					state = " (disabled)"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s%s\n", id, policy, target, state)
			}
			return nil
		},
	}
}
