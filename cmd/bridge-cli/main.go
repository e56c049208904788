// Command bridge-cli manages a llm-bridge database from the terminal:
// providers, models, settings, and read access to the audit trail. It
// operates on the SQLite file directly and does not need a running
// bridged instance.
package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	llmbridge "github.com/ferro-labs/llm-bridge"
	"github.com/ferro-labs/llm-bridge/internal/settings"
	"github.com/ferro-labs/llm-bridge/internal/store"
	"github.com/ferro-labs/llm-bridge/internal/version"
	"github.com/ferro-labs/llm-bridge/providers"
)

var dbPath string

func main() {
	root := &cobra.Command{
		Use:           "bridge-cli",
		Short:         "Manage a llm-bridge database",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	defaultDB := os.Getenv("DB_PATH")
	if defaultDB == "" {
		defaultDB = "bridge.db"
	}
	root.PersistentFlags().StringVar(&dbPath, "db", defaultDB, "path to the bridge database")

	root.AddCommand(
		providerCmd(),
		modelCmd(),
		settingsCmd(),
		setCmd(),
		statusCmd(),
		historyCmd(),
		statsCmd(),
		migrateCmd(),
		versionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// withGateway opens the database, runs fn, and closes again. Providers
// are not loaded; commands that need a live instance load it themselves.
func withGateway(fn func(g *llmbridge.Gateway) error) error {
	g, err := llmbridge.New(llmbridge.Options{DBPath: dbPath})
	if err != nil {
		return err
	}
	defer func() { _ = g.Close() }()
	return fn(g)
}

// --------------------------------------------------------------- provider ---

func providerCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "provider", Short: "Manage providers"}

	var (
		pType    string
		pName    string
		enabled  bool
		priority int
		configs  []string
	)
	add := &cobra.Command{
		Use:   "add <id>",
		Short: "Register a provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withGateway(func(g *llmbridge.Gateway) error {
				id := args[0]
				name := pName
				if name == "" {
					name = id
				}
				if err := g.Store().Providers().Create(&store.Provider{
					ID: id, Name: name, Type: pType, Enabled: enabled, Priority: priority,
				}); err != nil {
					return err
				}
				for _, kv := range configs {
					key, value, ok := strings.Cut(kv, "=")
					if !ok {
						return fmt.Errorf("config %q is not key=value", kv)
					}
					sensitive := key == "apiKey" || key == "token"
					if err := g.Store().Providers().SetConfig(id, key, value, sensitive); err != nil {
						return err
					}
				}
				fmt.Printf("provider %s added (%s)\n", id, pType)
				return nil
			})
		},
	}
	add.Flags().StringVar(&pType, "type", providers.TypeOpenAILocal, "provider type")
	add.Flags().StringVar(&pName, "name", "", "display name (defaults to id)")
	add.Flags().BoolVar(&enabled, "enabled", true, "enable the provider")
	add.Flags().IntVar(&priority, "priority", 0, "fallback priority, higher wins")
	add.Flags().StringArrayVar(&configs, "config", nil, "config entry key=value, repeatable")

	list := &cobra.Command{
		Use:   "list",
		Short: "List providers",
		RunE: func(_ *cobra.Command, _ []string) error {
			return withGateway(func(g *llmbridge.Gateway) error {
				rows, err := g.Store().Providers().FindAll(store.ProviderFilter{})
				if err != nil {
					return err
				}
				for _, p := range rows {
					state := "disabled"
					if p.Enabled {
						state = "enabled"
					}
					fmt.Printf("%-20s %-14s %-9s priority=%d\n", p.ID, p.Type, state, p.Priority)
				}
				return nil
			})
		},
	}

	var (
		editName     string
		editPriority int
		editDesc     string
	)
	edit := &cobra.Command{
		Use:   "edit <id>",
		Short: "Update a provider's name, priority, or description",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGateway(func(g *llmbridge.Gateway) error {
				p, err := g.Store().Providers().Get(args[0])
				if err != nil {
					return err
				}
				if cmd.Flags().Changed("name") {
					p.Name = editName
				}
				if cmd.Flags().Changed("priority") {
					p.Priority = editPriority
				}
				if cmd.Flags().Changed("description") {
					p.Description = editDesc
				}
				if err := g.Store().Providers().Update(p); err != nil {
					return err
				}
				fmt.Printf("provider %s updated\n", p.ID)
				return nil
			})
		},
	}
	edit.Flags().StringVar(&editName, "name", "", "display name")
	edit.Flags().IntVar(&editPriority, "priority", 0, "fallback priority")
	edit.Flags().StringVar(&editDesc, "description", "", "description")

	setEnabled := func(use, short string, enabled bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				return withGateway(func(g *llmbridge.Gateway) error {
					if err := g.Store().Providers().SetEnabled(args[0], enabled); err != nil {
						return err
					}
					fmt.Printf("provider %s %sd\n", args[0], use)
					return nil
				})
			},
		}
	}

	remove := &cobra.Command{
		Use:   "remove <id>",
		Short: "Delete a provider and its configs",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withGateway(func(g *llmbridge.Gateway) error {
				if err := g.Store().Providers().Delete(args[0]); err != nil {
					return err
				}
				fmt.Printf("provider %s removed\n", args[0])
				return nil
			})
		},
	}

	test := &cobra.Command{
		Use:   "test <id>",
		Short: "Load a provider and run its health check",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withGateway(func(g *llmbridge.Gateway) error {
				id := args[0]
				if err := g.Registry().Load(id); err != nil {
					return err
				}
				inst, err := g.Registry().Get(id)
				if err != nil {
					return err
				}
				ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				status := inst.HealthCheck(ctx)
				if !status.Healthy {
					return fmt.Errorf("provider %s unhealthy: %s", id, status.Message)
				}
				fmt.Printf("provider %s healthy (%dms)\n", id, status.LatencyMs)
				return nil
			})
		},
	}

	cmd.AddCommand(add, list, edit,
		setEnabled("enable", "Enable a provider", true),
		setEnabled("disable", "Disable a provider", false),
		remove, test)
	return cmd
}

// ------------------------------------------------------------------ model ---

func modelCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "model", Short: "Manage models and links"}

	var caps []string
	add := &cobra.Command{
		Use:   "add <id>",
		Short: "Register a model",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withGateway(func(g *llmbridge.Gateway) error {
				if err := g.Store().Models().Create(&store.Model{ID: args[0], Capabilities: caps}); err != nil {
					return err
				}
				fmt.Printf("model %s added\n", args[0])
				return nil
			})
		},
	}
	add.Flags().StringSliceVar(&caps, "capabilities", nil, "model capabilities (default chat)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List models",
		RunE: func(_ *cobra.Command, _ []string) error {
			return withGateway(func(g *llmbridge.Gateway) error {
				rows, err := g.Store().Models().FindAll()
				if err != nil {
					return err
				}
				for _, m := range rows {
					fmt.Printf("%-28s %s\n", m.ID, strings.Join(m.Capabilities, ","))
				}
				return nil
			})
		},
	}

	var asDefault bool
	link := &cobra.Command{
		Use:   "link <provider> <model>",
		Short: "Link a model to a provider",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return withGateway(func(g *llmbridge.Gateway) error {
				if err := g.Store().Models().Link(&store.ProviderModel{
					ProviderID: args[0], ModelID: args[1], IsDefault: asDefault,
				}); err != nil {
					return err
				}
				fmt.Printf("model %s linked to %s\n", args[1], args[0])
				return nil
			})
		},
	}
	link.Flags().BoolVar(&asDefault, "default", false, "mark as the provider default")

	unlink := &cobra.Command{
		Use:   "unlink <provider> <model>",
		Short: "Remove a provider-model link",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return withGateway(func(g *llmbridge.Gateway) error {
				if err := g.Store().Models().Unlink(args[0], args[1]); err != nil {
					return err
				}
				fmt.Printf("model %s unlinked from %s\n", args[1], args[0])
				return nil
			})
		},
	}

	cmd.AddCommand(add, list, link, unlink)
	return cmd
}

// --------------------------------------------------------------- settings ---

func settingsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "settings", Short: "Read and write settings"}

	get := &cobra.Command{
		Use:   "get [key]",
		Short: "Print one setting, or all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withGateway(func(g *llmbridge.Gateway) error {
				if len(args) == 1 {
					fmt.Println(g.Settings().Get(args[0]))
					return nil
				}
				all := g.Settings().All()
				keys := make([]string, 0, len(all))
				for k := range all {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					fmt.Printf("%-24s %s\n", k, all[k])
				}
				return nil
			})
		},
	}

	set := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Update a setting",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return withGateway(func(g *llmbridge.Gateway) error {
				restart, err := g.Settings().Update(args[0], args[1])
				if err != nil {
					return err
				}
				if restart {
					fmt.Printf("%s set (restart required)\n", args[0])
				} else {
					fmt.Printf("%s set\n", args[0])
				}
				return nil
			})
		},
	}

	cmd.AddCommand(get, set)
	return cmd
}

// setCmd is the shorthand for choosing the active provider.
func setCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <provider>",
		Short: "Select the active provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withGateway(func(g *llmbridge.Gateway) error {
				if _, err := g.Store().Providers().Get(args[0]); err != nil {
					return err
				}
				if _, err := g.Settings().Update(settings.KeyActiveProvider, args[0]); err != nil {
					return err
				}
				fmt.Printf("active provider: %s\n", args[0])
				return nil
			})
		},
	}
}

// ------------------------------------------------------------- diagnostics --

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print providers and the active selection",
		RunE: func(_ *cobra.Command, _ []string) error {
			return withGateway(func(g *llmbridge.Gateway) error {
				active := g.Settings().Get(settings.KeyActiveProvider)
				rows, err := g.Store().Providers().FindAll(store.ProviderFilter{})
				if err != nil {
					return err
				}
				for _, p := range rows {
					marker := " "
					if p.ID == active {
						marker = "*"
					}
					state := "disabled"
					if p.Enabled {
						state = "enabled"
					}
					fmt.Printf("%s %-20s %-14s %s\n", marker, p.ID, p.Type, state)
				}
				if active == "" {
					fmt.Println("no active provider set; routing falls back by priority")
				}
				return nil
			})
		},
	}
}

func historyCmd() *cobra.Command {
	var (
		provider string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent requests",
		RunE: func(_ *cobra.Command, _ []string) error {
			return withGateway(func(g *llmbridge.Gateway) error {
				rows, err := g.Recorder().History(store.HistoryFilter{ProviderID: provider, Limit: limit})
				if err != nil {
					return err
				}
				for _, req := range rows {
					ts := time.UnixMilli(req.Timestamp).Format(time.RFC3339)
					mode := "buffered"
					if req.Stream {
						mode = "stream"
					}
					fmt.Printf("%s  %-36s %-20s %-10s %s\n", ts, req.RequestID, req.Model, mode, req.ProviderID)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "", "filter by provider id")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print request counts and token totals",
		RunE: func(_ *cobra.Command, _ []string) error {
			return withGateway(func(g *llmbridge.Gateway) error {
				requests, err := g.Store().Requests().Count()
				if err != nil {
					return err
				}
				responses, err := g.Store().Responses().Count()
				if err != nil {
					return err
				}
				errCount, err := g.Store().Errors().Count()
				if err != nil {
					return err
				}
				prompt, completion, total, err := g.Store().Responses().UsageTotals()
				if err != nil {
					return err
				}
				fmt.Printf("requests:   %d\n", requests)
				fmt.Printf("responses:  %d\n", responses)
				fmt.Printf("errors:     %d\n", errCount)
				fmt.Printf("tokens:     prompt=%d completion=%d total=%d\n", prompt, completion, total)
				return nil
			})
		},
	}
}

func migrateCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(_ *cobra.Command, _ []string) error {
			if dryRun {
				st, err := store.OpenForInspection(dbPath)
				if err != nil {
					return err
				}
				defer func() { _ = st.Close() }()
				pending, err := st.PendingMigrations()
				if err != nil {
					return err
				}
				for _, m := range pending {
					fmt.Printf("pending: %d %s\n", m.Version, m.Name)
				}
				fmt.Printf("%d migration(s) pending\n", len(pending))
				return nil
			}
			// A normal open applies every pending migration.
			st, err := store.Open(dbPath)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()
			version, err := st.SchemaVersion()
			if err != nil {
				return err
			}
			fmt.Printf("schema up to date at version %d\n", version)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list pending migrations without applying")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println("bridge-cli", version.String())
		},
	}
}
