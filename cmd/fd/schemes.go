package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"flowdesk/internal/app"
	"flowdesk/internal/domain"
	"flowdesk/internal/scheme"
)

// schemeOps hides the entry type so one command tree serves every kind.
type schemeOps interface {
	create(ctx context.Context, a *app.App, name, desc string, isDefault bool, entries []byte) (any, error)
	list(ctx context.Context, a *app.App) error
	show(ctx context.Context, a *app.App, id string) (any, error)
	clone(ctx context.Context, a *app.App, id, name string) (any, error)
	count(ctx context.Context, a *app.App, id string) (int, error)
	remove(ctx context.Context, a *app.App, id string) error
	addEntry(ctx context.Context, a *app.App, id string, entry []byte) (any, error)
	removeEntry(ctx context.Context, a *app.App, id string, index int) (any, error)
}

type kindOps[E any] struct {
	reg func(*app.App) *scheme.Registry[E]
}

func (k kindOps[E]) create(ctx context.Context, a *app.App, name, desc string, isDefault bool, data []byte) (any, error) {
	var entries []E
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &entries); err != nil {
			return nil, fmt.Errorf("invalid entries yaml: %w", err)
		}
	}
	return k.reg(a).CreateScheme(ctx, scheme.CreateInput[E]{
		OrgID: a.OrgID, Name: name, Description: desc, IsDefault: isDefault, Entries: entries, ActorID: actorID(),
	})
}

func (k kindOps[E]) list(ctx context.Context, a *app.App) error {
	items, err := k.reg(a).ListSchemes(ctx, a.OrgID)
	if err != nil {
		return err
	}
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Name", "Default", "Parent"})
	for _, s := range items {
		parent := ""
		if s.ParentID != nil {
			parent = *s.ParentID
		}
		tw.AppendRow(table.Row{s.ID, s.Name, s.IsDefault, parent})
	}
	tw.Render()
	return nil
}

func (k kindOps[E]) show(ctx context.Context, a *app.App, id string) (any, error) {
	return k.reg(a).GetSchemeWithEntries(ctx, id, a.OrgID)
}

func (k kindOps[E]) clone(ctx context.Context, a *app.App, id, name string) (any, error) {
	return k.reg(a).CloneScheme(ctx, id, name, a.OrgID, actorID())
}

func (k kindOps[E]) count(ctx context.Context, a *app.App, id string) (int, error) {
	return k.reg(a).CountProjectsUsing(ctx, id, a.OrgID)
}

func (k kindOps[E]) remove(ctx context.Context, a *app.App, id string) error {
	return k.reg(a).DeleteScheme(ctx, id, a.OrgID, actorID())
}

func (k kindOps[E]) addEntry(ctx context.Context, a *app.App, id string, data []byte) (any, error) {
	var entry E
	if err := yaml.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("invalid entry yaml: %w", err)
	}
	return k.reg(a).AddEntry(ctx, id, a.OrgID, actorID(), entry)
}

func (k kindOps[E]) removeEntry(ctx context.Context, a *app.App, id string, index int) (any, error) {
	return k.reg(a).RemoveEntry(ctx, id, a.OrgID, actorID(), index)
}

var schemeKinds = map[domain.SchemeKind]schemeOps{
	domain.SchemePermission: kindOps[domain.PermissionGrant]{
		reg: func(a *app.App) *scheme.PermissionRegistry { return a.Engine.Schemes.Permission },
	},
	domain.SchemeNotification: kindOps[domain.NotificationRule]{
		reg: func(a *app.App) *scheme.NotificationRegistry { return a.Engine.Schemes.Notification },
	},
	domain.SchemeSecurity: kindOps[domain.SecurityLevelMember]{
		reg: func(a *app.App) *scheme.SecurityRegistry { return a.Engine.Schemes.Security },
	},
}

func opsFor(kind string) (schemeOps, error) {
	ops, ok := schemeKinds[domain.SchemeKind(kind)]
	if !ok {
		return nil, fmt.Errorf("unknown scheme kind %q (permission, notification, security)", kind)
	}
	return ops, nil
}

func schemeCmd() *cobra.Command {
	var kind string
	sc := &cobra.Command{Use: "scheme", Short: "Manage permission, notification and security schemes"}
	sc.PersistentFlags().StringVar(&kind, "kind", "", "permission, notification or security")
	_ = sc.MarkPersistentFlagRequired("kind")

	run := func(fn func(context.Context, *app.App, schemeOps, []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			ops, err := opsFor(kind)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return fn(ctx, a, ops, args)
			})
		}
	}

	var name, desc, entriesFile string
	var isDefault bool
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a scheme, optionally with entries from a YAML list",
		RunE: run(func(ctx context.Context, a *app.App, ops schemeOps, _ []string) error {
			var data []byte
			if entriesFile != "" {
				var err error
				if data, err = os.ReadFile(entriesFile); err != nil {
					return err
				}
			}
			s, err := ops.create(ctx, a, name, desc, isDefault, data)
			if err != nil {
				return err
			}
			return printJSONOrTable(s)
		}),
	}
	create.Flags().StringVar(&name, "name", "", "scheme name")
	create.Flags().StringVar(&desc, "description", "", "description")
	create.Flags().BoolVar(&isDefault, "default", false, "mark as the organization default")
	create.Flags().StringVarP(&entriesFile, "file", "f", "", "YAML list of entries")
	_ = create.MarkFlagRequired("name")

	list := &cobra.Command{
		Use:   "list",
		Short: "List schemes of a kind",
		RunE: run(func(ctx context.Context, a *app.App, ops schemeOps, _ []string) error {
			return ops.list(ctx, a)
		}),
	}

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a scheme with its entries",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(ctx context.Context, a *app.App, ops schemeOps, args []string) error {
			s, err := ops.show(ctx, a, args[0])
			if err != nil {
				return err
			}
			return printJSONOrTable(s)
		}),
	}

	var cloneName string
	clone := &cobra.Command{
		Use:   "clone <id>",
		Short: "Deep-copy a scheme",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(ctx context.Context, a *app.App, ops schemeOps, args []string) error {
			s, err := ops.clone(ctx, a, args[0], cloneName)
			if err != nil {
				return err
			}
			return printJSONOrTable(s)
		}),
	}
	clone.Flags().StringVar(&cloneName, "name", "", "name of the copy")

	count := &cobra.Command{
		Use:   "count <id>",
		Short: "Number of projects using a scheme",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(ctx context.Context, a *app.App, ops schemeOps, args []string) error {
			n, err := ops.count(ctx, a, args[0])
			if err != nil {
				return err
			}
			return printJSONOrTable(map[string]any{"scheme_id": args[0], "project_count": n})
		}),
	}

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a scheme no project uses",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(ctx context.Context, a *app.App, ops schemeOps, args []string) error {
			return ops.remove(ctx, a, args[0])
		}),
	}

	sc.AddCommand(create, list, show, clone, count, del, schemeEntryCmd(&kind))
	return sc
}

func schemeEntryCmd(kind *string) *cobra.Command {
	en := &cobra.Command{Use: "entry", Short: "Edit scheme entries"}
	var file string
	add := &cobra.Command{
		Use:   "add <scheme-id>",
		Short: "Append an entry read from a YAML document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ops, err := opsFor(*kind)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := ops.addEntry(ctx, a, args[0], data)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	add.Flags().StringVarP(&file, "file", "f", "", "YAML entry")
	_ = add.MarkFlagRequired("file")

	var index int
	remove := &cobra.Command{
		Use:   "remove <scheme-id>",
		Short: "Remove the entry at a 0-based position",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ops, err := opsFor(*kind)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := ops.removeEntry(ctx, a, args[0], index)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	remove.Flags().IntVar(&index, "index", 0, "entry position")
	en.AddCommand(add, remove)
	return en
}
