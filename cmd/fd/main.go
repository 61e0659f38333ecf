package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"flowdesk/internal/app"
	"flowdesk/internal/config"
	"flowdesk/internal/db"
	"flowdesk/internal/domain"
	"flowdesk/internal/engine"
	"flowdesk/internal/engine/auth"
	"flowdesk/internal/migrate"
	"flowdesk/internal/repo"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "fd",
	Short: "Flowdesk CLI",
	Long: `Flowdesk moves issues through configurable workflows.
- Statuses are shared by an organization; each carries a category (TODO, IN_PROGRESS, DONE).
- Workflows connect statuses with named transitions. A transition runs conditions, then
  validators, commits the new status, then runs post-functions.
- Schemes (permission, notification, security) are clonable bundles assigned to projects.
- Projects point at one workflow and at most one scheme of each kind.
- Event log: every change is recorded; view it with 'fd log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		slog.SetDefault(newLogger(viper.GetString("log-level")))
		if viper.GetString("dsn") != "" {
			return nil
		}
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FLOWDESK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier")
	flags.String("org", "", "organization id (overrides flowdesk.yml)")
	flags.String("driver", "", "database driver: sqlite or postgres")
	flags.String("dsn", "", "database DSN (defaults to the workspace SQLite file)")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	for _, name := range []string{"workspace", "json", "actor-id", "org", "driver", "dsn", "log-level"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(issueCmd())
	rootCmd.AddCommand(schemeCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(authCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(notifyCmd())
	rootCmd.AddCommand(dbCmd())
	rootCmd.AddCommand(serveCmd())
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func initCmd() *cobra.Command {
	var orgName string
	var writeConfig bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the organization with default RBAC roles and workflow",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			orgID := viper.GetString("org")
			if writeConfig {
				if orgID == "" {
					return fmt.Errorf("--org required with --write-config")
				}
				path := config.Path(workspace)
				if _, err := os.Stat(path); err == nil {
					return fmt.Errorf("%s already exists", path)
				}
				if err := os.WriteFile(path, []byte(config.GenerateDefault(orgID)), 0o644); err != nil {
					return err
				}
			}
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			name := orgName
			if name == "" {
				name = a.OrgID
			}
			org, err := a.Engine.InitOrganization(cmd.Context(), a.OrgID, name, viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			return printJSONOrTable(org)
		},
	}
	cmd.Flags().StringVar(&orgName, "name", "", "organization display name")
	cmd.Flags().BoolVar(&writeConfig, "write-config", false, "write a default flowdesk.yml into the workspace")
	return cmd
}

func statusCmd() *cobra.Command {
	st := &cobra.Command{Use: "status", Short: "Manage the status catalog"}
	var name, category string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.Engine.CreateStatus(ctx, a.OrgID, name, domain.StatusCategory(strings.ToUpper(category)), actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "status name")
	create.Flags().StringVar(&category, "category", "TODO", "TODO, IN_PROGRESS or DONE")
	_ = create.MarkFlagRequired("name")

	list := &cobra.Command{
		Use:   "list",
		Short: "List statuses",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListStatuses(ctx, a.OrgID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Category"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.Name, s.Category})
				}
				tw.Render()
				return nil
			})
		},
	}
	st.AddCommand(create, list)
	return st
}

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{Use: "workflow", Short: "Manage workflows"}
	wf.AddCommand(workflowImportCmd())
	wf.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListWorkflows(ctx, a.OrgID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Default", "Statuses", "Transitions"})
				for _, w := range items {
					tw.AppendRow(table.Row{w.ID, w.Name, w.IsDefault, len(w.Statuses), len(w.Transitions)})
				}
				tw.Render()
				return nil
			})
		},
	})
	wf.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show a workflow with its statuses and transitions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				w, err := a.Engine.GetWorkflow(ctx, args[0], a.OrgID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(w)
				}
				printWorkflow(w)
				return nil
			})
		},
	})
	wf.AddCommand(&cobra.Command{
		Use:   "validate <id>",
		Short: "Report every graph and rule problem of a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				problems, err := a.Engine.ValidateWorkflow(ctx, args[0], a.OrgID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(problems)
				}
				if len(problems) == 0 {
					fmt.Println("workflow is valid")
					return nil
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Code", "Message"})
				for _, p := range problems {
					tw.AppendRow(table.Row{p.Code, p.Message})
				}
				tw.Render()
				return fmt.Errorf("%d problem(s)", len(problems))
			})
		},
	})
	wf.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a workflow no project is bound to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.DeleteWorkflow(ctx, args[0], a.OrgID, actorID())
			})
		},
	})
	wf.AddCommand(transitionCmd())
	return wf
}

func workflowImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a workflow from a YAML definition",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				w, err := a.Engine.ImportWorkflow(ctx, a.OrgID, data, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "workflow YAML file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func transitionCmd() *cobra.Command {
	tr := &cobra.Command{Use: "transition", Short: "Edit workflow transitions"}
	var workflowID, name, from, to, rulesFile string
	add := &cobra.Command{
		Use:   "add",
		Short: "Append a transition to a workflow",
		RunE: func(cmd *cobra.Command, args []string) error {
			in := engine.TransitionInput{Name: name, FromStatusID: from, ToStatusID: to}
			if rulesFile != "" {
				data, err := os.ReadFile(rulesFile)
				if err != nil {
					return err
				}
				def, err := config.ParseTransitionRules(data)
				if err != nil {
					return err
				}
				in.Conditions, in.Validators, in.PostFunctions = def.Conditions, def.Validators, def.PostFunctions
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.AddTransition(ctx, workflowID, a.OrgID, in, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	add.Flags().StringVar(&workflowID, "workflow", "", "workflow id")
	add.Flags().StringVar(&name, "name", "", "transition name")
	add.Flags().StringVar(&from, "from", "", "source status id")
	add.Flags().StringVar(&to, "to", "", "target status id")
	add.Flags().StringVar(&rulesFile, "rules", "", "YAML file with conditions, validators and post_functions")
	for _, f := range []string{"workflow", "name", "from", "to"} {
		_ = add.MarkFlagRequired(f)
	}

	var rmWorkflow string
	remove := &cobra.Command{
		Use:   "remove <transition-id>",
		Short: "Remove a transition from a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.RemoveTransition(ctx, rmWorkflow, a.OrgID, args[0], actorID())
			})
		},
	}
	remove.Flags().StringVar(&rmWorkflow, "workflow", "", "workflow id")
	_ = remove.MarkFlagRequired("workflow")
	tr.AddCommand(add, remove)
	return tr
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	var id, name, workflowID string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.CreateProject(ctx, engine.ProjectCreateOptions{
					ID: id, OrgID: a.OrgID, Name: name, WorkflowID: workflowID, ActorID: actorID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	create.Flags().StringVar(&id, "id", "", "project key")
	create.Flags().StringVar(&name, "name", "", "project name")
	create.Flags().StringVar(&workflowID, "workflow", "", "workflow id (defaults to the default workflow)")
	_ = create.MarkFlagRequired("name")

	list := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListProjects(ctx, a.OrgID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Workflow"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.WorkflowID})
				}
				tw.Render()
				return nil
			})
		},
	}

	binding := &cobra.Command{
		Use:   "binding <project-id>",
		Short: "Show the workflow and schemes bound to a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				b, err := a.Engine.Binding(ctx, args[0], a.OrgID)
				if err != nil {
					return err
				}
				return printBinding(b)
			})
		},
	}

	var bindWorkflow string
	bind := &cobra.Command{
		Use:   "bind-workflow <project-id>",
		Short: "Point a project at another workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				b, err := a.Engine.BindWorkflow(ctx, args[0], a.OrgID, bindWorkflow, actorID())
				if err != nil {
					return err
				}
				return printBinding(b)
			})
		},
	}
	bind.Flags().StringVar(&bindWorkflow, "workflow", "", "workflow id")
	_ = bind.MarkFlagRequired("workflow")

	var assignKind, assignScheme string
	assign := &cobra.Command{
		Use:   "assign-scheme <project-id>",
		Short: "Assign a scheme to a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				b, err := a.Engine.AssignScheme(ctx, domain.SchemeKind(assignKind), assignScheme, args[0], a.OrgID, actorID())
				if err != nil {
					return err
				}
				return printBinding(b)
			})
		},
	}
	assign.Flags().StringVar(&assignKind, "kind", "", "permission, notification or security")
	assign.Flags().StringVar(&assignScheme, "scheme", "", "scheme id")
	_ = assign.MarkFlagRequired("kind")
	_ = assign.MarkFlagRequired("scheme")

	prj.AddCommand(create, list, binding, bind, assign)
	return prj
}

func issueCmd() *cobra.Command {
	is := &cobra.Command{Use: "issue", Short: "Create issues and move them through their workflow"}
	var project, title, desc, assignee, level string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an issue at the workflow's initial status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				issue, err := a.Engine.CreateIssue(ctx, engine.IssueCreateOptions{
					ProjectID:     project,
					OrgID:         a.OrgID,
					Title:         title,
					Description:   desc,
					AssigneeID:    assignee,
					SecurityLevel: level,
					ActorID:       actorID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(issue)
			})
		},
	}
	create.Flags().StringVar(&project, "project", "", "project id")
	create.Flags().StringVar(&title, "title", "", "title")
	create.Flags().StringVar(&desc, "description", "", "description")
	create.Flags().StringVar(&assignee, "assignee", "", "assignee actor id")
	create.Flags().StringVar(&level, "security-level", "", "security level")
	_ = create.MarkFlagRequired("project")
	_ = create.MarkFlagRequired("title")

	var listProject, listStatus, listAssignee string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List issues visible to the actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListIssues(ctx, listProject, a.OrgID, actorID(), repo.IssueFilters{
					StatusID: listStatus, Assignee: listAssignee, Limit: limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Assignee", "Version"})
				for _, i := range items {
					assignee := ""
					if i.AssigneeID != nil {
						assignee = *i.AssigneeID
					}
					tw.AppendRow(table.Row{i.ID, i.Title, i.StatusID, assignee, i.Version})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&listProject, "project", "", "project id")
	list.Flags().StringVar(&listStatus, "status", "", "status id filter")
	list.Flags().StringVar(&listAssignee, "assignee", "", "assignee filter")
	list.Flags().IntVar(&limit, "limit", 50, "maximum issues")
	_ = list.MarkFlagRequired("project")

	show := &cobra.Command{
		Use:   "show <issue-id>",
		Short: "Show an issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				issue, err := a.Engine.GetIssue(ctx, args[0], a.OrgID, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(issue)
			})
		},
	}

	transitions := &cobra.Command{
		Use:   "transitions <issue-id>",
		Short: "List transitions leaving the issue's current status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.AvailableTransitions(ctx, args[0], a.OrgID, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Name", "From", "To", "Conditions", "Validators", "Post-functions"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.Name, t.FromStatusID, t.ToStatusID, ruleNames(t.Conditions), ruleNames(t.Validators), ruleNames(t.PostFunctions)})
				}
				tw.Render()
				return nil
			})
		},
	}

	var fields []string
	move := &cobra.Command{
		Use:   "move <issue-id> <transition>",
		Short: "Execute a named transition",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := parseFields(fields)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.TransitionIssue(ctx, args[0], a.OrgID, args[1], actorID(), input)
				if err != nil {
					return err
				}
				for _, pe := range res.PostFunctionErrors {
					slog.Warn("post-function failed", "post_function", pe.PostFunction, "error", pe.Cause)
				}
				return printJSONOrTable(res.Issue)
			})
		},
	}
	move.Flags().StringArrayVar(&fields, "field", nil, "transition input as key=value (repeatable)")

	is.AddCommand(create, list, show, transitions, move)
	return is
}

func rbacCmd() *cobra.Command {
	rb := &cobra.Command{Use: "rbac", Short: "Manage role grants"}
	var target, role, project string
	grant := &cobra.Command{
		Use:   "grant",
		Short: "Grant a role (requires project.admin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.Auth.Require(ctx, a.OrgID, project, actorID(), auth.PermProjectAdmin); err != nil {
					return err
				}
				return grantRole(ctx, a, project, target, role)
			})
		},
	}
	bootstrap := &cobra.Command{
		Use:   "bootstrap",
		Short: "Grant a role without RBAC checks (dev only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return grantRole(ctx, a, project, target, role)
			})
		},
	}
	for _, c := range []*cobra.Command{grant, bootstrap} {
		c.Flags().StringVar(&target, "actor", "", "actor id")
		c.Flags().StringVar(&role, "role", "", "role id")
		c.Flags().StringVar(&project, "project", "", "project id (omit for an organization-wide grant)")
		_ = c.MarkFlagRequired("actor")
		_ = c.MarkFlagRequired("role")
	}

	whoami := &cobra.Command{
		Use:   "whoami",
		Short: "Show the actor's roles and permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				roles, err := a.Engine.Auth.ActorRoles(ctx, nil, a.OrgID, project, actorID())
				if err != nil {
					return err
				}
				perms, err := a.Engine.Auth.ActorPermissions(ctx, nil, a.OrgID, project, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"actor_id": actorID(), "org_id": a.OrgID, "roles": roles, "permissions": perms})
			})
		},
	}
	whoami.Flags().StringVar(&project, "project", "", "project id")
	rb.AddCommand(grant, bootstrap, whoami)
	return rb
}

func grantRole(ctx context.Context, a *app.App, project, target, role string) error {
	if project == "" {
		return a.Engine.GrantOrgRole(ctx, a.OrgID, target, role, actorID())
	}
	return a.Engine.GrantProjectRole(ctx, a.OrgID, project, target, role, actorID())
}

func apiKeyCmd() *cobra.Command {
	ak := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the actor (printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				key, plain, err := a.Engine.CreateAPIKey(ctx, actorID(), name)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "key": plain})
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key label")
	ak.AddCommand(create)
	return ak
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	var n int
	var evtType, entityKind, entityID, project string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListEvents(ctx, n, 0, repo.EventFilters{
					OrgID: a.OrgID, ProjectID: project, Type: evtType, EntityKind: entityKind, EntityID: entityID,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Actor"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + ":" + e.EntityID, e.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVarP(&n, "n", "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	tail.Flags().StringVar(&project, "project", "", "project id")
	lg.AddCommand(tail)
	return lg
}

func notifyCmd() *cobra.Command {
	nt := &cobra.Command{Use: "notify", Short: "Read the notification feed"}
	var n int64
	recent := &cobra.Command{
		Use:   "recent",
		Short: "Show the newest notifications published by the notify post-function",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			items, err := a.RecentNotifications(cmd.Context(), n)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"Time", "Event", "Issue", "Transition", "Actor", "Recipients"})
			for _, m := range items {
				ids := make([]string, 0, len(m.Recipients))
				for _, r := range m.Recipients {
					ids = append(ids, r.ActorID)
				}
				tw.AppendRow(table.Row{m.TS, m.Event, m.IssueID, m.Transition, m.ActorID, strings.Join(ids, ",")})
			}
			tw.Render()
			return nil
		},
	}
	recent.Flags().Int64VarP(&n, "n", "n", 20, "number of notifications")
	nt.AddCommand(recent)
	return nt
}

func dbCmd() *cobra.Command {
	d := &cobra.Command{Use: "db", Short: "Inspect the database"}
	d.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show applied and pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			cfg := db.Config{Workspace: a.Workspace, Driver: viper.GetString("driver"), DSN: viper.GetString("dsn")}
			applied, pending, err := migrate.Status(a.Conn, cfg.Dialect())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"applied": applied, "pending": pending})
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"Version", "Name", "Applied"})
			for _, m := range applied {
				tw.AppendRow(table.Row{m.Version, m.Name, m.AppliedAt})
			}
			for _, name := range pending {
				tw.AppendRow(table.Row{"", name, "pending"})
			}
			tw.Render()
			return nil
		},
	})
	return d
}

// --- helpers ---

func actorID() string {
	return viper.GetString("actor-id")
}

func openApp(ctx context.Context) (*app.App, error) {
	return app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		Driver:    viper.GetString("driver"),
		DSN:       viper.GetString("dsn"),
		OrgID:     viper.GetString("org"),
		Logger:    slog.Default(),
	})
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.EnsureOrganization(ctx, actorID()); err != nil {
		return err
	}
	return fn(ctx, a)
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

func printWorkflow(w domain.Workflow) {
	fmt.Printf("%s (%s)\n", w.Name, w.ID)
	names := map[string]string{}
	tw := newTable()
	tw.AppendHeader(table.Row{"Status", "Name", "Category", "Initial"})
	for _, s := range w.Statuses {
		names[s.ID] = s.Name
		tw.AppendRow(table.Row{s.ID, s.Name, s.Category, s.ID == w.InitialStatusID})
	}
	tw.Render()
	tr := newTable()
	tr.AppendHeader(table.Row{"Transition", "Name", "From", "To", "Conditions", "Validators", "Post-functions"})
	for _, t := range w.Transitions {
		tr.AppendRow(table.Row{t.ID, t.Name, names[t.FromStatusID], names[t.ToStatusID], ruleNames(t.Conditions), ruleNames(t.Validators), ruleNames(t.PostFunctions)})
	}
	tr.Render()
}

func printBinding(b domain.ProjectBinding) error {
	if viper.GetBool("json") {
		return printJSON(b)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"Project", "Workflow", "Permission", "Notification", "Security"})
	tw.AppendRow(table.Row{b.ProjectID, b.WorkflowID, b.Schemes[domain.SchemePermission], b.Schemes[domain.SchemeNotification], b.Schemes[domain.SchemeSecurity]})
	tw.Render()
	return nil
}

func ruleNames(refs []domain.RuleRef) string {
	names := make([]string, 0, len(refs))
	for _, r := range refs {
		names = append(names, r.Name)
	}
	return strings.Join(names, ",")
}

func parseFields(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid --field %q, want key=value", p)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
