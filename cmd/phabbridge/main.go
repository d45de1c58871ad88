package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"phabbridge/internal/app"
	"phabbridge/internal/bridge"
	"phabbridge/internal/config"
	"phabbridge/internal/credential"
	"phabbridge/internal/db"
	"phabbridge/internal/domain"
	"phabbridge/internal/engine"
	"phabbridge/internal/engine/auth"
	"phabbridge/internal/logging"
	"phabbridge/internal/migrate"
	"phabbridge/internal/repo"
	"phabbridge/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "phabbridge",
	Short: "Phabricator issue bridge for an error tracker",
	Long: `phabbridge files Maniphest tasks for error groups and links groups to existing tasks.
- Workspace: the .phabbridge directory holding the database; phabbridge.yml holds server, Conduit and log settings.
- Options: per-project host, Conduit token and default project PHIDs. Tokens may be stored in the OS keyring and referenced as keyring:<key>.
- Issues: a group links to at most one task, created with 'issue create' or attached with 'issue link'.
- Event log: every change is recorded, view with 'phabbridge log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if err := godotenv.Load(filepath.Join(workspace, ".env")); err != nil && !os.IsNotExist(errors.Cause(err)) {
			return errors.Wrap(err, "load .env")
		}
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PHABBRIDGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (defaults to the only configured project)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides config)")
	rootCmd.PersistentFlags().String("db", "", "database file (default <workspace>/.phabbridge/phabbridge.db)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("db", rootCmd.PersistentFlags().Lookup("db"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(optionsCmd())
	rootCmd.AddCommand(fieldsCmd())
	rootCmd.AddCommand(issueCmd())
	rootCmd.AddCommand(checkCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create phabbridge.yml and the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return errors.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				applied, err := migrate.Status(r.DB)
				if err != nil {
					return err
				}
				fmt.Printf("Wrote %s and initialised %s\n", path, dbConfig(workspace).File())
				for _, m := range applied {
					fmt.Printf("  migration %s applied %s\n", m.Name, m.AppliedAt)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func optionsCmd() *cobra.Command {
	opts := &cobra.Command{
		Use:   "options",
		Short: "Manage per-project plugin options",
	}
	opts.AddCommand(optionsListCmd())
	opts.AddCommand(optionsShowCmd())
	opts.AddCommand(optionsSetCmd())
	opts.AddCommand(optionsDeleteCmd())
	opts.AddCommand(optionsImportCmd())
	opts.AddCommand(optionsUseCmd())
	opts.AddCommand(optionsFieldsCmd())
	return opts
}

func optionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListOptions(ctx)
				if err != nil {
					return err
				}
				for i := range items {
					items[i] = items[i].Masked()
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Project", "Host", "Token", "Project PHIDs", "Updated"})
				for _, o := range items {
					tw.AppendRow(table.Row{o.ProjectID, o.Host, o.Token, o.ProjectPHIDs, o.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func optionsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show a project's options (token masked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				o, err := e.ProjectOptions(ctx, projectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(o.Masked())
			})
		},
	}
}

func optionsSetCmd() *cobra.Command {
	var host, token, phids string
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Set a project's host, token and default project PHIDs",
		Long:  "The token may be a literal Conduit API token or keyring:<key> naming an entry stored with 'phabbridge token store'.",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := strings.TrimSpace(viper.GetString("project"))
			if projectID == "" {
				return errors.New("--project is required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.SetProjectOptions(ctx, domain.ProjectOptions{ProjectID: projectID, Host: host, Token: token, ProjectPHIDs: phids})
				if err != nil {
					return err
				}
				return printJSONOrTable(o.Masked())
			})
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "Phabricator base URL, e.g. https://phabricator.example.com/")
	cmd.Flags().StringVar(&token, "token", "", "Conduit API token or keyring:<key>")
	cmd.Flags().StringVar(&phids, "project-phids", "", `JSON array of project PHIDs, e.g. ["PHID-PROJ-abc"]`)
	_ = cmd.MarkFlagRequired("host")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func optionsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete",
		Short: "Delete a project's options; recorded links are kept",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				if err := e.DeleteProjectOptions(ctx, projectID); err != nil {
					return err
				}
				fmt.Printf("Deleted options of %s\n", projectID)
				return nil
			})
		},
	}
}

func optionsImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import project options from the projects section of a YAML config",
		RunE: func(cmd *cobra.Command, args []string) error {
			if filePath == "" {
				filePath = config.Path(viper.GetString("workspace"))
			}
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return errors.Wrapf(err, "read %s", filePath)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ImportOptions(ctx, cfg)
				if err != nil {
					return err
				}
				for i := range items {
					items[i] = items[i].Masked()
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config (defaults to phabbridge.yml)")
	return cmd
}

func optionsUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <project>",
		Short: "Set the default project for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := strings.TrimSpace(args[0])
			if projectID == "" {
				return errors.New("project id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "PHABBRIDGE_PROJECT", projectID); err != nil {
				return err
			}
			fmt.Printf("Set PHABBRIDGE_PROJECT=%s in %s/.env\n", projectID, workspace)
			return nil
		},
	}
}

func optionsFieldsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fields",
		Short: "Show the options form",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printFields(bridge.ConfigFields())
		},
	}
}

type groupFlags struct {
	id, title, culprit, permalink, message, body string
}

func (g *groupFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&g.id, "group-id", "", "error group id")
	cmd.Flags().StringVar(&g.title, "group-title", "", "error group title")
	cmd.Flags().StringVar(&g.culprit, "culprit", "", "error group culprit")
	cmd.Flags().StringVar(&g.permalink, "permalink", "", "error group URL")
	cmd.Flags().StringVar(&g.message, "message", "", "event message")
	cmd.Flags().StringVar(&g.body, "event-body", "", "event body, e.g. a stack trace")
}

func (g groupFlags) group() domain.Group {
	return domain.Group{ID: g.id, Title: g.title, Culprit: g.culprit, Permalink: g.permalink}
}

func (g groupFlags) event() domain.ErrorEvent {
	return domain.ErrorEvent{Message: g.message, Body: g.body}
}

func fieldsCmd() *cobra.Command {
	f := &cobra.Command{
		Use:   "fields",
		Short: "Render issue forms for a group",
	}
	var create, link groupFlags
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "New task form, with priority and status choices from Conduit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				fields, err := e.CreateFields(ctx, projectID, create.group(), create.event())
				if err != nil {
					return err
				}
				return printFields(fields)
			})
		},
	}
	create.bind(createCmd)
	linkCmd := &cobra.Command{
		Use:   "link",
		Short: "Link existing task form",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				fields, err := e.LinkFields(ctx, projectID, link.group(), link.event())
				if err != nil {
					return err
				}
				return printFields(fields)
			})
		},
	}
	link.bind(linkCmd)
	f.AddCommand(createCmd, linkCmd)
	return f
}

func issueCmd() *cobra.Command {
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Create, link and inspect Maniphest tasks of groups",
	}
	issue.AddCommand(issueCreateCmd())
	issue.AddCommand(issueLinkCmd())
	issue.AddCommand(issueShowCmd())
	issue.AddCommand(issueListCmd())
	issue.AddCommand(issueUnlinkCmd())
	issue.AddCommand(issueDisplayCmd())
	return issue
}

func issueCreateCmd() *cobra.Command {
	var g groupFlags
	var form domain.CreateForm
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task for a group",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				if form.Title == "" {
					form.Title = g.title
				}
				link, err := e.CreateIssue(ctx, projectID, g.group(), form)
				if err != nil {
					return err
				}
				return printLink(link)
			})
		},
	}
	g.bind(cmd)
	cmd.Flags().StringVar(&form.Title, "title", "", "task title (defaults to the group title)")
	cmd.Flags().StringVar(&form.Description, "description", "", "task description")
	cmd.Flags().StringVar(&form.Priority, "priority", "", "priority keyword, e.g. triage")
	cmd.Flags().StringVar(&form.Status, "status", "", "status value, e.g. open")
	cmd.Flags().StringVar(&form.Assigned, "assigned", "", "username or @username")
	cmd.Flags().StringVar(&form.Projects, "projects", "", "comma separated project slugs, e.g. #ops,web")
	_ = cmd.MarkFlagRequired("group-id")
	return cmd
}

func issueLinkCmd() *cobra.Command {
	var g groupFlags
	var form domain.LinkForm
	cmd := &cobra.Command{
		Use:   "link",
		Short: "Link an existing task to a group",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				link, err := e.LinkIssue(ctx, projectID, g.group(), form)
				if err != nil {
					return err
				}
				return printLink(link)
			})
		},
	}
	g.bind(cmd)
	cmd.Flags().StringVar(&form.TaskID, "task", "", "task id, 34 or T34")
	cmd.Flags().StringVar(&form.Comment, "comment", "", "comment posted on the task")
	_ = cmd.MarkFlagRequired("group-id")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func issueShowCmd() *cobra.Command {
	var groupID string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the task linked to a group",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				link, err := e.GroupIssue(ctx, projectID, groupID)
				if err != nil {
					return err
				}
				return printLink(link)
			})
		},
	}
	cmd.Flags().StringVar(&groupID, "group-id", "", "error group id")
	_ = cmd.MarkFlagRequired("group-id")
	return cmd
}

func issueListCmd() *cobra.Command {
	var issueID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List groups linked to tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				links, err := e.Repo.ListLinks(ctx, projectID, strings.TrimPrefix(strings.TrimSpace(issueID), "T"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(links)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Group", "Task", "Kind", "Actor", "Linked"})
				for _, l := range links {
					tw.AppendRow(table.Row{l.GroupID, "T" + l.IssueID, l.Kind, l.ActorID, l.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&issueID, "task", "", "only groups linked to this task")
	return cmd
}

func issueUnlinkCmd() *cobra.Command {
	var groupID string
	cmd := &cobra.Command{
		Use:   "unlink",
		Short: "Unlink the task of a group; the task itself is untouched",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				if err := e.UnlinkIssue(ctx, projectID, groupID); err != nil {
					return err
				}
				fmt.Printf("Unlinked group %s\n", groupID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&groupID, "group-id", "", "error group id")
	_ = cmd.MarkFlagRequired("group-id")
	return cmd
}

func issueDisplayCmd() *cobra.Command {
	var id, issueURL string
	cmd := &cobra.Command{
		Use:   "display",
		Short: "Show the label and URL of a stored issue reference",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				ref := domain.LegacyRef(id)
				if issueURL != "" {
					ref = domain.StructuredRef(domain.Issue{ID: id, URL: issueURL})
				}
				d, err := e.IssueDisplay(ctx, projectID, ref)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "task id")
	cmd.Flags().StringVar(&issueURL, "url", "", "stored task URL; omit for a bare legacy id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify a project's host and token with user.whoami",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				res, err := e.CheckConnection(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Connected to %s as %s (%s)\n", res.Host, res.UserName, res.UserPHID)
				return nil
			})
		},
	}
}

func apiKeyCmd() *cobra.Command {
	keys := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for the HTTP API",
	}
	var actor, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key; the key is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, secret, err := e.CreateAPIKey(ctx, actor, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "key": secret})
				}
				fmt.Printf("API key %s for %s:\n%s\n", key.ID, key.ActorID, secret)
				return nil
			})
		},
	}
	create.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as")
	create.Flags().StringVar(&name, "name", "", "label")
	_ = create.MarkFlagRequired("actor")

	var listActor string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListAPIKeys(ctx, listActor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&listActor, "actor", "", "only keys of this actor")

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	keys.AddCommand(create, list, del)
	return keys
}

func tokenCmd() *cobra.Command {
	tok := &cobra.Command{
		Use:   "token",
		Short: "Store Conduit tokens in the OS keyring",
	}
	store := &cobra.Command{
		Use:   "store <key>",
		Short: "Read a token from stdin and store it under key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := readSecret(cmd.InOrStdin())
			if err != nil {
				return err
			}
			if err := credential.Set(args[0], value); err != nil {
				return err
			}
			fmt.Printf("Stored. Use --token %s with 'phabbridge options set'.\n", credential.Ref(args[0]))
			return nil
		},
	}
	del := &cobra.Command{
		Use:   "delete <key>",
		Short: "Remove a stored token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return credential.Delete(args[0])
		},
	}
	tok.AddCommand(store, del)
	return tok
}

func readSecret(in io.Reader) (string, error) {
	scanner := bufio.NewScanner(in)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", err
		}
		return "", errors.New("no token on stdin")
	}
	value := strings.TrimSpace(scanner.Text())
	if value == "" {
		return "", errors.New("empty token")
	}
	return value, nil
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every options change, created or linked task and unlink is recorded with its actor.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	var all bool
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f := repo.EventFilters{Type: evtType, EntityKind: entityKind, EntityID: entityID, Limit: n}
				if !all {
					projectID, err := app.ResolveProject(ctx, viper.GetString("project"), e.Config, e.Repo)
					if err != nil {
						return err
					}
					f.ProjectID = projectID
				}
				items, err := e.ListEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Project", "Entity", "Actor", "Payload"})
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.ProjectID, evt.EntityKind + ":" + evt.EntityID, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	cmd.Flags().BoolVar(&all, "all", false, "events of every project")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if addr == "" {
					addr = e.Config.Server.Addr
				}
				if basePath == "" {
					basePath = e.Config.Server.BasePath
				}
				secret := viper.GetString("jwt-secret")
				if secret == "" {
					secret = e.Config.Server.JWTSecret
				}
				authCfg := server.AuthConfig{JWTSecret: secret}
				if authCfg.JWTSecret == "" {
					e.Logger.Warn("no JWT secret configured; only X-Api-Key authentication is accepted")
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				server.StartWebhooks(ctx, e)
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				e.Logger.WithFields(logrus.Fields{"addr": addr, "base_path": basePath}).Info("serving API (OpenAPI at /openapi.json, Swagger UI at /docs)")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to server.base_path)")
	_ = viper.BindEnv("jwt-secret")
	return cmd
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*logrus.Logger, error) {
	level := cfg.Log.Level
	if v := viper.GetString("log-level"); v != "" {
		level = v
	}
	return logging.New(level, cfg.Log.Format, os.Stderr)
}

// withEngine opens the workspace and runs fn as the local actor, who holds
// every permission.
func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return errors.Wrap(err, "configure logging")
	}
	workspace := viper.GetString("workspace")
	conn, err := db.Open(dbConfig(workspace))
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return errors.Wrap(err, "migrate")
	}
	e := engine.New(conn, cfg, logger)
	ctx = auth.WithPrincipal(ctx, auth.Local(viper.GetString("actor-id")))
	return fn(ctx, e)
}

func dbConfig(workspace string) db.Config {
	return db.Config{Workspace: workspace, Path: viper.GetString("db")}
}

func withProject(ctx context.Context, fn func(context.Context, engine.Engine, string) error) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		projectID, err := app.ResolveProject(ctx, viper.GetString("project"), e.Config, e.Repo)
		if err != nil {
			return err
		}
		return fn(ctx, e, projectID)
	})
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(dbConfig(workspace))
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	return fn(ctx, r)
}

func printLink(link domain.IssueLink) error {
	if viper.GetBool("json") {
		return printJSON(link)
	}
	fmt.Printf("T%s %s (%s for group %s)\n", link.IssueID, link.IssueURL, link.Kind, link.GroupID)
	return nil
}

func printFields(fields []domain.Field) error {
	if viper.GetBool("json") {
		return printJSON(fields)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Name", "Label", "Type", "Required", "Default", "Choices"})
	for _, f := range fields {
		choices := make([]string, 0, len(f.Choices))
		for _, c := range f.Choices {
			choices = append(choices, c.Value)
		}
		tw.AppendRow(table.Row{f.Name, f.Label, f.Type, f.Required, f.Default, strings.Join(choices, ", ")})
	}
	tw.Render()
	return nil
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

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o600)
}
