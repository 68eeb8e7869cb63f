package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"recordflow/internal/app"
	"recordflow/internal/authz"
	"recordflow/internal/config"
	"recordflow/internal/domain"
	"recordflow/internal/ids"
	"recordflow/internal/repo"
)

const jwtSecretEnv = "RECORDFLOW_JWT_SECRET"

func initCmd() *cobra.Command {
	var orgID, adminID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create recordflow.yml, the database and the first admin actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			created, err := app.InitWorkspace(cmd.Context(), workspace, orgID, adminID)
			if err != nil {
				return err
			}
			secret, err := readEnvValue(envPath(workspace), jwtSecretEnv)
			if err != nil {
				return err
			}
			if secret == "" {
				if err := setEnvValue(envPath(workspace), jwtSecretEnv, randomToken(32)); err != nil {
					return err
				}
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"config_created": created, "config": config.Path(workspace), "admin": adminID})
			}
			if created {
				fmt.Printf("wrote %s\n", config.Path(workspace))
			} else {
				fmt.Printf("kept existing %s\n", config.Path(workspace))
			}
			if adminID != "" {
				fmt.Printf("admin actor: %s\n", adminID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&orgID, "org", "default", "organization id")
	cmd.Flags().StringVar(&adminID, "admin", "admin", "id of the first admin actor (empty to skip)")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect recordflow.yml",
		Long:  "Config holds the organization, SLA thresholds, sequence prefixes, approval defaults, role permissions, webhooks and server settings.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				return printJSONOrTable(rt.Config)
			})
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate recordflow.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func actorCmd() *cobra.Command {
	c := &cobra.Command{Use: "actor", Short: "Manage the actor registry"}
	c.AddCommand(actorAddCmd())
	c.AddCommand(actorListCmd())
	return c
}

func actorAddCmd() *cobra.Command {
	var rec domain.ActorRecord
	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Register or update an actor (admin only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec.ID = args[0]
			rec.CreatedAt = repo.FormatTime(time.Now())
			return withActor(cmd.Context(), func(ctx context.Context, rt *app.Runtime, actor domain.Actor) error {
				if err := rt.Oracle.Require(actor, authz.PermAdmin); err != nil {
					return err
				}
				for _, role := range rec.Roles {
					if _, ok := rt.Config.RBAC.Roles[role]; !ok {
						return fmt.Errorf("unknown role %q", role)
					}
				}
				if err := rt.Engine.Repo.UpsertActor(ctx, nil, rec); err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	cmd.Flags().StringVar(&rec.Unit, "unit", "", "organizational unit")
	cmd.Flags().StringSliceVar(&rec.Roles, "role", nil, "role (repeatable)")
	return cmd
}

func actorListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered actors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.Repo.ListActors(ctx, nil)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Unit", "Roles", "Created"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.Unit, strings.Join(a.Roles, ","), a.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func apiKeyCmd() *cobra.Command {
	c := &cobra.Command{Use: "apikey", Short: "Manage API keys for the HTTP server"}
	c.AddCommand(apiKeyCreateCmd())
	c.AddCommand(apiKeyListCmd())
	c.AddCommand(apiKeyRevokeCmd())
	return c
}

func apiKeyCreateCmd() *cobra.Command {
	var owner, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key; the key is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, rt *app.Runtime, actor domain.Actor) error {
				if owner == "" {
					owner = actor.ID
				}
				if owner != actor.ID {
					if err := rt.Oracle.Require(actor, authz.PermAdmin); err != nil {
						return err
					}
				}
				if _, err := rt.Engine.Repo.GetActor(ctx, nil, owner); err != nil {
					return err
				}
				secret := "rf_" + randomToken(24)
				key := domain.APIKey{
					ID:        ids.New(),
					ActorID:   owner,
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: repo.FormatTime(time.Now()),
				}
				if err := rt.Engine.Repo.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": owner, "key": secret})
				}
				fmt.Printf("id:  %s\nkey: %s\n", key.ID, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "actor", "", "owning actor (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "label")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List your API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, rt *app.Runtime, actor domain.Actor) error {
				keys, err := rt.Engine.Repo.ListAPIKeys(ctx, actor.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func apiKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, rt *app.Runtime, actor domain.Actor) error {
				if err := rt.Oracle.Require(actor, authz.PermAdmin); err != nil {
					return err
				}
				return rt.Engine.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Audit event log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilter
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				events, err := rt.Engine.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "When", "Type", "Kind", "Entity", "Actor"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind, e.EntityID, e.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func randomToken(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
