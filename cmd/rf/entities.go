package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"recordflow/internal/app"
	"recordflow/internal/approval"
	"recordflow/internal/authz"
	"recordflow/internal/domain"
	"recordflow/internal/engine"
	"recordflow/internal/routing"
	"recordflow/internal/sla"
)

func createCmd() *cobra.Command {
	var opts engine.CreateOptions
	var kind, priority, deadline string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register an entity",
		RunE: func(cmd *cobra.Command, args []string) error {
			if kind == "" {
				return fmt.Errorf("--kind required")
			}
			due, err := parseDeadline(deadline)
			if err != nil {
				return err
			}
			opts.Kind = domain.Kind(kind)
			opts.Priority = domain.Priority(priority)
			opts.Deadline = due
			return withActor(cmd.Context(), func(ctx context.Context, rt *app.Runtime, actor domain.Actor) error {
				if err := rt.Oracle.Require(actor, authz.PermCreate); err != nil {
					return err
				}
				opts.Actor = actor
				snap, err := rt.Engine.Create(ctx, opts)
				if err != nil {
					return err
				}
				return printSnapshot(snap)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "document, process, dispatch, scanned_document or digitization_batch")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&priority, "priority", "", "urgent, high, normal or low")
	cmd.Flags().StringVar(&deadline, "deadline", "", "deadline (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.Unit, "unit", "", "originating unit (defaults to the actor's)")
	cmd.Flags().StringVar(&opts.User, "user", "", "originating user")
	cmd.Flags().StringVar(&opts.BatchID, "batch", "", "digitization batch id")
	cmd.Flags().StringSliceVar(&opts.Attachments, "attach", nil, "attachment reference (repeatable)")
	return cmd
}

func listCmd() *cobra.Command {
	var kind, status, class string
	var f engine.ListFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List entities newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Kind = domain.Kind(kind)
			f.Status = domain.Status(status)
			f.SLA = sla.Class(class)
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.List(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Sequence", "Kind", "Title", "Status", "Custodian", "Deadline", "SLA"})
				for _, s := range items {
					tw.AppendRow(table.Row{
						s.Entity.ID, s.Entity.Sequence, s.Entity.Kind, s.Entity.Title, s.Entity.Status,
						custodian(s.Entity), formatDate(s.Entity.Deadline), s.SLA.Class,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "kind filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Unit, "unit", "", "current unit filter")
	cmd.Flags().StringVar(&f.BatchID, "batch", "", "batch filter")
	cmd.Flags().StringVar(&class, "sla", "", "SLA class filter (on_track, at_risk, overdue, no_deadline, closed)")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an entity with its SLA state and available actions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				snap, err := rt.Engine.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printSnapshot(snap)
			})
		},
	}
}

func applyCmd() *cobra.Command {
	var payload domain.ActionPayload
	var mode, deadline string
	var pages int
	cmd := &cobra.Command{
		Use:   "apply <id> <action>",
		Short: "Apply a lifecycle action",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			due, err := parseDeadline(deadline)
			if err != nil {
				return err
			}
			payload.Deadline = due
			payload.Mode = domain.ApprovalMode(mode)
			if cmd.Flags().Changed("pages") {
				payload.PageCount = &pages
			}
			action := domain.Action(args[1])
			return withActor(cmd.Context(), func(ctx context.Context, rt *app.Runtime, actor domain.Actor) error {
				current, err := rt.Engine.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if err := rt.Oracle.RequireAction(actor, current.Entity.Kind, action); err != nil {
					return err
				}
				var snap engine.Snapshot
				err = engine.Retry(ctx, rt.Engine.RetryAttempts(), func(ctx context.Context) error {
					var err error
					snap, err = rt.Engine.Apply(ctx, args[0], action, actor, payload)
					return err
				})
				if err != nil {
					return err
				}
				return printSnapshot(snap)
			})
		},
	}
	cmd.Flags().StringVar(&payload.ToUnit, "to-unit", "", "destination unit")
	cmd.Flags().StringVar(&payload.ToUser, "to-user", "", "destination user")
	cmd.Flags().StringVar(&payload.Note, "note", "", "movement note")
	cmd.Flags().StringVar(&payload.Reason, "reason", "", "reason (required by some actions)")
	cmd.Flags().StringSliceVar(&payload.Recipients, "recipient", nil, "approval recipient (repeatable)")
	cmd.Flags().StringVar(&mode, "mode", "", "approval mode (parallel, unanimous, sequential)")
	cmd.Flags().StringVar(&deadline, "deadline", "", "new deadline (YYYY-MM-DD)")
	cmd.Flags().StringSliceVar(&payload.Attachments, "attach", nil, "attachment reference (repeatable)")
	cmd.Flags().IntVar(&pages, "pages", 0, "scanned page count")
	cmd.Flags().StringVar(&payload.RequestID, "request-id", "", "idempotency key")
	return cmd
}

func decideCmd() *cobra.Command {
	var opts engine.DecisionOptions
	var value string
	cmd := &cobra.Command{
		Use:   "decide <round-id>",
		Short: "Record a decision on an approval round",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if value == "" {
				return fmt.Errorf("--value required")
			}
			opts.RoundID = args[0]
			opts.Value = domain.DecisionValue(value)
			return withActor(cmd.Context(), func(ctx context.Context, rt *app.Runtime, actor domain.Actor) error {
				if err := rt.Oracle.Require(actor, authz.PermDecide); err != nil {
					return err
				}
				if opts.Recipient == "" {
					round, err := rt.Engine.Round(ctx, opts.RoundID)
					if err != nil {
						return err
					}
					opts.Recipient = approval.RecipientFor(round, actor)
				}
				if err := rt.Oracle.RequireDecideAs(actor, opts.Recipient); err != nil {
					return err
				}
				opts.Actor = actor
				var res engine.DecisionResult
				err := engine.Retry(ctx, rt.Engine.RetryAttempts(), func(ctx context.Context) error {
					var err error
					res, err = rt.Engine.RecordDecision(ctx, opts)
					return err
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("round %s: %s", res.Round.ID, res.Round.Outcome)
				if res.Advanced != "" && res.Entity != nil {
					fmt.Printf(" (%s applied, entity now %s)", res.Advanced, res.Entity.Entity.Status)
				}
				fmt.Println()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&value, "value", "", "approved, rejected or returned")
	cmd.Flags().StringVar(&opts.Comment, "comment", "", "decision comment")
	cmd.Flags().StringVar(&opts.Recipient, "recipient", "", "decide for another recipient (admin only)")
	return cmd
}

func roundsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rounds <entity-id>",
		Short: "List approval rounds of an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				rounds, err := rt.Engine.Rounds(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rounds)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Mode", "Recipients", "Decided", "Outcome", "Opened"})
				for _, r := range rounds {
					tw.AppendRow(table.Row{
						r.ID, r.Mode, len(r.Recipients), len(r.Decisions), r.Outcome,
						r.OpenedAt.Format("2006-01-02 15:04"),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func commentCmd() *cobra.Command {
	c := &cobra.Command{Use: "comment", Short: "Entity comments"}
	c.AddCommand(commentAddCmd())
	c.AddCommand(commentListCmd())
	return c
}

func commentAddCmd() *cobra.Command {
	var body string
	var internal bool
	cmd := &cobra.Command{
		Use:   "add <entity-id>",
		Short: "Add a comment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, rt *app.Runtime, actor domain.Actor) error {
				if err := rt.Oracle.Require(actor, authz.PermComment); err != nil {
					return err
				}
				c, err := rt.Engine.AddComment(ctx, args[0], actor, body, internal)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&body, "body", "", "comment text")
	cmd.Flags().BoolVar(&internal, "internal", false, "hide from the originator")
	return cmd
}

func commentListCmd() *cobra.Command {
	var originatorView bool
	cmd := &cobra.Command{
		Use:   "list <entity-id>",
		Short: "List comments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.Comments(ctx, args[0], originatorView)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"When", "Author", "Internal", "Body"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.CreatedAt.Format("2006-01-02 15:04"), c.AuthorID, c.Internal, c.Body})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&originatorView, "originator-view", false, "hide internal comments")
	return cmd
}

func historyCmd() *cobra.Command {
	var stages bool
	cmd := &cobra.Command{
		Use:   "history <entity-id>",
		Short: "Show custody movements in occurrence order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if stages {
					snap, err := rt.Engine.Get(ctx, args[0])
					if err != nil {
						return err
					}
					moves, err := routing.Collect(rt.Engine.History(ctx, args[0]))
					if err != nil {
						return err
					}
					return printStages(routing.TimeInStage(snap.Entity, moves, time.Now()))
				}
				if viper.GetBool("json") {
					moves, err := routing.Collect(rt.Engine.History(ctx, args[0]))
					if err != nil {
						return err
					}
					return printJSON(moves)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"When", "Type", "From", "To", "Actor", "Note"})
				for m, err := range rt.Engine.History(ctx, args[0]) {
					if err != nil {
						return err
					}
					tw.AppendRow(table.Row{
						m.OccurredAt.Format("2006-01-02 15:04"), m.Type,
						joinCustodian(m.FromUnit, m.FromUser), joinCustodian(m.ToUnit, m.ToUser),
						m.ActorID, m.Note,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&stages, "stages", false, "show time spent with each custodian")
	return cmd
}

func printStages(stages []routing.Stage) error {
	if viper.GetBool("json") {
		return printJSON(stages)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Custodian", "Since", "Until", "Duration"})
	for _, s := range stages {
		until := "now"
		if s.Until != nil {
			until = s.Until.Format("2006-01-02 15:04")
		}
		tw.AppendRow(table.Row{joinCustodian(s.Unit, s.User), s.Since.Format("2006-01-02 15:04"), until, s.Duration.Round(time.Minute)})
	}
	tw.Render()
	return nil
}

func printSnapshot(s engine.Snapshot) error {
	if viper.GetBool("json") {
		return printJSON(s)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRows([]table.Row{
		{"ID", s.Entity.ID},
		{"Sequence", s.Entity.Sequence},
		{"Kind", s.Entity.Kind},
		{"Title", s.Entity.Title},
		{"Status", s.Entity.Status},
		{"Priority", s.Entity.Priority},
		{"Custodian", custodian(s.Entity)},
		{"Deadline", formatDate(s.Entity.Deadline)},
		{"SLA", s.SLA.Class},
		{"Version", s.Entity.Version},
		{"Actions", fmt.Sprint(s.Actions)},
	})
	if s.Round != nil {
		tw.AppendRow(table.Row{"Round", fmt.Sprintf("%s (%s, %s)", s.Round.ID, s.Round.Mode, s.Round.Outcome)})
	}
	tw.Render()
	return nil
}

func custodian(e domain.Entity) string {
	return joinCustodian(e.CurrentUnit, e.CurrentUser)
}

func joinCustodian(unit, user string) string {
	switch {
	case unit == "":
		return user
	case user == "":
		return unit
	}
	return unit + "/" + user
}
