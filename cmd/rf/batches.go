package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"recordflow/internal/app"
	"recordflow/internal/authz"
	"recordflow/internal/domain"
	"recordflow/internal/transition"
)

func batchCmd() *cobra.Command {
	b := &cobra.Command{
		Use:   "batch",
		Short: "Digitization batches",
		Long:  "A batch's status is derived from its scanned documents: any in error puts the batch in error, all completed or rejected completes it.",
	}
	b.AddCommand(batchCreateCmd())
	b.AddCommand(batchAddCmd())
	b.AddCommand(batchShowCmd())
	return b
}

func batchCreateCmd() *cobra.Command {
	var title string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, rt *app.Runtime, actor domain.Actor) error {
				if err := rt.Oracle.Require(actor, authz.PermCreate); err != nil {
					return err
				}
				snap, err := rt.Pipeline.CreateBatch(ctx, title, actor)
				if err != nil {
					return err
				}
				return printSnapshot(snap)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "batch title")
	return cmd
}

func batchAddCmd() *cobra.Command {
	var title string
	cmd := &cobra.Command{
		Use:   "add <batch-id>",
		Short: "Add a scanned document to a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, rt *app.Runtime, actor domain.Actor) error {
				if err := rt.Oracle.Require(actor, authz.PermCreate); err != nil {
					return err
				}
				snap, err := rt.Pipeline.AddDocument(ctx, args[0], title, actor)
				if err != nil {
					return err
				}
				return printSnapshot(snap)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "document title")
	return cmd
}

func batchShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <batch-id>",
		Short: "Show a batch and its members",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				view, err := rt.Pipeline.Batch(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(view)
				}
				fmt.Printf("%s %s: %s\n", view.Batch.Entity.Sequence, view.Batch.Entity.Title, view.Batch.Entity.Status)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Sequence", "Title", "Status", "Pages", "OCR"})
				for _, m := range view.Members {
					conf := ""
					if m.Entity.OCRConfidence != nil {
						conf = fmt.Sprintf("%.2f", *m.Entity.OCRConfidence)
					}
					tw.AppendRow(table.Row{m.Entity.ID, m.Entity.Sequence, m.Entity.Title, m.Entity.Status, m.Entity.PageCount, conf})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func ocrCmd() *cobra.Command {
	o := &cobra.Command{Use: "ocr", Short: "OCR results for scanned documents"}
	o.AddCommand(ocrIngestCmd())
	return o
}

func ocrIngestCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "ingest <document-id>",
		Short: "Complete OCR from an hOCR file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			return withActor(cmd.Context(), func(ctx context.Context, rt *app.Runtime, actor domain.Actor) error {
				if err := rt.Oracle.RequireAction(actor, domain.KindScannedDocument, transition.ActionOCRComplete); err != nil {
					return err
				}
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				snap, res, err := rt.Pipeline.IngestOCR(ctx, args[0], f, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"entity": snap, "ocr": res})
				}
				fmt.Printf("%d pages, %d words, confidence %.2f\n", res.Pages, res.Words, res.Confidence)
				return printSnapshot(snap)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "hOCR file")
	return cmd
}
