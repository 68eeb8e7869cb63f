package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"recordflow/internal/app"
	"recordflow/internal/db"
	"recordflow/internal/domain"
)

var rootCmd = &cobra.Command{
	Use:   "rf",
	Short: "Recordflow CLI",
	Long: `Recordflow routes records through their lifecycle.
- Entities: documents, processes, dispatches, scanned documents and digitization batches, each with its own transition table.
- Actions: lifecycle steps applied with 'rf apply <id> <action>'; illegal steps are refused and nothing changes.
- Routing: every change of custodian unit or user is appended to the ledger ('rf history').
- Approvals: rounds of recipients deciding in parallel, unanimous or sequential mode ('rf decide').
- SLA: deadlines classified per calendar day as on_track, at_risk or overdue.
- Digitization: scanned documents roll up into batches; 'rf ocr ingest' completes OCR from hOCR.
- Event log: audit diary of changes, view with 'rf log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
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
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("RECORDFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "", "actor identifier")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (text, json)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log-format", rootCmd.PersistentFlags().Lookup("log-format"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(actorCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(createCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(applyCmd())
	rootCmd.AddCommand(decideCmd())
	rootCmd.AddCommand(roundsCmd())
	rootCmd.AddCommand(commentCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(batchCmd())
	rootCmd.AddCommand(ocrCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- helpers ---

func runtimeOptions() app.Options {
	return app.Options{
		Workspace: viper.GetString("workspace"),
		LogLevel:  viper.GetString("log-level"),
		LogFormat: viper.GetString("log-format"),
	}
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	rt, err := app.Open(ctx, runtimeOptions())
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

// withActor opens the workspace and resolves --actor-id against the actor
// registry.
func withActor(ctx context.Context, fn func(context.Context, *app.Runtime, domain.Actor) error) error {
	return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
		actor, err := rt.Actor(ctx, viper.GetString("actor-id"))
		if err != nil {
			return fmt.Errorf("resolve actor (set --actor-id or RECORDFLOW_ACTOR_ID): %w", err)
		}
		return fn(ctx, rt, actor)
	})
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

// parseDeadline accepts a calendar date or an RFC 3339 timestamp.
func parseDeadline(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("invalid deadline %q: want YYYY-MM-DD or RFC 3339", s)
	}
	return &t, nil
}

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("2006-01-02")
}

func envPath(workspace string) string {
	return filepath.Join(workspace, ".env")
}

func readEnvValue(path, key string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if v, ok := strings.CutPrefix(line, key+"="); ok {
			return v, nil
		}
	}
	return "", scanner.Err()
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
