package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ignatij/conductor/internal/bootstrap"
	"github.com/ignatij/conductor/internal/config"
	internal_http "github.com/ignatij/conductor/internal/http"
	"github.com/ignatij/conductor/internal/log"
	internal_storage "github.com/ignatij/conductor/internal/storage"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func SetupCLI(rootCmd *cobra.Command) {
	rootCmd.PersistentFlags().String("db", "", "Postgres connection string (defaults to DATABASE_URL / DB_* env)")
	rootCmd.PersistentFlags().String("addr", "http://localhost:8181", "Address of a running conductor server")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration server",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := config.Load()
			if db, _ := cmd.Flags().GetString("db"); db != "" {
				cfg.DatabaseURL = db
			}
			if port, _ := cmd.Flags().GetString("port"); port != "" {
				cfg.HTTPPort = port
			}
			logger := log.GetLogger()
			eng, err := bootstrap.New(cfg, logger)
			if err != nil {
				logger.Errorf("Failed to start engine: %v", err)
				os.Exit(1)
			}
			defer eng.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return internal_http.StartServer(gctx, cfg.HTTPPort, eng.Orch, logger)
			})
			g.Go(func() error {
				eng.Orch.Start(gctx)
				<-gctx.Done()
				eng.Orch.Stop()
				return nil
			})
			if err := g.Wait(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Errorf("Server stopped: %v", err)
				os.Exit(1)
			}
		},
	}
	serveCmd.Flags().String("port", "", "HTTP port (default from CONDUCTOR_PORT or 8181)")

	runCmd := &cobra.Command{
		Use:   "run [workflow]",
		Short: "Run a workflow on the server and print the report",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			body := postJSON(cmd, "/workflows/"+args[0]+"/run", nil)
			printIndented(body)
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status [id]",
		Short: "Show the last observed state of a task",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			printIndented(getJSON(cmd, "/status/"+args[0]))
		},
	}

	metricsCmd := &cobra.Command{
		Use:   "metrics",
		Short: "Show the engine metrics snapshot",
		Run: func(cmd *cobra.Command, args []string) {
			printIndented(getJSON(cmd, "/metrics"))
		},
	}

	enqueueCmd := &cobra.Command{
		Use:   "enqueue [workflow]",
		Short: "Queue a workflow run on the server",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			priority, _ := cmd.Flags().GetInt("priority")
			group, _ := cmd.Flags().GetString("group")
			payload, _ := json.Marshal(map[string]interface{}{"priority": priority, "group": group})
			body := postJSON(cmd, "/workflows/"+args[0]+"/enqueue", payload)
			printIndented(body)
		},
	}
	enqueueCmd.Flags().Int("priority", 0, "Queue priority, higher dispatches first")
	enqueueCmd.Flags().String("group", "", "Concurrency group")

	versionsCmd := &cobra.Command{
		Use:   "versions",
		Short: "List active workflow versions from the catalog",
		Run: func(cmd *cobra.Command, args []string) {
			store := storeFromFlags(cmd)
			defer store.Close()
			workflows, err := store.ListActiveWorkflows()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: failed to list workflows: %v\n", err)
				os.Exit(1)
			}
			if len(workflows) == 0 {
				fmt.Fprintf(os.Stdout, "No workflows found.\n")
				return
			}
			fmt.Fprintf(os.Stdout, "Active workflow versions:\n")
			for _, wf := range workflows {
				fmt.Fprintf(os.Stdout, "- %s: version %d (registered %s)\n",
					wf.Name, wf.Version, wf.CreatedAt.Format(time.RFC3339))
			}
		},
	}

	rollbackCmd := &cobra.Command{
		Use:   "rollback [workflow] [version]",
		Short: "Activate an earlier workflow version in the catalog",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			version, err := strconv.Atoi(args[1])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: version must be a number: %v\n", err)
				os.Exit(1)
			}
			store := storeFromFlags(cmd)
			defer store.Close()
			if err := rollbackVersion(store, args[0], version); err != nil {
				fmt.Fprintf(os.Stderr, "Error: failed to rollback: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Workflow '%s' rolled back to version %d\n", args[0], version)
		},
	}

	auditCmd := &cobra.Command{
		Use:   "audit [n]",
		Short: "Show the last n audit events",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			n := 20
			if len(args) == 1 {
				parsed, err := strconv.Atoi(args[0])
				if err != nil {
					fmt.Fprintf(os.Stderr, "Error: n must be a number: %v\n", err)
					os.Exit(1)
				}
				n = parsed
			}
			store := storeFromFlags(cmd)
			defer store.Close()
			events, err := store.TailAuditEvents(n)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: failed to tail audit log: %v\n", err)
				os.Exit(1)
			}
			for _, ev := range events {
				fmt.Fprintf(os.Stdout, "%6d %-8s %-30s %s %s\n",
					ev.Seq, ev.Event, ev.Subject, ev.LoggedAt.Format(time.RFC3339), ev.Detail)
			}
		},
	}

	historyCmd := &cobra.Command{
		Use:   "history [workflow]",
		Short: "Show recent runs of a workflow",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			limit, _ := cmd.Flags().GetInt("limit")
			store := storeFromFlags(cmd)
			defer store.Close()
			reports, err := store.ListRunReports(args[0], limit)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: failed to list runs: %v\n", err)
				os.Exit(1)
			}
			if len(reports) == 0 {
				fmt.Fprintf(os.Stdout, "No runs found.\n")
				return
			}
			for _, r := range reports {
				fmt.Fprintf(os.Stdout, "- %s v%d %s %s (%s, %d task(s))\n",
					r.RunID, r.Version, r.Status, r.StartedAt.Format(time.RFC3339),
					r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond), len(r.Order))
			}
		},
	}
	historyCmd.Flags().Int("limit", 10, "Max runs to show, 0 for all")

	rootCmd.AddCommand(serveCmd, runCmd, statusCmd, metricsCmd, enqueueCmd,
		versionsCmd, rollbackCmd, auditCmd, historyCmd)
}

func rollbackVersion(store *internal_storage.PostgresStore, name string, version int) (err error) {
	txStore, err := store.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				log.GetLogger().Errorf("Failed to rollback transaction: %v", rollbackErr)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			err = commitErr
		}
	}()
	err = txStore.SetActiveVersion(name, version)
	return err
}

func storeFromFlags(cmd *cobra.Command) *internal_storage.PostgresStore {
	dbConnStr, err := cmd.Flags().GetString("db")
	if err != nil {
		log.GetLogger().Errorf("Error retrieving db flag: %v", err)
		os.Exit(1)
	}
	if dbConnStr == "" {
		dbConnStr = config.Load().DatabaseURL
	}
	if dbConnStr == "" {
		fmt.Fprintln(os.Stderr, "Error: --db flag or DATABASE_URL / DB_* env vars required")
		os.Exit(1)
	}
	store, err := internal_storage.InitStore(dbConnStr)
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize store: %v", err)
		os.Exit(1)
	}
	return store
}

func serverAddr(cmd *cobra.Command) string {
	addr, err := cmd.Flags().GetString("addr")
	if err != nil || addr == "" {
		return "http://localhost:8181"
	}
	return addr
}

func getJSON(cmd *cobra.Command, path string) []byte {
	resp, err := http.Get(serverAddr(cmd) + path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: request failed: %v\n", err)
		os.Exit(1)
	}
	return readResponse(resp)
}

func postJSON(cmd *cobra.Command, path string, payload []byte) []byte {
	resp, err := http.Post(serverAddr(cmd)+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: request failed: %v\n", err)
		os.Exit(1)
	}
	return readResponse(resp)
}

func readResponse(resp *http.Response) []byte {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: reading response: %v\n", err)
		os.Exit(1)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		fmt.Fprintf(os.Stderr, "Error: %s: %s\n", resp.Status, body)
		os.Exit(1)
	}
	return body
}

func printIndented(body []byte) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err != nil {
		fmt.Fprintf(os.Stdout, "%s\n", body)
		return
	}
	fmt.Fprintf(os.Stdout, "%s\n", buf.String())
}
