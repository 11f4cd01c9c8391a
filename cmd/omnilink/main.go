package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	gorun "runtime"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/api"
	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/engine/temporal"
	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/telemetry"
)

const (
	version = "0.1.0"
	appName = "omnilink"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := gorun.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\n%s\n", r, buf[:n])
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath   string
		policiesPath string
	)

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Durable agent orchestrator",
		Long: `Omnilink runs natural-language goals as durable workflows: plans are
generated (or recalled from the semantic cache), each step passes risk
triage, and risky steps wait for human approval before executing with
automatic compensation on failure.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&policiesPath, "policies", "", "MAN policy seed file (YAML)")

	cmd.AddCommand(workerCmd(&configPath, &policiesPath))
	cmd.AddCommand(apiCmd(&configPath, &policiesPath))
	cmd.AddCommand(submitCmd(&configPath))
	cmd.AddCommand(testCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s\n", appName, version)
		},
	})
	return cmd
}

// logContext builds the process log context: JSON in production, terminal
// colors when attached to one.
func logContext(debugLogs bool) context.Context {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if debugLogs {
		ctx = log.Context(ctx, log.WithDebug())
	}
	return ctx
}

func workerCmd(configPath, policiesPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the workflow worker and expiry sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(*configPath)
			if err != nil {
				return err
			}
			if *policiesPath != "" {
				cfg.PolicySeedFile = *policiesPath
			}
			ctx := logContext(cfg.Debug)
			logger := telemetry.NewClueLogger()

			a, err := buildApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if te, ok := a.engine.(*temporal.Engine); ok {
				if err := te.Worker().Start(); err != nil {
					return fmt.Errorf("start workers: %w", err)
				}
				defer te.Worker().Stop()
			}
			log.Print(ctx, log.KV{K: "msg", V: "worker started"},
				log.KV{K: "task-queue", V: cfg.TaskQueue},
				log.KV{K: "engine", V: cfg.Engine})

			sweepCtx, stopSweep := context.WithCancel(ctx)
			defer stopSweep()
			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				a.runtime.RunExpirySweeper(sweepCtx, cfg.ExpirySweepEvery)
			}()

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			s := <-sig
			log.Print(ctx, log.KV{K: "msg", V: "shutting down"}, log.KV{K: "signal", V: s.String()})
			stopSweep()
			wg.Wait()
			return nil
		},
	}
}

func apiCmd(configPath, policiesPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "api",
		Short: "Run the operator HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(*configPath)
			if err != nil {
				return err
			}
			if *policiesPath != "" {
				cfg.PolicySeedFile = *policiesPath
			}
			ctx := logContext(cfg.Debug)
			logger := telemetry.NewClueLogger()

			a, err := buildApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			srv := &http.Server{
				Addr:              cfg.Addr(),
				Handler:           newServer(a.client, a.tasks, a.policies, logger).handler(ctx, cfg.Debug),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errc := make(chan error, 1)
			go func() {
				sig := make(chan os.Signal, 1)
				signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
				errc <- fmt.Errorf("signal: %s", <-sig)
			}()
			go func() {
				log.Print(ctx, log.KV{K: "msg", V: "HTTP server listening"}, log.KV{K: "addr", V: cfg.Addr()})
				if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					errc <- err
				}
			}()

			log.Printf(ctx, "exiting (%v)", <-errc)
			shutdownCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownGrace)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Printf(ctx, "shutdown: %v", err)
			}
			return nil
		},
	}
}

func submitCmd(configPath *string) *cobra.Command {
	var (
		userID   string
		tenantID string
		traceID  string
		wait     bool
	)
	cmd := &cobra.Command{
		Use:   "submit <goal>",
		Short: "Start a goal workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(*configPath)
			if err != nil {
				return err
			}
			ctx := logContext(cfg.Debug)

			a, err := buildApp(ctx, cfg, telemetry.NewClueLogger())
			if err != nil {
				return err
			}
			defer a.Close()

			handle, err := a.client.StartGoal(ctx, &api.RunInput{
				Goal:     args[0],
				UserID:   userID,
				TenantID: tenantID,
				TraceID:  traceID,
			})
			if err != nil {
				return fmt.Errorf("start goal: %w", err)
			}
			fmt.Printf("workflow started: %s\n", handle.WorkflowID())
			if !wait {
				return nil
			}
			out, err := handle.Wait(ctx)
			if err != nil {
				return fmt.Errorf("workflow failed: %w", err)
			}
			return printJSON(out)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "cli-user", "User ID attached to the run")
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant ID (empty selects the default tenant)")
	cmd.Flags().StringVar(&traceID, "trace", "", "Correlation trace ID")
	cmd.Flags().BoolVar(&wait, "wait", false, "Block until the workflow completes and print the result")
	return cmd
}

// testCmd runs a goal end to end on the in-memory engine and store, no
// external services required. Useful as a smoke check of planning, triage,
// and tool execution.
func testCmd() *cobra.Command {
	var goal string
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Run a goal on the in-memory engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := DefaultConfig()
			cfg.Engine = "inmem"
			ctx := logContext(cfg.Debug)

			a, err := buildApp(ctx, cfg, telemetry.NewClueLogger())
			if err != nil {
				return err
			}
			defer a.Close()

			handle, err := a.client.StartGoal(ctx, &api.RunInput{
				Goal:   goal,
				UserID: "smoke-test",
			})
			if err != nil {
				return fmt.Errorf("start goal: %w", err)
			}
			waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			out, err := handle.Wait(waitCtx)
			if err != nil {
				return fmt.Errorf("workflow failed: %w", err)
			}
			return printJSON(out)
		},
	}
	cmd.Flags().StringVar(&goal, "goal",
		"Book a flight to Paris tomorrow and send confirmation to ops@example.com", "Goal to run")
	return cmd
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
