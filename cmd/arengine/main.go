package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/arengine/internal/audit"
	"github.com/smallbiznis/arengine/internal/clock"
	"github.com/smallbiznis/arengine/internal/collection"
	collectiondomain "github.com/smallbiznis/arengine/internal/collection/domain"
	"github.com/smallbiznis/arengine/internal/config"
	"github.com/smallbiznis/arengine/internal/ledger"
	"github.com/smallbiznis/arengine/internal/letterqueue"
	"github.com/smallbiznis/arengine/internal/migration"
	"github.com/smallbiznis/arengine/internal/observability"
	"github.com/smallbiznis/arengine/internal/orchestrator"
	"github.com/smallbiznis/arengine/internal/paymentfeed"
	"github.com/smallbiznis/arengine/internal/paymentplan"
	plandomain "github.com/smallbiznis/arengine/internal/paymentplan/domain"
	"github.com/smallbiznis/arengine/internal/rules"
	rulesdomain "github.com/smallbiznis/arengine/internal/rules/domain"
	"github.com/smallbiznis/arengine/internal/runlock"
	"github.com/smallbiznis/arengine/pkg/broker"
	"github.com/smallbiznis/arengine/pkg/db"
	"github.com/smallbiznis/arengine/pkg/money"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "arengine",
		Short:        "A/R aging and collections rule engine",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(runBatchCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(accountStateCmd())
	rootCmd.AddCommand(planStateCmd())
	rootCmd.AddCommand(planCreateCmd())
	rootCmd.AddCommand(taskStatusCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// coreModules is the engine without any long-running loops.
func coreModules() fx.Option {
	return fx.Options(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		broker.Module,
		runlock.Module,
		migration.Module,

		// Functional Domains
		audit.Module,
		ledger.Module,
		collection.Module,
		rules.Module,
		letterqueue.Module,
		paymentplan.Module,
		paymentfeed.Module,
		orchestrator.Module,
	)
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduled batch loop, letter dispatcher and payment feed consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := fx.New(
				coreModules(),
				orchestrator.LoopModule,
				letterqueue.DispatcherModule,
				paymentfeed.ConsumerModule,
			)
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}
}

// start builds the app, fills targets and starts it. The returned stop must be called.
func start(ctx context.Context, targets ...any) (func(), error) {
	app := fx.New(coreModules(), fx.NopLogger, fx.Populate(targets...))
	if err := app.Err(); err != nil {
		return nil, err
	}
	if err := app.Start(ctx); err != nil {
		return nil, err
	}
	return func() { _ = app.Stop(context.WithoutCancel(ctx)) }, nil
}

func runBatchCmd() *cobra.Command {
	var asOfFlag string
	cmd := &cobra.Command{
		Use:   "run-batch",
		Short: "Evaluate every account once as of the given instant",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var (
				o   *orchestrator.Orchestrator
				clk clock.Clock
			)
			stop, err := start(ctx, &o, &clk)
			if err != nil {
				return err
			}
			defer stop()

			asOf, err := parseAsOf(asOfFlag, clk)
			if err != nil {
				return err
			}
			report, runErr := o.RunBatch(ctx, asOf)
			if err := printJSON(report); err != nil {
				return err
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&asOfFlag, "as-of", "", "evaluation instant (RFC3339 or YYYY-MM-DD); defaults to now")
	return cmd
}

func sweepCmd() *cobra.Command {
	var asOfFlag string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Record missed payment plan installments",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var (
				plans plandomain.Service
				clk   clock.Clock
			)
			stop, err := start(ctx, &plans, &clk)
			if err != nil {
				return err
			}
			defer stop()

			now, err := parseAsOf(asOfFlag, clk)
			if err != nil {
				return err
			}
			result, err := plans.SweepMissedPayments(ctx, now)
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
	cmd.Flags().StringVar(&asOfFlag, "as-of", "", "sweep instant (RFC3339 or YYYY-MM-DD); defaults to now")
	return cmd
}

func accountStateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "account-state <account-id>",
		Short: "Print the collection state of an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			var svc collectiondomain.Service
			stop, err := start(ctx, &svc)
			if err != nil {
				return err
			}
			defer stop()

			state, err := svc.GetAccountState(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(state)
		},
	}
}

func planStateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan-state <plan-id>",
		Short: "Print the state of a payment plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			var svc plandomain.Service
			stop, err := start(ctx, &svc)
			if err != nil {
				return err
			}
			defer stop()

			state, err := svc.GetPlanState(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(state)
		},
	}
}

func planCreateCmd() *cobra.Command {
	var (
		total, monthly, startFlag string
		term                      int
		autoPay                   bool
	)
	cmd := &cobra.Command{
		Use:   "plan-create <account-id>",
		Short: "Create a payment plan from a total and either a monthly payment or a term",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, err := parseID(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			var (
				plans    plandomain.Service
				accounts collectiondomain.Service
				clk      clock.Clock
			)
			stop, err := start(ctx, &plans, &accounts, &clk)
			if err != nil {
				return err
			}
			defer stop()

			state, err := accounts.GetAccountState(ctx, accountID)
			if err != nil {
				return err
			}
			req := plandomain.CreatePlanRequest{AccountID: accountID, Term: term, AutoPay: autoPay}
			if req.TotalAmount, err = money.ParseMinor(total, state.Currency); err != nil {
				return fmt.Errorf("invalid --total %q: %w", total, err)
			}
			if monthly != "" {
				if req.MonthlyPayment, err = money.ParseMinor(monthly, state.Currency); err != nil {
					return fmt.Errorf("invalid --monthly %q: %w", monthly, err)
				}
			}
			if startFlag != "" {
				startDate, err := parseAsOf(startFlag, clk)
				if err != nil {
					return fmt.Errorf("--start: %w", err)
				}
				req.StartDate = &startDate
			}

			plan, err := plans.CreatePlan(ctx, req)
			if err != nil {
				return err
			}
			return printJSON(plan)
		},
	}
	cmd.Flags().StringVar(&total, "total", "", "plan total in the account currency, e.g. 1200.00")
	cmd.Flags().StringVar(&monthly, "monthly", "", "target monthly payment in the account currency")
	cmd.Flags().IntVar(&term, "term", 0, "target number of installments")
	cmd.Flags().StringVar(&startFlag, "start", "", "first due date (RFC3339 or YYYY-MM-DD); defaults to now")
	cmd.Flags().BoolVar(&autoPay, "auto-pay", false, "payments are collected automatically")
	_ = cmd.MarkFlagRequired("total")
	return cmd
}

func taskStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "task-status <task-id> <open|in_progress|done|canceled>",
		Short: "Move a collector task along; done or canceled tasks can be reissued",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			var svc rulesdomain.Service
			stop, err := start(ctx, &svc)
			if err != nil {
				return err
			}
			defer stop()

			task, err := svc.UpdateTaskStatus(ctx, id, rulesdomain.TaskStatus(args[1]))
			if err != nil {
				return err
			}
			return printJSON(task)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and seed the default rule set",
		RunE: func(cmd *cobra.Command, args []string) error {
			// migration.Module applies on construction.
			stop, err := start(cmd.Context())
			if err != nil {
				return err
			}
			stop()
			return nil
		},
	}
}

func parseAsOf(raw string, clk clock.Clock) (time.Time, error) {
	if raw == "" {
		return clk.Now().UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --as-of %q: %w", raw, err)
	}
	return t.UTC(), nil
}

func parseID(raw string) (snowflake.ID, error) {
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q: %w", raw, err)
	}
	return snowflake.ID(v), nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
