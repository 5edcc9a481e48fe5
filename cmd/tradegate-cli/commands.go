package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"tradegate/internal/domain"
	"tradegate/internal/store"
	"tradegate/pkg/tradegate"
)

type globals struct {
	server string
	grpc   string
	user   string
	asJSON bool
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "tradegate-cli",
		Short:         "Submit and track trades on a tradegate-server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.server, "server", envOr("TRADEGATE_URL", "http://localhost:8080"), "HTTP base URL")
	root.PersistentFlags().StringVar(&g.grpc, "grpc", envOr("TRADEGATE_GRPC", "localhost:9090"), "gRPC address for watch")
	root.PersistentFlags().StringVar(&g.user, "user", os.Getenv("TRADEGATE_USER"), "requester id")
	root.PersistentFlags().BoolVar(&g.asJSON, "json", false, "print raw JSON")

	root.AddCommand(
		newSubmitCmd(g),
		newConfirmCmd(g),
		newCancelCmd(g),
		newStatusCmd(g),
		newAuditCmd(g),
		newPositionsCmd(g),
		newTradesCmd(g),
		newWatchCmd(g),
		newArchiveCmd(g),
		newVersionCmd(),
	)
	return root
}

func (g *globals) client() *tradegate.Client { return tradegate.NewClient(g.server) }

func (g *globals) requireUser() error {
	if g.user == "" {
		return fmt.Errorf("--user (or TRADEGATE_USER) is required")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Trade commands
// ---------------------------------------------------------------------------

func newSubmitCmd(g *globals) *cobra.Command {
	var (
		limit      string
		roles      []string
		supervisor string
		key        string
		wait       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "submit SYMBOL QUANTITY",
		Short: "Submit a trade; negative quantity sells",
		Example: `  tradegate-cli submit AAPL 10 --user u1 --wait 30s
  tradegate-cli submit AAPL --user u1 --limit 190.50 -- -5`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := g.requireUser(); err != nil {
				return err
			}
			qty, err := decimal.NewFromString(args[1])
			if err != nil {
				return fmt.Errorf("quantity %q: %w", args[1], err)
			}
			req := tradegate.SubmitTradeRequest{
				UserID:         g.user,
				Roles:          roles,
				SupervisorID:   supervisor,
				Symbol:         args[0],
				Quantity:       qty,
				Channel:        "cli",
				IdempotencyKey: key,
			}
			if limit != "" {
				lp, err := decimal.NewFromString(limit)
				if err != nil {
					return fmt.Errorf("limit %q: %w", limit, err)
				}
				req.LimitPrice = &lp
			}
			a, err := g.client().Submit(cmd.Context(), req, wait)
			if err != nil {
				return err
			}
			return g.printAttempt(a)
		},
	}
	cmd.Flags().StringVar(&limit, "limit", "", "limit price")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "requester role (repeatable)")
	cmd.Flags().StringVar(&supervisor, "supervisor", "", "supervisor to alert on high risk")
	cmd.Flags().StringVar(&key, "key", "", "idempotency key")
	cmd.Flags().DurationVar(&wait, "wait", 0, "wait up to this long for a terminal state")
	return cmd
}

func newConfirmCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "confirm ATTEMPT_ID [TOKEN]",
		Short: "Confirm a high-risk trade; the token defaults to the attempt id",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			token := args[0]
			if len(args) == 2 {
				token = args[1]
			}
			a, err := g.client().Confirm(cmd.Context(), args[0], token)
			if err != nil {
				return err
			}
			return g.printAttempt(a)
		},
	}
}

func newCancelCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ATTEMPT_ID",
		Short: "Cancel a trade that has not started executing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.client().Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return g.printAttempt(a)
		},
	}
}

func newStatusCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status ATTEMPT_ID",
		Short: "Show the current state of a trade",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.client().Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return g.printAttempt(a)
		},
	}
}

func newAuditCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "audit ATTEMPT_ID",
		Short: "Print the audit trail of a trade",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			recs, err := g.client().Audit(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if g.asJSON {
				return printJSON(recs)
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SEQ\tAT\tKIND\tFROM\tTO\tDETAIL")
			for _, r := range recs {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
					r.Seq, r.At.Format(time.RFC3339), r.Kind, r.From, r.To, r.Detail)
			}
			return tw.Flush()
		},
	}
}

// ---------------------------------------------------------------------------
// User commands
// ---------------------------------------------------------------------------

func newPositionsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "positions",
		Short: "List the user's positions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := g.requireUser(); err != nil {
				return err
			}
			positions, err := g.client().Positions(cmd.Context(), g.user)
			if err != nil {
				return err
			}
			if g.asJSON {
				return printJSON(positions)
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SYMBOL\tQUANTITY\tCOST BASIS\tVERSION")
			for _, p := range positions {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", p.Symbol, p.Quantity, p.CostBasis.StringFixed(2), p.Version)
			}
			return tw.Flush()
		},
	}
}

func newTradesCmd(g *globals) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "trades",
		Short: "List the user's recent trades",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := g.requireUser(); err != nil {
				return err
			}
			trades, err := g.client().Trades(cmd.Context(), g.user, limit)
			if err != nil {
				return err
			}
			if g.asJSON {
				return printJSON(trades)
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSUBMITTED\tSYMBOL\tQTY\tSTATE\tOUTCOME")
			for _, a := range trades {
				outcome := ""
				if a.Outcome != nil {
					outcome = a.Outcome.Code
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", a.ID,
					a.Request.SubmittedAt.Format(time.RFC3339), a.Request.Symbol, a.Request.Quantity, a.State, outcome)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of trades")
	return cmd
}

func newWatchCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream state transitions over gRPC (all users unless --user)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return tradegate.StreamEvents(ctx, g.grpc, g.user, func(ev tradegate.TransitionEvent) error {
				if g.asJSON {
					return printJSON(ev)
				}
				line := fmt.Sprintf("%s  %s  %-8s %s %s -> %s", ev.At.Format("15:04:05.000"),
					ev.AttemptID, ev.UserID, ev.Symbol, ev.From, ev.To)
				if ev.Outcome != nil {
					line += "  " + ev.Outcome.Code
				}
				fmt.Println(line)
				return nil
			})
		},
	}
}

// newArchiveCmd reads a local Parquet archive; it does not talk to the
// server.
func newArchiveCmd(g *globals) *cobra.Command {
	var dir, day string
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Print archived attempts for one day from a local archive directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d := time.Now().UTC()
			if day != "" {
				var err error
				if d, err = time.Parse(time.DateOnly, day); err != nil {
					return fmt.Errorf("day %q: %w", day, err)
				}
			}
			recs, err := store.NewParquetArchive(dir).ReadDay(cmd.Context(), d)
			if err != nil {
				return err
			}
			if g.asJSON {
				return printJSON(recs)
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tUSER\tSYMBOL\tQTY\tSTATE\tOUTCOME\tTIER\tFILLED\tPRICE")
			for _, r := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n", r.AttemptID, r.UserID, r.Symbol,
					r.Quantity, r.State, r.OutcomeCode, r.RiskTier, r.FilledQty, r.FillPrice)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&dir, "dir", envOr("TRADEGATE_ARCHIVE_DIR", "data/archive"), "archive directory")
	cmd.Flags().StringVar(&day, "day", "", "UTC day as YYYY-MM-DD (default today)")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the CLI version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Printf("tradegate-cli %s\n", version)
		},
	}
}

// ---------------------------------------------------------------------------
// Output
// ---------------------------------------------------------------------------

func (g *globals) printAttempt(a tradegate.Attempt) error {
	if g.asJSON {
		return printJSON(a)
	}
	fmt.Printf("attempt   %s\n", a.ID)
	fmt.Printf("request   %s %s %s\n", a.Request.Side(), a.Request.Quantity.Abs(), a.Request.Symbol)
	fmt.Printf("state     %s\n", a.State)
	if a.Assessment != nil {
		fmt.Printf("risk      %s  %s\n", a.Assessment.Tier, a.Assessment.Rationale)
	}
	if len(a.Degraded) > 0 {
		fmt.Printf("degraded  %s\n", strings.Join(a.Degraded, ", "))
	}
	if a.Result != nil {
		fmt.Printf("result    %s %s @ %s\n", a.Result.Status, a.Result.FilledQty, a.Result.FillPrice)
	}
	if a.Outcome != nil {
		fmt.Printf("outcome   %s: %s\n", a.Outcome.Code, a.Outcome.Message)
		if a.Outcome.Remediation != "" {
			fmt.Printf("          %s\n", a.Outcome.Remediation)
		}
	}
	if a.State == domain.StateAwaitingConfirmation {
		fmt.Printf("\nconfirm with: tradegate-cli confirm %s\n", a.ID)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
