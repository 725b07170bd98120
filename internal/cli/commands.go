// Package cli implements guardctl, the operator command line for a running
// tradeguard server.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbd888/tradeguard/internal/mcpserver"
)

type options struct {
	apiURL   string
	secret   string
	operator string
	timeout  time.Duration
	output   string
}

type formatter func(json.RawMessage) (string, error)

// NewRootCmd creates the root command.
func NewRootCmd(version string) *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "guardctl",
		Short: "guardctl - operate a tradeguard server",
		Long: `guardctl inspects and operates a running tradeguard server: circuit breaker
state and transitions, anomaly alerts and retained trader history.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch opts.output {
			case "text", "json":
				return nil
			}
			return fmt.Errorf("unknown output format %q (use text or json)", opts.output)
		},
	}

	// Global flags
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.apiURL, "api-url", envOrDefault("TRADEGUARD_API_URL", "http://localhost:8080"), "tradeguard server URL")
	flags.StringVar(&opts.secret, "admin-secret", os.Getenv("TRADEGUARD_ADMIN_SECRET"), "Admin secret for operator commands")
	flags.StringVar(&opts.operator, "operator", envOrDefault("TRADEGUARD_OPERATOR_ID", currentUser()), "Operator id recorded in the audit trail")
	flags.DurationVar(&opts.timeout, "timeout", 30*time.Second, "Request timeout")
	flags.StringVarP(&opts.output, "output", "o", "text", "Output format: text or json")

	rootCmd.AddCommand(newStatusCmd(opts))
	rootCmd.AddCommand(newEventsCmd(opts))
	rootCmd.AddCommand(newTransitionCmd(opts, "pause", "Pause trading"))
	rootCmd.AddCommand(newTransitionCmd(opts, "resume", "Resume normal trading"))
	rootCmd.AddCommand(newTransitionCmd(opts, "emergency", "Halt trading and flag an incident"))
	rootCmd.AddCommand(newAlertsCmd(opts))
	rootCmd.AddCommand(newTradesCmd(opts))
	rootCmd.AddCommand(newHealthCmd(opts))

	return rootCmd
}

func (o *options) client() *mcpserver.Client {
	return mcpserver.NewClient(mcpserver.Config{
		APIURL:      o.apiURL,
		AdminSecret: o.secret,
		OperatorID:  o.operator,
		Timeout:     o.timeout,
	})
}

// print writes raw through format, or indented JSON with -o json.
func (o *options) print(w io.Writer, raw json.RawMessage, format formatter) error {
	if o.output == "json" || format == nil {
		_, err := fmt.Fprintln(w, mcpserver.FormatJSON(raw))
		return err
	}
	text, err := format(raw)
	if err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	_, err = fmt.Fprintln(w, strings.TrimRight(text, "\n"))
	return err
}

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show circuit breaker and contract state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := opts.client().BreakerStatus(cmd.Context())
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), raw, mcpserver.FormatBreakerStatus)
		},
	}
}

func newEventsCmd(opts *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List the circuit breaker audit trail",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := opts.client().BreakerEvents(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), raw, mcpserver.FormatEventList)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of events")
	return cmd
}

func newTransitionCmd(opts *options, action, short string) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   action,
		Short: short,
		Long: fmt.Sprintf(`Request a %s transition. The change is written to the ledger first and
only applied if the ledger accepts it.
Example: guardctl %s --reason "manual review"`, action, action),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := opts.client().TriggerBreaker(cmd.Context(), action, reason)
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), raw, formatTransition)
		},
	}
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "Reason recorded in the audit trail")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func newAlertsCmd(opts *options) *cobra.Command {
	alertsCmd := &cobra.Command{
		Use:   "alerts",
		Short: "Inspect and resolve anomaly alerts",
	}

	var q mcpserver.AlertQuery
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List alerts, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := opts.client().ListAlerts(cmd.Context(), q)
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), raw, mcpserver.FormatAlertList)
		},
	}
	listCmd.Flags().StringVar(&q.Status, "status", "", "Filter by status (active, mitigated, resolved)")
	listCmd.Flags().StringVar(&q.Kind, "kind", "", "Filter by kind or alert id")
	listCmd.Flags().IntVarP(&q.Limit, "limit", "n", 20, "Page size")
	listCmd.Flags().StringVar(&q.Cursor, "cursor", "", "Cursor from a previous page")
	alertsCmd.AddCommand(listCmd)

	alertsCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show alert counts by status, severity and kind",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := opts.client().AlertStats(cmd.Context())
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), raw, mcpserver.FormatAlertStats)
		},
	})

	alertsCmd.AddCommand(&cobra.Command{
		Use:   "resolve ALERT_ID",
		Short: "Resolve every open alert with the given id",
		Long: `Resolve every active or mitigated alert with the given canonical id.
Example: guardctl alerts resolve ENERGY-RAPID-TRADING`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := opts.client().ResolveAlert(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), raw, formatResolved)
		},
	})

	return alertsCmd
}

func newTradesCmd(opts *options) *cobra.Command {
	var window time.Duration
	cmd := &cobra.Command{
		Use:   "trades ADDRESS",
		Short: "Show a trader's retained trades",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w := ""
			if window > 0 {
				w = window.String()
			}
			raw, err := opts.client().TraderTrades(cmd.Context(), args[0], w)
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), raw, mcpserver.FormatTradeList)
		},
	}
	cmd.Flags().DurationVarP(&window, "window", "w", 0, "Look-back window (defaults to the server's retention window)")
	return cmd
}

func newHealthCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show subsystem health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := opts.client().Health(cmd.Context())
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), raw, nil)
		},
	}
}

func formatTransition(raw json.RawMessage) (string, error) {
	var resp struct {
		Event struct {
			PreviousState string `json:"previousState"`
			NewState      string `json:"newState"`
			TriggeredBy   string `json:"triggeredBy"`
			TxRef         string `json:"txRef"`
		} `json:"event"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	ev := resp.Event
	text := fmt.Sprintf("%s -> %s (by %s)", ev.PreviousState, ev.NewState, ev.TriggeredBy)
	if ev.TxRef != "" {
		text += "\nledger tx: " + ev.TxRef
	}
	return text, nil
}

func formatResolved(raw json.RawMessage) (string, error) {
	var resp struct {
		AlertID  string `json:"alertId"`
		Resolved int    `json:"resolved"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	return fmt.Sprintf("resolved %d alert(s) with id %s", resp.Resolved, resp.AlertID), nil
}

// Execute runs the root command and returns the process exit code.
func Execute(ctx context.Context, version string) int {
	cmd := NewRootCmd(version)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
		return 1
	}
	return 0
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "guardctl"
}
