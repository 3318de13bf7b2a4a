package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"text/tabwriter"

	"ransomeye/pkg/models"

	"github.com/spf13/cobra"
)

func newModeCmd(opts *globalOptions) *cobra.Command {
	modeCmd := &cobra.Command{Use: "mode", Short: "Read or change the enforcement mode"}

	get := &cobra.Command{
		Use:   "get",
		Short: "Print the active mode",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var m models.EnforcementMode
			if err := opts.call(cmd.Context(), http.MethodGet, "/v1/mode", nil, &m); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (version %d, changed by %s at %s)\n",
				m.Value, m.Version, m.ChangedBy, m.ChangedAt.Format("2006-01-02T15:04:05Z07:00"))
			return nil
		},
	}

	var (
		expected int64
		reason   string
	)
	set := &cobra.Command{
		Use:   "set <DRY_RUN|GUARDED_EXEC|FULL_ENFORCE>",
		Short: "Change the mode (SUPER_ADMIN only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := models.Mode(strings.ToUpper(strings.TrimSpace(args[0])))
			if !target.Valid() {
				return fmt.Errorf("unknown mode %q", args[0])
			}
			if strings.TrimSpace(reason) == "" {
				return fmt.Errorf("--reason is required")
			}
			body := map[string]any{"mode": target, "reason": reason}
			if expected > 0 {
				body["expected_version"] = expected
			}
			var m models.EnforcementMode
			if err := opts.call(cmd.Context(), http.MethodPut, "/v1/mode", body, &m); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (version %d)\n", m.Value, m.Version)
			return nil
		},
	}
	set.Flags().Int64Var(&expected, "expected-version", 0, "fail unless the active version matches")
	set.Flags().StringVar(&reason, "reason", "", "change reason recorded in the audit log")

	modeCmd.AddCommand(get, set)
	return modeCmd
}

func newApprovalsCmd(opts *globalOptions) *cobra.Command {
	approvals := &cobra.Command{Use: "approvals", Short: "List and decide pending approvals"}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List pending approval requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{"status": {string(models.DecisionPending)}, "limit": {strconv.Itoa(limit)}}
			var page struct {
				Items []models.ApprovalRequest `json:"items"`
			}
			if err := opts.call(cmd.Context(), http.MethodGet, "/v1/approvals?"+q.Encode(), nil, &page); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "APPROVAL\tACTION\tTARGET\tREQUESTED BY\tEXPIRES")
			for _, a := range page.Items {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", a.ApprovalID, a.ActionID, a.TargetID, a.RequestedBy,
					a.ExpiresAt.Format("2006-01-02T15:04:05Z07:00"))
			}
			return tw.Flush()
		},
	}
	list.Flags().IntVar(&limit, "limit", 100, "maximum requests to list")

	var reason string
	decide := &cobra.Command{
		Use:   "decide <approval-id> <ALLOW|DENY>",
		Short: "Record a signed decision",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d := models.Decision(strings.ToUpper(strings.TrimSpace(args[1])))
			if d != models.DecisionAllow && d != models.DecisionDeny {
				return fmt.Errorf("decision must be ALLOW or DENY")
			}
			var a models.ApprovalRequest
			path := "/v1/approvals/" + url.PathEscape(args[0]) + "/decision"
			if err := opts.call(cmd.Context(), http.MethodPost, path, map[string]any{"decision": d, "reason": reason}, &a); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), a)
		},
	}
	decide.Flags().StringVar(&reason, "reason", "", "decision reason")

	approvals.AddCommand(list, decide)
	return approvals
}
