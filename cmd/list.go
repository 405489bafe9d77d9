package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/swarmd/internal/store"
)

var listOpts struct {
	kinds    []string
	statuses []string
	limit    int
	jsonOut  bool
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List workers",
	Long: `List workers, newest first. Filters combine with AND logic.

Examples:
  # Everything the store knows about
  swarmd list

  # Active coding workers only
  swarmd list --kind coding --status started,waiting_review,under_review

  # Machine-readable output
  swarmd list --json | jq '.[].id'`,
	RunE: runList,
}

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().StringSliceVar(&listOpts.kinds, "kind", nil,
		"filter by kind (coding, review, planning; repeatable or comma-separated)")
	listCmd.Flags().StringSliceVar(&listOpts.statuses, "status", nil,
		"filter by status (repeatable or comma-separated)")
	listCmd.Flags().IntVar(&listOpts.limit, "limit", 0,
		"maximum rows to return (0 = no limit)")
	listCmd.Flags().BoolVar(&listOpts.jsonOut, "json", false,
		"emit JSON instead of a table")
}

// parseListFilter converts flag values into a store filter, rejecting
// unknown kinds and statuses before any query runs.
func parseListFilter(kinds, statuses []string, limit int) (store.ListFilter, error) {
	filter := store.ListFilter{Limit: limit, Desc: true}
	for _, k := range kinds {
		kind := store.WorkerKind(strings.TrimSpace(k))
		if !kind.Valid() {
			return store.ListFilter{}, fmt.Errorf("unknown worker kind %q", k)
		}
		filter.Kinds = append(filter.Kinds, kind)
	}
	for _, s := range statuses {
		status := store.WorkerStatus(strings.TrimSpace(s))
		if !validStatus(status) {
			return store.ListFilter{}, fmt.Errorf("unknown worker status %q", s)
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	return filter, nil
}

func validStatus(s store.WorkerStatus) bool {
	switch s {
	case store.StatusStarted, store.StatusWaitingReview, store.StatusUnderReview,
		store.StatusFeedbackReceived, store.StatusCreatingPR,
		store.StatusCompleted, store.StatusTerminated, store.StatusFailed:
		return true
	}
	return false
}

// listRow is the presentation shape shared by the table and JSON outputs.
type listRow struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	Status  string `json:"status"`
	Branch  string `json:"branch,omitempty"`
	Session string `json:"session,omitempty"`
	Parent  string `json:"parent,omitempty"`
	PRURL   string `json:"pr_url,omitempty"`
	Age     string `json:"age"`
}

func toRows(workers []*store.Worker, now time.Time) []listRow {
	rows := make([]listRow, 0, len(workers))
	for _, w := range workers {
		rows = append(rows, listRow{
			ID:      w.ID,
			Kind:    string(w.Kind),
			Status:  string(w.Status),
			Branch:  deref(w.Branch),
			Session: deref(w.SessionName),
			Parent:  deref(w.ParentID),
			PRURL:   deref(w.PRURL),
			Age:     humanAge(now.Sub(w.CreatedAt)),
		})
	}
	return rows
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// humanAge renders a duration at the coarsest useful unit.
func humanAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func renderTable(w io.Writer, rows []listRow) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tSTATUS\tBRANCH\tSESSION\tAGE")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Kind, r.Status, dashIfEmpty(r.Branch), dashIfEmpty(r.Session), r.Age)
	}
	return tw.Flush()
}

func dashIfEmpty(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func runList(cmd *cobra.Command, _ []string) error {
	filter, err := parseListFilter(listOpts.kinds, listOpts.statuses, listOpts.limit)
	if err != nil {
		return err
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	workers, err := a.Engine.List(cmd.Context(), filter)
	if err != nil {
		return err
	}
	rows := toRows(workers, time.Now())

	if listOpts.jsonOut {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}
	if len(rows) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no workers")
		return nil
	}
	return renderTable(cmd.OutOrStdout(), rows)
}
