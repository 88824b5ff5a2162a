package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/coachcoreai/coachcore/backend/internal/models"
	syncpkg "github.com/coachcoreai/coachcore/backend/internal/sync"
	"github.com/coachcoreai/coachcore/backend/internal/sync/status"
)

var (
	ok    = color.New(color.FgGreen, color.Bold).SprintFunc()
	warn  = color.New(color.FgYellow, color.Bold).SprintFunc()
	bad   = color.New(color.FgRed, color.Bold).SprintFunc()
	faint = color.New(color.Faint).SprintFunc()
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return faint("never")
	}
	return t.Local().Format(time.DateTime)
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format(time.DateTime)
}

func printStatus(w io.Writer, st status.SyncStatus) {
	conn := ok("online")
	if !st.IsOnline {
		conn = warn("offline")
	}
	if st.Draining {
		conn += " " + faint("(syncing)")
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Connectivity:\t%s\n", conn)
	fmt.Fprintf(tw, "Pending:\t%d\n", st.PendingCount)
	fmt.Fprintf(tw, "In flight:\t%d\n", st.InFlightCount)
	failed := fmt.Sprint(st.FailedCount)
	if st.PermanentFailedCount > 0 {
		failed = bad(fmt.Sprintf("%d (%d need attention)", st.FailedCount, st.PermanentFailedCount))
	}
	fmt.Fprintf(tw, "Failed:\t%s\n", failed)
	conflicted := fmt.Sprint(st.ConflictedCount)
	if st.ConflictedCount > 0 {
		conflicted = warn(conflicted)
	}
	fmt.Fprintf(tw, "Conflicts:\t%s\n", conflicted)
	fmt.Fprintf(tw, "Last sync:\t%s\n", formatTime(st.LastSyncAt))
	fmt.Fprintf(tw, "Oldest pending:\t%s\n", formatTime(st.OldestPendingAt))
	if st.NextAttemptAt != nil {
		fmt.Fprintf(tw, "Next retry:\t%s\n", formatTime(st.NextAttemptAt))
	}
	tw.Flush()
}

func printDrainResult(w io.Writer, r *syncpkg.DrainResult) {
	if r.Offline {
		fmt.Fprintf(w, "%s device is offline, nothing sent\n", warn("skipped"))
		return
	}
	label := ok("synced")
	if r.Failed > 0 || r.Conflicted > 0 {
		label = warn("synced")
	}
	fmt.Fprintf(w, "%s %d of %d in %s (conflicts %d, retrying %d, failed %d, blocked %d)\n",
		label, r.Synced, r.Attempted, r.Duration.Round(time.Millisecond),
		r.Conflicted, r.Retrying, r.Failed, r.Blocked)
	if r.Interrupted {
		fmt.Fprintf(w, "%s connectivity dropped during the drain\n", warn("interrupted"))
	}
}

func statusLabel(m *models.QueuedMutation) string {
	switch {
	case m.PermanentlyFailed():
		return bad("failed")
	case m.Status == models.StatusFailed:
		return warn("retrying")
	case m.Status == models.StatusConflicted:
		return warn(string(m.Status))
	case m.Status == models.StatusInFlight:
		return ok(string(m.Status))
	default:
		return string(m.Status)
	}
}

func printMutations(w io.Writer, items []*models.QueuedMutation) {
	if len(items) == 0 {
		fmt.Fprintln(w, faint("Queue is empty"))
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tID\tOPERATION\tENTITY\tSTATUS\tATTEMPTS\tENQUEUED\tERROR")
	for _, m := range items {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s/%s\t%s\t%d/%d\t%s\t%s\n",
			m.Seq, m.ID, m.Operation, m.Collection, m.EntityID,
			statusLabel(m), m.Attempts, m.MaxAttempts,
			formatMillis(m.EnqueuedAt), truncate(m.LastError, 40))
	}
	tw.Flush()
	fmt.Fprintf(w, "\n%d mutation(s)\n", len(items))
}

func printConflicts(w io.Writer, recs []*models.ConflictRecord) {
	if len(recs) == 0 {
		fmt.Fprintln(w, faint("No conflicts"))
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tENTITY\tSTRATEGY\tDETECTED\tSTATE")
	for _, rec := range recs {
		state := warn("unresolved")
		if rec.Resolved() {
			state = ok("resolved")
		}
		fmt.Fprintf(tw, "%s\t%s/%s\t%s\t%s\t%s\n",
			rec.ID, rec.Collection, rec.EntityID, rec.Strategy,
			formatMillis(rec.DetectedAt), state)
	}
	tw.Flush()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
