package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/coachcoreai/coachcore/backend/cmd/desktop/handlers"
	apperrors "github.com/coachcoreai/coachcore/backend/internal/errors"
	"github.com/coachcoreai/coachcore/backend/internal/models"
	"github.com/coachcoreai/coachcore/backend/internal/sync/conflict"
	"github.com/coachcoreai/coachcore/backend/internal/sync/queue"
)

func (a *app) newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync core and the desktop bridge",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				addr = a.cfg.ListenAddr
			}
			server := handlers.NewServer(a.svc)
			defer server.Close()

			if err := a.svc.Start(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s listening on %s\n", ok("coachsync"), addr)
			return server.ListenAndServe(cmd.Context(), addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}

func (a *app) newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue and sync status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := a.svc.Status(cmd.Context())
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return printJSON(cmd.OutOrStdout(), st)
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func (a *app) newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Drain the queue once and report the result",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.svc.Recover(cmd.Context()); err != nil {
				return err
			}
			result, err := a.svc.SyncNow(cmd.Context())
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return printJSON(cmd.OutOrStdout(), result)
			}
			printDrainResult(cmd.OutOrStdout(), result)
			return nil
		},
	}
}

// =====================================================
// queue
// =====================================================

func (a *app) newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage queued mutations",
	}
	cmd.AddCommand(a.newQueueListCmd(), a.newQueueRetryCmd(), a.newQueueRemoveCmd(), a.newQueueClearCmd())
	return cmd
}

func (a *app) newQueueListCmd() *cobra.Command {
	var (
		statuses   []string
		collection string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued mutations in enqueue order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := queue.Filter{Collection: collection, Limit: limit}
			for _, s := range statuses {
				st := models.MutationStatus(strings.TrimSpace(s))
				if !st.Valid() {
					return apperrors.Newf(apperrors.ErrInvalid, "unknown status %q", s)
				}
				filter.Statuses = append(filter.Statuses, st)
			}

			items, err := a.svc.Mutations(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return printJSON(cmd.OutOrStdout(), items)
			}
			printMutations(cmd.OutOrStdout(), items)
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "filter by status (pending, in_flight, failed, conflicted)")
	cmd.Flags().StringVarP(&collection, "collection", "c", "", "filter by collection")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of mutations")
	return cmd
}

func (a *app) newQueueRetryCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "retry [id]",
		Short: "Reset failed mutations so they are sent again",
		Args: func(_ *cobra.Command, args []string) error {
			if all == (len(args) == 1) || len(args) > 1 {
				return apperrors.New(apperrors.ErrInvalid, "pass either one mutation id or --all")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if all {
				n, err := a.svc.RetryAll(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s %d mutation(s) reset to pending\n", ok("retried"), n)
				return nil
			}
			if err := a.svc.RetryMutation(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(out, "%s %s reset to pending\n", ok("retried"), args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "retry every failed mutation")
	return cmd
}

func (a *app) newQueueRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "rm <id>",
		Aliases: []string{"remove"},
		Short:   "Discard one queued mutation",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.svc.RemoveMutation(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", warn("removed"), args[0])
			return nil
		},
	}
}

func (a *app) newQueueClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Discard every mutation that is not being sent",
		RunE: func(cmd *cobra.Command, _ []string) error {
			n, err := a.svc.ClearQueue(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d mutation(s)\n", warn("cleared"), n)
			return nil
		},
	}
}

// =====================================================
// conflicts
// =====================================================

func (a *app) newConflictsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conflicts",
		Aliases: []string{"conflict"},
		Short:   "Review and resolve sync conflicts",
	}
	cmd.AddCommand(a.newConflictsListCmd(), a.newConflictsResolveCmd(), a.newConflictsAckCmd())
	return cmd
}

func (a *app) newConflictsListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List conflicts awaiting a decision",
		RunE: func(cmd *cobra.Command, _ []string) error {
			recs, err := a.svc.Conflicts(cmd.Context(), !all)
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return printJSON(cmd.OutOrStdout(), recs)
			}
			printConflicts(cmd.OutOrStdout(), recs)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include resolved conflicts")
	return cmd
}

func (a *app) newConflictsResolveCmd() *cobra.Command {
	var (
		strategy string
		payload  string
		by       string
	)
	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Resolve a conflict with a strategy",
		Long: `Resolve a conflict. Strategies:

  client_wins   re-send the local change over the remote version
  server_wins   keep the remote version and drop the local change
  merge         field-level merge, or --payload to send an explicit document`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res := conflict.Resolution{
				Strategy:   models.ConflictStrategy(strategy),
				ResolvedBy: by,
			}
			if payload != "" {
				if err := json.Unmarshal([]byte(payload), &res.Payload); err != nil {
					return apperrors.Wrap(apperrors.ErrInvalid, "invalid --payload", err)
				}
			}

			out, err := a.svc.ResolveConflict(cmd.Context(), args[0], res)
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return printJSON(cmd.OutOrStdout(), handlers.ResolveResponse{
					Conflict: out.Record,
					Mutation: out.Mutation,
					Strategy: out.Strategy,
					Requeued: out.Requeued,
					Settled:  out.Settled,
				})
			}
			state := "settled"
			if out.Requeued {
				state = "requeued"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s with %s (%s)\n", ok("resolved"), args[0], out.Strategy, state)
			return nil
		},
	}
	cmd.Flags().StringVar(&strategy, "strategy", "", "client_wins, server_wins or merge")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON object to send instead of the computed merge")
	cmd.Flags().StringVar(&by, "by", "cli", "who resolved the conflict")
	_ = cmd.MarkFlagRequired("strategy")
	return cmd
}

func (a *app) newConflictsAckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ack <id>",
		Short: "Dismiss a resolved conflict",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.svc.AcknowledgeConflict(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", ok("acknowledged"), args[0])
			return nil
		},
	}
}
