package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vanshika/uplink/internal/activation"
	"github.com/vanshika/uplink/internal/bootstrap"
	"github.com/vanshika/uplink/internal/domain"
	"github.com/vanshika/uplink/internal/service"
)

func newUplineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upline <uid>",
		Short: "Show the referral chain above a member, nearest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				chain, err := app.Members.Upline(ctx, args[0])
				if err != nil {
					return err
				}
				return render(cmd, chain, func(w io.Writer) {
					tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "LEVEL\tUID\tNAME\tSTATE")
					for i, u := range chain {
						fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", i+1, u.UID, u.Name, u.ActivationState)
					}
					tw.Flush()
				})
			})
		},
	}
}

func newPropagateCmd() *cobra.Command {
	var in service.EventInput
	cmd := &cobra.Command{
		Use:   "propagate",
		Short: "Credit the upline of a source member for one event",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ev, err := in.ToEvent()
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				res, err := service.RetryValue(ctx, app.Retrier, "propagate "+ev.IdempotencyKey, func(ctx context.Context) (domain.ApplicationResult, error) {
					return app.Engine.Propagate(ctx, ev)
				})
				if errors.Is(err, domain.ErrIdempotencyConflict) {
					fmt.Fprintf(cmd.ErrOrStderr(), "key %s was already used for a different event; nothing applied\n", ev.IdempotencyKey)
					return nil
				}
				if err != nil {
					return err
				}
				return render(cmd, res, func(w io.Writer) {
					if res.Replay {
						fmt.Fprintf(w, "event %s already applied\n", res.EventKey)
					}
					tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "LEVEL\tRECIPIENT\tAMOUNT\tSTATUS")
					for _, rec := range res.Applied {
						fmt.Fprintf(tw, "%d\t%s\t%d\tapplied\n", rec.Level, rec.RecipientUID, rec.Amount)
					}
					for _, rec := range res.Replayed {
						fmt.Fprintf(tw, "%d\t%s\t%d\treplayed\n", rec.Level, rec.RecipientUID, rec.Amount)
					}
					for _, p := range res.Forfeited {
						fmt.Fprintf(tw, "%d\t%s\t0\tforfeited\n", p.Level, p.RecipientUID)
					}
					tw.Flush()
				})
			})
		},
	}
	cmd.Flags().StringVar(&in.IdempotencyKey, "key", "", "Idempotency key of the event")
	cmd.Flags().StringVar(&in.SourceUID, "source", "", "UID of the member whose event is propagated")
	cmd.Flags().StringVar(&in.Type, "type", string(domain.EventEarning), "Event type: ACTIVATION or EARNING")
	cmd.Flags().Int64Var(&in.BaseAmount, "base", 0, "Base amount in minor units")
	_ = cmd.MarkFlagRequired("key")
	_ = cmd.MarkFlagRequired("source")
	return cmd
}

func newTransitionCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "transition <uid> <FREE|PENDING|ACTIVE>",
		Short: "Move a member through the activation state machine",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := activation.ParseState(args[1])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				user, err := app.Members.TransitionActivation(ctx, args[0], target, reason)
				if err != nil {
					return err
				}
				return render(cmd, user, func(w io.Writer) {
					fmt.Fprintf(w, "%s is now %s (plan %s)\n", user.UID, user.ActivationState, user.PlanType)
				})
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual", "Reason recorded with the transition")
	return cmd
}

func newCommissionsCmd() *cobra.Command {
	var (
		limit  int
		before string
	)
	cmd := &cobra.Command{
		Use:   "commissions <uid>",
		Short: "List a member's commissions, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := domain.CommissionQuery{RecipientUID: args[0], Limit: limit}
			if before != "" {
				ts, err := time.Parse(time.RFC3339Nano, before)
				if err != nil {
					return fmt.Errorf("invalid --before: %w", err)
				}
				q.Before = &ts
			}
			return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				records, err := app.Members.Commissions(ctx, q)
				if err != nil {
					return err
				}
				return render(cmd, records, func(w io.Writer) {
					tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "TIMESTAMP\tLEVEL\tSOURCE\tTYPE\tAMOUNT")
					for _, rec := range records {
						fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%d\n", rec.Timestamp.Format(time.RFC3339), rec.Level, rec.SourceUID, rec.EventType, rec.Amount)
					}
					tw.Flush()
				})
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", domain.DefaultCommissionLimit, "Maximum number of records")
	cmd.Flags().StringVar(&before, "before", "", "Only records strictly older than this RFC3339 timestamp")
	return cmd
}
