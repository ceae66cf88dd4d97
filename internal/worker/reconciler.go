// Package worker runs the background status reconciliation loop.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/strandkasse/vipps-gateway/internal/application"
)

// Reconciler is the fallback path for silently failed webhook delivery:
// it polls the provider for transactions whose webhook has not arrived
// within the expected window and feeds the observations into the state
// machine under the same idempotency and serialization guarantees.
type Reconciler struct {
	store     application.TransactionStore
	provider  application.ProviderClient
	machine   *application.StateMachine
	interval  time.Duration
	window    time.Duration
	batchSize int
	logger    *slog.Logger
	now       func() time.Time
}

func NewReconciler(
	store application.TransactionStore,
	provider application.ProviderClient,
	machine *application.StateMachine,
	interval time.Duration,
	window time.Duration,
	batchSize int,
	logger *slog.Logger,
) *Reconciler {
	return &Reconciler{
		store:     store,
		provider:  provider,
		machine:   machine,
		interval:  interval,
		window:    window,
		batchSize: batchSize,
		logger:    logger,
		now:       time.Now,
	}
}

func (r *Reconciler) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("starting status reconciler",
		"interval", r.interval,
		"window", r.window,
		"batch_size", r.batchSize,
	)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("stopping status reconciler")
			return
		case <-ticker.C:
			r.run(ctx)
		}
	}
}

// RunOnce executes a single reconciliation cycle.
func (r *Reconciler) RunOnce(ctx context.Context) {
	r.run(ctx)
}

func (r *Reconciler) run(ctx context.Context) {
	stale, err := r.store.FindStale(ctx, r.window, r.batchSize)
	if err != nil {
		r.logger.Error("failed to fetch stale transactions", "error", err)
		return
	}

	if len(stale) == 0 {
		return
	}

	r.logger.Info("reconciling transactions without fresh webhook confirmation", "count", len(stale))

	for _, tx := range stale {
		if err := r.reconcile(ctx, tx.Reference); err != nil {
			r.logger.Error("reconciliation failed",
				"reference", tx.Reference,
				"category", application.Categorize(err),
				"error", err,
			)
		}
	}
}

func (r *Reconciler) reconcile(ctx context.Context, reference string) error {
	details, err := r.provider.GetPayment(ctx, reference)
	if err != nil {
		return err
	}

	pollTime := r.now()
	// Synthetic event id: composes with the same idempotency guarantees
	// as webhook-sourced events.
	eventID := fmt.Sprintf("poll:%s:%s:%d", reference, details.State, pollTime.Unix())

	// Amount is left unset: the provider reports cumulative aggregates,
	// and a poll-driven catch-up settles the full remaining amount.
	result, err := r.machine.Apply(ctx, application.Event{
		Reference: reference,
		Proposed:  details.State,
		EventID:   eventID,
		Source:    application.SourcePoll,
	})
	if err != nil {
		return err
	}

	if result.Outcome == application.OutcomeApplied {
		r.logger.Info("poll-sourced transition applied",
			"reference", reference,
			"from", result.From,
			"to", result.To,
			"event_id", eventID,
		)
	}
	return nil
}
