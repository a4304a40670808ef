package reconcile

import (
	"context"
	"time"

	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/mkovalenko/community-directory-backend/internal/audit"
	"github.com/mkovalenko/community-directory-backend/internal/purge"
	"github.com/mkovalenko/community-directory-backend/internal/subscriptions"
	"github.com/mkovalenko/community-directory-backend/pkg/config"
	"github.com/mkovalenko/community-directory-backend/pkg/db/models"
	"github.com/mkovalenko/community-directory-backend/pkg/enums"
	pkgerrors "github.com/mkovalenko/community-directory-backend/pkg/errors"
	"github.com/mkovalenko/community-directory-backend/pkg/logger"
	"github.com/mkovalenko/community-directory-backend/pkg/metrics"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Stats summarizes one sweep.
type Stats struct {
	Scanned               int
	ChangedCanceledToFree int
	ChangedPastDueToFree  int
	RepurgedPeriods       int
	Failed                int
}

// Sweeper moves expired subscriptions back to free and finishes purges that
// a crash left half done. It never grants anything; only payment events do
// that.
type Sweeper struct {
	repo      subscriptions.Repository
	projector *subscriptions.Projector
	purge     *purge.Engine
	txRunner  txRunner
	auditor   *audit.Logger
	logg      *logger.Logger
	metrics   *metrics.ReconcileMetrics
	cfg       config.ReconcileConfig
	now       func() time.Time
}

// SweeperParams groups dependencies for the sweeper.
type SweeperParams struct {
	Repo              subscriptions.Repository
	Projector         *subscriptions.Projector
	Purge             *purge.Engine
	TransactionRunner txRunner
	Auditor           *audit.Logger
	Logger            *logger.Logger
	Metrics           *metrics.ReconcileMetrics
	Config            config.ReconcileConfig
	Now               func() time.Time
}

// NewSweeper builds a reconciliation sweeper.
func NewSweeper(params SweeperParams) (*Sweeper, error) {
	if params.Repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "subscription repo required")
	}
	if params.Projector == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "projector required")
	}
	if params.Purge == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "purge engine required")
	}
	if params.TransactionRunner == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction runner required")
	}
	if params.Auditor == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "audit logger required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	now := params.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Sweeper{
		repo:      params.Repo,
		projector: params.Projector,
		purge:     params.Purge,
		txRunner:  params.TransactionRunner,
		auditor:   params.Auditor,
		logg:      params.Logger,
		metrics:   params.Metrics,
		cfg:       params.Config,
		now:       now,
	}, nil
}

// Sweep scans all subscriptions in keyset batches and downgrades the ones
// whose paid window is over. One bad row never stops the scan; failures are
// counted and the errors are aggregated in the return.
func (s *Sweeper) Sweep(ctx context.Context) (Stats, error) {
	started := s.now()
	stats := Stats{}
	var errs error

	var afterPlaceID int64
	for {
		batch, err := s.repo.ListForReconciliation(ctx, afterPlaceID, s.cfg.BatchSize)
		if err != nil {
			return stats, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list subscriptions")
		}
		if len(batch) == 0 {
			break
		}
		for i := range batch {
			sub := &batch[i]
			afterPlaceID = sub.PlaceID
			stats.Scanned++

			if err := ctx.Err(); err != nil {
				return stats, multierr.Append(errs, err)
			}

			from, due := s.classify(sub, started)
			if !due {
				continue
			}
			if err := s.downgradeRow(ctx, sub.PlaceID, from); err != nil {
				stats.Failed++
				if s.metrics != nil {
					s.metrics.IncRowFailure()
				}
				s.logg.Error(s.logg.WithPlaceID(ctx, sub.PlaceID), "reconcile downgrade failed", err)
				errs = multierr.Append(errs, err)
				continue
			}
			switch from {
			case enums.SubscriptionStatusCanceled:
				stats.ChangedCanceledToFree++
			case enums.SubscriptionStatusPastDue:
				stats.ChangedPastDueToFree++
			}
			if s.metrics != nil {
				s.metrics.IncTransition(string(from))
			}
		}
	}

	repurged, err := s.finishPendingPurges(ctx)
	stats.RepurgedPeriods = repurged
	if err != nil {
		errs = multierr.Append(errs, err)
	}

	if s.metrics != nil {
		s.metrics.ObserveSweep(s.now().Sub(started), stats.Scanned)
	}
	lctx := s.logg.WithFields(ctx, map[string]any{
		"scanned":                  stats.Scanned,
		"changed_canceled_to_free": stats.ChangedCanceledToFree,
		"changed_past_due_to_free": stats.ChangedPastDueToFree,
		"repurged_periods":         stats.RepurgedPeriods,
		"failed":                   stats.Failed,
	})
	s.logg.Info(lctx, "reconcile sweep finished")
	return stats, errs
}

// classify decides whether a row is due for downgrade and from which status.
// past_due rows get the configured grace window past expiry before they drop.
func (s *Sweeper) classify(sub *models.Subscription, now time.Time) (enums.SubscriptionStatus, bool) {
	if !sub.Tier.IsPaid() || sub.ExpiresAt == nil {
		return "", false
	}
	switch sub.Status {
	case enums.SubscriptionStatusCanceled:
		return enums.SubscriptionStatusCanceled, !sub.ExpiresAt.After(now)
	case enums.SubscriptionStatusPastDue:
		deadline := sub.ExpiresAt.AddDate(0, 0, s.cfg.GraceDays)
		return enums.SubscriptionStatusPastDue, !deadline.After(now)
	}
	return "", false
}

// downgradeRow re-reads the subscription inside its own transaction and
// verifies it is still due before writing. A concurrent renewal between the
// batch read and here wins.
func (s *Sweeper) downgradeRow(ctx context.Context, placeID int64, expectedFrom enums.SubscriptionStatus) error {
	now := s.now()
	return s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)

		sub, err := repo.FindSubscription(ctx, placeID)
		if err != nil {
			return err
		}
		if sub == nil {
			return nil
		}
		from, due := s.classify(sub, now)
		if !due || from != expectedFrom {
			return nil
		}

		if err := s.projector.DowngradeToFree(ctx, tx, placeID, now); err != nil {
			return err
		}

		reason := enums.PeriodCloseReasonExpired
		if from == enums.SubscriptionStatusPastDue {
			reason = enums.PeriodCloseReasonPastDue
		}
		period, err := repo.FindOpenPeriod(ctx, placeID)
		if err != nil {
			return err
		}
		if period != nil {
			if err := s.purge.ClosePeriodAndPurge(ctx, tx, period, reason, now); err != nil {
				return err
			}
		}

		return s.auditor.Append(tx, placeID, nil, audit.ActionReconciled, map[string]any{
			"from_status": string(from),
			"to_tier":     string(enums.TierFree),
		})
	})
}

// finishPendingPurges retries purges for closed periods a crash interrupted
// before purge_processed_at was stamped.
func (s *Sweeper) finishPendingPurges(ctx context.Context) (int, error) {
	periods, err := s.repo.ListClosedUnpurged(ctx, s.cfg.BatchSize)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list unpurged periods")
	}

	var errs error
	done := 0
	now := s.now()
	for i := range periods {
		period := periods[i]
		err := s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
			reason := enums.PeriodCloseReasonExpired
			if period.CloseReason != nil {
				reason = *period.CloseReason
			}
			return s.purge.ClosePeriodAndPurge(ctx, tx, &period, reason, now)
		})
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		done++
	}
	return done, errs
}
