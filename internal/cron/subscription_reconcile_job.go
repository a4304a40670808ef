package cron

import (
	"context"
	"fmt"

	"github.com/mkovalenko/community-directory-backend/internal/reconcile"
	"github.com/mkovalenko/community-directory-backend/pkg/logger"
)

type subscriptionReconcileJob struct {
	sweeper *reconcile.Sweeper
	logg    *logger.Logger
}

// NewSubscriptionReconcileJob wraps the reconciliation sweeper as a cron job.
func NewSubscriptionReconcileJob(sweeper *reconcile.Sweeper, logg *logger.Logger) (Job, error) {
	if sweeper == nil {
		return nil, fmt.Errorf("sweeper required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &subscriptionReconcileJob{sweeper: sweeper, logg: logg}, nil
}

func (j *subscriptionReconcileJob) Name() string { return "subscription-reconcile" }

func (j *subscriptionReconcileJob) Run(ctx context.Context) error {
	stats, err := j.sweeper.Sweep(ctx)
	reportCtx := j.logg.WithFields(ctx, map[string]any{
		"scanned":                  stats.Scanned,
		"changed_canceled_to_free": stats.ChangedCanceledToFree,
		"changed_past_due_to_free": stats.ChangedPastDueToFree,
	})
	if err != nil {
		j.logg.Error(reportCtx, "reconcile sweep reported failures", err)
		return err
	}
	j.logg.Info(reportCtx, "reconcile sweep clean")
	return nil
}
