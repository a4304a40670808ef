package engine

import (
	"time"

	"github.com/mkovalenko/community-directory-backend/internal/adminjobs"
	"github.com/mkovalenko/community-directory-backend/internal/audit"
	"github.com/mkovalenko/community-directory-backend/internal/payments"
	"github.com/mkovalenko/community-directory-backend/internal/places"
	"github.com/mkovalenko/community-directory-backend/internal/purge"
	"github.com/mkovalenko/community-directory-backend/internal/reconcile"
	"github.com/mkovalenko/community-directory-backend/internal/subscriptions"
	"github.com/mkovalenko/community-directory-backend/pkg/config"
	"github.com/mkovalenko/community-directory-backend/pkg/db"
	pkgerrors "github.com/mkovalenko/community-directory-backend/pkg/errors"
	"github.com/mkovalenko/community-directory-backend/pkg/logger"
	"github.com/mkovalenko/community-directory-backend/pkg/metrics"
)

// Engine is the composition root of the business lifecycle services. The
// bot process embeds it for the interactive surface; the worker binary uses
// the Sweeper for scheduled reconciliation. Both share one wiring so the
// transaction and audit behavior never diverges between entry points.
type Engine struct {
	Places        places.Service
	Subscriptions subscriptions.Service
	Payments      payments.Service
	Sweeper       *reconcile.Sweeper

	PlaceRepo        places.Repository
	SubscriptionRepo subscriptions.Repository
}

// Params configure the engine wiring.
type Params struct {
	DB               *db.Client
	Config           *config.Config
	Logger           *logger.Logger
	Notifier         adminjobs.Queue
	ReconcileMetrics *metrics.ReconcileMetrics
	Now              func() time.Time
}

// New wires repositories, projector, purge engine and services over one
// database client.
func New(params Params) (*Engine, error) {
	if params.DB == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "db client required")
	}
	if params.Config == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "config required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	notifier := params.Notifier
	if notifier == nil {
		notifier = adminjobs.NoopQueue{}
	}

	policy := params.Config.DB.RetryPolicy()
	placeRepo := places.NewRepository(params.DB.DB(), policy)
	subRepo := subscriptions.NewRepository(params.DB.DB(), policy)
	auditor := audit.NewLogger()

	projector, err := subscriptions.NewProjector(subRepo, placeRepo)
	if err != nil {
		return nil, err
	}

	purgeEngine, err := purge.NewEngine(purge.EngineParams{
		SubscriptionRepo: subRepo,
		PlaceRepo:        placeRepo,
		Auditor:          auditor,
		Logger:           params.Logger,
	})
	if err != nil {
		return nil, err
	}

	subService, err := subscriptions.NewService(subscriptions.ServiceParams{
		Repo:              subRepo,
		PlaceRepo:         placeRepo,
		Projector:         projector,
		Purge:             purgeEngine,
		TransactionRunner: params.DB,
		Auditor:           auditor,
		Logger:            params.Logger,
		IsAdmin:           params.Config.App.IsAdmin,
		Now:               params.Now,
	})
	if err != nil {
		return nil, err
	}

	paymentService, err := payments.NewService(payments.ServiceParams{
		Repo:              subRepo,
		PlaceRepo:         placeRepo,
		Projector:         projector,
		TransactionRunner: params.DB,
		Auditor:           auditor,
		Logger:            params.Logger,
		Notifier:          notifier,
		IsAdmin:           params.Config.App.IsAdmin,
		Now:               params.Now,
	})
	if err != nil {
		return nil, err
	}

	placeService, err := places.NewService(places.ServiceParams{
		Repo:              placeRepo,
		Subscriptions:     subRepo,
		DeriveFlags:       subscriptions.VerifiedFromSubscription,
		TransactionRunner: params.DB,
		Auditor:           auditor,
		Logger:            params.Logger,
		IsAdmin:           params.Config.App.IsAdmin,
		Now:               params.Now,
	})
	if err != nil {
		return nil, err
	}

	sweeper, err := reconcile.NewSweeper(reconcile.SweeperParams{
		Repo:              subRepo,
		Projector:         projector,
		Purge:             purgeEngine,
		TransactionRunner: params.DB,
		Auditor:           auditor,
		Logger:            params.Logger,
		Metrics:           params.ReconcileMetrics,
		Config:            params.Config.Reconcile,
		Now:               params.Now,
	})
	if err != nil {
		return nil, err
	}

	return &Engine{
		Places:           placeService,
		Subscriptions:    subService,
		Payments:         paymentService,
		Sweeper:          sweeper,
		PlaceRepo:        placeRepo,
		SubscriptionRepo: subRepo,
	}, nil
}
