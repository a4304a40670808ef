package places

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/mkovalenko/community-directory-backend/internal/audit"
	"github.com/mkovalenko/community-directory-backend/pkg/db/models"
	"github.com/mkovalenko/community-directory-backend/pkg/enums"
	pkgerrors "github.com/mkovalenko/community-directory-backend/pkg/errors"
	"github.com/mkovalenko/community-directory-backend/pkg/logger"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type subscriptionReader interface {
	EnsureSubscription(ctx context.Context, placeID int64) (*models.Subscription, error)
}

type flagsDeriver func(sub *models.Subscription, now time.Time) BusinessFlags

// Service covers the ownership moderation flow: users request, admins
// decide.
type Service interface {
	RequestOwnership(ctx context.Context, userID, placeID int64) (*models.BusinessOwner, error)
	ApproveOwner(ctx context.Context, adminID, ownerID int64) error
	RejectOwner(ctx context.Context, adminID, ownerID int64) error
}

// ServiceParams groups dependencies for the place service.
type ServiceParams struct {
	Repo              Repository
	Subscriptions     subscriptionReader
	DeriveFlags       flagsDeriver
	TransactionRunner txRunner
	Auditor           *audit.Logger
	Logger            *logger.Logger
	IsAdmin           func(userID int64) bool
	Now               func() time.Time
}

type service struct {
	repo        Repository
	subs        subscriptionReader
	deriveFlags flagsDeriver
	txRunner    txRunner
	auditor     *audit.Logger
	logg        *logger.Logger
	isAdmin     func(userID int64) bool
	now         func() time.Time
}

// NewService builds a place service with the required dependencies.
func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "place repo required")
	}
	if params.Subscriptions == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "subscription reader required")
	}
	if params.DeriveFlags == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "flags deriver required")
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
	isAdmin := params.IsAdmin
	if isAdmin == nil {
		isAdmin = func(int64) bool { return false }
	}
	now := params.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &service{
		repo:        params.Repo,
		subs:        params.Subscriptions,
		deriveFlags: params.DeriveFlags,
		txRunner:    params.TransactionRunner,
		auditor:     params.Auditor,
		logg:        params.Logger,
		isAdmin:     isAdmin,
		now:         now,
	}, nil
}

// RequestOwnership files or re-files an ownership claim. An already approved
// claim is returned as-is instead of being demoted to pending.
func (s *service) RequestOwnership(ctx context.Context, userID, placeID int64) (*models.BusinessOwner, error) {
	place, err := s.repo.FindPlace(ctx, placeID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load place")
	}
	if place == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "place not found")
	}
	if !place.BusinessEnabled {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "place is not a business listing")
	}

	var owner *models.BusinessOwner
	err = s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		owner, err = repo.UpsertOwnerRequest(ctx, placeID, userID, "owner")
		if err != nil {
			return err
		}
		return s.auditor.Append(tx, placeID, audit.Actor(userID), audit.ActionOwnerRequestCreated, map[string]any{
			"owner_id": owner.ID,
			"status":   string(owner.Status),
		})
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record ownership request")
	}

	s.logg.Info(s.logg.WithPlaceID(s.logg.WithUserID(ctx, userID), placeID), "ownership requested")
	return owner, nil
}

// ApproveOwner grants a pending claim and refreshes the place verified flags
// from the current subscription.
func (s *service) ApproveOwner(ctx context.Context, adminID, ownerID int64) error {
	return s.reviewOwner(ctx, adminID, ownerID, enums.OwnerStatusApproved)
}

// RejectOwner denies a claim. When no approved owner remains the place loses
// its verified badge regardless of the subscription row.
func (s *service) RejectOwner(ctx context.Context, adminID, ownerID int64) error {
	return s.reviewOwner(ctx, adminID, ownerID, enums.OwnerStatusRejected)
}

func (s *service) reviewOwner(ctx context.Context, adminID, ownerID int64, decision enums.OwnerStatus) error {
	if !s.isAdmin(adminID) {
		return pkgerrors.New(pkgerrors.CodeForbidden, "owner review requires an admin")
	}

	request, err := s.repo.FindOwnerRequest(ctx, ownerID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load ownership request")
	}
	if request == nil {
		return pkgerrors.New(pkgerrors.CodeNotFound, "ownership request not found")
	}
	if request.Status == decision {
		return nil
	}

	now := s.now()
	sub, err := s.subs.EnsureSubscription(ctx, request.PlaceID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load subscription")
	}

	action := audit.ActionOwnerRequestApproved
	if decision == enums.OwnerStatusRejected {
		action = audit.ActionOwnerRequestRejected
	}

	err = s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		if err := repo.UpdateOwnerStatus(ctx, ownerID, decision, adminID, now); err != nil {
			return err
		}

		// A place without a single approved owner is not a business listing.
		var flags BusinessFlags
		if decision == enums.OwnerStatusApproved {
			flags = s.deriveFlags(sub, now)
		} else {
			anyApproved, err := repo.HasApprovedOwners(ctx, request.PlaceID)
			if err != nil {
				return err
			}
			if anyApproved {
				flags = s.deriveFlags(sub, now)
			}
		}
		if err := repo.UpdateBusinessFlags(ctx, request.PlaceID, flags); err != nil {
			return err
		}

		return s.auditor.Append(tx, request.PlaceID, audit.Actor(adminID), action, map[string]any{
			"owner_id":      ownerID,
			"owner_user_id": request.UserID,
		})
	})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "review ownership request")
	}

	s.logg.Info(s.logg.WithPlaceID(ctx, request.PlaceID), "ownership request reviewed")
	return nil
}
