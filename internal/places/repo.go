package places

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/mkovalenko/community-directory-backend/pkg/db"
	"github.com/mkovalenko/community-directory-backend/pkg/db/models"
	"github.com/mkovalenko/community-directory-backend/pkg/enums"
	"github.com/mkovalenko/community-directory-backend/pkg/retry"
)

// BusinessFlags is the projection the engine writes onto a place. Everything
// else on the place row belongs to the directory.
type BusinessFlags struct {
	BusinessEnabled bool
	IsVerified      bool
	VerifiedTier    *enums.Tier
	VerifiedUntil   *time.Time
}

// Repository handles place, ownership and like persistence.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	FindPlace(ctx context.Context, id int64) (*models.Place, error)
	CreatePlace(ctx context.Context, place *models.Place) error
	UpdateBusinessFlags(ctx context.Context, placeID int64, flags BusinessFlags) error
	IsApprovedOwner(ctx context.Context, userID, placeID int64) (bool, error)
	HasApprovedOwners(ctx context.Context, placeID int64) (bool, error)
	UpsertOwnerRequest(ctx context.Context, placeID, userID int64, role string) (*models.BusinessOwner, error)
	FindOwnerRequest(ctx context.Context, ownerID int64) (*models.BusinessOwner, error)
	UpdateOwnerStatus(ctx context.Context, ownerID int64, status enums.OwnerStatus, reviewedBy int64, reviewedAt time.Time) error
	CreateLike(ctx context.Context, like *models.PlaceLike) error
	CountLikes(ctx context.Context, placeID int64) (int64, error)
	DeleteLikesWithin(ctx context.Context, placeID int64, from, until time.Time) (int64, error)
}

type repository struct {
	db     *gorm.DB
	policy retry.Policy
}

// NewRepository returns a place repository bound to the provided database.
func NewRepository(conn *gorm.DB, policy retry.Policy) Repository {
	return &repository{db: conn, policy: policy}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	// Inside a transaction the busy retry belongs to the transaction owner.
	return &repository{db: tx, policy: retry.Policy{Attempts: 3, BaseDelay: r.policy.BaseDelay}}
}

func (r *repository) write(ctx context.Context, fn func() error) error {
	return retry.Do(ctx, r.policy, db.IsBusy, fn)
}

func (r *repository) FindPlace(ctx context.Context, id int64) (*models.Place, error) {
	var place models.Place
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&place).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &place, nil
}

func (r *repository) CreatePlace(ctx context.Context, place *models.Place) error {
	return r.write(ctx, func() error {
		return r.db.WithContext(ctx).Create(place).Error
	})
}

func (r *repository) UpdateBusinessFlags(ctx context.Context, placeID int64, flags BusinessFlags) error {
	return r.write(ctx, func() error {
		return r.db.WithContext(ctx).
			Model(&models.Place{}).
			Where("id = ?", placeID).
			Updates(map[string]any{
				"business_enabled": flags.BusinessEnabled,
				"is_verified":      flags.IsVerified,
				"verified_tier":    flags.VerifiedTier,
				"verified_until":   flags.VerifiedUntil,
			}).Error
	})
}

func (r *repository) IsApprovedOwner(ctx context.Context, userID, placeID int64) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.BusinessOwner{}).
		Where("user_id = ? AND place_id = ? AND status = ?", userID, placeID, enums.OwnerStatusApproved).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *repository) HasApprovedOwners(ctx context.Context, placeID int64) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.BusinessOwner{}).
		Where("place_id = ? AND status = ?", placeID, enums.OwnerStatusApproved).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// UpsertOwnerRequest creates or refreshes a pending ownership request. An
// approved row is never demoted by a repeated request.
func (r *repository) UpsertOwnerRequest(ctx context.Context, placeID, userID int64, role string) (*models.BusinessOwner, error) {
	if role == "" {
		role = "owner"
	}
	var owner models.BusinessOwner
	err := r.db.WithContext(ctx).
		Where("place_id = ? AND user_id = ?", placeID, userID).
		First(&owner).Error
	switch {
	case err == gorm.ErrRecordNotFound:
		owner = models.BusinessOwner{
			PlaceID: placeID,
			UserID:  userID,
			Role:    role,
			Status:  enums.OwnerStatusPending,
		}
		if createErr := r.write(ctx, func() error {
			return r.db.WithContext(ctx).Create(&owner).Error
		}); createErr != nil {
			return nil, createErr
		}
		return &owner, nil
	case err != nil:
		return nil, err
	}

	if owner.Status == enums.OwnerStatusApproved {
		return &owner, nil
	}
	owner.Role = role
	owner.Status = enums.OwnerStatusPending
	owner.ApprovedAt = nil
	owner.ApprovedBy = nil
	if saveErr := r.write(ctx, func() error {
		return r.db.WithContext(ctx).Save(&owner).Error
	}); saveErr != nil {
		return nil, saveErr
	}
	return &owner, nil
}

func (r *repository) FindOwnerRequest(ctx context.Context, ownerID int64) (*models.BusinessOwner, error) {
	var owner models.BusinessOwner
	if err := r.db.WithContext(ctx).Where("id = ?", ownerID).First(&owner).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &owner, nil
}

func (r *repository) UpdateOwnerStatus(ctx context.Context, ownerID int64, status enums.OwnerStatus, reviewedBy int64, reviewedAt time.Time) error {
	return r.write(ctx, func() error {
		return r.db.WithContext(ctx).
			Model(&models.BusinessOwner{}).
			Where("id = ?", ownerID).
			Updates(map[string]any{
				"status":      status,
				"approved_at": reviewedAt,
				"approved_by": reviewedBy,
			}).Error
	})
}

func (r *repository) CreateLike(ctx context.Context, like *models.PlaceLike) error {
	return r.write(ctx, func() error {
		return r.db.WithContext(ctx).Create(like).Error
	})
}

func (r *repository) CountLikes(ctx context.Context, placeID int64) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.PlaceLike{}).
		Where("place_id = ?", placeID).
		Count(&count).Error
	return count, err
}

// DeleteLikesWithin removes likes with liked_at in [from, until). Likes
// outside the window are preserved.
func (r *repository) DeleteLikesWithin(ctx context.Context, placeID int64, from, until time.Time) (int64, error) {
	var deleted int64
	err := r.write(ctx, func() error {
		result := r.db.WithContext(ctx).
			Where("place_id = ? AND liked_at >= ? AND liked_at < ?", placeID, from, until).
			Delete(&models.PlaceLike{})
		deleted = result.RowsAffected
		return result.Error
	})
	return deleted, err
}
