package notifications

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/rckrdmrd/glit-backend-sub000/pkg/db/models"
	"github.com/rckrdmrd/glit-backend-sub000/pkg/enums"
	"github.com/rckrdmrd/glit-backend-sub000/pkg/pagination"
)

const defaultBulkBatchSize = 500

// Repository exposes persistence helpers for notifications.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, notification *models.Notification) error
	CreateBulk(ctx context.Context, notifications []models.Notification) (int64, error)
	List(ctx context.Context, params listNotificationsParams) ([]models.Notification, int64, error)
	FindByID(ctx context.Context, id uuid.UUID) (*models.Notification, error)
	MarkRead(ctx context.Context, userID, notificationID uuid.UUID, now time.Time) (*models.Notification, notificationMutationResult, error)
	MarkAllRead(ctx context.Context, userID uuid.UUID, now time.Time) (int64, error)
	Delete(ctx context.Context, userID, notificationID uuid.UUID) (notificationMutationResult, error)
	ClearAll(ctx context.Context, userID uuid.UUID) (int64, error)
	UnreadCount(ctx context.Context, userID uuid.UUID) (int64, error)
	DeleteReadOlderThan(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error)
}

type repositoryImpl struct {
	db        *gorm.DB
	batchSize int
}

// NewRepository returns a notifications repository bound to the provided database.
func NewRepository(db *gorm.DB, batchSize int) Repository {
	if batchSize <= 0 {
		batchSize = defaultBulkBatchSize
	}
	return &repositoryImpl{db: db, batchSize: batchSize}
}

type listNotificationsParams struct {
	UserID    uuid.UUID
	Page      int
	Limit     int
	Type      *enums.NotificationType
	Read      *bool
	Ascending bool
}

// notificationMutationResult distinguishes a missing row from one owned by someone else.
type notificationMutationResult struct {
	Found   bool
	Owned   bool
	Updated bool
}

func (r *repositoryImpl) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repositoryImpl{db: tx, batchSize: r.batchSize}
}

func (r *repositoryImpl) Create(ctx context.Context, notification *models.Notification) error {
	if notification.ID == uuid.Nil {
		notification.ID = uuid.New()
	}
	notification.Read = false
	if notification.Data == nil {
		notification.Data = datatypes.JSONMap{}
	}
	return r.db.WithContext(ctx).Create(notification).Error
}

// CreateBulk inserts every row in one transaction; any failing batch rolls back all of them.
func (r *repositoryImpl) CreateBulk(ctx context.Context, notifications []models.Notification) (int64, error) {
	if len(notifications) == 0 {
		return 0, nil
	}
	for i := range notifications {
		if notifications[i].ID == uuid.Nil {
			notifications[i].ID = uuid.New()
		}
		notifications[i].Read = false
		if notifications[i].Data == nil {
			notifications[i].Data = datatypes.JSONMap{}
		}
	}

	var created int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.CreateInBatches(&notifications, r.batchSize)
		if result.Error != nil {
			return result.Error
		}
		created = result.RowsAffected
		return nil
	})
	if err != nil {
		return 0, err
	}
	return created, nil
}

func (r *repositoryImpl) List(ctx context.Context, params listNotificationsParams) ([]models.Notification, int64, error) {
	page := pagination.Params{Page: params.Page, Limit: params.Limit}.Normalize()

	query := r.db.WithContext(ctx).Model(&models.Notification{}).Where("user_id = ?", params.UserID)
	if params.Type != nil {
		query = query.Where("type = ?", *params.Type)
	}
	if params.Read != nil {
		query = query.Where("read = ?", *params.Read)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	order := "created_at DESC, id DESC"
	if params.Ascending {
		order = "created_at ASC, id ASC"
	}

	var notifications []models.Notification
	if err := query.Order(order).Offset(page.Offset()).Limit(page.Limit).Find(&notifications).Error; err != nil {
		return nil, 0, err
	}
	return notifications, total, nil
}

func (r *repositoryImpl) FindByID(ctx context.Context, id uuid.UUID) (*models.Notification, error) {
	var notification models.Notification
	if err := r.db.WithContext(ctx).First(&notification, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &notification, nil
}

// MarkRead flips read only while it is still false, so repeating it leaves updated_at untouched.
func (r *repositoryImpl) MarkRead(ctx context.Context, userID, notificationID uuid.UUID, now time.Time) (*models.Notification, notificationMutationResult, error) {
	notification, result, err := r.loadOwned(ctx, userID, notificationID)
	if err != nil || !result.Owned {
		return notification, result, err
	}
	if notification.Read {
		return notification, result, nil
	}

	update := r.db.WithContext(ctx).
		Model(&models.Notification{}).
		Where("id = ? AND user_id = ? AND read = ?", notificationID, userID, false).
		UpdateColumns(map[string]any{"read": true, "updated_at": now})
	if update.Error != nil {
		return nil, notificationMutationResult{}, update.Error
	}
	if update.RowsAffected == 0 {
		// Lost a race with another mark; return the row as it is now.
		current, err := r.FindByID(ctx, notificationID)
		if err != nil {
			return nil, notificationMutationResult{}, err
		}
		return current, result, nil
	}

	notification.Read = true
	notification.UpdatedAt = now
	result.Updated = true
	return notification, result, nil
}

func (r *repositoryImpl) MarkAllRead(ctx context.Context, userID uuid.UUID, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Notification{}).
		Where("user_id = ? AND read = ?", userID, false).
		UpdateColumns(map[string]any{"read": true, "updated_at": now})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func (r *repositoryImpl) Delete(ctx context.Context, userID, notificationID uuid.UUID) (notificationMutationResult, error) {
	_, result, err := r.loadOwned(ctx, userID, notificationID)
	if err != nil || !result.Owned {
		return result, err
	}
	deleted := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", notificationID, userID).
		Delete(&models.Notification{})
	if deleted.Error != nil {
		return notificationMutationResult{}, deleted.Error
	}
	result.Updated = deleted.RowsAffected > 0
	return result, nil
}

func (r *repositoryImpl) ClearAll(ctx context.Context, userID uuid.UUID) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Delete(&models.Notification{})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func (r *repositoryImpl) UnreadCount(ctx context.Context, userID uuid.UUID) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&models.Notification{}).
		Where("user_id = ? AND read = ?", userID, false).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// DeleteReadOlderThan removes read rows created before cutoff. Unread rows are kept regardless of age.
func (r *repositoryImpl) DeleteReadOlderThan(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error) {
	db := r.db
	if tx != nil {
		db = tx
	}
	result := db.WithContext(ctx).
		Where("read = ? AND created_at < ?", true, cutoff).
		Delete(&models.Notification{})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func (r *repositoryImpl) loadOwned(ctx context.Context, userID, notificationID uuid.UUID) (*models.Notification, notificationMutationResult, error) {
	notification, err := r.FindByID(ctx, notificationID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notificationMutationResult{}, nil
		}
		return nil, notificationMutationResult{}, err
	}
	result := notificationMutationResult{Found: true, Owned: notification.UserID == userID}
	if !result.Owned {
		return nil, result, nil
	}
	return notification, result, nil
}
