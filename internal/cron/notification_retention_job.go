package cron

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	pkgerrors "github.com/rckrdmrd/glit-backend-sub000/pkg/errors"
	"github.com/rckrdmrd/glit-backend-sub000/pkg/logger"
)

const defaultRetentionDays = 30

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type retentionRepo interface {
	DeleteReadOlderThan(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error)
}

// RetentionSweeper is the scheduled job that also accepts manual sweeps.
type RetentionSweeper interface {
	Job
	Sweep(ctx context.Context, days int) (SweepResult, error)
}

// SweepResult reports one retention pass.
type SweepResult struct {
	RetentionDays int       `json:"retentionDays"`
	Cutoff        time.Time `json:"cutoff"`
	Deleted       int64     `json:"deleted"`
}

type NotificationRetentionJobParams struct {
	Logger        *logger.Logger
	DB            txRunner
	Repository    retentionRepo
	RetentionDays int
}

// NewNotificationRetentionJob builds the sweeper that deletes read notifications past retention.
func NewNotificationRetentionJob(params NotificationRetentionJobParams) (RetentionSweeper, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("db runner required")
	}
	if params.Repository == nil {
		return nil, fmt.Errorf("notifications repository required")
	}
	days := params.RetentionDays
	if days <= 0 {
		days = defaultRetentionDays
	}
	return &notificationRetentionJob{
		logg: params.Logger,
		db:   params.DB,
		repo: params.Repository,
		days: days,
		now:  time.Now,
	}, nil
}

type notificationRetentionJob struct {
	logg *logger.Logger
	db   txRunner
	repo retentionRepo
	days int
	now  func() time.Time
}

func (j *notificationRetentionJob) Name() string { return "notification-retention" }

func (j *notificationRetentionJob) Run(ctx context.Context) error {
	_, err := j.Sweep(ctx, j.days)
	return err
}

// Sweep deletes read notifications created more than days ago. Unread rows are never touched.
func (j *notificationRetentionJob) Sweep(ctx context.Context, days int) (SweepResult, error) {
	if days <= 0 {
		return SweepResult{}, pkgerrors.New(pkgerrors.CodeValidation, "retention days must be positive")
	}
	cutoff := j.now().UTC().AddDate(0, 0, -days)
	result := SweepResult{RetentionDays: days, Cutoff: cutoff}

	err := j.db.WithTx(ctx, func(tx *gorm.DB) error {
		rows, err := j.repo.DeleteReadOlderThan(ctx, tx, cutoff)
		if err != nil {
			return err
		}
		result.Deleted = rows
		return nil
	})
	if err != nil {
		return SweepResult{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "notification retention sweep")
	}

	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"cutoff":         cutoff,
		"retention_days": days,
		"rows_deleted":   result.Deleted,
	}), "notification retention sweep complete")
	return result, nil
}
