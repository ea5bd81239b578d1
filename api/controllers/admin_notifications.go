package controllers

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/rckrdmrd/glit-backend-sub000/api/responses"
	"github.com/rckrdmrd/glit-backend-sub000/api/validators"
	"github.com/rckrdmrd/glit-backend-sub000/internal/cron"
	"github.com/rckrdmrd/glit-backend-sub000/internal/notifications"
	"github.com/rckrdmrd/glit-backend-sub000/internal/realtime"
	"github.com/rckrdmrd/glit-backend-sub000/pkg/enums"
	pkgerrors "github.com/rckrdmrd/glit-backend-sub000/pkg/errors"
	"github.com/rckrdmrd/glit-backend-sub000/pkg/logger"
)

type notificationSender interface {
	SendToUser(ctx context.Context, input notifications.SendInput) (*notifications.NotificationDTO, error)
	SendToUsers(ctx context.Context, userIDs []uuid.UUID, input notifications.SendInput) (int64, error)
	BroadcastToAll(ctx context.Context, input notifications.SendInput) (int64, error)
}

type retentionRunner interface {
	Sweep(ctx context.Context, days int) (cron.SweepResult, error)
}

type realtimeStats interface {
	Stats() realtime.Stats
}

// AdminSendNotificationRequest targets exactly one of userId, userIds or broadcast.
type AdminSendNotificationRequest struct {
	UserID    *uuid.UUID     `json:"userId" validate:"required_without_all=UserIDs Broadcast"`
	UserIDs   []uuid.UUID    `json:"userIds" validate:"omitempty,max=10000"`
	Broadcast bool           `json:"broadcast"`
	Type      string         `json:"type" validate:"required"`
	Title     string         `json:"title" validate:"required,max=255"`
	Message   string         `json:"message" validate:"required,max=2000"`
	Data      map[string]any `json:"data"`
}

func (req AdminSendNotificationRequest) recipientModes() int {
	modes := 0
	if req.UserID != nil {
		modes++
	}
	if len(req.UserIDs) > 0 {
		modes++
	}
	if req.Broadcast {
		modes++
	}
	return modes
}

// AdminSendNotification persists and pushes an operator-authored notification.
func AdminSendNotification(svc notificationSender, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AdminSendNotificationRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if req.recipientModes() != 1 {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "exactly one of userId, userIds or broadcast is required"))
			return
		}

		notificationType, err := enums.ParseNotificationType(req.Type)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid type").WithDetails(map[string]string{"type": "is invalid"}))
			return
		}
		input := notifications.SendInput{
			Type:    notificationType,
			Title:   req.Title,
			Message: req.Message,
			Data:    req.Data,
		}

		switch {
		case req.Broadcast:
			count, err := svc.BroadcastToAll(r.Context(), input)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}
			responses.WriteSuccessStatus(w, http.StatusCreated, map[string]int64{"recipients": count})
		case len(req.UserIDs) > 0:
			count, err := svc.SendToUsers(r.Context(), req.UserIDs, input)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}
			responses.WriteSuccessStatus(w, http.StatusCreated, map[string]int64{"recipients": count})
		default:
			input.UserID = *req.UserID
			dto, err := svc.SendToUser(r.Context(), input)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}
			responses.WriteSuccessStatus(w, http.StatusCreated, dto)
		}
	}
}

// AdminRunRetention triggers the retention sweep on demand; days defaults to the configured window.
func AdminRunRetention(sweeper retentionRunner, defaultDays int, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		days, err := validators.ParseQueryInt(r, "days", defaultDays, 1, 3650)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		result, err := sweeper.Sweep(r.Context(), days)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]any{
			"retentionDays": result.RetentionDays,
			"cutoff":        result.Cutoff,
			"deleted":       result.Deleted,
		})
	}
}

func AdminRealtimeStats(stats realtimeStats) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		responses.WriteSuccess(w, stats.Stats())
	}
}
