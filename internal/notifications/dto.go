package notifications

import (
	"time"

	"github.com/google/uuid"

	"github.com/rckrdmrd/glit-backend-sub000/pkg/db/models"
	"github.com/rckrdmrd/glit-backend-sub000/pkg/enums"
)

// NotificationDTO is the client representation used by REST responses and socket events.
type NotificationDTO struct {
	ID        uuid.UUID              `json:"id"`
	UserID    uuid.UUID              `json:"userId"`
	Type      enums.NotificationType `json:"type"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Data      map[string]any         `json:"data"`
	Read      bool                   `json:"read"`
	CreatedAt time.Time              `json:"createdAt"`
	UpdatedAt time.Time              `json:"updatedAt"`
}

// BroadcastDTO is the generic NEW_NOTIFICATION body sent to every connection on a broadcast.
// It carries no per-user id; clients refetch the list to pick up their own row.
type BroadcastDTO struct {
	Type      enums.NotificationType `json:"type"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Data      map[string]any         `json:"data"`
	Broadcast bool                   `json:"broadcast"`
	CreatedAt time.Time              `json:"createdAt"`
}

// ListResult is one page of a user's notifications.
type ListResult struct {
	Items      []NotificationDTO `json:"items"`
	Total      int64             `json:"total"`
	Page       int               `json:"page"`
	Limit      int               `json:"limit"`
	TotalPages int               `json:"totalPages"`
}

// FromModel maps a persisted notification to its DTO.
func FromModel(n models.Notification) NotificationDTO {
	data := map[string]any(n.Data)
	if data == nil {
		data = map[string]any{}
	}
	return NotificationDTO{
		ID:        n.ID,
		UserID:    n.UserID,
		Type:      n.Type,
		Title:     n.Title,
		Message:   n.Message,
		Data:      data,
		Read:      n.Read,
		CreatedAt: n.CreatedAt,
		UpdatedAt: n.UpdatedAt,
	}
}

func fromModels(rows []models.Notification) []NotificationDTO {
	items := make([]NotificationDTO, 0, len(rows))
	for _, row := range rows {
		items = append(items, FromModel(row))
	}
	return items
}
