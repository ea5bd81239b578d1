package notifications

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/rckrdmrd/glit-backend-sub000/internal/delivery"
	"github.com/rckrdmrd/glit-backend-sub000/internal/realtime"
	pkgdb "github.com/rckrdmrd/glit-backend-sub000/pkg/db"
	"github.com/rckrdmrd/glit-backend-sub000/pkg/db/models"
	"github.com/rckrdmrd/glit-backend-sub000/pkg/enums"
	pkgerrors "github.com/rckrdmrd/glit-backend-sub000/pkg/errors"
	"github.com/rckrdmrd/glit-backend-sub000/pkg/logger"
	"github.com/rckrdmrd/glit-backend-sub000/pkg/metrics"
	"github.com/rckrdmrd/glit-backend-sub000/pkg/pagination"
)

const (
	maxTitleLength   = 255
	maxMessageLength = 2000

	SortAsc  = "asc"
	SortDesc = "desc"
)

// Service persists notifications and fans the resulting events out to live connections.
type Service interface {
	SendToUser(ctx context.Context, input SendInput) (*NotificationDTO, error)
	SendToUsers(ctx context.Context, userIDs []uuid.UUID, input SendInput) (int64, error)
	BroadcastToAll(ctx context.Context, input SendInput) (int64, error)
	List(ctx context.Context, params ListParams) (*ListResult, error)
	UnreadCount(ctx context.Context, userID uuid.UUID) (int64, error)
	MarkRead(ctx context.Context, userID, notificationID uuid.UUID) (*NotificationDTO, error)
	MarkAllRead(ctx context.Context, userID uuid.UUID) (int64, error)
	Delete(ctx context.Context, userID, notificationID uuid.UUID) error
	ClearAll(ctx context.Context, userID uuid.UUID) (int64, error)
	AttachPusher(pusher Pusher)
}

// Pusher delivers events to live connections.
type Pusher interface {
	PushToUser(ctx context.Context, userID uuid.UUID, ev realtime.Event) (int, error)
	PushToAll(ctx context.Context, ev realtime.Event) (int, error)
}

type presenceReader interface {
	IsOnline(userID uuid.UUID) bool
	OnlineUsers() []uuid.UUID
}

type taskSubmitter interface {
	Submit(task delivery.Task) bool
}

type recipientDirectory interface {
	ListActiveIDs(ctx context.Context) ([]uuid.UUID, error)
}

type pushMetrics interface {
	ObservePush(event, outcome string)
}

// ServiceParams wires the coordinator. Metrics is optional.
type ServiceParams struct {
	Repo       Repository
	Presence   presenceReader
	Dispatcher taskSubmitter
	Recipients recipientDirectory
	Logger     *logger.Logger
	Metrics    pushMetrics
}

// SendInput describes a notification to create. UserID is ignored by the bulk operations.
type SendInput struct {
	UserID  uuid.UUID
	Type    enums.NotificationType
	Title   string
	Message string
	Data    map[string]any
}

// ListParams configures a page of the caller's notifications.
type ListParams struct {
	UserID uuid.UUID
	Page   int
	Limit  int
	Type   *enums.NotificationType
	Read   *bool
	Sort   string
}

type service struct {
	repo       Repository
	presence   presenceReader
	dispatcher taskSubmitter
	recipients recipientDirectory
	logg       *logger.Logger
	metrics    pushMetrics
	now        func() time.Time

	mu     sync.RWMutex
	pusher Pusher
}

// NewService validates dependencies. The pusher is attached later, once the gateway exists.
func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("notifications repository required")
	}
	if params.Presence == nil {
		return nil, fmt.Errorf("presence registry required")
	}
	if params.Dispatcher == nil {
		return nil, fmt.Errorf("delivery dispatcher required")
	}
	if params.Recipients == nil {
		return nil, fmt.Errorf("recipient directory required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &service{
		repo:       params.Repo,
		presence:   params.Presence,
		dispatcher: params.Dispatcher,
		recipients: params.Recipients,
		logg:       params.Logger,
		metrics:    params.Metrics,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *service) AttachPusher(pusher Pusher) {
	s.mu.Lock()
	s.pusher = pusher
	s.mu.Unlock()
}

func (s *service) SendToUser(ctx context.Context, input SendInput) (*NotificationDTO, error) {
	if input.UserID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id required")
	}
	if err := validateContent(input); err != nil {
		return nil, err
	}

	row := newRow(input.UserID, input)
	if err := s.repo.Create(ctx, &row); err != nil {
		return nil, createError(err, "create notification")
	}

	dto := FromModel(row)
	lead := realtime.NewNotificationEvent(dto, s.now())
	s.scheduleUserPush(ctx, "send_to_user", row.UserID, &lead)
	return &dto, nil
}

func (s *service) SendToUsers(ctx context.Context, userIDs []uuid.UUID, input SendInput) (int64, error) {
	if err := validateContent(input); err != nil {
		return 0, err
	}
	recipients, err := dedupeRecipients(userIDs)
	if err != nil {
		return 0, err
	}

	rows := make([]models.Notification, 0, len(recipients))
	for _, userID := range recipients {
		rows = append(rows, newRow(userID, input))
	}
	created, err := s.repo.CreateBulk(ctx, rows)
	if err != nil {
		return 0, createError(err, "create notifications")
	}

	at := s.now()
	for _, row := range rows {
		lead := realtime.NewNotificationEvent(FromModel(row), at)
		s.scheduleUserPush(ctx, "send_to_users", row.UserID, &lead)
	}
	return created, nil
}

func (s *service) BroadcastToAll(ctx context.Context, input SendInput) (int64, error) {
	if err := validateContent(input); err != nil {
		return 0, err
	}

	recipients, err := s.recipients.ListActiveIDs(ctx)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "resolve broadcast recipients")
	}
	if len(recipients) == 0 {
		return 0, nil
	}

	rows := make([]models.Notification, 0, len(recipients))
	for _, userID := range recipients {
		rows = append(rows, newRow(userID, input))
	}
	created, err := s.repo.CreateBulk(ctx, rows)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "create broadcast notifications")
	}

	at := s.now()
	broadcast := realtime.NewNotificationEvent(BroadcastDTO{
		Type:      input.Type,
		Title:     strings.TrimSpace(input.Title),
		Message:   strings.TrimSpace(input.Message),
		Data:      nonNilData(input.Data),
		Broadcast: true,
		CreatedAt: at,
	}, at)
	eligible := make(map[uuid.UUID]struct{}, len(recipients))
	for _, userID := range recipients {
		eligible[userID] = struct{}{}
	}
	// Count updates are queued only after the broadcast went out so they
	// follow it on every connection.
	s.submit(ctx, delivery.Task{
		Name: "broadcast",
		Run: func(taskCtx context.Context) error {
			s.pushAll(taskCtx, broadcast)
			for _, userID := range s.presence.OnlineUsers() {
				if _, ok := eligible[userID]; !ok {
					continue
				}
				s.scheduleUserPush(taskCtx, "broadcast_unread_count", userID, nil)
			}
			return nil
		},
	})

	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"recipients": created,
		"type":       input.Type.String(),
	}), "broadcast notification persisted")
	return created, nil
}

func (s *service) List(ctx context.Context, params ListParams) (*ListResult, error) {
	if params.UserID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id required")
	}
	if params.Type != nil && !params.Type.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid notification type")
	}
	sort := strings.ToLower(strings.TrimSpace(params.Sort))
	if sort != "" && sort != SortAsc && sort != SortDesc {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "sort must be asc or desc")
	}

	page := pagination.Params{Page: params.Page, Limit: params.Limit}.Normalize()
	rows, total, err := s.repo.List(ctx, listNotificationsParams{
		UserID:    params.UserID,
		Page:      page.Page,
		Limit:     page.Limit,
		Type:      params.Type,
		Read:      params.Read,
		Ascending: sort == SortAsc,
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list notifications")
	}

	return &ListResult{
		Items:      fromModels(rows),
		Total:      total,
		Page:       page.Page,
		Limit:      page.Limit,
		TotalPages: pagination.TotalPages(total, page.Limit),
	}, nil
}

func (s *service) UnreadCount(ctx context.Context, userID uuid.UUID) (int64, error) {
	if userID == uuid.Nil {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "user id required")
	}
	count, err := s.repo.UnreadCount(ctx, userID)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "count unread notifications")
	}
	return count, nil
}

func (s *service) MarkRead(ctx context.Context, userID, notificationID uuid.UUID) (*NotificationDTO, error) {
	if err := requireIDs(userID, notificationID); err != nil {
		return nil, err
	}

	row, result, err := s.repo.MarkRead(ctx, userID, notificationID, s.now())
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "mark notification read")
	}
	if err := ownershipError(result); err != nil {
		return nil, err
	}

	if result.Updated {
		lead := realtime.NotificationReadEvent(notificationID, s.now())
		s.scheduleUserPush(ctx, "mark_read", userID, &lead)
	}
	dto := FromModel(*row)
	return &dto, nil
}

func (s *service) MarkAllRead(ctx context.Context, userID uuid.UUID) (int64, error) {
	if userID == uuid.Nil {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "user id required")
	}
	count, err := s.repo.MarkAllRead(ctx, userID, s.now())
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "mark notifications read")
	}
	if count > 0 {
		s.scheduleUserPush(ctx, "mark_all_read", userID, nil)
	}
	return count, nil
}

func (s *service) Delete(ctx context.Context, userID, notificationID uuid.UUID) error {
	if err := requireIDs(userID, notificationID); err != nil {
		return err
	}
	result, err := s.repo.Delete(ctx, userID, notificationID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "delete notification")
	}
	if err := ownershipError(result); err != nil {
		return err
	}
	if result.Updated {
		lead := realtime.NotificationDeletedEvent(notificationID, s.now())
		s.scheduleUserPush(ctx, "delete", userID, &lead)
	}
	return nil
}

func (s *service) ClearAll(ctx context.Context, userID uuid.UUID) (int64, error) {
	if userID == uuid.Nil {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "user id required")
	}
	count, err := s.repo.ClearAll(ctx, userID)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "clear notifications")
	}
	if count > 0 {
		s.scheduleUserPush(ctx, "clear_all", userID, nil)
	}
	return count, nil
}

// scheduleUserPush queues one task that sends lead (when set) and then the
// recomputed unread count to every device of an online user. Tasks for one
// user are keyed so the count pushed last is always read last.
func (s *service) scheduleUserPush(ctx context.Context, name string, userID uuid.UUID, lead *realtime.Event) {
	if !s.presence.IsOnline(userID) {
		if lead != nil {
			s.observe(lead.Name, metrics.PushOutcomeNoRecipient)
		}
		return
	}
	s.submit(ctx, delivery.Task{
		Name: name,
		Key:  userID.String(),
		Run: func(taskCtx context.Context) error {
			if lead != nil {
				s.pushUser(taskCtx, userID, *lead)
			}
			count, err := s.repo.UnreadCount(taskCtx, userID)
			if err != nil {
				return fmt.Errorf("recompute unread count: %w", err)
			}
			s.pushUser(taskCtx, userID, realtime.UnreadCountEvent(count, s.now()))
			return nil
		},
	})
}

func (s *service) submit(ctx context.Context, task delivery.Task) {
	if s.dispatcher.Submit(task) {
		return
	}
	s.logg.Warn(s.logg.WithField(ctx, "task", task.Name), "push task dropped")
}

func (s *service) pushUser(ctx context.Context, userID uuid.UUID, ev realtime.Event) {
	pusher := s.currentPusher()
	logCtx := s.logg.WithFields(ctx, map[string]any{
		"user_id": userID.String(),
		"event":   string(ev.Name),
	})
	if pusher == nil {
		s.unavailable(logCtx, ev.Name)
		return
	}
	delivered, err := pusher.PushToUser(ctx, userID, ev)
	s.record(logCtx, ev.Name, delivered, err)
}

func (s *service) pushAll(ctx context.Context, ev realtime.Event) {
	pusher := s.currentPusher()
	logCtx := s.logg.WithField(ctx, "event", string(ev.Name))
	if pusher == nil {
		s.unavailable(logCtx, ev.Name)
		return
	}
	delivered, err := pusher.PushToAll(ctx, ev)
	s.record(logCtx, ev.Name, delivered, err)
}

func (s *service) record(ctx context.Context, name realtime.EventName, delivered int, err error) {
	if err != nil && pkgerrors.IsCode(err, pkgerrors.CodeTransportUnavailable) {
		s.unavailable(ctx, name)
		return
	}
	if delivered > 0 {
		s.observe(name, metrics.PushOutcomeDelivered)
	}
	if err != nil {
		s.observe(name, metrics.PushOutcomeFailed)
		s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "realtime push failed")
		return
	}
	if delivered == 0 {
		s.observe(name, metrics.PushOutcomeNoRecipient)
	}
}

func (s *service) unavailable(ctx context.Context, name realtime.EventName) {
	s.observe(name, metrics.PushOutcomeUnavailable)
	s.logg.Warn(s.logg.WithField(ctx, "code", string(pkgerrors.CodeTransportUnavailable)), "realtime transport unavailable; notification stored only")
}

func (s *service) observe(name realtime.EventName, outcome string) {
	if s.metrics == nil {
		return
	}
	s.metrics.ObservePush(string(name), outcome)
}

func (s *service) currentPusher() Pusher {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pusher
}

func validateContent(input SendInput) error {
	if !input.Type.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, "invalid notification type")
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "title required")
	}
	if len(title) > maxTitleLength {
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("title must be at most %d characters", maxTitleLength))
	}
	message := strings.TrimSpace(input.Message)
	if message == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "message required")
	}
	if len(message) > maxMessageLength {
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("message must be at most %d characters", maxMessageLength))
	}
	return nil
}

func createError(err error, msg string) error {
	if pkgdb.IsForeignKeyViolation(err) {
		return pkgerrors.Wrap(pkgerrors.CodeNotFound, err, "recipient not found")
	}
	return pkgerrors.Wrap(pkgerrors.CodeInternal, err, msg)
}

func dedupeRecipients(userIDs []uuid.UUID) ([]uuid.UUID, error) {
	seen := make(map[uuid.UUID]struct{}, len(userIDs))
	out := make([]uuid.UUID, 0, len(userIDs))
	for _, id := range userIDs {
		if id == uuid.Nil {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "user ids must not be empty")
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "at least one user id required")
	}
	return out, nil
}

func requireIDs(userID, notificationID uuid.UUID) error {
	if userID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "user id required")
	}
	if notificationID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "notification id required")
	}
	return nil
}

func ownershipError(result notificationMutationResult) error {
	if !result.Found {
		return pkgerrors.New(pkgerrors.CodeNotFound, "notification not found")
	}
	if !result.Owned {
		return pkgerrors.New(pkgerrors.CodeForbidden, "notification belongs to another user")
	}
	return nil
}

func newRow(userID uuid.UUID, input SendInput) models.Notification {
	return models.Notification{
		UserID:  userID,
		Type:    input.Type,
		Title:   strings.TrimSpace(input.Title),
		Message: strings.TrimSpace(input.Message),
		Data:    datatypes.JSONMap(nonNilData(input.Data)),
	}
}

func nonNilData(data map[string]any) map[string]any {
	if data == nil {
		return map[string]any{}
	}
	return data
}
