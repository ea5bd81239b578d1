package enums

import "fmt"

// NotificationType maps to the notification_type enum in Postgres.
type NotificationType string

const (
	NotificationTypeAchievementUnlocked NotificationType = "achievement_unlocked"
	NotificationTypeLevelUp             NotificationType = "level_up"
	NotificationTypeRankUp              NotificationType = "rank_up"
	NotificationTypeCoinsEarned         NotificationType = "coins_earned"
	NotificationTypeMissionCompleted    NotificationType = "mission_completed"
	NotificationTypeMissionAssigned     NotificationType = "mission_assigned"
	NotificationTypeFriendRequest       NotificationType = "friend_request"
	NotificationTypeFriendAccepted      NotificationType = "friend_accepted"
	NotificationTypeClassroomInvite     NotificationType = "classroom_invite"
	NotificationTypeAssignmentDue       NotificationType = "assignment_due"
	NotificationTypeContentPublished    NotificationType = "content_published"
	NotificationTypeSystemAnnouncement  NotificationType = "system_announcement"
)

var validNotificationTypes = []NotificationType{
	NotificationTypeAchievementUnlocked,
	NotificationTypeLevelUp,
	NotificationTypeRankUp,
	NotificationTypeCoinsEarned,
	NotificationTypeMissionCompleted,
	NotificationTypeMissionAssigned,
	NotificationTypeFriendRequest,
	NotificationTypeFriendAccepted,
	NotificationTypeClassroomInvite,
	NotificationTypeAssignmentDue,
	NotificationTypeContentPublished,
	NotificationTypeSystemAnnouncement,
}

// String implements fmt.Stringer.
func (n NotificationType) String() string {
	return string(n)
}

// IsValid checks whether the given type matches the canonical enum.
func (n NotificationType) IsValid() bool {
	for _, candidate := range validNotificationTypes {
		if candidate == n {
			return true
		}
	}
	return false
}

// ParseNotificationType converts raw strings into NotificationType.
func ParseNotificationType(value string) (NotificationType, error) {
	for _, candidate := range validNotificationTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid notification type %q", value)
}
