package models

// NotificationType routes push priority, channel and sound on the device.
type NotificationType string

const (
	NotificationTypeNewMissionOffer    NotificationType = "NEW_MISSION_OFFER"
	NotificationTypeMissionUpdate      NotificationType = "MISSION_UPDATE"
	NotificationTypeAvailabilityChange NotificationType = "AVAILABILITY_CHANGE"
	NotificationTypeAccountUpdate      NotificationType = "ACCOUNT_UPDATE"
)

// PushMessage is the wire shape of one entry on the notification stream.
// Data values must already be string-coerced when the message is enqueued.
type PushMessage struct {
	FCMToken string            `json:"fcmToken"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
	Type     NotificationType  `json:"type"`
}
