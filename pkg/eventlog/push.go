package eventlog

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/parceldrop/dispatch/pkg/models"
)

// Notification stream field names. On notification_events the "type" field
// carries the NotificationType, not a mission event type.
const (
	FieldFCMToken = "fcmToken"
	FieldTitle    = "title"
	FieldBody     = "body"
	FieldData     = "data"
)

// PushValues flattens a push message into stream fields. Data values are
// string-coerced into one JSON object.
func PushValues(msg *models.PushMessage) (map[string]string, error) {
	values := map[string]string{
		FieldFCMToken:  msg.FCMToken,
		FieldTitle:     msg.Title,
		FieldBody:      msg.Body,
		FieldType:      string(msg.Type),
		FieldTimestamp: strconv.FormatInt(time.Now().UnixMilli(), 10),
	}

	if len(msg.Data) > 0 {
		data, err := json.Marshal(msg.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to encode push data: %w", err)
		}
		values[FieldData] = string(data)
	}

	return values, nil
}

// ParsePush reads a push message back out of a stream entry. A malformed
// data payload is a parse error; a missing token is not, the pipeline owns
// that decision.
func ParsePush(e *Event) (*models.PushMessage, error) {
	msg := &models.PushMessage{
		FCMToken: e.Values[FieldFCMToken],
		Title:    e.Values[FieldTitle],
		Body:     e.Values[FieldBody],
		Type:     models.NotificationType(e.Values[FieldType]),
	}

	if raw, ok := e.Values[FieldData]; ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &msg.Data); err != nil {
			return nil, fmt.Errorf("malformed push data payload: %w", err)
		}
	}

	return msg, nil
}
