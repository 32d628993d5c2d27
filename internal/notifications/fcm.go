package notifications

import (
	"context"
	"fmt"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"github.com/parceldrop/dispatch/pkg/models"
	"github.com/parceldrop/dispatch/pkg/resilience"
)

// offer notifications ring through do-not-disturb on a dedicated channel
const (
	offerChannelID    = "mission_offers"
	offerAndroidSound = "offer_alert"
	offerAPNSSound    = "offer_alert.caf"
)

// FCMSink delivers push messages through Firebase Cloud Messaging behind a
// circuit breaker.
type FCMSink struct {
	client  *messaging.Client
	breaker *resilience.CircuitBreaker
}

// NewFCMSink initializes the Firebase app and messaging client. An empty
// credentials path falls back to application default credentials.
func NewFCMSink(ctx context.Context, credentialsPath string) (*FCMSink, error) {
	var opts []option.ClientOption
	if credentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsPath))
	}

	app, err := firebase.NewApp(ctx, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create messaging client: %w", err)
	}

	return &FCMSink{
		client: client,
		breaker: resilience.NewCircuitBreaker(resilience.Settings{
			Name:    "fcm",
			Timeout: 30 * time.Second,
		}, nil),
	}, nil
}

// Send delivers one push message. Token rejections come back wrapped in
// ErrInvalidToken so the pipeline can retire the token.
func (f *FCMSink) Send(ctx context.Context, msg *models.PushMessage) error {
	message := &messaging.Message{
		Token: msg.FCMToken,
		Notification: &messaging.Notification{
			Title: msg.Title,
			Body:  msg.Body,
		},
		Data:    msg.Data,
		Android: androidConfig(msg.Type),
		APNS:    apnsConfig(msg.Type),
	}

	_, err := f.breaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return f.client.Send(ctx, message)
	})
	if err != nil {
		if isTokenError(err) {
			return fmt.Errorf("%w: %s", ErrInvalidToken, maskToken(msg.FCMToken))
		}
		return fmt.Errorf("fcm send failed: %w", err)
	}
	return nil
}

// androidConfig picks delivery urgency per notification type. Offers are
// time-boxed, so they get high priority, their own channel and a distinct
// sound; everything else rides the default channel at normal priority.
func androidConfig(t models.NotificationType) *messaging.AndroidConfig {
	if t == models.NotificationTypeNewMissionOffer {
		return &messaging.AndroidConfig{
			Priority: "high",
			Notification: &messaging.AndroidNotification{
				ChannelID: offerChannelID,
				Sound:     offerAndroidSound,
			},
		}
	}
	return &messaging.AndroidConfig{
		Priority: "normal",
		Notification: &messaging.AndroidNotification{
			Sound: "default",
		},
	}
}

func apnsConfig(t models.NotificationType) *messaging.APNSConfig {
	sound := "default"
	if t == models.NotificationTypeNewMissionOffer {
		sound = offerAPNSSound
	}
	return &messaging.APNSConfig{
		Payload: &messaging.APNSPayload{
			Aps: &messaging.Aps{
				Sound: sound,
			},
		},
	}
}
