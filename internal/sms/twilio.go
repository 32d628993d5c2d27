package sms

import (
	"context"
	"fmt"
	"time"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/parceldrop/dispatch/pkg/config"
	"github.com/parceldrop/dispatch/pkg/resilience"
)

// Sender delivers a text message to one recipient.
type Sender interface {
	Send(ctx context.Context, to, body string) error
}

// TwilioSender sends SMS through the Twilio REST API behind a circuit
// breaker. All callers treat delivery as best effort.
type TwilioSender struct {
	client  *twilio.RestClient
	from    string
	breaker *resilience.CircuitBreaker
}

// NewTwilioSender creates a Twilio sender, or nil when the gateway is not
// configured so callers can skip SMS entirely.
func NewTwilioSender(cfg config.GatewayConfig) *TwilioSender {
	if !cfg.TwilioEnabled || cfg.TwilioAccountSID == "" {
		return nil
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.TwilioAccountSID,
		Password: cfg.TwilioAuthToken,
	})

	return &TwilioSender{
		client: client,
		from:   cfg.TwilioFromNumber,
		breaker: resilience.NewCircuitBreaker(resilience.Settings{
			Name:    "twilio",
			Timeout: 30 * time.Second,
		}, nil),
	}
}

// Send delivers one SMS.
func (t *TwilioSender) Send(ctx context.Context, to, body string) error {
	_, err := t.breaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		params := &twilioApi.CreateMessageParams{}
		params.SetTo(to)
		params.SetFrom(t.from)
		params.SetBody(body)

		resp, err := t.client.Api.CreateMessage(params)
		if err != nil {
			return nil, fmt.Errorf("failed to send SMS: %w", err)
		}
		if resp.Sid == nil {
			return nil, fmt.Errorf("no message SID returned")
		}
		return *resp.Sid, nil
	})
	return err
}
