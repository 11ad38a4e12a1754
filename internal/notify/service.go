// Package notify delivers trigger notifications to external channels.
//
// Channels are declared on the trigger action itself (url, secret, events),
// so a notify action carries everything needed to reach its receiver. The
// built-in driver posts JSON to a webhook URL with optional HMAC-SHA256
// signing so receivers can verify the sender.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Event is the notification payload posted to a channel.
type Event struct {
	Type           string         `json:"type"`
	OrganizationID string         `json:"organization_id"`
	Environment    string         `json:"environment"`
	Trigger        string         `json:"trigger"`
	EntityType     string         `json:"entity_type,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// Channel describes where a notification goes.
type Channel struct {
	Name   string
	URL    string
	Secret string
	// Events filters which event types the channel receives. Empty means
	// all events; "*" matches everything.
	Events []string
}

// Result reports the outcome of a single channel dispatch.
type Result struct {
	Channel string `json:"channel"`
	Success bool   `json:"success"`
	// Skipped means the channel does not subscribe to the event type. Not a
	// delivery failure.
	Skipped   bool      `json:"skipped,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ChannelFromParams builds a Channel from trigger action params.
func ChannelFromParams(params map[string]any) (Channel, error) {
	url, _ := params["url"].(string)
	if url == "" {
		return Channel{}, fmt.Errorf("notify requires a url param")
	}
	ch := Channel{URL: url}
	ch.Name, _ = params["channel"].(string)
	if ch.Name == "" {
		ch.Name = "webhook"
	}
	ch.Secret, _ = params["secret"].(string)
	if raw, ok := params["events"].([]any); ok {
		for _, e := range raw {
			if s, ok := e.(string); ok {
				ch.Events = append(ch.Events, s)
			}
		}
	}
	return ch, nil
}

// Service posts notification events to channels.
type Service struct {
	client *http.Client
}

func NewService() *Service {
	return &Service{
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

// Dispatch sends the event to the channel. Delivery failures are reported in
// the Result rather than returned, so one dead receiver never aborts a
// trigger pipeline.
func (s *Service) Dispatch(ctx context.Context, ch Channel, event Event) Result {
	result := Result{
		Channel:   ch.Name,
		Timestamp: time.Now().UTC(),
	}

	if !subscribes(ch, event.Type) {
		result.Skipped = true
		return result
	}

	if err := s.send(ctx, ch, event); err != nil {
		result.Error = err.Error()
		log.Warn().Err(err).Str("channel", ch.Name).Str("event", event.Type).Msg("Notification delivery failed")
		return result
	}

	result.Success = true
	log.Info().Str("channel", ch.Name).Str("event", event.Type).Str("trigger", event.Trigger).Msg("Notification dispatched")
	return result
}

// send posts the event as JSON with optional HMAC-SHA256 signing and up to
// three attempts.
func (s *Service) send(ctx context.Context, ch Channel, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal notification payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ch.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "AgentLoom-Notify/1.0")
	req.Header.Set("X-AgentLoom-Event", event.Type)
	req.Header.Set("X-AgentLoom-Organization", event.OrganizationID)

	if ch.Secret != "" {
		req.Header.Set("X-AgentLoom-Signature", Sign(ch.Secret, body))
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt*2) * time.Second)
		}
		resp, err := s.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("notification HTTP %d from %s", resp.StatusCode, ch.URL)
	}
	return fmt.Errorf("notification failed after 3 attempts: %w", lastErr)
}

// Sign computes the signature header value a receiver should expect for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func subscribes(ch Channel, eventType string) bool {
	if len(ch.Events) == 0 {
		return true
	}
	for _, e := range ch.Events {
		if e == eventType || e == "*" {
			return true
		}
	}
	return false
}
