// Package notify sends push notifications for supervision events that
// need a human, using the Pushover message API.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/veletrix/warden/internal/config"
	"github.com/veletrix/warden/internal/debug"
	"github.com/veletrix/warden/internal/events"
)

const (
	defaultAPIURL = "https://api.pushover.net/1/messages.json"

	// MaxTitleLen is the maximum length for a Pushover notification title.
	MaxTitleLen = 250

	// MaxMessageLen is the maximum length for a Pushover notification message.
	MaxMessageLen = 1024
)

// Priority levels for Pushover notifications.
const (
	PriorityNormal = 0
	PriorityHigh   = 1
)

// Message represents a Pushover notification to send.
type Message struct {
	Title    string
	Body     string
	Priority int
}

// apiResponse is the JSON response from the Pushover API.
type apiResponse struct {
	Status  int      `json:"status"`
	Request string   `json:"request"`
	Errors  []string `json:"errors,omitempty"`
}

// Notifier sends notifications with a fixed set of credentials.
type Notifier struct {
	cfg    config.Pushover
	apiURL string
	client *http.Client
}

// New returns a Notifier using the given credentials. The zero-value
// credentials produce a Notifier whose Send always errors.
func New(cfg config.Pushover) *Notifier {
	return &Notifier{cfg: cfg, apiURL: defaultAPIURL, client: http.DefaultClient}
}

// Send delivers one notification.
func (n *Notifier) Send(msg Message) error {
	if !n.cfg.Configured() {
		return fmt.Errorf("pushover not configured: set pushover.user_key and pushover.app_token in config")
	}

	title := msg.Title
	if len(title) > MaxTitleLen {
		title = title[:MaxTitleLen]
	}

	body := msg.Body
	if len(body) > MaxMessageLen {
		body = body[:MaxMessageLen]
	}

	form := url.Values{
		"token":    {n.cfg.AppToken},
		"user":     {n.cfg.UserKey},
		"title":    {title},
		"message":  {body},
		"priority": {fmt.Sprintf("%d", msg.Priority)},
	}

	resp, err := n.client.Post(n.apiURL, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("sending pushover notification: %w", err)
	}
	defer resp.Body.Close()

	var result apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding pushover response: %w", err)
	}

	if result.Status != 1 {
		return fmt.Errorf("pushover API error: %s", strings.Join(result.Errors, "; "))
	}

	return nil
}

// Watch subscribes to the bus and notifies on events that need a human:
// rate limits that could not be auto-resolved and credential failures.
// It returns when ctx is done.
func (n *Notifier) Watch(ctx context.Context, bus *events.Bus) {
	ch, cancel := bus.Subscribe(64)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			note, ok := eventMessage(msg)
			if !ok {
				continue
			}
			if err := n.Send(note); err != nil {
				debug.LogKV("notify", "send failed", "error", err)
			}
		}
	}
}

// eventMessage maps a bus event to a notification, or reports that the
// event is not notification-worthy.
func eventMessage(msg events.Msg) (Message, bool) {
	switch m := msg.(type) {
	case events.RateLimitMsg:
		if m.WasAutoSwapped {
			return Message{}, false
		}
		body := fmt.Sprintf("Profile %s hit a %s rate limit on task %s.", m.Profile, m.LimitType, m.TaskKey)
		if m.SuggestedProfile != "" {
			body += fmt.Sprintf(" Suggested alternate: %s.", m.SuggestedProfile)
		}
		return Message{Title: "Rate limited: action needed", Body: body, Priority: PriorityHigh}, true
	case events.AuthFailureMsg:
		body := fmt.Sprintf("Profile %s failed auth (%s) on task %s. %s", m.Profile, m.FailureType, m.TaskKey, m.Remediation)
		return Message{Title: "Credential failure", Body: body, Priority: PriorityHigh}, true
	default:
		return Message{}, false
	}
}
