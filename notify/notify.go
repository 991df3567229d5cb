// Package notify delivers fired alerts to user channels.  A channel is
// an opaque URL whose scheme selects the transport; senders are tried
// in registration order and the first match wins.  Delivery failures
// are logged, never retried.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/fleetlink/fleetlink/model"
)

// Sender is one transport implementation.
type Sender interface {
	// Matches reports whether the sender owns the URL.
	Matches(channelURL string) bool

	// Send delivers one notification.
	Send(ctx context.Context, channelURL, title, body string) error
}

// Notifier routes notifications to the first matching sender.
type Notifier struct {
	log     zerolog.Logger
	senders []Sender
}

// New builds a notifier with the standard transports.
func New(log zerolog.Logger) *Notifier {
	client := &http.Client{Timeout: 10 * time.Second}
	return &Notifier{
		log: log.With().Str("component", "notify").Logger(),
		senders: []Sender{
			&telegramSender{client: client},
			&discordSender{client: client},
			&webhookSender{client: client},
		},
	}
}

// Dispatch sends one alert to a channel URL.  Errors are logged and
// swallowed; a broken channel must not affect alert evaluation.
func (n *Notifier) Dispatch(ctx context.Context, channelURL, title, body string, severity model.Severity) {
	for _, s := range n.senders {
		if !s.Matches(channelURL) {
			continue
		}
		if err := s.Send(ctx, channelURL, title, body); err != nil {
			n.log.Warn().Err(err).
				Str("severity", string(severity)).
				Str("title", title).
				Msg("notification delivery failed")
		}
		return
	}
	n.log.Warn().Str("url", redact(channelURL)).Msg("no sender for channel url")
}

// redact strips credentials before a URL reaches the log.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<unparseable>"
	}
	u.User = nil
	u.RawQuery = ""
	return u.String()
}

// telegramSender handles tgram://<bot-token>/<chat-id>.
type telegramSender struct {
	client *http.Client
}

func (t *telegramSender) Matches(channelURL string) bool {
	return strings.HasPrefix(channelURL, "tgram://")
}

func (t *telegramSender) Send(ctx context.Context, channelURL, title, body string) error {
	rest := strings.TrimPrefix(channelURL, "tgram://")
	token, chatID, found := strings.Cut(rest, "/")
	if !found || token == "" || chatID == "" {
		return errors.New("notify: malformed tgram url")
	}
	payload := map[string]any{
		"chat_id": chatID,
		"text":    title + "\n" + body,
	}
	endpoint := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", token)
	return postJSON(ctx, t.client, endpoint, payload)
}

// discordSender handles discord://<webhook-id>/<webhook-token>.
type discordSender struct {
	client *http.Client
}

func (d *discordSender) Matches(channelURL string) bool {
	return strings.HasPrefix(channelURL, "discord://")
}

func (d *discordSender) Send(ctx context.Context, channelURL, title, body string) error {
	rest := strings.TrimPrefix(channelURL, "discord://")
	id, token, found := strings.Cut(rest, "/")
	if !found || id == "" || token == "" {
		return errors.New("notify: malformed discord url")
	}
	payload := map[string]any{
		"content": fmt.Sprintf("**%s**\n%s", title, body),
	}
	endpoint := fmt.Sprintf("https://discord.com/api/webhooks/%s/%s", id, token)
	return postJSON(ctx, d.client, endpoint, payload)
}

// webhookSender POSTs the alert as JSON to any http(s) URL.  It is the
// catch-all and must stay registered last.
type webhookSender struct {
	client *http.Client
}

func (w *webhookSender) Matches(channelURL string) bool {
	return strings.HasPrefix(channelURL, "http://") || strings.HasPrefix(channelURL, "https://")
}

func (w *webhookSender) Send(ctx context.Context, channelURL, title, body string) error {
	payload := map[string]any{
		"title":   title,
		"message": body,
	}
	return postJSON(ctx, w.client, channelURL, payload)
}

func postJSON(ctx context.Context, client *http.Client, endpoint string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "notify: marshal")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return errors.Wrap(err, "notify: request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrap(err, "notify: post")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.Errorf("notify: endpoint returned %s", resp.Status)
	}
	return nil
}
