// Package alert delivers operator notifications. Delivery is best effort:
// failures are logged and never surface to the job that raised the alert.
package alert

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/ansplan/schedsync/internal/metrics"
)

// Notifier raises an operator alert.
type Notifier interface {
	Alert(ctx context.Context, title, message string)
}

// LogNotifier writes alerts to the log only.
type LogNotifier struct {
	log zerolog.Logger
}

func NewLogNotifier(log zerolog.Logger) *LogNotifier { return &LogNotifier{log: log} }

func (n *LogNotifier) Alert(ctx context.Context, title, message string) {
	n.log.Warn().Str("title", title).Str("detail", message).Msg("operator alert")
	metrics.AlertsSent.WithLabelValues("log", "ok").Inc()
}

// DefaultTelegramURL is the Bot API base URL.
const DefaultTelegramURL = "https://api.telegram.org"

// TelegramNotifier posts alerts to one chat through the Telegram Bot API.
type TelegramNotifier struct {
	client *resty.Client
	token  string
	chatID string
	log    zerolog.Logger
}

// NewTelegramNotifier targets baseURL (DefaultTelegramURL when empty).
func NewTelegramNotifier(baseURL, token, chatID string, log zerolog.Logger) *TelegramNotifier {
	if baseURL == "" {
		baseURL = DefaultTelegramURL
	}
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetTimeout(10 * time.Second)
	return &TelegramNotifier{client: c, token: token, chatID: chatID, log: log}
}

type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

func (n *TelegramNotifier) Alert(ctx context.Context, title, message string) {
	text := fmt.Sprintf("🚨 *SCHEDSYNC ALERT* 🚨\n\n*%s*\n\n```\n%s\n```", title, message)

	resp, err := n.client.R().
		SetContext(ctx).
		SetBody(sendMessageRequest{ChatID: n.chatID, Text: text, ParseMode: "Markdown"}).
		Post("/bot" + n.token + "/sendMessage")
	if err == nil && resp.IsError() {
		err = fmt.Errorf("telegram status %d: %s", resp.StatusCode(), resp.String())
	}
	metrics.AlertsSent.WithLabelValues("telegram", metrics.Result(err)).Inc()
	if err != nil {
		n.log.Error().Err(err).Str("title", title).Msg("sending telegram alert failed")
		return
	}
	n.log.Info().Str("title", title).Msg("telegram alert sent")
}

// Multi fans an alert out to every notifier.
type Multi []Notifier

func (m Multi) Alert(ctx context.Context, title, message string) {
	for _, n := range m {
		n.Alert(ctx, title, message)
	}
}

// New returns a log notifier, combined with Telegram when both token and
// chat id are set.
func New(token, chatID string, log zerolog.Logger) Notifier {
	ln := NewLogNotifier(log)
	if token == "" || chatID == "" {
		return ln
	}
	return Multi{ln, NewTelegramNotifier("", token, chatID, log)}
}
