// Package notify forwards noteworthy coordination events to a
// Telegram chat. It listens on the event bus, so it adds zero
// coupling to the packages that emit.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"github.com/nats-io/nats.go"

	"github.com/taskmesh/taskmesh/internal/bus"
	"github.com/taskmesh/taskmesh/internal/config"
)

const maxMessageLen = 4096

// Notifier bridges bus events to Telegram.
type Notifier struct {
	bot    *telego.Bot
	chatID int64
	client *bus.Client
	subs   []*nats.Subscription
}

func New(cfg config.TelegramConfig, client *bus.Client) (*Notifier, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Notifier{bot: bot, chatID: cfg.ChatID, client: client}, nil
}

// Start subscribes to the event streams. Only events a human would
// act on are forwarded.
func (n *Notifier) Start(ctx context.Context) error {
	for _, topic := range []string{bus.TopicEventsTask, bus.TopicEventsSession, bus.TopicEventsAgent} {
		sub, err := n.client.Subscribe(topic, func(msg *nats.Msg) {
			n.handle(ctx, msg.Data)
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		n.subs = append(n.subs, sub)
	}
	slog.Info("telegram notifier started", "chat_id", n.chatID)
	return nil
}

func (n *Notifier) Stop() {
	for _, sub := range n.subs {
		_ = sub.Unsubscribe()
	}
	n.subs = nil
}

func (n *Notifier) handle(ctx context.Context, data []byte) {
	var evt bus.Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return
	}
	text := formatEvent(&evt)
	if text == "" {
		return
	}
	if err := n.send(ctx, text); err != nil {
		slog.Error("send notification", "type", evt.Type, "error", err)
	}
}

// formatEvent renders the events worth a notification; everything
// else returns "".
func formatEvent(evt *bus.Event) string {
	get := func(key string) string {
		if v, ok := evt.Data[key]; ok {
			return fmt.Sprint(v)
		}
		return "?"
	}
	switch evt.Type {
	case "task.failed":
		return fmt.Sprintf("task %s failed: %s", get("task_id"), get("error"))
	case "task.cancelled":
		return fmt.Sprintf("task %s cancelled", get("task_id"))
	case "agent_outcome":
		if fmt.Sprint(evt.Data["success"]) == "false" {
			return fmt.Sprintf("agent %s hit an error and needs recovery", get("agent_id"))
		}
		return ""
	case "session.aborted":
		return fmt.Sprintf("collaboration %s for task %s aborted (%s/%s steps succeeded)",
			get("session_id"), get("task_id"), get("succeeded"), get("steps"))
	case "session.completed":
		return fmt.Sprintf("collaboration %s finished: %s/%s steps succeeded",
			get("session_id"), get("succeeded"), get("steps"))
	default:
		return ""
	}
}

func (n *Notifier) send(ctx context.Context, text string) error {
	for _, chunk := range chunkMessage(text, maxMessageLen) {
		if _, err := n.bot.SendMessage(ctx, tu.Message(tu.ID(n.chatID), chunk)); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

// chunkMessage splits text to fit Telegram's message size limit,
// preferring to cut at a late newline.
func chunkMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}
	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}
		cutAt := maxLen
		if idx := strings.LastIndex(text[:maxLen], "\n"); idx > maxLen/2 {
			cutAt = idx + 1
		}
		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}
	return chunks
}
