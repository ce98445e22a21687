package alerts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"tradeguard-bot/internal/config"
	"tradeguard-bot/internal/telemetry"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

const (
	telegramBaseURL = "https://api.telegram.org"
	queueSize       = 64
	sendTimeout     = 10 * time.Second
)

type Telegram struct {
	enabled bool
	token   string
	chatID  string
	baseURL string
	client  *http.Client
	log     *zap.Logger

	queue   chan string
	started atomic.Bool
	dropped atomic.Uint64
}

func NewTelegram(cfg config.TelegramConfig, log *zap.Logger) *Telegram {
	return newTelegram(cfg, log, telegramBaseURL, &http.Client{Timeout: sendTimeout})
}

func newTelegram(cfg config.TelegramConfig, log *zap.Logger, baseURL string, client *http.Client) *Telegram {
	if client == nil {
		client = &http.Client{Timeout: sendTimeout}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Telegram{
		enabled: cfg.Enabled,
		token:   strings.TrimSpace(cfg.Token),
		chatID:  strings.TrimSpace(cfg.ChatID),
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		log:     log,
		queue:   make(chan string, queueSize),
	}
}

func (t *Telegram) Send(ctx context.Context, message string) error {
	if !t.enabled {
		return nil
	}
	if t.token == "" || t.chatID == "" {
		return errors.New("telegram token and chat_id are required")
	}
	if strings.TrimSpace(message) == "" {
		return errors.New("telegram message is empty")
	}
	payload := map[string]string{
		"chat_id": t.chatID,
		"text":    message,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("telegram send failed: http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			desc := strings.TrimSpace(result.Description)
			if desc == "" {
				desc = "unknown telegram error"
			}
			return fmt.Errorf("telegram send failed: %s", desc)
		}
	}
	return nil
}

// Start drains queued alerts until ctx is done.
func (t *Telegram) Start(ctx context.Context) {
	if t == nil || !t.enabled {
		return
	}
	if !t.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-t.queue:
				sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
				if err := t.Send(sendCtx, msg); err != nil {
					t.log.Warn("telegram alert failed", zap.Error(err))
				}
				cancel()
			}
		}
	}()
}

// Emit queues an alert for events an operator should see. It never blocks;
// alerts are dropped while the queue is full.
func (t *Telegram) Emit(ev telemetry.Event) {
	if t == nil || !t.enabled {
		return
	}
	msg, ok := Format(ev)
	if !ok {
		return
	}
	select {
	case t.queue <- msg:
	default:
		if t.dropped.Add(1) == 1 {
			t.log.Warn("telegram alert queue full")
		}
	}
}

// Format renders ev as an alert. Only failures, stops and risk actions
// produce one.
func Format(ev telemetry.Event) (string, bool) {
	switch ev.Kind {
	case telemetry.KindTransition:
		switch ev.To {
		case "failed":
			msg := fmt.Sprintf("bot %s failed", ev.BotID)
			if ev.Err != "" {
				msg += ": " + ev.Err
			}
			return msg, true
		case "stopped":
			msg := fmt.Sprintf("bot %s stopped", ev.BotID)
			if ev.Reason != "" {
				msg += " (" + ev.Reason + ")"
			}
			return msg, true
		}
	case telemetry.KindRiskAction:
		return fmt.Sprintf("bot %s %s", ev.BotID, ev.Reason), true
	}
	return "", false
}
