package alerts

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"tradeguard-bot/internal/config"
	"tradeguard-bot/internal/telemetry"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

func TestTelegramSendDisabled(t *testing.T) {
	cfg := config.TelegramConfig{Enabled: false}
	client := newTelegram(cfg, zap.NewNop(), "http://unused", nil)
	if err := client.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("expected nil error when disabled, got %v", err)
	}
	client.Emit(telemetry.Event{Kind: telemetry.KindTransition, To: "failed"})
	if len(client.queue) != 0 {
		t.Fatalf("disabled notifier must not queue alerts")
	}
}

func TestTelegramSendMissingConfig(t *testing.T) {
	cfg := config.TelegramConfig{Enabled: true}
	client := newTelegram(cfg, zap.NewNop(), "http://unused", nil)
	if err := client.Send(context.Background(), "hello"); err == nil {
		t.Fatalf("expected error for missing token/chat_id")
	}
}

func TestTelegramSendPostsMessage(t *testing.T) {
	var gotPath string
	var gotPayload map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{}}`))
	}))
	defer server.Close()

	cfg := config.TelegramConfig{Enabled: true, Token: "token", ChatID: "123"}
	client := newTelegram(cfg, zap.NewNop(), server.URL, server.Client())
	if err := client.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("expected send success, got %v", err)
	}
	if gotPath != "/bottoken/sendMessage" {
		t.Fatalf("expected path /bottoken/sendMessage, got %s", gotPath)
	}
	if gotPayload["chat_id"] != "123" || gotPayload["text"] != "hello" {
		t.Fatalf("unexpected payload %v", gotPayload)
	}
}

func TestTelegramSendReportsAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer server.Close()
	client := newTelegram(config.TelegramConfig{Enabled: true, Token: "t", ChatID: "1"}, zap.NewNop(), server.URL, server.Client())
	err := client.Send(context.Background(), "hello")
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("expected api error, got %v", err)
	}
}

func TestTelegramEmitDeliversAlerts(t *testing.T) {
	texts := make(chan string, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]string
		_ = json.NewDecoder(r.Body).Decode(&payload)
		texts <- payload["text"]
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := newTelegram(config.TelegramConfig{Enabled: true, Token: "t", ChatID: "1"}, zap.NewNop(), server.URL, server.Client())
	client.Start(ctx)
	client.Emit(telemetry.Event{Kind: telemetry.KindTransition, BotID: "bot-1", To: "running"})
	client.Emit(telemetry.Event{Kind: telemetry.KindTransition, BotID: "bot-1", To: "failed", Err: "auth_failed"})

	select {
	case got := <-texts:
		if got != "bot bot-1 failed: auth_failed" {
			t.Fatalf("unexpected alert %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for alert")
	}
	select {
	case got := <-texts:
		t.Fatalf("running transition should not alert, got %q", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFormat(t *testing.T) {
	cases := []struct {
		ev   telemetry.Event
		want string
		ok   bool
	}{
		{telemetry.Event{Kind: telemetry.KindTransition, BotID: "b", To: "stopped", Reason: "stop-loss"}, "bot b stopped (stop-loss)", true},
		{telemetry.Event{Kind: telemetry.KindRiskAction, BotID: "b", Reason: "take-profit"}, "bot b take-profit", true},
		{telemetry.Event{Kind: telemetry.KindFill, BotID: "b"}, "", false},
	}
	for _, tc := range cases {
		got, ok := Format(tc.ev)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("format %+v: got %q %v", tc.ev, got, ok)
		}
	}
}
