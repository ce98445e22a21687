package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"tradeguard-bot/internal/app"
	"tradeguard-bot/internal/config"

	"go.uber.org/zap"
)

func newApp(t *testing.T) *app.App {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "state:\n  sqlite_path: " + filepath.Join(dir, "state.db") + "\nexchanges:\n  - name: paper\n    paper:\n      futures_balance: 2500\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("TRADEGUARD_SQLITE_PATH", "")
	t.Setenv("TRADEGUARD_LOG_LEVEL", "")
	loaded, err := config.Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	a, err := app.New(loaded, zap.NewNop())
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(a.Close)
	return a
}

func TestCreateListAndLedger(t *testing.T) {
	a := newApp(t)
	ctx := context.Background()
	file := filepath.Join(t.TempDir(), "bot.json")
	bot := `{"exchange":"paper","pair":{"base":"ETH","quote":"USDT"},"deposit":"250","leverage":3}`
	if err := os.WriteFile(file, []byte(bot), 0o600); err != nil {
		t.Fatalf("write bot: %v", err)
	}

	var out bytes.Buffer
	if err := run(ctx, a, "create", []string{"-owner", "alice", "-file", file}, &out); err != nil {
		t.Fatalf("create: %v", err)
	}
	id := strings.TrimSpace(out.String())
	if id == "" {
		t.Fatalf("expected bot id")
	}

	out.Reset()
	if err := run(ctx, a, "bots", []string{"-owner", "alice"}, &out); err != nil {
		t.Fatalf("bots: %v", err)
	}
	for _, want := range []string{id, "ETH/USDT", "idle"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("expected %q in\n%s", want, out.String())
		}
	}

	out.Reset()
	if err := run(ctx, a, "ledger", []string{"-owner", "alice", "-bot", id}, &out); err != nil {
		t.Fatalf("ledger: %v", err)
	}
	if strings.Contains(out.String(), "more events") {
		t.Fatalf("empty ledger must not offer another page:\n%s", out.String())
	}

	if err := run(ctx, a, "ledger", []string{"-owner", "mallory", "-bot", id}, &out); err == nil {
		t.Fatalf("expected ownership error")
	}
}

func TestVerifyPrintsBalance(t *testing.T) {
	a := newApp(t)
	var out bytes.Buffer
	if err := run(context.Background(), a, "verify", []string{"-exchange", "paper"}, &out); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !strings.Contains(out.String(), "2500") {
		t.Fatalf("expected futures balance in\n%s", out.String())
	}
}

func TestUnknownCommand(t *testing.T) {
	a := newApp(t)
	if err := run(context.Background(), a, "explode", nil, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected unknown command error")
	}
}
