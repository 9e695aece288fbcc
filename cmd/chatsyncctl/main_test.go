package main

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/profile"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestVersionCmd(t *testing.T) {
	out, err := run(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if !strings.Contains(out, "chatsyncctl dev") || !strings.Contains(out, "commit: none") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestConfigInitAndCheck(t *testing.T) {
	t.Setenv(profile.HomeEnv, t.TempDir())

	if _, err := run(t, "config", "init", "--self", "alice"); err != nil {
		t.Fatalf("config init: %v", err)
	}
	cfg, err := config.Load(profile.ConfigPath())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.SelfUserID != "alice" {
		t.Errorf("self_user_id = %q, want alice", cfg.SelfUserID)
	}

	if _, err := run(t, "config", "init"); err == nil {
		t.Error("config init overwrote an existing file without --force")
	}

	out, err := run(t, "config", "check")
	if err != nil {
		t.Fatalf("config check: %v", err)
	}
	if !strings.Contains(out, "driver=memory") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestConfigLockNotRunning(t *testing.T) {
	t.Setenv(profile.HomeEnv, t.TempDir())
	out, err := run(t, "config", "lock", "--name", "idle")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "profile idle is not running") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestStatusWithoutDaemon(t *testing.T) {
	dir, err := os.MkdirTemp("/tmp", "chatsyncctl-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(dir) }()
	t.Setenv(profile.HomeEnv, dir)

	if _, err := run(t, "status", "--timeout", "200ms"); err == nil {
		t.Error("status succeeded with no daemon running")
	}
}

func TestTypingRejectsBadValue(t *testing.T) {
	if _, err := run(t, "typing", "h1", "maybe"); err == nil {
		t.Error("typing accepted a non-boolean value")
	}
}

func TestFormatEnvelope(t *testing.T) {
	e := api.Envelope{
		Kind:             "conversation.messages",
		OccurredAtUnixMs: 0,
		Payload: map[string]any{"messages": []any{
			map[string]any{"id": "m1", "sender_id": "bob", "body": "hi", "seen": true},
		}},
	}
	got := formatEnvelope(e)
	if !strings.Contains(got, "messages (1)") || !strings.Contains(got, "✓") || !strings.Contains(got, "bob") {
		t.Errorf("formatEnvelope() = %q", got)
	}

	p := api.Envelope{Kind: "presence.status", Payload: map[string]any{"label": "typing"}}
	if got := formatEnvelope(p); !strings.Contains(got, "presence typing") {
		t.Errorf("formatEnvelope() = %q", got)
	}
}
