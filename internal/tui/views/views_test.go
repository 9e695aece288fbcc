package views

import (
	"strings"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/tui/ui"
)

func TestSanitizeForTerminal(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"hello", "hello"},
		{"👍\U0001F3FB", "👍"},
		{"❤\uFE0F", "❤"},
		{"👨\u200D👩", "👨👩"},
	}
	for _, tt := range tests {
		if got := sanitizeForTerminal(tt.in); got != tt.want {
			t.Errorf("sanitizeForTerminal(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRenderMessages(t *testing.T) {
	theme := ui.DefaultTheme()
	msgs := []api.Message{
		{ID: "a", SenderID: "bob", Body: "hi [there]", CreatedAt: 1},
		{ID: "b", SenderID: "me", Body: "hello", CreatedAt: 2, Pending: true},
		{ID: "c", SenderID: "me", Body: "seen?", CreatedAt: 3, Seen: true},
		{ID: "d", SenderID: "bob", ImageRef: "img-1", CreatedAt: 4, Ad: true},
	}
	out := RenderMessages(theme, "me", msgs, true)

	for _, want := range []string{
		"o loads older",
		"bob",
		"You",
		"hi [there[]",
		"…",
		"✓✓",
		"{ad}",
		"img-1",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("rendered page missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "hi [there[]") > strings.Index(out, "seen?") {
		t.Error("messages not rendered in display order")
	}
}

func TestReceiptOnlyOnOwnMessages(t *testing.T) {
	theme := ui.DefaultTheme()
	if r := receipt(theme, "me", api.Message{SenderID: "bob", Seen: true}); r != "" {
		t.Errorf("peer message has receipt %q", r)
	}
	if r := receipt(theme, "me", api.Message{SenderID: "me"}); !strings.Contains(r, "✓") || strings.Contains(r, "✓✓") {
		t.Errorf("delivered receipt = %q", r)
	}
}

func TestPresenceLabel(t *testing.T) {
	if got := PresenceLabel(presence.Status{Kind: presence.KindTyping}); !strings.Contains(got, "typing") ||
		!strings.Contains(got, presence.AppearanceOf(presence.KindTyping).Color) {
		t.Errorf("PresenceLabel(typing) = %q", got)
	}
	if got := PresenceLabel(presence.Status{Kind: presence.KindChattingElsewhere}); !strings.Contains(got, "chatting elsewhere") {
		t.Errorf("PresenceLabel(chatting_elsewhere) = %q", got)
	}
	if got := PresenceLabel(presence.Status{}); !strings.Contains(got, "…") {
		t.Errorf("PresenceLabel(unknown) = %q", got)
	}
}

func TestLastSeen(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		ago  time.Duration
		want string
	}{
		{10 * time.Second, "just now"},
		{5 * time.Minute, "5m ago"},
		{3 * time.Hour, "3h ago"},
	}
	for _, tt := range tests {
		if got := lastSeen(now.Add(-tt.ago).UnixMilli(), now); got != tt.want {
			t.Errorf("lastSeen(-%s) = %q, want %q", tt.ago, got, tt.want)
		}
	}
	if got := lastSeen(0, now); got != "a long time ago" {
		t.Errorf("lastSeen(0) = %q", got)
	}
}

func TestPresenceBarLine(t *testing.T) {
	pb := NewPresenceBar("main", "bob")
	pb.SetState("live")
	pb.SetPresence(presence.Status{Kind: presence.KindInChat})
	pb.SetDegraded()
	pb.SetHints([]string{"q:quit"})
	line := pb.Line()
	for _, want := range []string{"main", "bob", "in chat", "live", "no local cache", "q:quit"} {
		if !strings.Contains(line, want) {
			t.Errorf("Line() missing %q: %s", want, line)
		}
	}
}
