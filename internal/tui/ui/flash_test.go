package ui

import (
	"errors"
	"testing"
	"time"
)

func TestFlashExpires(t *testing.T) {
	now := time.Unix(1000, 0)
	f := NewFlashModel()
	f.now = func() time.Time { return now }

	if f.Current() != nil {
		t.Fatal("empty model returned a message")
	}

	f.Err(errors.New("send failed"))
	m := f.Current()
	if m == nil || m.Text != "send failed" || m.Level != FlashErr {
		t.Fatalf("Current() = %+v", m)
	}

	now = now.Add(11 * time.Second)
	if f.Current() != nil {
		t.Error("message did not expire")
	}
}

func TestFlashLatestWins(t *testing.T) {
	f := NewFlashModel()
	f.Warn("reconnecting")
	f.Info("live")
	if m := f.Current(); m == nil || m.Text != "live" || m.Level != FlashInfo {
		t.Errorf("Current() = %+v", m)
	}
}

func TestTag(t *testing.T) {
	if got := Tag(DefaultTheme().BorderColor); got != "#1e90ff" {
		t.Errorf("Tag(DodgerBlue) = %q", got)
	}
}
