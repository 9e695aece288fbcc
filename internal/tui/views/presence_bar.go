package views

import (
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/rivo/tview"
)

// PresenceBar is the one-line footer: profile, peer status, conversation
// state and key hints.
type PresenceBar struct {
	*tview.TextView
	profile  string
	peer     string
	status   presence.Status
	state    string
	degraded bool
	hints    []string
}

// NewPresenceBar creates an empty footer.
func NewPresenceBar(profile, peer string) *PresenceBar {
	tv := tview.NewTextView().SetDynamicColors(true)
	tv.SetBackgroundColor(tview.Styles.MoreContrastBackgroundColor)
	pb := &PresenceBar{TextView: tv, profile: profile, peer: peer, state: "loading"}
	pb.render()
	return pb
}

// SetPresence updates the peer status.
func (pb *PresenceBar) SetPresence(st presence.Status) {
	pb.status = st
	pb.render()
}

// SetState updates the conversation lifecycle state.
func (pb *PresenceBar) SetState(state string) {
	pb.state = state
	pb.render()
}

// SetDegraded marks the local store as unavailable.
func (pb *PresenceBar) SetDegraded() {
	pb.degraded = true
	pb.render()
}

// SetHints sets the key hints shown on the right.
func (pb *PresenceBar) SetHints(hints []string) {
	pb.hints = hints
	pb.render()
}

func (pb *PresenceBar) render() {
	pb.Clear()
	_, _ = fmt.Fprint(pb, pb.Line())
}

// Line returns the rendered markup.
func (pb *PresenceBar) Line() string {
	line := fmt.Sprintf(" [::b]%s[-:-:-] | %s %s | %s",
		tview.Escape(pb.profile), tview.Escape(pb.peer), PresenceLabel(pb.status), pb.state)
	if pb.degraded {
		line += " [orange](no local cache)[-]"
	}
	if len(pb.hints) > 0 {
		line += " | [::d]" + tview.Escape(strings.Join(pb.hints, "  ")) + "[-:-:-]"
	}
	return line
}

// PresenceLabel renders a status in its appearance color.
func PresenceLabel(st presence.Status) string {
	if st.Kind == "" {
		return "[::d]…[-:-:-]"
	}
	color := presence.AppearanceOf(st.Kind).Color
	text := strings.ReplaceAll(string(st.Kind), "_", " ")
	if st.Kind == presence.KindLastSeen {
		text = "last seen " + lastSeen(st.LastSeenAt, time.Now())
	}
	return fmt.Sprintf("[%s]●[-] %s", color, text)
}

func lastSeen(ms int64, now time.Time) string {
	if ms <= 0 {
		return "a long time ago"
	}
	t := time.UnixMilli(ms)
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("Jan 2")
	}
}
