package views

import (
	"fmt"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/tui/ui"
	"github.com/rivo/tview"
)

// Thread shows the loaded page of one conversation above a composer.
type Thread struct {
	*tview.Flex
	theme    *ui.Theme
	self     string
	messages *tview.TextView
	composer *tview.InputField
	onSend   func(text string)
	onTyping func(typing bool)
	typing   bool
}

// NewThread creates the conversation view. self is the local user id, used
// to tell own messages from the peer's.
func NewThread(theme *ui.Theme, self string) *Thread {
	messages := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWordWrap(true)
	messages.SetBorder(true)
	messages.SetBorderColor(theme.BorderColor)
	messages.SetBackgroundColor(theme.BgColor)
	messages.SetTextColor(theme.FgColor)
	messages.SetTitleColor(theme.TitleColor)

	composer := tview.NewInputField().
		SetLabel(" > ").
		SetFieldWidth(0)
	composer.SetBorder(true)
	composer.SetBorderColor(theme.BorderColor)
	composer.SetBackgroundColor(theme.BgColor)
	composer.SetFieldBackgroundColor(theme.BgColor)
	composer.SetFieldTextColor(theme.FgColor)
	composer.SetLabelColor(theme.KeyHintColor)
	composer.SetTitle(" Compose (i to focus) ")
	composer.SetTitleColor(theme.TitleColor)

	t := &Thread{
		Flex: tview.NewFlex().
			SetDirection(tview.FlexRow).
			AddItem(messages, 0, 1, true).
			AddItem(composer, 3, 0, false),
		theme:    theme,
		self:     self,
		messages: messages,
		composer: composer,
	}

	composer.SetChangedFunc(func(text string) {
		t.setTyping(text != "")
	})
	composer.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := composer.GetText()
		if text == "" || t.onSend == nil {
			return
		}
		t.onSend(text)
		composer.SetText("")
	})
	return t
}

func (t *Thread) setTyping(typing bool) {
	if typing == t.typing {
		return
	}
	t.typing = typing
	if t.onTyping != nil {
		t.onTyping(typing)
	}
}

// SetOnSend sets the callback run when the composer submits text.
func (t *Thread) SetOnSend(fn func(text string)) { t.onSend = fn }

// SetOnTyping sets the callback run when the composer becomes empty or
// non-empty.
func (t *Thread) SetOnTyping(fn func(typing bool)) { t.onTyping = fn }

// SetTitle sets the border title of the message pane.
func (t *Thread) SetTitle(title string) {
	t.messages.SetTitle(" " + tview.Escape(title) + " ")
}

// Update replaces the rendered page. msgs is in display order, oldest first.
func (t *Thread) Update(msgs []api.Message, hasMore bool) {
	atEnd := t.atEnd()
	t.messages.Clear()
	_, _ = fmt.Fprint(t.messages, RenderMessages(t.theme, t.self, msgs, hasMore))
	if atEnd {
		t.messages.ScrollToEnd()
	}
}

func (t *Thread) atEnd() bool {
	row, _ := t.messages.GetScrollOffset()
	_, _, _, h := t.messages.GetInnerRect()
	return row+h >= t.messages.GetOriginalLineCount()
}

// Messages returns the message pane, for focus management.
func (t *Thread) Messages() *tview.TextView { return t.messages }

// Composer returns the input field, for focus management.
func (t *Thread) Composer() *tview.InputField { return t.composer }

// RenderMessages formats a page as tview markup.
func RenderMessages(theme *ui.Theme, self string, msgs []api.Message, hasMore bool) string {
	var b strings.Builder
	if hasMore {
		fmt.Fprintf(&b, "[%s]  (o loads older messages)[-]\n\n", ui.Tag(theme.PendingColor))
	}
	for _, m := range msgs {
		b.WriteString(renderMessage(theme, self, m))
	}
	return b.String()
}

func renderMessage(theme *ui.Theme, self string, m api.Message) string {
	sender, color := m.SenderID, theme.PeerColor
	if m.SenderID == self {
		sender, color = "You", theme.SelfColor
	}
	ts := time.UnixMilli(m.CreatedAt).Format("15:04")

	var tags []string
	if m.Ad {
		tags = append(tags, "ad")
	}
	if m.Premium {
		tags = append(tags, "premium")
	}
	if m.Moderated {
		tags = append(tags, "moderated")
	}
	var tagText string
	if len(tags) > 0 {
		tagText = fmt.Sprintf(" [%s]{%s}[-]", ui.Tag(theme.FlaggedColor), strings.Join(tags, ","))
	}

	body := tview.Escape(sanitizeForTerminal(m.Body))
	if m.ImageRef != "" {
		body = strings.TrimSpace(body + " " + tview.Escape("[image "+m.ImageRef+"]"))
	}

	return fmt.Sprintf("[%s::b]%s[-:-:-] [::d]%s[-:-:-] %s%s\n%s\n\n",
		ui.Tag(color), tview.Escape(sanitizeForTerminal(sender)), ts,
		receipt(theme, self, m), tagText, body)
}

// receipt marks own messages: a clock while pending, one tick once the
// remote has it, two once the peer has seen it.
func receipt(theme *ui.Theme, self string, m api.Message) string {
	if m.SenderID != self {
		return ""
	}
	switch {
	case m.Pending:
		return fmt.Sprintf("[%s]…[-]", ui.Tag(theme.PendingColor))
	case m.Seen:
		return fmt.Sprintf("[%s]✓✓[-]", ui.Tag(theme.SeenColor))
	default:
		return fmt.Sprintf("[%s]✓[-]", ui.Tag(theme.PendingColor))
	}
}
