// Package tui is a terminal view of one conversation served by chatsyncd.
package tui

import (
	"context"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/tui/keys"
	"github.com/matheus3301/chatsync/internal/tui/ui"
	"github.com/matheus3301/chatsync/internal/tui/views"
	"github.com/rivo/tview"
)

const (
	scopeThread   = "thread"
	scopeComposer = "composer"
	rpcTimeout    = 10 * time.Second
)

// App is the TUI shell: a thread view, a flash line and a presence footer.
type App struct {
	app      *tview.Application
	client   *api.Client
	theme    *ui.Theme
	registry *keys.Registry
	thread   *views.Thread
	footer   *views.PresenceBar
	flash    *ui.FlashModel
	flashBar *ui.FlashBar

	conversationID string
	peerID         string
	handle         string
	msgs           []api.Message
	hasMore        bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewApp creates the TUI for conversationID with peerID.
func NewApp(c *api.Client, profileName, selfUserID, conversationID, peerID string) *App {
	ctx, cancel := context.WithCancel(context.Background())
	theme := ui.DefaultTheme()
	a := &App{
		app:            tview.NewApplication(),
		client:         c,
		theme:          theme,
		registry:       keys.NewRegistry(),
		thread:         views.NewThread(theme, selfUserID),
		footer:         views.NewPresenceBar(profileName, peerID),
		flash:          ui.NewFlashModel(),
		flashBar:       ui.NewFlashBar(theme),
		conversationID: conversationID,
		peerID:         peerID,
		hasMore:        true,
		ctx:            ctx,
		cancel:         cancel,
	}
	a.thread.SetTitle(conversationID)
	a.setupBindings()
	a.setupCallbacks()
	a.setupLayout()
	return a
}

func (a *App) setupBindings() {
	a.registry.AddGlobal("quit", &keys.Action{
		Key: tcell.KeyCtrlC, Description: "^c:quit", Visible: true,
		Handler: a.Stop,
	})
	a.registry.Add(scopeThread, "quit", &keys.Action{
		Key: tcell.KeyRune, Rune: 'q', Description: "q:quit", Visible: true,
		Handler: a.Stop,
	})
	a.registry.Add(scopeThread, "compose", &keys.Action{
		Key: tcell.KeyRune, Rune: 'i', Description: "i:compose", Visible: true,
		Handler: func() { a.app.SetFocus(a.thread.Composer()) },
	})
	a.registry.Add(scopeThread, "older", &keys.Action{
		Key: tcell.KeyRune, Rune: 'o', Description: "o:older", Visible: true,
		Handler: a.loadOlder,
	})
	a.registry.Add(scopeComposer, "back", &keys.Action{
		Key: tcell.KeyEscape, Description: "esc:back", Visible: true,
		Handler: func() { a.app.SetFocus(a.thread.Messages()) },
	})
}

func (a *App) setupCallbacks() {
	a.thread.SetOnSend(func(text string) {
		h := a.handle
		go a.call(func(ctx context.Context) error {
			_, err := a.client.SendMessage(ctx, h, text, "")
			return err
		})
	})
	a.thread.SetOnTyping(func(typing bool) {
		h := a.handle
		if h == "" {
			return
		}
		go a.call(func(ctx context.Context) error {
			return a.client.SetTyping(ctx, h, typing)
		})
	})
}

func (a *App) setupLayout() {
	root := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.thread, 0, 1, true).
		AddItem(a.flashBar, 1, 0, false).
		AddItem(a.footer, 1, 0, false)
	a.app.SetRoot(root, true)
	a.footer.SetHints(a.registry.Hints(scopeThread))

	a.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		scope := scopeThread
		if a.app.GetFocus() == a.thread.Composer() {
			scope = scopeComposer
			// Printable keys belong to the input field.
			if event.Key() == tcell.KeyRune {
				return event
			}
		}
		if a.registry.HandleEvent(scope, event) {
			return nil
		}
		return event
	})
}

// call runs fn with a request deadline and reports its error in the flash
// line.
func (a *App) call(fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(a.ctx, rpcTimeout)
	defer cancel()
	if err := fn(ctx); err != nil && a.ctx.Err() == nil {
		a.flash.Err(err)
		a.app.QueueUpdateDraw(a.renderFlash)
	}
}

func (a *App) loadOlder() {
	if !a.hasMore || a.handle == "" {
		return
	}
	h := a.handle
	go a.call(func(ctx context.Context) error {
		cur, err := a.client.LoadOlder(ctx, h)
		if err != nil {
			return err
		}
		a.app.QueueUpdateDraw(func() {
			a.hasMore = cur.HasMoreOlder
			a.thread.Update(a.msgs, a.hasMore)
		})
		return nil
	})
}

func (a *App) renderFlash() {
	a.flashBar.Update(a.flash.Current())
}

// Run opens the conversation, starts the event stream and blocks in the UI
// loop. The conversation is closed on exit.
func (a *App) Run() error {
	go a.open()
	go a.tickFlash()
	err := a.app.Run()

	a.cancel()
	if a.handle != "" {
		ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
		_ = a.client.SetTyping(ctx, a.handle, false)
		_ = a.client.Close(ctx, a.handle)
		cancel()
	}
	return err
}

func (a *App) open() {
	a.flash.Info("opening " + a.conversationID + "...")
	a.app.QueueUpdateDraw(a.renderFlash)

	ctx, cancel := context.WithTimeout(a.ctx, rpcTimeout)
	handle, err := a.client.Open(ctx, a.conversationID, a.peerID, false)
	cancel()
	if err != nil {
		a.flash.Err(err)
		a.app.QueueUpdateDraw(a.renderFlash)
		return
	}
	a.app.QueueUpdateDraw(func() { a.handle = handle })

	err = a.client.Watch(a.ctx, handle, func(e api.Envelope) {
		a.app.QueueUpdateDraw(func() { a.apply(e) })
	})
	if err != nil && a.ctx.Err() == nil {
		a.flash.Err(err)
		a.app.QueueUpdateDraw(a.renderFlash)
	}
}

// apply folds one stream event into the view. Runs on the UI goroutine.
func (a *App) apply(e api.Envelope) {
	switch e.Kind {
	case bus.KindMessages:
		a.msgs = api.MessagesOf(e)
		a.thread.Update(a.msgs, a.hasMore)
	case bus.KindPresence:
		a.footer.SetPresence(api.PresenceOf(e))
	case bus.KindStateChanged:
		to, _ := e.Payload["to"].(string)
		a.footer.SetState(to)
		if to == string(status.Live) {
			a.flash.Info("live")
		}
	case bus.KindDegraded:
		a.footer.SetDegraded()
		a.flash.Warn("local cache unavailable, showing remote data only")
	case bus.KindSendFailed:
		msg, _ := e.Payload["error"].(string)
		a.flash.Warn("send failed: " + msg)
	}
	a.renderFlash()
}

func (a *App) tickFlash() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.app.QueueUpdateDraw(a.renderFlash)
		case <-a.ctx.Done():
			return
		}
	}
}

// Stop ends the UI loop.
func (a *App) Stop() {
	a.cancel()
	a.app.Stop()
}
