package channels

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"github.com/dayuer/stickerbot/internal/bus"
)

// WhatsApp Web selectors.
const (
	selLoggedIn    = `div[contenteditable="true"][data-tab="3"]`
	selComposeBox  = `footer div[contenteditable="true"]`
	selSendButton  = `span[data-icon="send"]`
	selAttach      = `div[title="Attach"]`
	selImageUpload = `input[type="file"][accept*="image"]`
	selChatHeader  = `#main header span[title]`
)

// chatOpenTimeout bounds the wait for the conversation pane to show the
// clicked chat.
const chatOpenTimeout = 5 * time.Second

// Page scripts. Each is a function evaluated with rod.Eval.
const (
	jsUnreadChats = `() => {
		const names = [];
		for (const badge of document.querySelectorAll('span[aria-label*="unread message"]')) {
			let row = badge.closest('[role="listitem"], [role="row"]');
			if (!row) {
				row = badge;
				for (let i = 0; i < 7 && row.parentElement; i++) row = row.parentElement;
			}
			const title = row.querySelector('span[title]');
			if (title && title.getAttribute('title')) names.push(title.getAttribute('title'));
		}
		return names;
	}`

	jsChatTitle = `(name) => {
		for (const el of document.querySelectorAll('span[title]')) {
			if (el.getAttribute('title') === name) return el;
		}
		return null;
	}`

	jsLatestIncoming = `() => {
		const msgs = document.querySelectorAll('div.message-in');
		if (msgs.length === 0) return { kind: 'none' };
		const last = msgs[msgs.length - 1];
		const holder = last.closest('[data-id]');
		const id = holder ? holder.getAttribute('data-id') : '';
		const img = last.querySelector('img');
		if (img && img.src) return { kind: 'sticker', src: img.src, id };
		const span = last.querySelector('span.selectable-text');
		if (span) return { kind: 'text', text: span.innerText.trim(), id };
		return { kind: 'none', id };
	}`

	jsBlobToDataURL = `(url) => fetch(url)
		.then(r => r.blob())
		.then(b => new Promise((resolve, reject) => {
			const reader = new FileReader();
			reader.onloadend = () => resolve(reader.result);
			reader.onerror = () => reject(reader.error);
			reader.readAsDataURL(b);
		}))`
)

var errChatNotFound = errors.New("chat not found")

// WebConfig configures the WhatsApp Web driver.
type WebConfig struct {
	URL          string
	ControlURL   string // attach to a running Chrome instead of launching one
	Bin          string
	UserDataDir  string
	Headless     bool
	LoginTimeout time.Duration
}

// WebChannel drives WhatsApp Web in Chrome.
//
// Unread chats are found by their unread badge. Chats opened once stay under
// watch, so a reset or trigger typed into an already read chat is still seen.
type WebChannel struct {
	BaseChannel
	cfg    WebConfig
	logger *zap.Logger

	mu       sync.Mutex
	browser  *rod.Browser
	launcher *launcher.Launcher
	page     *rod.Page
	watched  map[string]struct{}
}

// NewWebChannel creates a WebChannel.
func NewWebChannel(cfg WebConfig, allowFrom []string, logger *zap.Logger) *WebChannel {
	if cfg.URL == "" {
		cfg.URL = "https://web.whatsapp.com/"
	}
	if cfg.LoginTimeout <= 0 {
		cfg.LoginTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebChannel{
		BaseChannel: BaseChannel{ChannelName: "web", AllowFrom: allowFrom},
		cfg:         cfg,
		logger:      logger.Named("web"),
		watched:     make(map[string]struct{}),
	}
}

func (w *WebChannel) Name() string { return w.ChannelName }

// Start launches (or attaches to) Chrome, opens WhatsApp Web and waits for
// the user to be logged in.
func (w *WebChannel) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	controlURL := w.cfg.ControlURL
	if controlURL == "" {
		l := launcher.New().Headless(w.cfg.Headless)
		if w.cfg.Bin != "" {
			l = l.Bin(w.cfg.Bin)
		}
		if w.cfg.UserDataDir != "" {
			l = l.UserDataDir(w.cfg.UserDataDir)
		}
		u, err := l.Launch()
		if err != nil {
			return fmt.Errorf("launch chrome: %w", err)
		}
		w.launcher = l
		controlURL = u
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		w.killLocked()
		return fmt.Errorf("connect to chrome: %w", err)
	}
	w.browser = browser

	page, err := browser.Page(proto.TargetCreateTarget{URL: w.cfg.URL})
	if err != nil {
		w.closeLocked()
		return fmt.Errorf("open %s: %w", w.cfg.URL, err)
	}
	w.page = page

	w.logger.Info("waiting for login, scan the QR code if asked",
		zap.String("url", w.cfg.URL),
		zap.Duration("timeout", w.cfg.LoginTimeout))
	if _, err := page.Context(ctx).Timeout(w.cfg.LoginTimeout).Element(selLoggedIn); err != nil {
		w.closeLocked()
		return fmt.Errorf("login: %w", err)
	}
	w.setRunning(true)
	w.logger.Info("logged in")
	return nil
}

// Stop closes the browser.
func (w *WebChannel) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.setRunning(false)
	return w.closeLocked()
}

func (w *WebChannel) closeLocked() error {
	var err error
	if w.browser != nil {
		err = w.browser.Close()
		w.browser = nil
		w.page = nil
	}
	w.killLocked()
	return err
}

func (w *WebChannel) killLocked() {
	if w.launcher != nil {
		w.launcher.Kill()
		w.launcher = nil
	}
}

func (w *WebChannel) pageFor(ctx context.Context) (*rod.Page, error) {
	if w.page == nil {
		return nil, fmt.Errorf("web channel not started")
	}
	return w.page.Context(ctx), nil
}

// Unread returns correspondents with an unread badge plus every chat
// opened before.
func (w *WebChannel) Unread(ctx context.Context) ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	page, err := w.pageFor(ctx)
	if err != nil {
		return nil, err
	}
	res, err := page.Evaluate(rod.Eval(jsUnreadChats).ByPromise())
	if err != nil {
		return nil, fmt.Errorf("scan unread chats: %w", err)
	}
	var badges []string
	if err := decodeEval(res, &badges); err != nil {
		return nil, fmt.Errorf("scan unread chats: %w", err)
	}

	watched := make([]string, 0, len(w.watched))
	for name := range w.watched {
		watched = append(watched, name)
	}
	return w.filterAllowed(badges, watched), nil
}

// Open clicks the correspondent's chat in the chat list. A chat that can no
// longer be found is dropped from the watch list.
func (w *WebChannel) Open(ctx context.Context, correspondent string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.openLocked(ctx, correspondent); err != nil {
		delete(w.watched, correspondent)
		return err
	}
	w.watched[correspondent] = struct{}{}
	return nil
}

func (w *WebChannel) openLocked(ctx context.Context, correspondent string) error {
	page, err := w.pageFor(ctx)
	if err != nil {
		return err
	}
	el, err := page.ElementByJS(rod.Eval(jsChatTitle, correspondent))
	if err != nil {
		return fmt.Errorf("%w: %q: %w", errChatNotFound, correspondent, err)
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("open chat %q: %w", correspondent, err)
	}
	// Latest reads whatever pane is shown, so wait until it is this chat's.
	if _, err := page.Timeout(chatOpenTimeout).ElementR(selChatHeader, "/"+chatHeaderPattern(correspondent)+"/"); err != nil {
		return fmt.Errorf("open chat %q: conversation pane did not switch: %w", correspondent, err)
	}
	return nil
}

// chatHeaderPattern matches a conversation header showing exactly
// correspondent. The syntax is shared by Go and JS regexps.
func chatHeaderPattern(correspondent string) string {
	return `^\s*` + regexp.QuoteMeta(correspondent) + `\s*$`
}

type latestResult struct {
	Kind string `json:"kind"`
	Src  string `json:"src"`
	Text string `json:"text"`
	ID   string `json:"id"`
}

// Latest classifies the newest incoming message of the open chat.
func (w *WebChannel) Latest(ctx context.Context, correspondent string) (bus.IncomingEvent, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	page, err := w.pageFor(ctx)
	if err != nil {
		return bus.IncomingEvent{}, err
	}
	res, err := page.Evaluate(rod.Eval(jsLatestIncoming).ByPromise())
	if err != nil {
		return bus.IncomingEvent{}, fmt.Errorf("read latest message: %w", err)
	}
	var lr latestResult
	if err := decodeEval(res, &lr); err != nil {
		return bus.IncomingEvent{}, fmt.Errorf("read latest message: %w", err)
	}
	return lr.event(correspondent), nil
}

func (lr latestResult) event(correspondent string) bus.IncomingEvent {
	var ev bus.IncomingEvent
	switch lr.Kind {
	case "sticker":
		ev = bus.Sticker(correspondent, bus.ParseRef(lr.Src))
	case "text":
		ev = bus.Text(correspondent, lr.Text)
	default:
		ev = bus.None(correspondent)
	}
	ev.MessageID = lr.ID
	return ev
}

// SendText types text into the correspondent's compose box and sends it.
func (w *WebChannel) SendText(ctx context.Context, correspondent, text string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.openLocked(ctx, correspondent); err != nil {
		return err
	}
	page, err := w.pageFor(ctx)
	if err != nil {
		return err
	}
	box, err := page.Element(selComposeBox)
	if err != nil {
		return fmt.Errorf("compose box: %w", err)
	}
	if err := box.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("focus compose box: %w", err)
	}
	if err := box.Input(text); err != nil {
		return fmt.Errorf("type message: %w", err)
	}
	return w.clickSend(page)
}

// SendImage attaches the file at path and sends it.
func (w *WebChannel) SendImage(ctx context.Context, correspondent, path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.openLocked(ctx, correspondent); err != nil {
		return err
	}
	page, err := w.pageFor(ctx)
	if err != nil {
		return err
	}
	attach, err := page.Element(selAttach)
	if err != nil {
		return fmt.Errorf("attach button: %w", err)
	}
	if err := attach.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("open attach menu: %w", err)
	}
	input, err := page.Element(selImageUpload)
	if err != nil {
		return fmt.Errorf("image upload input: %w", err)
	}
	if err := input.SetFiles([]string{path}); err != nil {
		return fmt.Errorf("upload %s: %w", path, err)
	}
	return w.clickSend(page)
}

func (w *WebChannel) clickSend(page *rod.Page) error {
	btn, err := page.Element(selSendButton)
	if err != nil {
		return fmt.Errorf("send button: %w", err)
	}
	if err := btn.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("click send: %w", err)
	}
	return nil
}

// Resolve reads a blob: URL inside the page and returns its bytes.
func (w *WebChannel) Resolve(ctx context.Context, handle string) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	page, err := w.pageFor(ctx)
	if err != nil {
		return nil, err
	}
	res, err := page.Evaluate(rod.Eval(jsBlobToDataURL, handle).ByPromise())
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	var dataURL string
	if err := decodeEval(res, &dataURL); err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return decodeDataURL(dataURL)
}

func decodeEval(res *proto.RuntimeRemoteObject, v any) error {
	if res == nil {
		return fmt.Errorf("no result")
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// decodeDataURL decodes a base64 data: URL.
func decodeDataURL(s string) ([]byte, error) {
	rest, ok := strings.CutPrefix(s, "data:")
	if !ok {
		return nil, fmt.Errorf("not a data url")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, fmt.Errorf("malformed data url")
	}
	if !strings.HasSuffix(meta, ";base64") {
		return nil, fmt.Errorf("data url is not base64")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode data url: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty blob")
	}
	return data, nil
}
