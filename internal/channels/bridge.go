package channels

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dayuer/stickerbot/internal/bus"
)

const (
	bridgeReconnectDelay = 5 * time.Second
	bridgeWriteTimeout   = 10 * time.Second
)

var errBridgeDisconnected = errors.New("whatsapp bridge not connected")

// bridgeFrame is one JSON message exchanged with the bridge.
//
// Inbound types: message, status, qr, error, ack, media.
// Outbound types: auth, send, send_image, fetch_media.
type bridgeFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`

	// message
	ID        string       `json:"id,omitempty"`
	Sender    string       `json:"sender,omitempty"`
	PN        string       `json:"pn,omitempty"`
	Content   string       `json:"content,omitempty"`
	IsGroup   bool         `json:"isGroup,omitempty"`
	Timestamp int64        `json:"timestamp,omitempty"`
	Media     *bridgeMedia `json:"media,omitempty"`

	// status / error
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`

	// outbound
	Token    string `json:"token,omitempty"`
	To       string `json:"to,omitempty"`
	Text     string `json:"text,omitempty"`
	Handle   string `json:"handle,omitempty"`
	Data     string `json:"data,omitempty"` // base64
	Mimetype string `json:"mimetype,omitempty"`
}

type bridgeMedia struct {
	Kind   string `json:"kind"` // sticker or image
	URL    string `json:"url,omitempty"`
	Handle string `json:"handle,omitempty"`
}

// BridgeChannel talks to a WhatsApp bridge process over WebSocket.
// Messages pushed by the bridge land in the inbox and are read back with
// polling semantics.
type BridgeChannel struct {
	BaseChannel
	BridgeURL   string
	BridgeToken string
	logger      *zap.Logger
	dialer      *websocket.Dialer

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	chats     map[string]string // correspondent -> chat id
	pending   map[string]chan bridgeFrame

	writeMu  sync.Mutex
	cancelFn context.CancelFunc
	done     chan struct{}
}

// NewBridgeChannel creates a BridgeChannel.
func NewBridgeChannel(bridgeURL, bridgeToken string, allowFrom []string, logger *zap.Logger) *BridgeChannel {
	if bridgeURL == "" {
		bridgeURL = "ws://localhost:3001"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BridgeChannel{
		BaseChannel: BaseChannel{
			ChannelName: "bridge",
			Inbox:       bus.NewInbox(),
			AllowFrom:   allowFrom,
		},
		BridgeURL:   bridgeURL,
		BridgeToken: bridgeToken,
		logger:      logger.Named("bridge"),
		dialer:      websocket.DefaultDialer,
		chats:       make(map[string]string),
		pending:     make(map[string]chan bridgeFrame),
	}
}

func (w *BridgeChannel) Name() string { return w.ChannelName }

// Start connects to the bridge. The first dial must succeed; later
// disconnects are retried in the background until Stop.
func (w *BridgeChannel) Start(ctx context.Context) error {
	conn, err := w.dial(ctx)
	if err != nil {
		return fmt.Errorf("connect to bridge %s: %w", w.BridgeURL, err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.cancelFn = cancel
	w.done = make(chan struct{})
	w.setRunning(true)
	w.logger.Info("connected", zap.String("url", w.BridgeURL))

	go w.run(runCtx, conn)
	return nil
}

// Stop closes the connection and waits for the reader to exit.
func (w *BridgeChannel) Stop() error {
	w.setRunning(false)
	if w.cancelFn == nil {
		return nil
	}
	w.cancelFn()
	w.mu.Lock()
	if w.conn != nil {
		w.conn.Close()
	}
	w.mu.Unlock()
	<-w.done
	return nil
}

func (w *BridgeChannel) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if w.BridgeToken != "" {
		header.Set("Authorization", "Bearer "+w.BridgeToken)
	}
	conn, _, err := w.dialer.DialContext(ctx, w.BridgeURL, header)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	w.conn = conn
	w.connected = true
	w.mu.Unlock()

	if w.BridgeToken != "" {
		if err := w.write(bridgeFrame{Type: "auth", Token: w.BridgeToken}); err != nil {
			conn.Close()
			return nil, fmt.Errorf("auth: %w", err)
		}
	}
	return conn, nil
}

func (w *BridgeChannel) run(ctx context.Context, conn *websocket.Conn) {
	defer close(w.done)
	for {
		w.readLoop(conn)
		w.markDisconnected()
		if ctx.Err() != nil {
			return
		}
		w.logger.Warn("disconnected, reconnecting", zap.Duration("delay", bridgeReconnectDelay))

		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(bridgeReconnectDelay):
			}
			var err error
			conn, err = w.dial(ctx)
			if err == nil {
				w.logger.Info("reconnected")
				break
			}
			w.logger.Warn("reconnect failed", zap.Error(err))
		}
	}
}

func (w *BridgeChannel) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		w.ProcessBridgeMessage(data)
	}
}

func (w *BridgeChannel) markDisconnected() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.connected = false
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
	for id, ch := range w.pending {
		ch <- bridgeFrame{Type: "error", RequestID: id, Error: errBridgeDisconnected.Error()}
		delete(w.pending, id)
	}
}

// ProcessBridgeMessage handles an incoming frame from the bridge (exported for testing).
func (w *BridgeChannel) ProcessBridgeMessage(raw []byte) {
	var f bridgeFrame
	if json.Unmarshal(raw, &f) != nil {
		return
	}

	switch f.Type {
	case "message":
		if f.IsGroup {
			return
		}
		correspondent := senderID(f)
		if correspondent == "" {
			return
		}
		w.mu.Lock()
		w.chats[correspondent] = f.Sender
		w.mu.Unlock()
		w.HandleEvent(frameEvent(correspondent, f))

	case "ack", "media":
		w.mu.Lock()
		ch, ok := w.pending[f.RequestID]
		delete(w.pending, f.RequestID)
		w.mu.Unlock()
		if ok {
			ch <- f
		}

	case "status":
		w.logger.Info("status", zap.String("status", f.Status))
		w.mu.Lock()
		w.connected = f.Status == "connected"
		w.mu.Unlock()

	case "qr":
		w.logger.Info("scan the QR code in the bridge terminal to connect WhatsApp")

	case "error":
		w.logger.Warn("bridge error", zap.String("error", f.Error))
	}
}

// senderID strips the WhatsApp JID suffix, preferring the phone number.
func senderID(f bridgeFrame) string {
	id := f.PN
	if id == "" {
		id = f.Sender
	}
	id, _, _ = strings.Cut(id, "@")
	return id
}

func frameEvent(correspondent string, f bridgeFrame) bus.IncomingEvent {
	var ev bus.IncomingEvent
	switch {
	case f.Media != nil && (f.Media.Kind == "sticker" || f.Media.Kind == "image"):
		ref := bus.Ref{Handle: f.Media.Handle}
		if f.Media.URL != "" {
			ref = bus.ParseRef(f.Media.URL)
		}
		ev = bus.Sticker(correspondent, ref)
	case strings.TrimSpace(f.Content) != "":
		ev = bus.Text(correspondent, f.Content)
	default:
		ev = bus.None(correspondent)
	}
	ev.MessageID = f.ID
	if f.Timestamp > 0 {
		ev.Timestamp = time.Unix(f.Timestamp, 0)
	}
	return ev
}

// Unread returns correspondents with messages since the last poll.
func (w *BridgeChannel) Unread(_ context.Context) ([]string, error) {
	return w.Inbox.Drain(), nil
}

// Open checks the correspondent is known; the bridge has no chat focus.
func (w *BridgeChannel) Open(_ context.Context, correspondent string) error {
	if _, ok := w.Inbox.Latest(correspondent); !ok {
		return fmt.Errorf("unknown correspondent %q", correspondent)
	}
	return nil
}

// Latest returns the newest message received from correspondent.
func (w *BridgeChannel) Latest(_ context.Context, correspondent string) (bus.IncomingEvent, error) {
	ev, ok := w.Inbox.Latest(correspondent)
	if !ok {
		return bus.None(correspondent), nil
	}
	return ev, nil
}

// SendText sends a text message.
func (w *BridgeChannel) SendText(ctx context.Context, correspondent, text string) error {
	_, err := w.call(ctx, bridgeFrame{Type: "send", To: w.chatFor(correspondent), Text: text})
	return err
}

// SendImage uploads the file at path and sends it as an image.
func (w *BridgeChannel) SendImage(ctx context.Context, correspondent, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	_, err = w.call(ctx, bridgeFrame{
		Type:     "send_image",
		To:       w.chatFor(correspondent),
		Data:     base64.StdEncoding.EncodeToString(data),
		Mimetype: http.DetectContentType(data),
	})
	return err
}

// Resolve asks the bridge for the bytes of a media handle.
func (w *BridgeChannel) Resolve(ctx context.Context, handle string) ([]byte, error) {
	resp, err := w.call(ctx, bridgeFrame{Type: "fetch_media", Handle: handle})
	if err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("decode media: %w", err)
	}
	return data, nil
}

func (w *BridgeChannel) chatFor(correspondent string) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if chat, ok := w.chats[correspondent]; ok && chat != "" {
		return chat
	}
	return correspondent
}

// call sends a request frame and waits for the reply with the same requestId.
func (w *BridgeChannel) call(ctx context.Context, f bridgeFrame) (bridgeFrame, error) {
	f.RequestID = uuid.NewString()
	reply := make(chan bridgeFrame, 1)

	w.mu.Lock()
	if !w.connected {
		w.mu.Unlock()
		return bridgeFrame{}, errBridgeDisconnected
	}
	w.pending[f.RequestID] = reply
	w.mu.Unlock()

	if err := w.write(f); err != nil {
		w.forget(f.RequestID)
		return bridgeFrame{}, err
	}

	select {
	case resp := <-reply:
		if resp.Error != "" {
			return resp, fmt.Errorf("bridge %s: %s", f.Type, resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		w.forget(f.RequestID)
		return bridgeFrame{}, ctx.Err()
	}
}

func (w *BridgeChannel) forget(id string) {
	w.mu.Lock()
	delete(w.pending, id)
	w.mu.Unlock()
}

func (w *BridgeChannel) write(f bridgeFrame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return err
	}
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return errBridgeDisconnected
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(bridgeWriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, payload)
}
