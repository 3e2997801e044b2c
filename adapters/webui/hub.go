package webui

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jdelaire/botdeck/core"
)

// Event types sent to browser clients.
const (
	EventInitialState     = "initial_state"
	EventConnected        = "connected"
	EventConnectionFailed = "connection_failed"
	EventDisconnected     = "disconnected"
	EventEntry            = "entry"
	EventError            = "error"
)

const (
	sendBuffer      = 256
	readLimit       = 4096
	pongWait        = 60 * time.Second
	pingPeriod      = 30 * time.Second
	writeWait       = 10 * time.Second
	activateTimeout = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     localOrigin,
}

func localOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, prefix := range []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1"} {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}

// Event is one message sent to websocket clients.
type Event struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Data      any    `json:"data,omitempty"`
}

// Command is one message received from a websocket client.
type Command struct {
	Action string `json:"action"`
	Token  string `json:"token,omitempty"`
}

// SignalData is the data of connected, connection_failed and
// disconnected events.
type SignalData struct {
	Account     *core.Account `json:"account,omitempty"`
	DisplayName string        `json:"display_name,omitempty"`
	Message     string        `json:"message,omitempty"`
	Generation  uint64        `json:"generation"`
}

// InitialState is sent to every client when it connects.
type InitialState struct {
	Session       core.Snapshot       `json:"session"`
	Conversations []core.Conversation `json:"conversations"`
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// Hub relays session signals and conversation entries to browser clients
// and forwards their activate/deactivate commands to the session. It keeps
// no session state of its own.
type Hub struct {
	session *core.Session
	logger  *slog.Logger

	clients    map[*client]bool
	broadcast  chan Event
	register   chan *client
	unregister chan *client
	direct     chan directMessage
	quit       chan struct{}
}

type directMessage struct {
	to   *client
	data []byte
}

// New creates a hub and subscribes it to the session's router.
func New(session *core.Session, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		session:    session,
		logger:     logger,
		clients:    make(map[*client]bool),
		broadcast:  make(chan Event, sendBuffer),
		register:   make(chan *client),
		unregister: make(chan *client),
		direct:     make(chan directMessage),
		quit:       make(chan struct{}),
	}
	session.Router().OnAppend(func(e core.Entry) {
		h.Broadcast(EventEntry, e)
	})
	return h
}

// Run is the hub's main loop. It returns when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.quit)

	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			return

		case c := <-h.register:
			h.clients[c] = true
			h.logger.Debug("websocket client connected", "client", c.id)
			h.sendInitialState(c)

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				close(c.send)
				delete(h.clients, c)
			}
			h.logger.Debug("websocket client disconnected", "client", c.id)

		case dm := <-h.direct:
			if h.clients[dm.to] {
				select {
				case dm.to.send <- dm.data:
				default:
				}
			}

		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				h.logger.Error("encode event", "type", event.Type, "error", err)
				continue
			}
			for c := range h.clients {
				select {
				case c.send <- data:
				default:
					h.logger.Warn("dropping slow websocket client", "client", c.id)
					close(c.send)
					delete(h.clients, c)
				}
			}
		}
	}
}

// Broadcast queues an event for every client. It never blocks; events are
// dropped when the queue is full.
func (h *Hub) Broadcast(eventType string, data any) {
	select {
	case h.broadcast <- newEvent(eventType, data):
	default:
		h.logger.Warn("websocket broadcast queue full", "type", eventType)
	}
}

// publish queues a lifecycle event for every client. Unlike Broadcast it
// waits for queue space; it gives up only once the hub has stopped.
func (h *Hub) publish(eventType string, data any) {
	select {
	case h.broadcast <- newEvent(eventType, data):
	case <-h.quit:
	}
}

// PublishSignal broadcasts a session signal. Signals are never dropped.
func (h *Hub) PublishSignal(sig core.Signal) {
	data := SignalData{Account: sig.Account, Message: sig.Message, Generation: sig.Generation}
	if sig.Account != nil {
		data.DisplayName = sig.Account.DisplayName()
	}
	switch sig.Type {
	case core.SignalConnected:
		h.publish(EventConnected, data)
	case core.SignalConnectionFailed:
		h.publish(EventConnectionFailed, data)
	case core.SignalDisconnected:
		h.publish(EventDisconnected, data)
	}
}

// Handler returns the HTTP routes of the bridge: /ws and /api/chats.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleWebSocket)
	mux.HandleFunc("/api/chats", h.handleChats)
	return mux
}

// ListenAndServe serves Handler on addr until ctx is cancelled.
func (h *Hub) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	h.logger.Info("web bridge listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "origin", r.Header.Get("Origin"), "error", err)
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
		hub:  h,
	}

	select {
	case h.register <- c:
	case <-h.quit:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func (h *Hub) handleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	router := h.session.Router()
	var data core.ChatsData
	if raw := r.URL.Query().Get("chat_id"); raw != "" {
		chatID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid chat_id", http.StatusBadRequest)
			return
		}
		data.Entries = router.Log(chatID)
		if data.Entries == nil {
			http.Error(w, "conversation not found", http.StatusNotFound)
			return
		}
	} else {
		data.Conversations = router.Conversations()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warn("encode chats response", "error", err)
	}
}

func (h *Hub) sendInitialState(c *client) {
	state := InitialState{
		Session:       h.session.Snapshot(),
		Conversations: h.session.Router().Conversations(),
	}
	data, err := json.Marshal(newEvent(EventInitialState, state))
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// handleCommand runs one client command. Errors are reported to that
// client only; lifecycle outcomes reach everyone through signals.
func (h *Hub) handleCommand(c *client, raw []byte) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		c.reply(EventError, map[string]string{"error": "invalid command"})
		return
	}

	var err error
	switch cmd.Action {
	case "activate":
		ctx, cancel := context.WithTimeout(context.Background(), activateTimeout)
		err = h.session.Activate(ctx, cmd.Token)
		cancel()
	case "deactivate":
		err = h.session.Deactivate()
	default:
		c.reply(EventError, map[string]string{"error": "unknown action " + strconv.Quote(cmd.Action)})
		return
	}

	if err != nil {
		h.logger.Info("websocket command failed", "client", c.id, "action", cmd.Action, "error", core.DisplayMessage(err))
		c.reply(EventError, map[string]string{"action": cmd.Action, "error": core.DisplayMessage(err)})
	}
}

func newEvent(eventType string, data any) Event {
	return Event{
		Type:      eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      data,
	}
}

// reply sends an event to this client only.
func (c *client) reply(eventType string, data any) {
	msg, err := json.Marshal(newEvent(eventType, data))
	if err != nil {
		return
	}
	select {
	case c.hub.direct <- directMessage{to: c, data: msg}:
	case <-c.hub.quit:
	}
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.quit:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(readLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.hub.handleCommand(c, msg)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
