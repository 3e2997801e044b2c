package core

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jdelaire/botdeck/core/policy"
)

// Entry is one rendered line in a conversation log.
type Entry struct {
	ID        string    `json:"id" yaml:"id"`
	UpdateID  int64     `json:"update_id" yaml:"update_id"`
	Kind      Kind      `json:"kind" yaml:"kind"`
	ChatID    int64     `json:"chat_id" yaml:"chat_id"`
	MessageID int64     `json:"message_id" yaml:"message_id"`
	Sender    string    `json:"sender,omitempty" yaml:"sender,omitempty"`
	Text      string    `json:"text" yaml:"text"`
	SentAt    time.Time `json:"sent_at" yaml:"sent_at"`
	Edited    bool      `json:"edited,omitempty" yaml:"edited,omitempty"`
}

// Conversation summarizes one chat log.
type Conversation struct {
	Chat    Chat   `json:"chat" yaml:"chat"`
	Name    string `json:"name" yaml:"name"`
	Entries int    `json:"entries" yaml:"entries"`
}

type conversationLog struct {
	chat    Chat
	entries []Entry
}

// Router files message-shaped updates into per-chat, append-only logs.
type Router struct {
	policy *policy.Policy
	logger *slog.Logger

	mu        sync.RWMutex
	order     []int64
	logs      map[int64]*conversationLog
	observers []func(Entry)
}

// NewRouter creates a Router. pol may be nil to admit every update.
func NewRouter(pol *policy.Policy, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		policy: pol,
		logger: logger,
		logs:   make(map[int64]*conversationLog),
	}
}

// OnAppend registers fn to be called with every appended entry. fn runs
// on the polling goroutine and must not block.
func (r *Router) OnAppend(fn func(Entry)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, fn)
}

// BeginSession clears per-session dedup state. Logs are kept.
func (r *Router) BeginSession() {
	if r.policy != nil {
		r.policy.Reset()
	}
}

// Route appends the update's message to its chat log. It returns false for
// updates that carry no message or are rejected by the policy.
func (r *Router) Route(u Update) (Entry, bool) {
	msg, ok := u.Message()
	if !ok {
		return Entry{}, false
	}

	if r.policy != nil {
		if err := r.policy.Admit(msg.Chat.ID, u.ID); err != nil {
			r.logger.Debug("update not routed", "update_id", u.ID, "chat_id", msg.Chat.ID, "reason", err)
			return Entry{}, false
		}
	}

	e := Entry{
		ID:        uuid.NewString(),
		UpdateID:  u.ID,
		Kind:      u.Kind,
		ChatID:    msg.Chat.ID,
		MessageID: msg.MessageID,
		Sender:    senderName(msg),
		Text:      Render(msg),
		SentAt:    msg.SentAt(),
		Edited:    u.Kind.Edited(),
	}

	r.mu.Lock()
	log, exists := r.logs[e.ChatID]
	if !exists {
		log = &conversationLog{chat: msg.Chat}
		r.logs[e.ChatID] = log
		r.order = append(r.order, e.ChatID)
		r.logger.Info("conversation opened", "chat_id", e.ChatID, "type", msg.Chat.Type)
	} else if name := msg.Chat.DisplayName(); name != "" && name != log.chat.DisplayName() {
		log.chat = msg.Chat
	}
	log.entries = append(log.entries, e)
	observers := r.observers
	r.mu.Unlock()

	for _, fn := range observers {
		fn(e)
	}
	return e, true
}

// Conversations lists chats in order of first appearance.
func (r *Router) Conversations() []Conversation {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Conversation, 0, len(r.order))
	for _, id := range r.order {
		log := r.logs[id]
		out = append(out, Conversation{
			Chat:    log.chat,
			Name:    conversationName(log.chat),
			Entries: len(log.entries),
		})
	}
	return out
}

// Log returns a copy of one chat's entries, oldest first.
func (r *Router) Log(chatID int64) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	log, ok := r.logs[chatID]
	if !ok {
		return nil
	}
	out := make([]Entry, len(log.entries))
	copy(out, log.entries)
	return out
}

// View returns a copy of every log keyed by chat ID.
func (r *Router) View() map[int64][]Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[int64][]Entry, len(r.logs))
	for id, log := range r.logs {
		entries := make([]Entry, len(log.entries))
		copy(entries, log.entries)
		out[id] = entries
	}
	return out
}

// Reset drops all conversation logs. Later updates open new logs.
func (r *Router) Reset() {
	r.mu.Lock()
	n := len(r.logs)
	r.order = nil
	r.logs = make(map[int64]*conversationLog)
	r.mu.Unlock()

	r.logger.Info("conversation logs cleared", "chats", n)
}

// Render returns the human-readable content of a message.
func Render(m *Message) string {
	switch {
	case m.Text != "":
		return m.Text
	case m.Caption != "":
		return m.Caption
	default:
		return "[" + m.ContentKind() + "]"
	}
}

func senderName(m *Message) string {
	if m.From != nil {
		if name := m.From.FullName(); name != "" {
			return name
		}
		if m.From.Username != "" {
			return "@" + m.From.Username
		}
	}
	if m.AuthorSignature != "" {
		return m.AuthorSignature
	}
	return m.Chat.DisplayName()
}

func conversationName(c Chat) string {
	if name := c.DisplayName(); name != "" {
		return name
	}
	return string(c.Type)
}
