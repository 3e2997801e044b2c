package core

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind identifies which payload an Update carries.
type Kind int

// Payload kinds in decode priority order.
const (
	KindUnknown Kind = iota
	KindMessage
	KindEditedMessage
	KindChannelPost
	KindEditedChannelPost
	KindInlineQuery
	KindChosenInlineResult
	KindCallbackQuery
	KindShippingQuery
	KindPreCheckoutQuery
	KindPoll
)

var kindNames = [...]string{
	KindUnknown:            "unknown",
	KindMessage:            "message",
	KindEditedMessage:      "edited_message",
	KindChannelPost:        "channel_post",
	KindEditedChannelPost:  "edited_channel_post",
	KindInlineQuery:        "inline_query",
	KindChosenInlineResult: "chosen_inline_result",
	KindCallbackQuery:      "callback_query",
	KindShippingQuery:      "shipping_query",
	KindPreCheckoutQuery:   "pre_checkout_query",
	KindPoll:               "poll",
}

// String returns the wire field name of the kind.
func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return kindNames[KindUnknown]
	}
	return kindNames[k]
}

// MarshalText lets Kind appear by name in JSON and YAML output.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	for i, name := range kindNames {
		if name == string(b) {
			*k = Kind(i)
			return nil
		}
	}
	return fmt.Errorf("unknown update kind %q", b)
}

// MessageShaped reports whether the payload of this kind is a Message.
func (k Kind) MessageShaped() bool {
	switch k {
	case KindMessage, KindEditedMessage, KindChannelPost, KindEditedChannelPost:
		return true
	}
	return false
}

// Edited reports whether the kind is an edit notification.
func (k Kind) Edited() bool {
	return k == KindEditedMessage || k == KindEditedChannelPost
}

// Payload is implemented by every update variant.
type Payload interface {
	isPayload()
}

// Update is one inbound notification. Kind says which variant Payload
// holds; for message-shaped kinds Payload is a *Message.
type Update struct {
	ID      int64
	Kind    Kind
	Payload Payload

	// Dropped lists lower-priority payloads that were present alongside
	// the selected one. The remote should never send more than one.
	Dropped []Kind

	// Malformed is set when the element could not be decoded. Kind is
	// then KindUnknown, and ID is 0 if update_id itself was unreadable.
	Malformed error
}

// Message returns the message carried by a message-shaped update.
func (u Update) Message() (*Message, bool) {
	if !u.Kind.MessageShaped() {
		return nil, false
	}
	m, ok := u.Payload.(*Message)
	return m, ok && m != nil
}

func (u Update) InlineQuery() (*InlineQuery, bool) {
	q, ok := u.Payload.(*InlineQuery)
	return q, ok && q != nil
}

func (u Update) ChosenInlineResult() (*ChosenInlineResult, bool) {
	r, ok := u.Payload.(*ChosenInlineResult)
	return r, ok && r != nil
}

func (u Update) CallbackQuery() (*CallbackQuery, bool) {
	q, ok := u.Payload.(*CallbackQuery)
	return q, ok && q != nil
}

func (u Update) ShippingQuery() (*ShippingQuery, bool) {
	q, ok := u.Payload.(*ShippingQuery)
	return q, ok && q != nil
}

func (u Update) PreCheckoutQuery() (*PreCheckoutQuery, bool) {
	q, ok := u.Payload.(*PreCheckoutQuery)
	return q, ok && q != nil
}

func (u Update) Poll() (*Poll, bool) {
	p, ok := u.Payload.(*Poll)
	return p, ok && p != nil
}

// Account is a Telegram user or bot.
type Account struct {
	ID           int64  `json:"id" yaml:"id"`
	IsBot        bool   `json:"is_bot" yaml:"is_bot"`
	FirstName    string `json:"first_name" yaml:"first_name"`
	LastName     string `json:"last_name,omitempty" yaml:"last_name,omitempty"`
	Username     string `json:"username,omitempty" yaml:"username,omitempty"`
	LanguageCode string `json:"language_code,omitempty" yaml:"language_code,omitempty"`
}

// DisplayName renders the account as "@username (first_name)".
func (a Account) DisplayName() string {
	first := strings.TrimSpace(a.FirstName)
	username := strings.TrimSpace(a.Username)
	switch {
	case username != "" && first != "":
		return "@" + username + " (" + first + ")"
	case username != "":
		return "@" + username
	default:
		return a.FullName()
	}
}

// FullName joins first and last name.
func (a Account) FullName() string {
	return strings.TrimSpace(strings.TrimSpace(a.FirstName) + " " + strings.TrimSpace(a.LastName))
}

// ChatType is the kind of conversation.
type ChatType string

const (
	ChatPrivate    ChatType = "private"
	ChatGroup      ChatType = "group"
	ChatSupergroup ChatType = "supergroup"
	ChatChannel    ChatType = "channel"
)

// Chat is a conversation. ID addresses exactly one message log.
type Chat struct {
	ID        int64    `json:"id" yaml:"id"`
	Type      ChatType `json:"type" yaml:"type"`
	Title     string   `json:"title,omitempty" yaml:"title,omitempty"`
	Username  string   `json:"username,omitempty" yaml:"username,omitempty"`
	FirstName string   `json:"first_name,omitempty" yaml:"first_name,omitempty"`
	LastName  string   `json:"last_name,omitempty" yaml:"last_name,omitempty"`
}

// DisplayName returns the title, username or participant name of the chat.
func (c Chat) DisplayName() string {
	if t := strings.TrimSpace(c.Title); t != "" {
		return t
	}
	if u := strings.TrimSpace(c.Username); u != "" {
		return "@" + u
	}
	if n := strings.TrimSpace(strings.TrimSpace(c.FirstName) + " " + strings.TrimSpace(c.LastName)); n != "" {
		return n
	}
	return ""
}

// Message is a message or channel post. Media fields are kept raw; only
// their presence is inspected.
type Message struct {
	MessageID       int64    `json:"message_id"`
	From            *Account `json:"from,omitempty"`
	Date            int64    `json:"date"`
	Chat            Chat     `json:"chat"`
	EditDate        int64    `json:"edit_date,omitempty"`
	AuthorSignature string   `json:"author_signature,omitempty"`
	Text            string   `json:"text,omitempty"`
	Caption         string   `json:"caption,omitempty"`
	ReplyTo         *Message `json:"reply_to_message,omitempty"`

	Audio     json.RawMessage `json:"audio,omitempty"`
	Document  json.RawMessage `json:"document,omitempty"`
	Animation json.RawMessage `json:"animation,omitempty"`
	Game      json.RawMessage `json:"game,omitempty"`
	Photo     json.RawMessage `json:"photo,omitempty"`
	Sticker   json.RawMessage `json:"sticker,omitempty"`
	Video     json.RawMessage `json:"video,omitempty"`
	Voice     json.RawMessage `json:"voice,omitempty"`
	VideoNote json.RawMessage `json:"video_note,omitempty"`
	Contact   json.RawMessage `json:"contact,omitempty"`
	Location  json.RawMessage `json:"location,omitempty"`
	Venue     json.RawMessage `json:"venue,omitempty"`
	Poll      json.RawMessage `json:"poll,omitempty"`
	Invoice   json.RawMessage `json:"invoice,omitempty"`
}

func (*Message) isPayload() {}

// SentAt returns the message date.
func (m *Message) SentAt() time.Time {
	if m.Date == 0 {
		return time.Time{}
	}
	return time.Unix(m.Date, 0).UTC()
}

// ContentKind names the content of a message: "text", a media kind such
// as "photo", or "message" when nothing recognizable is present.
func (m *Message) ContentKind() string {
	if m.Text != "" {
		return "text"
	}
	media := []struct {
		name string
		raw  json.RawMessage
	}{
		// Animation before document: the platform sets both for GIFs.
		{"animation", m.Animation},
		{"audio", m.Audio},
		{"document", m.Document},
		{"game", m.Game},
		{"photo", m.Photo},
		{"sticker", m.Sticker},
		{"video", m.Video},
		{"voice", m.Voice},
		{"video_note", m.VideoNote},
		{"contact", m.Contact},
		{"venue", m.Venue},
		{"location", m.Location},
		{"poll", m.Poll},
		{"invoice", m.Invoice},
	}
	for _, f := range media {
		if present(f.raw) {
			return f.name
		}
	}
	return "message"
}

// Location is a point on the map.
type Location struct {
	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
}

type InlineQuery struct {
	ID       string    `json:"id"`
	From     Account   `json:"from"`
	Location *Location `json:"location,omitempty"`
	Query    string    `json:"query"`
	Offset   string    `json:"offset"`
}

func (*InlineQuery) isPayload() {}

type ChosenInlineResult struct {
	ResultID        string    `json:"result_id"`
	From            Account   `json:"from"`
	Location        *Location `json:"location,omitempty"`
	InlineMessageID string    `json:"inline_message_id,omitempty"`
	Query           string    `json:"query"`
}

func (*ChosenInlineResult) isPayload() {}

type CallbackQuery struct {
	ID              string   `json:"id"`
	From            Account  `json:"from"`
	Message         *Message `json:"message,omitempty"`
	InlineMessageID string   `json:"inline_message_id,omitempty"`
	ChatInstance    string   `json:"chat_instance"`
	Data            string   `json:"data,omitempty"`
	GameShortName   string   `json:"game_short_name,omitempty"`
}

func (*CallbackQuery) isPayload() {}

type ShippingAddress struct {
	CountryCode string `json:"country_code"`
	State       string `json:"state"`
	City        string `json:"city"`
	StreetLine1 string `json:"street_line1"`
	StreetLine2 string `json:"street_line2"`
	PostCode    string `json:"post_code"`
}

type ShippingQuery struct {
	ID              string          `json:"id"`
	From            Account         `json:"from"`
	InvoicePayload  string          `json:"invoice_payload"`
	ShippingAddress ShippingAddress `json:"shipping_address"`
}

func (*ShippingQuery) isPayload() {}

type OrderInfo struct {
	Name            string           `json:"name,omitempty"`
	PhoneNumber     string           `json:"phone_number,omitempty"`
	Email           string           `json:"email,omitempty"`
	ShippingAddress *ShippingAddress `json:"shipping_address,omitempty"`
}

type PreCheckoutQuery struct {
	ID               string     `json:"id"`
	From             Account    `json:"from"`
	Currency         string     `json:"currency"`
	TotalAmount      int64      `json:"total_amount"`
	InvoicePayload   string     `json:"invoice_payload"`
	ShippingOptionID string     `json:"shipping_option_id,omitempty"`
	OrderInfo        *OrderInfo `json:"order_info,omitempty"`
}

func (*PreCheckoutQuery) isPayload() {}

type PollOption struct {
	Text       string `json:"text"`
	VoterCount int    `json:"voter_count"`
}

type Poll struct {
	ID       string       `json:"id"`
	Question string       `json:"question"`
	Options  []PollOption `json:"options"`
	IsClosed bool         `json:"is_closed"`
}

func (*Poll) isPayload() {}
