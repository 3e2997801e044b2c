package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// variants lists payload kinds in the order they are tried. The first
// populated field wins.
var variants = []struct {
	kind  Kind
	field string
	decode func(json.RawMessage) (Payload, error)
}{
	{KindMessage, "message", decodeInto[Message]},
	{KindEditedMessage, "edited_message", decodeInto[Message]},
	{KindChannelPost, "channel_post", decodeInto[Message]},
	{KindEditedChannelPost, "edited_channel_post", decodeInto[Message]},
	{KindInlineQuery, "inline_query", decodeInto[InlineQuery]},
	{KindChosenInlineResult, "chosen_inline_result", decodeInto[ChosenInlineResult]},
	{KindCallbackQuery, "callback_query", decodeInto[CallbackQuery]},
	{KindShippingQuery, "shipping_query", decodeInto[ShippingQuery]},
	{KindPreCheckoutQuery, "pre_checkout_query", decodeInto[PreCheckoutQuery]},
	{KindPoll, "poll", decodeInto[Poll]},
}

// DecodeUpdates decodes the result array of a getUpdates response,
// preserving order. An update with several payloads keeps the highest
// priority one and records the rest in Dropped. An update with none
// decodes as KindUnknown. A single bad element never fails the batch: it
// decodes as KindUnknown with Malformed set, and an element without a
// readable update_id also gets ID 0. Only a result that is not an array
// is an error.
func DecodeUpdates(raw []byte) ([]Update, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode updates: %w", err)
	}

	updates := make([]Update, 0, len(items))
	for _, item := range items {
		updates = append(updates, decodeUpdate(item))
	}
	return updates, nil
}

func decodeUpdate(raw json.RawMessage) Update {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Update{Malformed: err}
	}
	if fields == nil {
		return Update{Malformed: errors.New("update is null")}
	}

	var u Update
	idRaw, ok := fields["update_id"]
	if !ok || !present(idRaw) {
		return Update{Malformed: errors.New("missing update_id")}
	}
	if err := json.Unmarshal(idRaw, &u.ID); err != nil {
		return Update{Malformed: fmt.Errorf("update_id: %w", err)}
	}

	selected := false
	for _, v := range variants {
		field, ok := fields[v.field]
		if !ok || !present(field) {
			continue
		}
		if selected {
			u.Dropped = append(u.Dropped, v.kind)
			continue
		}
		selected = true
		payload, err := v.decode(field)
		if err != nil {
			u.Malformed = fmt.Errorf("%s: %w", v.field, err)
			continue
		}
		u.Kind = v.kind
		u.Payload = payload
	}
	return u
}

func decodeInto[T any, P interface {
	*T
	Payload
}](raw json.RawMessage) (Payload, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return P(&v), nil
}

func present(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}
