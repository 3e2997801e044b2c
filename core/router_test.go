package core

import (
	"io"
	"log/slog"
	"testing"

	"github.com/jdelaire/botdeck/core/policy"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func textUpdate(id, chatID int64, text string) Update {
	return Update{
		ID:   id,
		Kind: KindMessage,
		Payload: &Message{
			MessageID: id,
			Date:      1700000000 + id,
			From:      &Account{ID: 1, FirstName: "Ann"},
			Chat:      Chat{ID: chatID, Type: ChatPrivate, FirstName: "Ann"},
			Text:      text,
		},
	}
}

func texts(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Text
	}
	return out
}

func TestRouterAppendsPerChat(t *testing.T) {
	r := NewRouter(nil, testLogger())

	r.Route(textUpdate(1, 5, "hi"))
	r.Route(textUpdate(2, 6, "other"))
	r.Route(textUpdate(3, 5, "yo"))

	got := texts(r.Log(5))
	if len(got) != 2 || got[0] != "hi" || got[1] != "yo" {
		t.Errorf("chat 5 log = %v, want [hi yo]", got)
	}
	if got := texts(r.Log(6)); len(got) != 1 || got[0] != "other" {
		t.Errorf("chat 6 log = %v, want [other]", got)
	}
	if r.Log(7) != nil {
		t.Error("unknown chat should have no log")
	}

	convs := r.Conversations()
	if len(convs) != 2 || convs[0].Chat.ID != 5 || convs[1].Chat.ID != 6 {
		t.Fatalf("conversations = %+v", convs)
	}
	if convs[0].Entries != 2 || convs[0].Name != "Ann" {
		t.Errorf("conversation[0] = %+v", convs[0])
	}
}

func TestRouterEditIsAppended(t *testing.T) {
	r := NewRouter(nil, testLogger())
	r.Route(textUpdate(1, 5, "helo"))

	edit := textUpdate(2, 5, "hello")
	edit.Kind = KindEditedMessage
	e, ok := r.Route(edit)
	if !ok {
		t.Fatal("edit not routed")
	}
	if !e.Edited {
		t.Error("entry should be marked edited")
	}

	got := texts(r.Log(5))
	if len(got) != 2 || got[0] != "helo" || got[1] != "hello" {
		t.Errorf("log = %v, want both the original and the edit", got)
	}
}

func TestRouterRendersMedia(t *testing.T) {
	r := NewRouter(nil, testLogger())

	u := textUpdate(1, 5, "")
	u.Payload.(*Message).Caption = "look"
	u.Payload.(*Message).Photo = []byte(`[{"file_id":"x"}]`)
	r.Route(u)

	sticker := textUpdate(2, 5, "")
	sticker.Payload.(*Message).Sticker = []byte(`{"file_id":"s"}`)
	r.Route(sticker)

	got := texts(r.Log(5))
	if got[0] != "look" || got[1] != "[sticker]" {
		t.Errorf("log = %v, want [look [sticker]]", got)
	}
}

func TestRouterIgnoresNonMessages(t *testing.T) {
	r := NewRouter(nil, testLogger())
	if _, ok := r.Route(Update{ID: 1, Kind: KindPoll, Payload: &Poll{ID: "p"}}); ok {
		t.Error("poll should not be routed")
	}
	if len(r.Conversations()) != 0 {
		t.Error("no conversation expected")
	}
}

func TestRouterPolicy(t *testing.T) {
	r := NewRouter(policy.New([]int64{5}), testLogger())

	if _, ok := r.Route(textUpdate(1, 6, "blocked")); ok {
		t.Error("chat 6 should be rejected")
	}
	if _, ok := r.Route(textUpdate(2, 5, "ok")); !ok {
		t.Error("chat 5 should be admitted")
	}
	if _, ok := r.Route(textUpdate(2, 5, "ok")); ok {
		t.Error("duplicate update should be rejected")
	}

	r.BeginSession()
	if _, ok := r.Route(textUpdate(2, 5, "again")); !ok {
		t.Error("dedup should reset on a new session")
	}
	if n := len(r.Log(5)); n != 2 {
		t.Errorf("log length = %d, want 2", n)
	}
}

func TestRouterObservers(t *testing.T) {
	r := NewRouter(nil, testLogger())
	var seen []Entry
	r.OnAppend(func(e Entry) { seen = append(seen, e) })

	r.Route(textUpdate(1, 5, "hi"))
	if len(seen) != 1 || seen[0].Text != "hi" || seen[0].ChatID != 5 || seen[0].ID == "" {
		t.Errorf("observed = %+v", seen)
	}
}

func TestRouterLogIsCopy(t *testing.T) {
	r := NewRouter(nil, testLogger())
	r.Route(textUpdate(1, 5, "hi"))

	log := r.Log(5)
	log[0].Text = "mutated"
	if r.Log(5)[0].Text != "hi" {
		t.Error("Log should return a copy")
	}

	view := r.View()
	view[5][0].Text = "mutated"
	if r.Log(5)[0].Text != "hi" {
		t.Error("View should return copies")
	}

	r.Reset()
	if len(r.Conversations()) != 0 {
		t.Error("Reset should drop logs")
	}
}

func TestSenderName(t *testing.T) {
	tests := []struct {
		msg  Message
		want string
	}{
		{Message{From: &Account{FirstName: "Ann", LastName: "Lee"}}, "Ann Lee"},
		{Message{From: &Account{Username: "ann"}}, "@ann"},
		{Message{AuthorSignature: "Editor"}, "Editor"},
		{Message{Chat: Chat{Title: "News"}}, "News"},
	}
	for _, tt := range tests {
		if got := senderName(&tt.msg); got != tt.want {
			t.Errorf("senderName = %q, want %q", got, tt.want)
		}
	}
}
