package core

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func setupTestServer(t *testing.T, tr Transport) (*Server, *Session, string, context.CancelFunc) {
	t.Helper()
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "test.sock")
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	sess := NewSession(tr, NewRouter(nil, logger), logger).WithBackoff(time.Millisecond, 5*time.Millisecond)
	srv := NewServer(sockPath, sess, logger)
	ctx, cancel := context.WithCancel(context.Background())

	if err := srv.Start(ctx); err != nil {
		cancel()
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(sess.Close)

	return srv, sess, sockPath, cancel
}

func sendRaw(t *testing.T, sockPath string, data []byte) Response {
	t.Helper()
	conn, err := net.DialTimeout("unix", sockPath, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(2 * time.Second))

	if _, err := conn.Write(data); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Signal we're done writing so server's ReadAll returns.
	conn.(*net.UnixConn).CloseWrite()

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func send(t *testing.T, sockPath, action string, payload any) Response {
	t.Helper()
	req := Request{Action: action}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		req.Payload = raw
	}
	resp, err := SendRequest(context.Background(), sockPath, req)
	if err != nil {
		t.Fatalf("send %s: %v", action, err)
	}
	return resp
}

func TestServer_ActivateStatusDeactivate(t *testing.T) {
	tr := newFakeTransport()
	srv, sess, sockPath, cancel := setupTestServer(t, tr)
	defer func() { cancel(); srv.Shutdown() }()

	resp := send(t, sockPath, ActionActivate, ActivatePayload{Token: "123:abc"})
	if !resp.OK {
		t.Fatalf("activate failed: %s", resp.Error)
	}
	if resp.ID == "" {
		t.Error("expected non-empty ID")
	}

	resp = send(t, sockPath, ActionStatus, nil)
	if !resp.OK {
		t.Fatalf("status failed: %s", resp.Error)
	}
	var snap struct {
		Status  string   `json:"status"`
		Account *Account `json:"account"`
	}
	if err := json.Unmarshal(resp.Data, &snap); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if snap.Status != "active" || snap.Account == nil || snap.Account.Username != "deck_bot" {
		t.Errorf("status = %+v", snap)
	}
	if strings.Contains(string(resp.Data), "123:abc") {
		t.Error("status leaks credential")
	}

	resp = send(t, sockPath, ActionDeactivate, nil)
	if !resp.OK {
		t.Fatalf("deactivate failed: %s", resp.Error)
	}
	if st := sess.Snapshot().Status; st != StatusInactive {
		t.Errorf("status after deactivate = %s", st)
	}
}

func TestServer_ActivateUnauthorized(t *testing.T) {
	tr := newFakeTransport()
	tr.identifyErr = &APIError{Kind: ErrUnauthorized, Op: "getMe", Code: 401, Description: "Unauthorized"}
	srv, sess, sockPath, cancel := setupTestServer(t, tr)
	defer func() { cancel(); srv.Shutdown() }()

	resp := send(t, sockPath, ActionActivate, ActivatePayload{Token: "bad"})
	if resp.OK {
		t.Fatal("expected activation failure")
	}
	if resp.Error != "Unauthorized" {
		t.Errorf("error = %q, want Unauthorized", resp.Error)
	}
	if st := sess.Snapshot().Status; st != StatusInactive {
		t.Errorf("status = %s, want inactive", st)
	}
}

func TestServer_DeactivateWhileInactive(t *testing.T) {
	srv, _, sockPath, cancel := setupTestServer(t, newFakeTransport())
	defer func() { cancel(); srv.Shutdown() }()

	resp := send(t, sockPath, ActionDeactivate, nil)
	if resp.OK {
		t.Fatal("expected error")
	}
	if !strings.Contains(resp.Error, "invalid session transition") {
		t.Errorf("unexpected error: %s", resp.Error)
	}
}

func TestServer_Chats(t *testing.T) {
	tr := newFakeTransport()
	tr.push(textUpdate(101, 5, "hi"), textUpdate(102, 6, "there"))
	srv, sess, sockPath, cancel := setupTestServer(t, tr)
	defer func() { cancel(); srv.Shutdown() }()

	if resp := send(t, sockPath, ActionActivate, ActivatePayload{Token: "t"}); !resp.OK {
		t.Fatalf("activate failed: %s", resp.Error)
	}
	waitFor(t, "cursor 102", func() bool { return sess.Snapshot().Cursor == 102 })

	resp := send(t, sockPath, ActionChats, nil)
	if !resp.OK {
		t.Fatalf("chats failed: %s", resp.Error)
	}
	var list ChatsData
	if err := json.Unmarshal(resp.Data, &list); err != nil {
		t.Fatalf("decode chats: %v", err)
	}
	if len(list.Conversations) != 2 || list.Conversations[0].Chat.ID != 5 {
		t.Errorf("conversations = %+v", list.Conversations)
	}

	chatID := int64(5)
	resp = send(t, sockPath, ActionChats, ChatsPayload{ChatID: &chatID})
	if !resp.OK {
		t.Fatalf("chats 5 failed: %s", resp.Error)
	}
	var log struct {
		Entries []struct {
			Text string `json:"text"`
			Kind string `json:"kind"`
		} `json:"entries"`
	}
	if err := json.Unmarshal(resp.Data, &log); err != nil {
		t.Fatalf("decode log: %v", err)
	}
	if len(log.Entries) != 1 || log.Entries[0].Text != "hi" || log.Entries[0].Kind != "message" {
		t.Errorf("entries = %+v", log.Entries)
	}

	missing := int64(99)
	if resp := send(t, sockPath, ActionChats, ChatsPayload{ChatID: &missing}); resp.OK {
		t.Error("expected error for unknown chat")
	}
}

func TestServer_InvalidJSON(t *testing.T) {
	srv, _, sockPath, cancel := setupTestServer(t, newFakeTransport())
	defer func() { cancel(); srv.Shutdown() }()

	resp := sendRaw(t, sockPath, []byte(`{bad`))
	if resp.OK {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestServer_UnknownAction(t *testing.T) {
	srv, _, sockPath, cancel := setupTestServer(t, newFakeTransport())
	defer func() { cancel(); srv.Shutdown() }()

	resp := sendRaw(t, sockPath, []byte(`{"version":1,"action":"send","payload":{}}`))
	if resp.OK {
		t.Fatal("expected error for unknown action")
	}
	if !strings.Contains(resp.Error, "unknown action") {
		t.Errorf("unexpected error: %s", resp.Error)
	}
}

func TestServer_PayloadTooLarge(t *testing.T) {
	srv, _, sockPath, cancel := setupTestServer(t, newFakeTransport())
	defer func() { cancel(); srv.Shutdown() }()

	big := []byte(`{"version":1,"action":"activate","payload":{"token":"` + strings.Repeat("x", MaxPayloadBytes) + `"}}`)
	resp := sendRaw(t, sockPath, big)
	if resp.OK {
		t.Fatal("expected error for oversized payload")
	}
	if !strings.Contains(resp.Error, "byte limit") {
		t.Errorf("unexpected error: %s", resp.Error)
	}
}

func TestServer_SocketPermissions(t *testing.T) {
	srv, _, sockPath, cancel := setupTestServer(t, newFakeTransport())
	defer func() { cancel(); srv.Shutdown() }()

	info, err := os.Stat(sockPath)
	if err != nil {
		t.Fatalf("stat socket: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("expected socket permissions 0600, got %o", perm)
	}
}

func TestServer_DirectoryPermissions(t *testing.T) {
	// Use /tmp for shorter path; macOS Unix socket paths max 104 chars.
	dir, err := os.MkdirTemp("/tmp", "bdk")
	if err != nil {
		t.Fatalf("mkdirtemp: %v", err)
	}
	defer os.RemoveAll(dir)

	subdir := filepath.Join(dir, "sub")
	sockPath := filepath.Join(subdir, "t.sock")
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	sess := NewSession(newFakeTransport(), nil, logger)
	defer sess.Close()
	srv := NewServer(sockPath, sess, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Shutdown()

	info, err := os.Stat(subdir)
	if err != nil {
		t.Fatalf("stat dir: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0700 {
		t.Errorf("expected directory permissions 0700, got %o", perm)
	}
}

func TestServer_StaleSocketCleanup(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "test.sock")

	os.WriteFile(sockPath, []byte("stale"), 0600)

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	sess := NewSession(newFakeTransport(), nil, logger)
	defer sess.Close()
	srv := NewServer(sockPath, sess, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		t.Fatalf("start failed with stale socket: %v", err)
	}
	defer srv.Shutdown()

	resp := send(t, sockPath, ActionStatus, nil)
	if !resp.OK {
		t.Fatalf("expected ok after stale cleanup, got: %s", resp.Error)
	}
}

func TestServer_SecondInstanceRefused(t *testing.T) {
	srv, sess, sockPath, cancel := setupTestServer(t, newFakeTransport())
	defer func() { cancel(); srv.Shutdown() }()

	other := NewServer(sockPath, sess, testLogger())
	if err := other.Start(context.Background()); err == nil {
		other.Shutdown()
		t.Fatal("expected error when another instance is listening")
	}
}

func TestServer_GracefulShutdown(t *testing.T) {
	srv, _, sockPath, cancel := setupTestServer(t, newFakeTransport())

	cancel()
	srv.Shutdown()

	if _, err := os.Stat(sockPath); !os.IsNotExist(err) {
		t.Error("expected socket file to be removed after shutdown")
	}
}

func TestSendRequest_NoServer(t *testing.T) {
	_, err := SendRequest(context.Background(), filepath.Join(t.TempDir(), "none.sock"), Request{Action: ActionStatus})
	if err == nil {
		t.Fatal("expected dial error")
	}
}

func TestServer_Clear(t *testing.T) {
	tr := newFakeTransport()
	tr.push(textUpdate(101, 5, "hi"))
	srv, sess, sockPath, cancel := setupTestServer(t, tr)
	defer func() { cancel(); srv.Shutdown() }()

	if resp := send(t, sockPath, ActionActivate, ActivatePayload{Token: "t"}); !resp.OK {
		t.Fatalf("activate failed: %s", resp.Error)
	}
	waitFor(t, "cursor 101", func() bool { return sess.Snapshot().Cursor == 101 })

	if resp := send(t, sockPath, ActionClear, nil); !resp.OK {
		t.Fatalf("clear failed: %s", resp.Error)
	}
	if convs := sess.Router().Conversations(); len(convs) != 0 {
		t.Errorf("conversations after clear = %+v", convs)
	}
	if st := sess.Snapshot(); st.Status != StatusActive || st.Cursor != 101 {
		t.Errorf("clear changed the session: %+v", st)
	}

	tr.push(textUpdate(102, 5, "again"))
	waitFor(t, "cursor 102", func() bool { return sess.Snapshot().Cursor == 102 })
	if got := texts(sess.Router().Log(5)); len(got) != 1 || got[0] != "again" {
		t.Errorf("log after clear = %v, want [again]", got)
	}
}
