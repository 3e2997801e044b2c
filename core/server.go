package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

const connDeadline = 5 * time.Second

// Server listens on a Unix domain socket and lets local clients drive a
// Session.
type Server struct {
	socketPath string
	session    *Session
	listener   net.Listener
	wg         sync.WaitGroup
	logger     *slog.Logger
}

// NewServer creates a new socket server.
func NewServer(socketPath string, session *Session, logger *slog.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		session:    session,
		logger:     logger,
	}
}

// Start begins listening. It cleans up stale sockets, creates the directory
// with 0700 permissions, and sets the socket to 0600.
func (s *Server) Start(ctx context.Context) error {
	dir := filepath.Dir(s.socketPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}

	if _, err := os.Stat(s.socketPath); err == nil {
		conn, err := net.DialTimeout("unix", s.socketPath, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return fmt.Errorf("another instance is already listening on %s", s.socketPath)
		}
		s.logger.Info("removing stale socket", "path", s.socketPath)
		if err := os.Remove(s.socketPath); err != nil {
			return fmt.Errorf("remove stale socket: %w", err)
		}
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	if err := os.Chmod(s.socketPath, 0600); err != nil {
		ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.listener = ln
	s.logger.Info("listening", "path", s.socketPath)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx)
	}()

	return nil
}

// Shutdown stops the server and waits for in-flight connections.
func (s *Server) Shutdown() {
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
	os.Remove(s.socketPath)
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.logger.Error("accept error", "error", err)
				return
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(connDeadline))

	data, err := io.ReadAll(io.LimitReader(conn, MaxPayloadBytes+1))
	if err != nil {
		s.writeResponse(conn, Response{OK: false, Error: "read error"})
		return
	}

	if len(data) > MaxPayloadBytes {
		s.writeResponse(conn, Response{OK: false, Error: fmt.Sprintf("payload exceeds %d byte limit", MaxPayloadBytes)})
		return
	}

	req, err := ValidateRequest(data)
	if err != nil {
		s.logger.Warn("invalid request", "error", err)
		s.writeResponse(conn, Response{OK: false, Error: err.Error()})
		return
	}

	id := uuid.New().String()
	var resp Response
	switch req.Action {
	case ActionActivate:
		resp = s.handleActivate(ctx, req)
	case ActionDeactivate:
		resp = s.handleDeactivate()
	case ActionStatus:
		resp = dataResponse(s.session.Snapshot())
	case ActionChats:
		resp = s.handleChats(req)
	case ActionClear:
		s.session.Router().Reset()
		resp = Response{OK: true}
	default:
		resp = Response{OK: false, Error: fmt.Sprintf("unknown action %q", req.Action)}
	}
	resp.ID = id

	s.logger.Info("control request", "id", id, "action", req.Action, "ok", resp.OK)
	s.writeResponse(conn, resp)
}

func (s *Server) handleActivate(ctx context.Context, req *Request) Response {
	payload, err := ParseActivatePayload(req.Payload)
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}

	actx, cancel := context.WithTimeout(ctx, connDeadline)
	defer cancel()

	if err := s.session.Activate(actx, payload.Token); err != nil {
		return Response{OK: false, Error: DisplayMessage(err)}
	}
	return dataResponse(s.session.Snapshot())
}

func (s *Server) handleDeactivate() Response {
	if err := s.session.Deactivate(); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	return dataResponse(s.session.Snapshot())
}

func (s *Server) handleChats(req *Request) Response {
	payload, err := ParseChatsPayload(req.Payload)
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}

	router := s.session.Router()
	if payload.ChatID == nil {
		return dataResponse(ChatsData{Conversations: router.Conversations()})
	}

	entries := router.Log(*payload.ChatID)
	if entries == nil {
		return Response{OK: false, Error: fmt.Sprintf("no conversation with chat %d", *payload.ChatID)}
	}
	return dataResponse(ChatsData{Entries: entries})
}

func dataResponse(v any) Response {
	data, err := json.Marshal(v)
	if err != nil {
		return Response{OK: false, Error: "encode response"}
	}
	return Response{OK: true, Data: data}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	json.NewEncoder(conn).Encode(resp)
}

// SendRequest sends one request to the control socket at socketPath and
// returns the server's response.
func SendRequest(ctx context.Context, socketPath string, req Request) (Response, error) {
	if req.Version == 0 {
		req.Version = CurrentVersion
	}
	data, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("encode request: %w", err)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return Response{}, fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(connDeadline + time.Second)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	conn.SetDeadline(deadline)

	if _, err := conn.Write(data); err != nil {
		return Response{}, fmt.Errorf("write request: %w", err)
	}
	if uc, ok := conn.(*net.UnixConn); ok {
		uc.CloseWrite()
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return Response{}, fmt.Errorf("read response: %w", err)
	}
	return resp, nil
}
