package core

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jdelaire/botdeck/core/backoff"
)

// Status is the session lifecycle state.
type Status int

const (
	StatusInactive Status = iota
	StatusValidating
	StatusActive
	// StatusFailed names the failure outcome; the session itself settles
	// in StatusInactive and reports failures via SignalConnectionFailed.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusInactive:
		return "inactive"
	case StatusValidating:
		return "validating"
	case StatusActive:
		return "active"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	for st := StatusInactive; st <= StatusFailed; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown session status %q", b)
}

// Snapshot is a read-only copy of the session state. It never includes
// the credential.
type Snapshot struct {
	Status     Status   `json:"status" yaml:"status"`
	Account    *Account `json:"account,omitempty" yaml:"account,omitempty"`
	Cursor     int64    `json:"cursor" yaml:"cursor"`
	Generation uint64   `json:"generation" yaml:"generation"`
}

// Session owns the credential, validates it, and runs the polling loop
// while active. Every activation gets a new generation; results carrying
// an older generation are discarded.
type Session struct {
	transport  Transport
	router     *Router
	logger     *slog.Logger
	backoffMin time.Duration
	backoffMax time.Duration

	mu         sync.Mutex
	status     Status
	credential string
	account    *Account
	cursor     int64
	gen        uint64
	cancel     context.CancelFunc
	done       chan struct{}
	closed     bool

	signals *signalQueue
}

// NewSession creates an inactive session.
func NewSession(transport Transport, router *Router, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if router == nil {
		router = NewRouter(nil, logger)
	}
	return &Session{
		transport:  transport,
		router:     router,
		logger:     logger,
		backoffMin: backoff.DefaultMin,
		backoffMax: backoff.DefaultMax,
		signals:    newSignalQueue(),
	}
}

// WithBackoff sets the retry delay bounds of the polling loop.
func (s *Session) WithBackoff(min, max time.Duration) *Session {
	s.backoffMin = min
	s.backoffMax = max
	return s
}

// Signals returns the ordered stream of lifecycle signals. It is closed by Close.
func (s *Session) Signals() <-chan Signal {
	return s.signals.out
}

// Router returns the conversation router fed by this session.
func (s *Session) Router() *Router {
	return s.router
}

// Snapshot returns the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{Status: s.status, Cursor: s.cursor, Generation: s.gen}
	if s.account != nil {
		acct := *s.account
		snap.Account = &acct
	}
	return snap
}

// Activate validates credential and, on success, starts polling. It is
// only legal while inactive. ctx bounds the validation call only.
func (s *Session) Activate(ctx context.Context, credential string) error {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return ErrEmptyCredential
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("%w: session closed", ErrInvalidTransition)
	}
	if s.status != StatusInactive {
		st := s.status
		s.mu.Unlock()
		return fmt.Errorf("%w: activate while %s", ErrInvalidTransition, st)
	}
	s.gen++
	gen := s.gen
	s.status = StatusValidating
	s.credential = credential
	sessCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	s.logger.Info("validating credential", "generation", gen)

	idCtx, idCancel := context.WithCancel(sessCtx)
	stop := context.AfterFunc(ctx, idCancel)
	acct, err := s.transport.Identify(idCtx, credential)
	stop()
	idCancel()

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		s.logger.Debug("discarding stale identify result", "generation", gen)
		return ErrSessionStale
	}

	if err != nil {
		s.resetLocked()
		msg := DisplayMessage(err)
		s.signals.push(Signal{Type: SignalConnectionFailed, Message: msg, Generation: gen, At: time.Now()})
		s.mu.Unlock()
		s.logger.Warn("activation failed", "generation", gen, "error", err)
		return fmt.Errorf("identify: %w", err)
	}

	s.account = &acct
	s.cursor = 0
	s.status = StatusActive
	s.router.BeginSession()
	done := make(chan struct{})
	s.done = done
	connected := acct
	s.signals.push(Signal{Type: SignalConnected, Account: &connected, Generation: gen, At: time.Now()})
	s.mu.Unlock()

	s.logger.Info("session active", "generation", gen, "bot_id", acct.ID, "bot", acct.DisplayName())

	go s.poll(sessCtx, gen, credential, done)
	return nil
}

// Deactivate stops polling and discards the credential. It is legal while
// validating or active and waits for the polling loop to exit.
func (s *Session) Deactivate() error {
	s.mu.Lock()
	if s.status != StatusActive && s.status != StatusValidating {
		st := s.status
		s.mu.Unlock()
		return fmt.Errorf("%w: deactivate while %s", ErrInvalidTransition, st)
	}
	gen := s.gen
	done := s.done
	s.gen++
	s.resetLocked()
	s.signals.push(Signal{Type: SignalDisconnected, Generation: gen, At: time.Now()})
	s.mu.Unlock()

	s.logger.Info("session deactivated", "generation", gen)

	if done != nil {
		<-done
	}
	return nil
}

// Close deactivates the session if needed and stops signal delivery.
func (s *Session) Close() {
	s.mu.Lock()
	running := s.status == StatusActive || s.status == StatusValidating
	s.mu.Unlock()

	if running {
		_ = s.Deactivate()
	}

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signals.close()
}

// fail forces the session of generation gen to inactive after a terminal
// polling error.
func (s *Session) fail(gen uint64, err error) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.gen++
	s.resetLocked()
	s.signals.push(Signal{Type: SignalConnectionFailed, Message: DisplayMessage(err), Generation: gen, At: time.Now()})
	s.mu.Unlock()

	s.logger.Warn("session terminated", "generation", gen, "error", err)
}

// resetLocked returns the session to inactive. Must be called with mu held.
func (s *Session) resetLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.credential = ""
	s.account = nil
	s.cursor = 0
	s.done = nil
	s.status = StatusInactive
}
