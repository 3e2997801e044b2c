package core

import (
	"context"
	"errors"

	"github.com/jdelaire/botdeck/core/backoff"
)

// poll runs the long-poll loop for one session generation. Only one fetch
// is in flight at a time. Blocks until ctx is cancelled or the credential
// is rejected.
func (s *Session) poll(ctx context.Context, gen uint64, credential string, done chan struct{}) {
	defer close(done)

	bo := backoff.New(s.backoffMin, s.backoffMax)
	s.logger.Info("polling started", "generation", gen)

	for {
		cursor, ok := s.cursorFor(gen)
		if !ok || ctx.Err() != nil {
			s.logger.Info("polling stopped", "generation", gen)
			return
		}

		updates, err := s.transport.FetchUpdates(ctx, credential, cursor)
		if ctx.Err() != nil {
			s.logger.Info("polling stopped", "generation", gen)
			return
		}

		if err != nil {
			if errors.Is(err, ErrUnauthorized) {
				s.fail(gen, err)
				return
			}

			delay := bo.Next()
			if ra := RetryAfter(err); ra > delay {
				delay = ra
			}
			if errors.Is(err, ErrMalformedResponse) {
				s.logger.Warn("anomaly: undecodable updates", "generation", gen, "error", err, "failures", bo.Failures(), "retry_in", delay)
			} else {
				s.logger.Error("poll error", "generation", gen, "error", err, "failures", bo.Failures(), "retry_in", delay)
			}
			if err := backoff.Sleep(ctx, delay); err != nil {
				s.logger.Info("polling stopped", "generation", gen)
				return
			}
			continue
		}

		bo.Reset()
		if !s.apply(gen, updates) {
			return
		}
	}
}

func (s *Session) cursorFor(gen uint64) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.status != StatusActive {
		return 0, false
	}
	return s.cursor, true
}

// apply routes a batch and advances the cursor. It returns false if the
// batch belongs to a superseded generation, in which case nothing changes.
func (s *Session) apply(gen uint64, updates []Update) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gen != gen || s.status != StatusActive {
		s.logger.Debug("discarding stale updates", "generation", gen, "count", len(updates))
		return false
	}

	for _, u := range updates {
		if u.Malformed != nil && u.ID == 0 {
			s.logger.Warn("anomaly: update without readable id skipped", "error", u.Malformed)
			continue
		}
		if s.cursor > 0 && u.ID <= s.cursor {
			s.logger.Warn("anomaly: update at or below cursor", "update_id", u.ID, "cursor", s.cursor)
			continue
		}
		if len(u.Dropped) > 0 {
			dropped := make([]string, len(u.Dropped))
			for i, k := range u.Dropped {
				dropped[i] = k.String()
			}
			s.logger.Warn("anomaly: update carried several payloads", "update_id", u.ID, "kept", u.Kind.String(), "dropped", dropped)
		}

		switch {
		case u.Malformed != nil:
			s.logger.Warn("anomaly: undecodable update skipped", "update_id", u.ID, "error", u.Malformed)
		case u.Kind == KindUnknown:
			s.logger.Debug("update without known payload", "update_id", u.ID)
		case u.Kind.MessageShaped():
			s.router.Route(u)
		default:
			s.logger.Debug("update not routed", "update_id", u.ID, "kind", u.Kind.String())
		}

		s.cursor = u.ID
	}
	return true
}
