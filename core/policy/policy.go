package policy

import (
	"errors"
	"fmt"
	"sync"
)

const (
	maxSeenIDs = 10000
	pruneCount = 1000
)

var (
	ErrChatNotAllowed  = errors.New("chat not allowed")
	ErrDuplicateUpdate = errors.New("duplicate update")
)

// Policy decides which updates reach the conversation logs: an optional
// chat allowlist and update_id deduplication within one session.
type Policy struct {
	mu        sync.Mutex
	allowed   map[int64]bool
	seen      map[int64]bool
	seenOrder []int64
}

// New creates a Policy. An empty chatIDs list admits every chat.
func New(chatIDs []int64) *Policy {
	var allowed map[int64]bool
	if len(chatIDs) > 0 {
		allowed = make(map[int64]bool, len(chatIDs))
		for _, id := range chatIDs {
			allowed[id] = true
		}
	}
	return &Policy{
		allowed: allowed,
		seen:    make(map[int64]bool),
	}
}

// Admit checks whether an update for chatID should be routed and marks
// updateID as seen.
func (p *Policy) Admit(chatID int64, updateID int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.allowed != nil && !p.allowed[chatID] {
		return fmt.Errorf("%w: %d", ErrChatNotAllowed, chatID)
	}

	if p.seen[updateID] {
		return fmt.Errorf("%w: %d", ErrDuplicateUpdate, updateID)
	}

	// Prune oldest entries if at capacity.
	if len(p.seen) >= maxSeenIDs {
		n := pruneCount
		if n > len(p.seenOrder) {
			n = len(p.seenOrder)
		}
		for _, id := range p.seenOrder[:n] {
			delete(p.seen, id)
		}
		p.seenOrder = p.seenOrder[n:]
	}

	p.seen[updateID] = true
	p.seenOrder = append(p.seenOrder, updateID)

	return nil
}

// Reset forgets seen update IDs. Called when a new session starts, since
// update numbering may restart from an unrelated value.
func (p *Policy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = make(map[int64]bool)
	p.seenOrder = nil
}

// SetAllowed replaces the allowlist. An empty list admits every chat.
// Seen update IDs are kept.
func (p *Policy) SetAllowed(chatIDs []int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(chatIDs) == 0 {
		p.allowed = nil
		return
	}
	p.allowed = make(map[int64]bool, len(chatIDs))
	for _, id := range chatIDs {
		p.allowed[id] = true
	}
}
