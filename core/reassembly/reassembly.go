// Package reassembly rebuilds fragmented messages from chunk datagrams.
//
// A session is keyed by (sender, msgId). It is created by the first fragment
// seen for that key, refreshed by every valid fragment, and destroyed when it
// completes, when a different transmission preempts it, or when it has been
// idle longer than the timeout.
//
// The default configuration keeps a single session slot: a fragment from any
// other (sender, msgId) discards the session in progress. Two peers
// fragmenting at the same time therefore destroy each other's reassembly and
// only the transmission whose fragments arrive last can complete. Raising
// Config.Slots keeps one session per sender instead (evicting the least
// recently refreshed sender when full); a sender starting a new msgId still
// preempts its own previous session.
//
// Expiry is lazy: stale sessions are only discarded when the next fragment
// arrives, or when the owner calls Sweep.
//
// An Engine is not safe for concurrent use. It is meant to be owned by a
// single goroutine.
package reassembly

import (
	"log/slog"
	"time"

	"github.com/kabili207/ledlink-go/core"
	"github.com/kabili207/ledlink-go/core/codec"
)

const (
	// DefaultTimeout is how long a session may go without a fragment before
	// it is discarded.
	DefaultTimeout = 2500 * time.Millisecond

	// DefaultSlots keeps a single in-flight session.
	DefaultSlots = 1
)

// Outcome describes what HandleFragment did with a fragment.
type Outcome int

const (
	// Pending means the fragment was stored and more are expected.
	Pending Outcome = iota
	// Complete means the fragment finished its message.
	Complete
	// Duplicate means the fragment's index had already been received.
	Duplicate
	// Rejected means the fragment did not fit its session and was dropped.
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Pending:
		return "pending"
	case Complete:
		return "complete"
	case Duplicate:
		return "duplicate"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Config configures an Engine.
type Config struct {
	// Timeout is the inactivity window after which a session is stale.
	// Default: 2.5 seconds.
	Timeout time.Duration

	// Slots is the number of sessions tracked at once. Default: 1.
	Slots int

	// Logger for reassembly events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

type session struct {
	src       core.Address
	msgID     uint16
	total     uint16
	mask      uint32 // bit i set once index i is stored
	received  uint16
	finalLen  uint16
	startedAt time.Time
	buf       [codec.MaxMessageBytes]byte
}

func (s *session) reset(src core.Address, h codec.ChunkHeader, now time.Time) {
	s.src = src
	s.msgID = h.MsgID
	s.total = h.Total
	s.mask = 0
	s.received = 0
	s.finalLen = 0
	s.startedAt = now
	clear(s.buf[:])
}

func (s *session) size() int {
	return int(s.total-1)*codec.ChunkMax + int(s.finalLen)
}

func (s *session) stale(now time.Time, timeout time.Duration) bool {
	return now.Sub(s.startedAt) > timeout
}

// Engine tracks in-flight sessions.
type Engine struct {
	cfg      Config
	log      *slog.Logger
	sessions []*session
	free     []*session
	stats    Counters
}

// New creates an Engine with the given configuration.
func New(cfg Config) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Slots <= 0 {
		cfg.Slots = DefaultSlots
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:      cfg,
		log:      logger.WithGroup("reassembly"),
		sessions: make([]*session, 0, cfg.Slots),
	}
}

// HandleFragment feeds one decoded fragment into the engine. When the
// fragment completes its message, the reassembled bytes are returned (a
// fresh slice owned by the caller) together with Complete; otherwise the
// returned slice is nil.
func (e *Engine) HandleFragment(src core.Address, h codec.ChunkHeader, payload []byte, now time.Time) ([]byte, Outcome) {
	e.expire(now)

	s := e.lookup(src, h, now)
	s.startedAt = now

	if reason := check(s, h, payload); reason != "" {
		e.stats.Rejected.Add(1)
		e.log.Debug("dropping fragment", "reason", reason,
			"src", src.String(), "msg_id", h.MsgID, "idx", h.Index, "len", h.Len)
		return nil, Rejected
	}

	bit := uint32(1) << h.Index
	if s.mask&bit != 0 {
		e.stats.Duplicates.Add(1)
		return nil, Duplicate
	}

	copy(s.buf[h.Offset():], payload)
	s.mask |= bit
	s.received++
	if h.IsFinal() {
		s.finalLen = h.Len
	}

	if s.received == s.total && s.finalLen > 0 {
		out := make([]byte, s.size())
		copy(out, s.buf[:len(out)])
		e.release(s)
		e.stats.Completed.Add(1)
		e.log.Debug("message reassembled",
			"src", src.String(), "msg_id", h.MsgID, "chunks", h.Total, "bytes", len(out))
		return out, Complete
	}
	return nil, Pending
}

// check validates a fragment against its session and returns a non-empty
// reason if it must be dropped.
func check(s *session, h codec.ChunkHeader, payload []byte) string {
	switch {
	case h.Total != s.total:
		return "total mismatch"
	case h.Offset()+int(h.Len) > len(s.buf):
		return "out of bounds"
	case len(payload) != int(h.Len):
		return "length mismatch"
	case !h.IsFinal() && h.Len != codec.ChunkMax:
		return "short non-final chunk"
	}
	return ""
}

// lookup returns the session for (src, msgId), starting a new one (and
// discarding whatever it displaces) if needed.
func (e *Engine) lookup(src core.Address, h codec.ChunkHeader, now time.Time) *session {
	for _, s := range e.sessions {
		if s.src != src {
			continue
		}
		if s.msgID == h.MsgID {
			return s
		}
		e.stats.Preempted.Add(1)
		e.log.Debug("session preempted by new transmission",
			"src", src.String(), "old_msg_id", s.msgID, "new_msg_id", h.MsgID,
			"received", s.received, "total", s.total)
		s.reset(src, h, now)
		e.stats.Started.Add(1)
		return s
	}

	var s *session
	if len(e.sessions) >= e.cfg.Slots {
		s = e.evictOldest()
	} else if n := len(e.free); n > 0 {
		s = e.free[n-1]
		e.free = e.free[:n-1]
	} else {
		s = &session{}
	}
	s.reset(src, h, now)
	e.sessions = append(e.sessions, s)
	e.stats.Started.Add(1)
	return s
}

// evictOldest removes the least recently refreshed session and returns it
// for reuse.
func (e *Engine) evictOldest() *session {
	oldest := 0
	for i, s := range e.sessions {
		if s.startedAt.Before(e.sessions[oldest].startedAt) {
			oldest = i
		}
	}
	s := e.sessions[oldest]
	e.sessions = append(e.sessions[:oldest], e.sessions[oldest+1:]...)
	e.stats.Preempted.Add(1)
	e.log.Debug("session preempted by another sender",
		"src", s.src.String(), "msg_id", s.msgID, "received", s.received, "total", s.total)
	return s
}

// release deactivates a session.
func (e *Engine) release(s *session) {
	for i, cur := range e.sessions {
		if cur == s {
			e.sessions = append(e.sessions[:i], e.sessions[i+1:]...)
			break
		}
	}
	e.free = append(e.free, s)
}

// expire removes stale sessions and returns how many were dropped.
func (e *Engine) expire(now time.Time) int {
	n := 0
	for i := 0; i < len(e.sessions); {
		s := e.sessions[i]
		if !s.stale(now, e.cfg.Timeout) {
			i++
			continue
		}
		e.log.Debug("session expired",
			"src", s.src.String(), "msg_id", s.msgID, "received", s.received, "total", s.total)
		e.release(s)
		e.stats.Expired.Add(1)
		n++
	}
	return n
}

// Sweep discards sessions idle for longer than the timeout without waiting
// for another fragment to arrive. It returns the number discarded.
func (e *Engine) Sweep(now time.Time) int {
	return e.expire(now)
}

// Active returns the number of sessions in progress.
func (e *Engine) Active() int {
	return len(e.sessions)
}

// Reset discards all sessions.
func (e *Engine) Reset() {
	for len(e.sessions) > 0 {
		e.release(e.sessions[0])
	}
}

// Timeout returns the configured inactivity window.
func (e *Engine) Timeout() time.Duration {
	return e.cfg.Timeout
}

// Counters returns the engine's statistics. The counters may be read from
// any goroutine.
func (e *Engine) Counters() *Counters {
	return &e.stats
}
