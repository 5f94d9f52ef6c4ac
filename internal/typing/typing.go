// Package typing tracks the two halves of the typing-indicator protocol:
// the local "am I typing" state that must emit start/stop signals to the
// peer, and the remote "is the peer typing" state fed by those signals.
package typing

import (
	"sync"
	"time"
)

const (
	// DefaultIdleTimeout is how long after the last keystroke the local
	// side reports it stopped typing.
	DefaultIdleTimeout = time.Second

	// DefaultPeerWatchdog bounds how long a "peer is typing" indicator may
	// stay on without a follow-up signal. The peer's stop event can be lost
	// (closed tab, network blip), so the indicator self-heals.
	DefaultPeerWatchdog = 3 * time.Second
)

// Config carries both timeouts. Zero values fall back to the defaults, so
// tests can shorten them without touching production call sites.
type Config struct {
	IdleTimeout  time.Duration
	PeerWatchdog time.Duration
}

func (c Config) idle() time.Duration {
	if c.IdleTimeout <= 0 {
		return DefaultIdleTimeout
	}
	return c.IdleTimeout
}

func (c Config) watchdog() time.Duration {
	if c.PeerWatchdog <= 0 {
		return DefaultPeerWatchdog
	}
	return c.PeerWatchdog
}

// SelfIndicator turns a stream of keystrokes into at most one is_typing=true
// per burst and exactly one is_typing=false once the burst goes idle.
type SelfIndicator struct {
	mu     sync.Mutex
	idle   time.Duration
	emit   func(isTyping bool)
	active bool
	gen    uint64
	timer  *time.Timer
}

// NewSelfIndicator builds an indicator emitting transitions through emit.
// emit is called without the indicator lock held.
func NewSelfIndicator(cfg Config, emit func(isTyping bool)) *SelfIndicator {
	return &SelfIndicator{idle: cfg.idle(), emit: emit}
}

// Keystroke records input activity. The first keystroke of a burst emits
// is_typing=true; every keystroke restarts the idle timer.
func (s *SelfIndicator) Keystroke() {
	s.mu.Lock()

	starting := !s.active
	s.active = true
	s.gen++
	gen := s.gen

	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.idle, func() { s.idleFired(gen) })

	s.mu.Unlock()

	if starting {
		s.emit(true)
	}
}

func (s *SelfIndicator) idleFired(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	s.mu.Unlock()

	s.emit(false)
}

// Reset drops the typing state without emitting anything. Used when the
// selected conversation changes: the old room is gone, a trailing stop
// signal would land nowhere.
func (s *SelfIndicator) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gen++
	s.active = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// PeerIndicator mirrors the remote side: set by is_typing=true, cleared by
// is_typing=false or by the watchdog, whichever comes first.
type PeerIndicator struct {
	mu       sync.Mutex
	watchdog time.Duration
	onChange func(isTyping bool)
	typing   bool
	gen      uint64
	timer    *time.Timer
}

// NewPeerIndicator builds a peer indicator. onChange fires on transitions
// only, not on repeated signals of the same state; it may be nil.
func NewPeerIndicator(cfg Config, onChange func(isTyping bool)) *PeerIndicator {
	return &PeerIndicator{watchdog: cfg.watchdog(), onChange: onChange}
}

// Observe consumes a typing signal from the peer.
func (p *PeerIndicator) Observe(isTyping bool) {
	p.mu.Lock()

	changed := p.typing != isTyping
	p.typing = isTyping
	p.gen++
	gen := p.gen

	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if isTyping {
		p.timer = time.AfterFunc(p.watchdog, func() { p.watchdogFired(gen) })
	}

	p.mu.Unlock()

	if changed && p.onChange != nil {
		p.onChange(isTyping)
	}
}

func (p *PeerIndicator) watchdogFired(gen uint64) {
	p.mu.Lock()
	if gen != p.gen || !p.typing {
		p.mu.Unlock()
		return
	}
	p.typing = false
	p.mu.Unlock()

	if p.onChange != nil {
		p.onChange(false)
	}
}

// Typing reports the current peer state.
func (p *PeerIndicator) Typing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.typing
}

// Reset silently clears the indicator, e.g. on conversation switch.
func (p *PeerIndicator) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.gen++
	p.typing = false
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}
