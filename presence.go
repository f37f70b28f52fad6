package duochat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Partner status lines.
const (
	StatusLineTyping  = "typing..."
	StatusLineOnline  = "Online"
	StatusLineWaiting = "Waiting..."
)

// FormatTime renders t as a 12-hour clock time, e.g. "9:05 PM".
func FormatTime(t time.Time) string {
	return t.Format("3:04 PM")
}

// ============================================================================
// Presence
// ============================================================================

// SetOnline records the local participant as online or offline, e.g. when
// the client is backgrounded.
func (s *Session) SetOnline(online bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if !s.started {
		return ErrNoIdentity
	}
	return s.writePresenceLocked(online)
}

func (s *Session) writePresenceLocked(online bool) error {
	book, err := loadPresence(s.store)
	if err != nil {
		return err
	}
	book[s.self] = Presence{Online: online, LastSeen: s.now().UnixMilli()}
	if err := s.store.Set(KeyPresence, book); err != nil {
		return fmt.Errorf("failed to write presence: %w", err)
	}
	return nil
}

// PartnerPresence returns the partner's last recorded presence.
func (s *Session) PartnerPresence() (Presence, bool) {
	_, partner := s.identity()
	if partner == "" {
		return Presence{}, false
	}
	book, err := loadPresence(s.store)
	if err != nil {
		s.log.Warn("load_presence_failed", zap.Error(err))
		return Presence{}, false
	}
	p, ok := book[partner]
	return p, ok
}

// PartnerStatus is the one-line partner status: typing, online, last seen,
// or waiting for them to show up.
func (s *Session) PartnerStatus() string {
	if s.IsPartnerTyping() {
		return StatusLineTyping
	}
	p, ok := s.PartnerPresence()
	switch {
	case ok && p.Online:
		return StatusLineOnline
	case ok && p.LastSeen != 0:
		return "Last seen: " + FormatTime(time.UnixMilli(p.LastSeen))
	}
	return StatusLineWaiting
}

func (s *Session) refreshPresence() {
	_, partner := s.identity()
	if partner == "" {
		return
	}
	p, ok := s.PartnerPresence()
	if !ok {
		return
	}

	s.renderMu.Lock()
	changed := s.lastPresence == nil || *s.lastPresence != p
	if changed {
		s.lastPresence = &p
	}
	s.renderMu.Unlock()

	if !changed {
		return
	}
	s.emit(EventPresenceChanged, PresenceChangedEvent{
		Participant: partner,
		Presence:    p,
		Status:      s.PartnerStatus(),
	})
	if p.Online && s.autoRead {
		if _, err := s.MarkRead(); err != nil && !errors.Is(err, ErrSessionClosed) {
			s.log.Warn("auto_read_failed", zap.Error(err))
		}
	}
}

// ============================================================================
// Typing
// ============================================================================

// Typing records a keystroke. The typing state clears itself after the
// debounce unless Typing is called again.
func (s *Session) Typing() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if !s.started {
		return ErrNoIdentity
	}
	if err := s.setTypingLocked(true); err != nil {
		return err
	}
	if s.typingTimer != nil {
		s.typingTimer.Stop()
	}
	s.typingTimer = time.AfterFunc(s.debounce, func() {
		if err := s.StopTyping(); err != nil && !errors.Is(err, ErrSessionClosed) {
			s.log.Warn("typing_clear_failed", zap.Error(err))
		}
	})
	return nil
}

// StopTyping clears the local typing state.
func (s *Session) StopTyping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if !s.started {
		return nil
	}
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	book, err := loadTyping(s.store)
	if err != nil {
		return err
	}
	if book[s.self] == 0 {
		return nil
	}
	return s.setTypingLocked(false)
}

func (s *Session) setTypingLocked(on bool) error {
	book, err := loadTyping(s.store)
	if err != nil {
		return err
	}
	var ts int64
	if on {
		ts = s.now().UnixMilli()
	}
	book[s.self] = ts
	if err := s.store.Set(KeyTyping, book); err != nil {
		return fmt.Errorf("failed to write typing: %w", err)
	}
	return nil
}

// IsPartnerTyping reports whether the partner typed within the typing
// timeout.
func (s *Session) IsPartnerTyping() bool {
	_, partner := s.identity()
	if partner == "" {
		return false
	}
	book, err := loadTyping(s.store)
	if err != nil {
		s.log.Warn("load_typing_failed", zap.Error(err))
		return false
	}
	return book.Active(partner, s.now())
}

func (s *Session) refreshTyping() {
	_, partner := s.identity()
	if partner == "" {
		return
	}
	typing := s.IsPartnerTyping()

	s.renderMu.Lock()
	changed := typing != s.partnerTyping
	s.partnerTyping = typing
	s.renderMu.Unlock()

	if changed {
		s.emit(EventTypingChanged, TypingChangedEvent{Participant: partner, Typing: typing})
	}
}

func (s *Session) sweepLoop(ctx context.Context) {
	defer s.loops.Done()
	ticker := time.NewTicker(s.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepTyping()
		}
	}
}

// sweepTyping zeroes every typing timestamp older than the typing timeout,
// so a client that vanished mid-keystroke stops showing as typing.
func (s *Session) sweepTyping() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	book, err := loadTyping(s.store)
	if err != nil {
		s.mu.Unlock()
		s.log.Warn("load_typing_failed", zap.Error(err))
		return
	}
	now := s.now().UnixMilli()
	cleared := 0
	for p, ts := range book {
		if ts != 0 && now-ts > TypingTimeout.Milliseconds() {
			book[p] = 0
			cleared++
		}
	}
	if cleared > 0 {
		if err := s.store.Set(KeyTyping, book); err != nil {
			s.log.Warn("typing_write_failed", zap.Error(err))
		} else {
			s.log.Debug("typing_swept", zap.Int("cleared", cleared))
		}
	}
	s.mu.Unlock()
	s.refreshTyping()
}
