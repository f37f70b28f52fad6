package duochat

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultParticipants are the two statically assigned identities.
var DefaultParticipants = [2]string{"user1", "user2"}

// ============================================================================
// Options
// ============================================================================

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithLogger sets the session logger.
func WithLogger(log *zap.Logger) SessionOption {
	return func(s *Session) { s.log = log }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) SessionOption {
	return func(s *Session) { s.now = now }
}

// WithMetrics records merges, pushes and mutations.
func WithMetrics(m *Metrics) SessionOption {
	return func(s *Session) { s.metrics = m }
}

// WithStatusRule selects how remote statuses are merged.
func WithStatusRule(rule StatusRule) SessionOption {
	return func(s *Session) { s.rule = rule }
}

// WithParticipants replaces the two participant ids.
func WithParticipants(a, b string) SessionOption {
	return func(s *Session) { s.participants = [2]string{a, b} }
}

// WithAutoRead controls whether partner messages are marked read as soon as
// they are rendered and whenever the partner is seen online. On by default;
// headless clients turn it off.
func WithAutoRead(on bool) SessionOption {
	return func(s *Session) { s.autoRead = on }
}

// WithMessagesPath sets the mirror path of the messages document.
func WithMessagesPath(path string) SessionOption {
	return func(s *Session) { s.path = path }
}

// WithTypingTimings overrides the typing debounce and sweep period.
// Non-positive values keep the defaults.
func WithTypingTimings(debounce, sweep time.Duration) SessionOption {
	return func(s *Session) {
		if debounce > 0 {
			s.debounce = debounce
		}
		if sweep > 0 {
			s.sweep = sweep
		}
	}
}

// WithPushTimeout bounds each push to the mirror.
func WithPushTimeout(d time.Duration) SessionOption {
	return func(s *Session) { s.pushTimeout = d }
}

// ============================================================================
// Session
// ============================================================================

// Session is one participant's chat client: it owns the local snapshot,
// merges mirror snapshots into it, and pushes local mutations outward.
//
// Every read-merge-write of the messages document happens under one mutex.
// Pushes are asynchronous and never roll back local state.
type Session struct {
	eventEmitter

	store  Store
	mirror Mirror // nil runs local-only

	log          *zap.Logger
	metrics      *Metrics
	now          func() time.Time
	rule         StatusRule
	participants [2]string
	autoRead     bool
	path         string
	debounce     time.Duration
	sweep        time.Duration
	pushTimeout  time.Duration

	mu          sync.Mutex
	self        string
	partner     string
	started     bool
	closed      bool
	cancel      context.CancelFunc
	unwatch     func()
	typingTimer *time.Timer
	pending     Document // latest unpushed snapshot, guarded by mu

	pushMu   sync.Mutex // orders patches to the mirror
	pushWake chan struct{}
	pushes   sync.WaitGroup
	loops  sync.WaitGroup

	renderMu      sync.Mutex
	seen          map[string]bool
	lastView      []VisibleMessage
	lastPresence  *Presence
	partnerTyping bool
}

// NewSession creates a session over store and mirror. mirror may be nil.
func NewSession(store Store, mirror Mirror, opts ...SessionOption) *Session {
	s := &Session{
		eventEmitter: newEventEmitter(),
		store:        store,
		mirror:       mirror,
		log:          zap.NewNop(),
		now:          time.Now,
		participants: DefaultParticipants,
		autoRead:     true,
		path:         DefaultMessagesPath,
		debounce:     TypingDebounce,
		sweep:        TypingSweepInterval,
		pushTimeout:  10 * time.Second,
		seen:         make(map[string]bool),
		pushWake:     make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SavedIdentity returns the participant a previous session on store chose,
// or "" if none.
func SavedIdentity(store Store) (string, error) {
	var id string
	if _, err := store.Get(KeyUser, &id); err != nil {
		return "", fmt.Errorf("failed to read identity: %w", err)
	}
	return id, nil
}

// Start binds the session to participant (or, if empty, the saved identity),
// marks it online, subscribes to the mirror and starts the typing sweep.
// A mirror that cannot be reached is logged; the session keeps working
// locally.
func (s *Session) Start(ctx context.Context, participant string) error {
	if participant == "" {
		saved, err := SavedIdentity(s.store)
		if err != nil {
			return err
		}
		if saved == "" {
			return ErrNoIdentity
		}
		participant = saved
	}
	partner, ok := s.partnerOf(participant)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownParticipant, participant)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("session already started as %s", s.self)
	}
	if err := s.store.Set(KeyUser, participant); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to save identity: %w", err)
	}
	s.self, s.partner = participant, partner
	s.started = true
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	if err := s.writePresenceLocked(true); err != nil {
		s.log.Warn("presence_write_failed", zap.Error(err))
	}
	s.mu.Unlock()

	s.log = s.log.With(zap.String("participant", participant))
	s.log.Info("session_started", zap.String("partner", partner), zap.String("status_rule", s.rule.String()))

	if w, ok := s.store.(Watcher); ok {
		unwatch := w.Watch(s.onStoreChange)
		s.mu.Lock()
		s.unwatch = unwatch
		s.mu.Unlock()
	}

	s.refresh()
	s.refreshPresence()

	if s.mirror != nil {
		if err := s.mirror.Subscribe(runCtx, s.path, s.handleSnapshot); err != nil {
			s.log.Warn("mirror_subscribe_failed", zap.String("path", s.path), zap.Error(err))
		}
	}

	if s.mirror != nil {
		s.pushes.Add(1)
		go s.pushLoop(runCtx)
	}
	s.loops.Add(1)
	go s.sweepLoop(runCtx)
	return nil
}

// Self returns the local participant, or "" before Start.
func (s *Session) Self() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

// Partner returns the other participant, or "" before Start.
func (s *Session) Partner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.partner
}

// Close marks the participant offline, stops background work and waits for
// the last queued push until ctx is done.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	if s.started {
		if err := s.writePresenceLocked(false); err != nil {
			s.log.Warn("presence_write_failed", zap.Error(err))
		}
		if err := s.setTypingLocked(false); err != nil {
			s.log.Warn("typing_write_failed", zap.Error(err))
		}
	}
	s.closed = true
	if s.typingTimer != nil {
		s.typingTimer.Stop()
	}
	if s.unwatch != nil {
		s.unwatch()
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.pushes.Wait()
		s.loops.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("session_close_timeout", zap.Error(ctx.Err()))
		return fmt.Errorf("close: pending pushes abandoned: %w", ctx.Err())
	}
	s.removeAll()
	s.log.Info("session_closed")
	return nil
}

// Logout closes the session and forgets the saved identity.
func (s *Session) Logout(ctx context.Context) error {
	if err := s.Close(ctx); err != nil {
		return err
	}
	if err := s.store.Set(KeyUser, ""); err != nil {
		return fmt.Errorf("failed to clear identity: %w", err)
	}
	return nil
}

func (s *Session) partnerOf(p string) (string, bool) {
	switch p {
	case s.participants[0]:
		return s.participants[1], true
	case s.participants[1]:
		return s.participants[0], true
	}
	return "", false
}

// ============================================================================
// Reconciliation
// ============================================================================

func (s *Session) handleSnapshot(doc Document) {
	remote, bad := DecodeMessages(doc)
	if len(bad) > 0 {
		s.log.Warn("snapshot_entries_skipped", zap.Strings("keys", bad))
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	local, err := loadMessages(s.store)
	if err != nil {
		s.mu.Unlock()
		s.log.Error("load_messages_failed", zap.Error(err))
		return
	}
	merged, stats := MergeWith(local, remote, MergeOptions{Status: s.rule})
	if stats.Changed() {
		if err := s.store.Set(KeyMessages, merged); err != nil {
			s.mu.Unlock()
			s.log.Error("persist_merge_failed", zap.Error(err))
			return
		}
	}
	s.mu.Unlock()

	s.metrics.merged(stats)
	if !stats.Changed() {
		return
	}
	s.log.Debug("snapshot_merged",
		zap.Int("adopted", stats.Adopted),
		zap.Int("updated", stats.Updated),
		zap.Int("statuses", stats.Statuses),
		zap.Int("deletes", stats.Deletes),
		zap.Int("hides", stats.Hides),
	)
	s.refresh()
}

// Sync pushes the whole local messages mapping and waits for the result.
func (s *Session) Sync(ctx context.Context) error {
	if s.mirror == nil {
		return nil
	}
	s.pushMu.Lock()
	defer s.pushMu.Unlock()

	s.mu.Lock()
	ms, err := loadMessages(s.store)
	if err == nil {
		// this push supersedes anything queued
		s.pending = nil
	}
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to load messages: %w", err)
	}
	doc, err := EncodeMessages(ms)
	if err != nil {
		return err
	}
	err = s.mirror.Patch(ctx, s.path, doc)
	s.metrics.pushed(err)
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	return nil
}

// pushLocked queues ms for the push loop, replacing any snapshot not yet
// sent. Caller holds s.mu.
func (s *Session) pushLocked(ms Messages) {
	if s.mirror == nil || s.closed {
		return
	}
	doc, err := EncodeMessages(ms)
	if err != nil {
		s.log.Error("push_encode_failed", zap.Error(err))
		return
	}
	s.pending = doc
	select {
	case s.pushWake <- struct{}{}:
	default:
	}
}

// pushLoop sends queued snapshots one at a time, so the mirror never sees
// an older snapshot after a newer one. After ctx ends it flushes what is
// left and exits.
func (s *Session) pushLoop(ctx context.Context) {
	defer s.pushes.Done()
	for {
		select {
		case <-s.pushWake:
			s.flushPending()
		case <-ctx.Done():
			s.flushPending()
			return
		}
	}
}

func (s *Session) flushPending() {
	s.pushMu.Lock()
	defer s.pushMu.Unlock()

	s.mu.Lock()
	doc := s.pending
	s.pending = nil
	s.mu.Unlock()
	if doc == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.pushTimeout)
	defer cancel()
	err := s.mirror.Patch(ctx, s.path, doc)
	s.metrics.pushed(err)
	if err != nil {
		s.log.Warn("push_failed", zap.String("path", s.path), zap.Int("messages", len(doc)), zap.Error(err))
		s.emit(EventPushFailed, PushFailedEvent{Err: err})
		return
	}
	s.log.Debug("pushed", zap.String("path", s.path), zap.Int("messages", len(doc)))
}

// mutate runs fn on the local snapshot under the session lock, persisting
// and pushing when fn reports a change. It does not re-render.
func (s *Session) mutate(op string, fn func(ms Messages, self string) (bool, error)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrSessionClosed
	}
	if !s.started {
		return false, ErrNoIdentity
	}
	ms, err := loadMessages(s.store)
	if err != nil {
		return false, fmt.Errorf("failed to load messages: %w", err)
	}
	changed, err := fn(ms, s.self)
	if err != nil || !changed {
		return false, err
	}
	if err := s.store.Set(KeyMessages, ms); err != nil {
		return false, fmt.Errorf("failed to persist messages: %w", err)
	}
	s.metrics.mutated(op)
	s.pushLocked(ms)
	return true, nil
}

// ============================================================================
// Mutations
// ============================================================================

// Send creates a message from the local participant. replyTo may be empty.
func (s *Session) Send(text, replyTo string) (Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, ErrEmptyText
	}
	var sent Message
	_, err := s.mutate("send", func(ms Messages, self string) (bool, error) {
		var reply *string
		if replyTo != "" {
			target, ok := ms[replyTo]
			if !ok || target.Deleted || target.HiddenFor(self) {
				return false, fmt.Errorf("%w: %s", ErrReplyUnavailable, replyTo)
			}
			r := replyTo
			reply = &r
		}
		id := NewMessageID()
		for _, taken := ms[id]; taken; _, taken = ms[id] {
			id = NewMessageID()
		}
		sent = Message{
			ID:         id,
			Text:       text,
			Sender:     self,
			Status:     StatusSent,
			Timestamp:  s.now().UnixMilli(),
			ReplyTo:    reply,
			DeletedFor: []string{},
		}
		ms[id] = sent
		return true, nil
	})
	if err != nil {
		return Message{}, err
	}
	s.log.Debug("message_sent", zap.String("id", sent.ID))
	s.StopTyping()
	s.refresh()
	return sent, nil
}

// MarkRead moves every partner message that is not yet read to read. It
// returns how many changed.
func (s *Session) MarkRead() (int, error) {
	n, err := s.markRead()
	if err == nil && n > 0 {
		s.refresh()
	}
	return n, err
}

func (s *Session) markRead() (int, error) {
	return s.advance("mark_read", StatusRead)
}

// MarkDelivered moves every partner message still at sent to delivered.
func (s *Session) MarkDelivered() (int, error) {
	n, err := s.advance("mark_delivered", StatusDelivered)
	if err == nil && n > 0 {
		s.refresh()
	}
	return n, err
}

func (s *Session) advance(op string, to Status) (int, error) {
	n := 0
	_, err := s.mutate(op, func(ms Messages, self string) (bool, error) {
		for id, m := range ms {
			if m.Sender == self || m.Status.Rank() >= to.Rank() {
				continue
			}
			m.Status = to
			ms[id] = m
			n++
		}
		return n > 0, nil
	})
	return n, err
}

// DeleteForEveryone tombstones a message the local participant sent.
func (s *Session) DeleteForEveryone(id string) error {
	changed, err := s.mutate("delete_for_everyone", func(ms Messages, self string) (bool, error) {
		m, ok := ms[id]
		if !ok {
			return false, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
		}
		if m.Sender != self {
			return false, ErrNotSender
		}
		if m.Deleted && m.Text == "" {
			return false, nil
		}
		m.Deleted = true
		m.Text = ""
		ms[id] = m
		return true, nil
	})
	if changed {
		s.refresh()
	}
	return err
}

// DeleteForMe hides a message from the local participant only.
func (s *Session) DeleteForMe(id string) error {
	changed, err := s.mutate("delete_for_me", func(ms Messages, self string) (bool, error) {
		m, ok := ms[id]
		if !ok {
			return false, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
		}
		if unionInto(&m.DeletedFor, []string{self}) == 0 {
			return false, nil
		}
		ms[id] = m
		return true, nil
	})
	if changed {
		s.refresh()
	}
	return err
}

// ClearChat hides every message from the local participant. It returns how
// many were newly hidden.
func (s *Session) ClearChat() (int, error) {
	n := 0
	_, err := s.mutate("clear_chat", func(ms Messages, self string) (bool, error) {
		for id, m := range ms {
			if unionInto(&m.DeletedFor, []string{self}) > 0 {
				ms[id] = m
				n++
			}
		}
		return n > 0, nil
	})
	if err == nil && n > 0 {
		s.refresh()
	}
	return n, err
}

// ============================================================================
// Rendering
// ============================================================================

// refresh rebuilds the view from the store and emits what changed. New
// partner messages are marked read when auto-read is on.
func (s *Session) refresh() {
	self, partner := s.identity()
	if self == "" {
		return
	}

	type event struct {
		name    string
		payload any
	}
	var events []event

	s.renderMu.Lock()
	for pass := 0; pass < 2; pass++ {
		ms, err := loadMessages(s.store)
		if err != nil {
			s.log.Error("load_messages_failed", zap.Error(err))
			break
		}
		view := BuildView(ms, self)
		cutoff := s.now().Add(-IncomingWindow).UnixMilli()
		unread := false
		for _, v := range view {
			if s.seen[v.ID] {
				continue
			}
			s.seen[v.ID] = true
			if v.Sender != partner {
				continue
			}
			if v.Status != StatusRead {
				unread = true
			}
			if v.Timestamp > cutoff && !v.Deleted {
				events = append(events, event{EventMessageIncoming, MessageIncomingEvent{Message: v}})
			}
		}
		if s.autoRead && unread {
			if n, err := s.markRead(); err != nil {
				s.log.Warn("auto_read_failed", zap.Error(err))
			} else if n > 0 {
				continue
			}
		}
		if !reflect.DeepEqual(view, s.lastView) {
			s.lastView = view
			events = append(events, event{EventMessagesChanged, MessagesChangedEvent{View: view}})
		}
		break
	}
	s.renderMu.Unlock()

	for _, e := range events {
		s.emit(e.name, e.payload)
	}
}

func (s *Session) identity() (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ""
	}
	return s.self, s.partner
}

func (s *Session) onStoreChange(key string) {
	switch key {
	case KeyMessages:
		s.refresh()
	case KeyPresence:
		s.refreshPresence()
	case KeyTyping:
		s.refreshTyping()
	}
}

// View returns the messages visible to the local participant in display
// order.
func (s *Session) View() ([]VisibleMessage, error) {
	self, _ := s.identity()
	if self == "" {
		return nil, ErrNoIdentity
	}
	ms, err := loadMessages(s.store)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	return BuildView(ms, self), nil
}

// Messages returns the raw local snapshot, including hidden messages.
func (s *Session) Messages() (Messages, error) {
	return loadMessages(s.store)
}
