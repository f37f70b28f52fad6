package duochat

import "sync"

// Session event names.
const (
	EventMessagesChanged = "messages.changed"
	EventMessageIncoming = "message.incoming"
	EventPresenceChanged = "presence.changed"
	EventTypingChanged   = "typing.changed"
	EventPushFailed      = "push.failed"
)

// MessagesChangedEvent carries the re-rendered view.
type MessagesChangedEvent struct {
	View []VisibleMessage
}

// MessageIncomingEvent announces a fresh partner message, the cue for a
// notification sound.
type MessageIncomingEvent struct {
	Message VisibleMessage
}

// PresenceChangedEvent carries the partner's presence and status line.
type PresenceChangedEvent struct {
	Participant string
	Presence    Presence
	Status      string
}

// TypingChangedEvent reports the partner starting or stopping typing.
type TypingChangedEvent struct {
	Participant string
	Typing      bool
}

// PushFailedEvent reports a push the mirror rejected. The local state is
// kept; the next push carries it again.
type PushFailedEvent struct {
	Err error
}

// EventHandler handles session events.
type EventHandler func(event string, payload any)

type eventEmitter struct {
	mu        sync.RWMutex
	listeners map[string][]EventHandler
}

func newEventEmitter() eventEmitter {
	return eventEmitter{listeners: make(map[string][]EventHandler)}
}

// On registers handler for event. Handlers run on the goroutine that
// produced the event and must not block.
func (e *eventEmitter) On(event string, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *eventEmitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(event, payload)
		}()
	}
}

func (e *eventEmitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]EventHandler)
}
