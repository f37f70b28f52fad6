package duochat

import "errors"

var (
	ErrEmptyText          = errors.New("message text is empty")
	ErrMessageNotFound    = errors.New("message not found")
	ErrNotSender          = errors.New("only the sender can delete a message for everyone")
	ErrReplyUnavailable   = errors.New("reply target is unavailable")
	ErrUnknownParticipant = errors.New("unknown participant")
	ErrNoIdentity         = errors.New("no participant selected")
	ErrSessionClosed      = errors.New("session closed")
	ErrStoreClosed        = errors.New("store closed")
	ErrMirrorOffline      = errors.New("mirror offline")
	ErrNotConnected       = errors.New("not connected")
)

// RelayError is an error reported by a relay server in reply to a command.
type RelayError struct {
	Message string `json:"message"`
}

func (e *RelayError) Error() string {
	return "relay: " + e.Message
}
