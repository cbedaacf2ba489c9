package transcriber

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrNotConnected      = errors.New("realtime transcriber is not connected")
	ErrAlreadyConnected  = errors.New("realtime transcriber is already connected")
	ErrSessionTerminated = errors.New("realtime session already terminated")
)

// CloseError is how the realtime service reports a fatal condition: a websocket close
// frame with an application code in the 4000 range.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	msg, ok := closeCodeMessages[e.Code]
	if !ok {
		msg = "Unknown close code"
	}
	if e.Reason != "" && e.Reason != msg {
		return fmt.Sprintf("realtime session closed with %d: %s (%s)", e.Code, msg, e.Reason)
	}
	return fmt.Sprintf("realtime session closed with %d: %s", e.Code, msg)
}

var closeCodeMessages = map[int]string{
	1013: "Reconnect attempts exhausted",
	4000: "Sample rate must be a positive integer",
	4001: "Not Authorized",
	4002: "Insufficient Funds",
	4003: "Free tier user",
	4004: "Attempted to connect to nonexistent session",
	4008: "Session expired",
	4010: "Attempted to connect to closed session",
	4029: "Client sent audio too fast",
	4030: "Session is handled by another websocket",
	4031: "Session idle for too long",
	4032: "Audio duration is too short",
	4033: "Audio duration is too long",
	4100: "Endpoint received invalid JSON",
	4101: "Endpoint received a message with an invalid schema",
	4102: "This account has exceeded the number of allowed streams",
	4103: "The session has been reconnected. This websocket is no longer valid.",
}

func isServiceCloseCode(code int) bool {
	_, ok := closeCodeMessages[code]
	return ok || (code >= 4000 && code < 5000)
}
