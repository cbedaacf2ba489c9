package transcriber

import (
	"context"
	"io"
)

// Transcriber transcribes a whole recording in one request.
type Transcriber interface {
	SendAudio(input io.Reader, fileExtension string, prompt string) (result string, err error)
}

// Realtime is a streaming transcription session. Results are delivered in order on Results,
// which is closed once the connection is gone.
type Realtime interface {
	Connect(ctx context.Context) error
	// SendAudio sends one chunk of raw PCM16LE audio at the configured sample rate.
	SendAudio(chunk []byte) error
	// ForceEndUtterance makes the service finalize the current utterance right away.
	ForceEndUtterance() error
	// Close ends the session, optionally waiting for the service to confirm termination
	// so that in-flight final transcripts still arrive on Results.
	Close(waitForTermination bool) error
	Results() <-chan Result
	SessionID() string
}

// Result is either a decoded service message or a terminal error.
type Result struct {
	Message RealtimeMessage
	Err     error
}
