package session

import "github.com/petrzlen/realtime-transcription/pkg/transcriber"

// Event is one of TranscriptReceived, ErrorOccurred or Closed.
type Event interface {
	isEvent()
}

// TranscriptReceived carries the message that changed the transcript and the whole text so far.
type TranscriptReceived struct {
	Message transcriber.RealtimeMessage
	Text    string
}

type ErrorOccurred struct {
	Err error
}

// Closed is the last event of a session, the events channel is closed right after it.
type Closed struct {
	// Text is the final assembled transcript.
	Text string
}

func (TranscriptReceived) isEvent() {}
func (ErrorOccurred) isEvent()      {}
func (Closed) isEvent()             {}
