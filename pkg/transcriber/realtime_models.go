package transcriber

import "time"

type MessageType string

const (
	SessionBegins      MessageType = "SessionBegins"
	PartialTranscript  MessageType = "PartialTranscript"
	FinalTranscript    MessageType = "FinalTranscript"
	SessionTerminated  MessageType = "SessionTerminated"
	SessionInformation MessageType = "SessionInformation"
)

// RealtimeMessage covers every message the realtime service sends; which fields are set
// depends on MessageType. Error is set instead of MessageType on failures.
//
// Example:
//
//	{
//	 "message_type": "FinalTranscript",
//	 "audio_start": 1200,
//	 "audio_end": 2630,
//	 "confidence": 0.94,
//	 "text": "Hello world.",
//	 "words": [{"start": 1200, "end": 1500, "confidence": 0.97, "text": "Hello"}],
//	 "created": "2023-05-24T08:09:10.161850",
//	 "punctuated": true,
//	 "text_formatted": true
//	}
type RealtimeMessage struct {
	MessageType MessageType `json:"message_type,omitempty"`

	// SessionBegins
	SessionID string `json:"session_id,omitempty"`
	ExpiresAt string `json:"expires_at,omitempty"`

	// PartialTranscript and FinalTranscript, offsets in milliseconds from session start.
	AudioStart    int     `json:"audio_start"`
	AudioEnd      int     `json:"audio_end"`
	Confidence    float64 `json:"confidence"`
	Text          string  `json:"text"`
	Words         []Word  `json:"words,omitempty"`
	Created       string  `json:"created,omitempty"`
	Punctuated    bool    `json:"punctuated,omitempty"`
	TextFormatted bool    `json:"text_formatted,omitempty"`

	// SessionInformation
	AudioDurationSeconds float64 `json:"audio_duration_seconds,omitempty"`

	Error string `json:"error,omitempty"`
}

func (m RealtimeMessage) IsTranscript() bool {
	return m.MessageType == PartialTranscript || m.MessageType == FinalTranscript
}

func (m RealtimeMessage) Span() (start, end time.Duration) {
	return time.Duration(m.AudioStart) * time.Millisecond, time.Duration(m.AudioEnd) * time.Millisecond
}

type Word struct {
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Confidence float64 `json:"confidence"`
	Text       string  `json:"text"`
}

type terminateSessionMessage struct {
	TerminateSession bool `json:"terminate_session"`
}

type forceEndUtteranceMessage struct {
	ForceEndUtterance bool `json:"force_end_utterance"`
}

type endUtteranceSilenceThresholdMessage struct {
	EndUtteranceSilenceThreshold int `json:"end_utterance_silence_threshold"`
}
