package transcriber

import (
	"bytes"
	"github.com/rs/zerolog/log"
)

// CompareToFullTranscript re-transcribes the entire wav recording in one request and logs it
// next to what the realtime session assembled, handy to judge chunking quality.
func CompareToFullTranscript(transcriber Transcriber, wavBytes []byte, realtimeTranscript string) (fullTranscript string, err error) {
	if len(wavBytes) == 0 {
		log.Info().Msg("empty recording, nothing to compare")
		return
	}
	fullTranscript, err = transcriber.SendAudio(bytes.NewReader(wavBytes), "wav", "")
	if err != nil {
		return
	}
	log.Info().Str("full_transcript", fullTranscript).Str("realtime_transcript", realtimeTranscript).Int("wav_byte_length", len(wavBytes)).Msg("comparing full transcript to realtime one")
	return
}
