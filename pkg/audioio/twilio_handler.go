package audioio

import (
	"encoding/base64"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/petrzlen/realtime-transcription/internal/networking"
	"github.com/petrzlen/realtime-transcription/pkg/audio_utils"
	"github.com/rs/zerolog/log"
)

// TwilioHandler is both the websocket handler for a Twilio Media Stream and the InputDevice
// producing the caller's audio. Only the inbound track is transcribed.
type TwilioHandler struct {
	*websocketSource

	streamSid string
	callSid   string
	// media counts decoded media messages, for logs only.
	media int
}

func NewTwilioHandler() *TwilioHandler {
	th := &TwilioHandler{}
	th.websocketSource = newWebsocketSource(TwilioSampleRate, th.handleMessage)
	return th
}

func (th *TwilioHandler) StreamSid() string {
	return th.streamSid
}

func (th *TwilioHandler) handleStartMessage(start *TwilioStartPayload) {
	if start == nil {
		return
	}
	th.streamSid = start.StreamSid
	th.callSid = start.CallSid
	log.Info().Str("stream_sid", start.StreamSid).Str("call_sid", start.CallSid).Strs("tracks", start.Tracks).Str("encoding", start.MediaFormat.Encoding).Int("sample_rate", start.MediaFormat.SampleRate).Msg("twilio stream started")
	if start.MediaFormat.SampleRate != 0 && start.MediaFormat.SampleRate != TwilioSampleRate {
		log.Warn().Int("sample_rate", start.MediaFormat.SampleRate).Msg("unexpected twilio sample rate, audio will be transcribed at the wrong speed")
	}
}

func (th *TwilioHandler) handleMediaMessage(media *TwilioMediaPayload) {
	if media == nil || (media.Track != "" && media.Track != "inbound") {
		return
	}
	// https://en.wikipedia.org/wiki/%CE%9C-law_algorithm
	mulawAudioData, err := base64.StdEncoding.DecodeString(media.Payload)
	if err != nil {
		log.Error().Err(err).Str("chunk", media.Chunk).Msg("Failed to decode base64 audio data")
		return
	}
	th.media++
	if err := th.Push(audio_utils.DecodeMulaw(mulawAudioData)); err != nil {
		log.Debug().Err(err).Str("chunk", media.Chunk).Msg("dropping twilio media")
	}
}

func (th *TwilioHandler) handleStopMessage(stop *TwilioStopPayload) {
	log.Info().Str("stream_sid", th.streamSid).Int("media_messages", th.media).Msg("twilio stream stopped")
	th.End()
}

func (th *TwilioHandler) handleMessage(msg networking.Message) {
	if msg.Type != websocket.TextMessage {
		log.Warn().Int("message_type", msg.Type).Msg("twilio sent a non-text message, ignoring")
		return
	}
	var message TwilioMessage
	if err := sonic.Unmarshal(msg.Data, &message); err != nil {
		// Maybe I just wrongfully implemented, or they changed the API
		log.Error().Err(err).Msgf("couldn't decode message from websocket: %s", truncatePayload(string(msg.Data)))
		return
	}

	if message.Event != "media" {
		log.Debug().Msgf("received message: %s", truncatePayload(string(msg.Data)))
	}

	switch message.Event {
	case "connected":
		// nothing to do, protocol and version are informational
	case "start":
		th.handleStartMessage(message.Start)
	case "media":
		th.handleMediaMessage(message.Media)
	case "stop":
		th.handleStopMessage(message.Stop)
	case "mark", "clear":
		// we never send audio back, so marks are not ours
	default:
		log.Error().Err(fmt.Errorf("unknown message.Event %s", message.Event)).Msg("")
	}
}
