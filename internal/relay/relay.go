// Package relay connects websocket audio sources to realtime transcription sessions.
package relay

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/petrzlen/realtime-transcription/internal/networking"
	"github.com/petrzlen/realtime-transcription/pkg/audioio"
	"github.com/petrzlen/realtime-transcription/pkg/session"
	"github.com/petrzlen/realtime-transcription/pkg/transcriber"
	"github.com/rs/zerolog/log"
)

const (
	DefaultPCMSampleRate = 16000
	DefaultStartTimeout  = 10 * time.Second
)

// RealtimeFactory creates a fresh transcriber for every connection.
type RealtimeFactory func(sampleRate int) transcriber.Realtime

// Relay starts one session per websocket connection and keeps track of the live ones.
type Relay struct {
	newRealtime  RealtimeFactory
	options      []session.Option
	startTimeout time.Duration

	mutex    sync.Mutex
	sessions map[string]*session.Session
	wg       sync.WaitGroup
}

func New(newRealtime RealtimeFactory, options ...session.Option) *Relay {
	return &Relay{
		newRealtime:  newRealtime,
		options:      options,
		startTimeout: DefaultStartTimeout,
		sessions:     make(map[string]*session.Session),
	}
}

// PCMHandler is a createHandler for networking.NewWebsocketHandlerFunc, the client picks
// the sample rate with the sample_rate query parameter.
func (r *Relay) PCMHandler(req *http.Request) (networking.WebsocketMessageHandler, error) {
	sampleRate := DefaultPCMSampleRate
	if raw := req.URL.Query().Get("sample_rate"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return nil, errors.Errorf("invalid sample_rate %q", raw)
		}
		sampleRate = parsed
	}

	handler := audioio.NewPCMHandler(sampleRate)
	s, err := r.start(req.Context(), handler)
	if err != nil {
		close(handler.GetReader())
		return nil, err
	}
	r.wg.Add(1)
	go r.forwardToPCMClient(s, handler)
	return handler, nil
}

// TwilioHandler is a createHandler for Twilio Media Streams, transcripts are logged.
func (r *Relay) TwilioHandler(req *http.Request) (networking.WebsocketMessageHandler, error) {
	handler := audioio.NewTwilioHandler()
	s, err := r.start(req.Context(), handler)
	if err != nil {
		close(handler.GetReader())
		return nil, err
	}
	r.wg.Add(1)
	go r.logTwilioTranscripts(s, handler)
	return handler, nil
}

// start runs before the websocket upgrade, so no audio from the peer can arrive before
// the session is ready to take it.
func (r *Relay) start(ctx context.Context, device audioio.InputDevice) (*session.Session, error) {
	s, err := session.New(device, r.newRealtime(device.SampleRate()), r.options...)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, r.startTimeout)
	defer cancel()
	if err := s.Start(ctx); err != nil {
		return nil, errors.Wrap(err, "cannot start transcription session")
	}

	r.mutex.Lock()
	r.sessions[s.ID()] = s
	r.mutex.Unlock()
	return s, nil
}

func (r *Relay) forget(s *session.Session) {
	r.mutex.Lock()
	delete(r.sessions, s.ID())
	r.mutex.Unlock()
}

func (r *Relay) forwardToPCMClient(s *session.Session, handler *audioio.PCMHandler) {
	defer r.wg.Done()
	defer r.forget(s)
	defer handler.CloseConnection()

	for event := range s.Events() {
		var update audioio.TranscriptUpdate
		switch ev := event.(type) {
		case session.TranscriptReceived:
			update = audioio.TranscriptUpdate{Type: "transcript", Text: ev.Text, IsFinal: ev.Message.MessageType == transcriber.FinalTranscript}
		case session.ErrorOccurred:
			update = audioio.TranscriptUpdate{Type: "error", Error: ev.Err.Error()}
		case session.Closed:
			update = audioio.TranscriptUpdate{Type: "closed", Text: ev.Text}
		}
		if !handler.SendUpdate(update) {
			log.Debug().Str("session_id", s.ID()).Str("type", update.Type).Msg("pcm client gone, dropping update")
		}
	}
}

func (r *Relay) logTwilioTranscripts(s *session.Session, handler *audioio.TwilioHandler) {
	defer r.wg.Done()
	defer r.forget(s)
	defer handler.CloseConnection()

	for event := range s.Events() {
		switch ev := event.(type) {
		case session.TranscriptReceived:
			if ev.Message.MessageType == transcriber.FinalTranscript {
				log.Info().Str("session_id", s.ID()).Str("stream_sid", handler.StreamSid()).Str("text", ev.Message.Text).Msg("caller said")
			}
		case session.ErrorOccurred:
			log.Error().Err(ev.Err).Str("session_id", s.ID()).Str("stream_sid", handler.StreamSid()).Msg("twilio transcription failed")
		case session.Closed:
			log.Info().Str("session_id", s.ID()).Str("stream_sid", handler.StreamSid()).Str("transcript", ev.Text).Msg("twilio call transcript")
		}
	}
}

// Active is the number of sessions currently relaying.
func (r *Relay) Active() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.sessions)
}

// Shutdown stops every live session and waits for their final events to be delivered,
// or for ctx to expire.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.mutex.Lock()
	live := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		live = append(live, s)
	}
	r.mutex.Unlock()

	for _, s := range live {
		if _, err := s.Stop(); err != nil {
			log.Warn().Err(err).Str("session_id", s.ID()).Msg("cannot stop session on shutdown")
		}
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
