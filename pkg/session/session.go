// Package session ties an input device, the chunking buffer and a realtime transcriber
// together into one recording session.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/petrzlen/realtime-transcription/internal/metrics"
	"github.com/petrzlen/realtime-transcription/pkg/audioio"
	"github.com/petrzlen/realtime-transcription/pkg/chunker"
	"github.com/petrzlen/realtime-transcription/pkg/transcriber"
	"github.com/petrzlen/realtime-transcription/pkg/transcript"
	"github.com/rs/zerolog/log"
)

var (
	ErrBusy         = errors.New("session is busy")
	ErrNotRecording = errors.New("session was never started")
	// ErrFinished is returned by Start once a session has recorded, devices and
	// transcribers are single use so the next recording needs a new Session.
	ErrFinished = errors.New("session already finished")
)

const (
	DefaultEventBuffer = 64
	batchBuffer        = 16
)

type Option func(*Session)

func WithChunkDuration(chunkDuration time.Duration) Option {
	return func(s *Session) { s.chunkDuration = chunkDuration }
}

// WithFlushOnStop sends the buffered remainder (shorter than a chunk) before closing.
// By default it is discarded.
func WithFlushOnStop(flush bool) Option {
	return func(s *Session) { s.flushOnStop = flush }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

func WithID(id string) Option {
	return func(s *Session) { s.id = id }
}

func WithEventBuffer(size int) Option {
	return func(s *Session) { s.eventBuffer = size }
}

// Session goes idle -> starting -> recording -> stopping -> idle, exactly once.
//
// Events are sent blocking, so somebody has to read Events until it is closed, and that
// somebody must not be the goroutine calling Stop.
type Session struct {
	id            string
	device        audioio.InputDevice
	realtime      transcriber.Realtime
	chunkDuration time.Duration
	flushOnStop   bool
	metrics       *metrics.Metrics
	eventBuffer   int

	// buffer is owned by the pump while recording, and by stop after the pump is done.
	buffer     *chunker.Buffer
	transcript *transcript.Transcript
	events     chan Event

	mutex sync.Mutex
	state State
	// transition is closed when the current starting or stopping phase ends.
	transition chan struct{}
	finished   bool
	startTime  time.Time
	recording  []byte
	stopErr    error

	pumpDone   chan struct{}
	listenDone chan struct{}
}

func New(device audioio.InputDevice, realtime transcriber.Realtime, opts ...Option) (*Session, error) {
	s := &Session{
		id:            uuid.NewString(),
		device:        device,
		realtime:      realtime,
		chunkDuration: chunker.DefaultChunkDuration,
		eventBuffer:   DefaultEventBuffer,
		transcript:    transcript.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	buffer, err := chunker.New(device.SampleRate(), s.chunkDuration)
	if err != nil {
		return nil, fmt.Errorf("cannot create chunking buffer for session %s: %w", s.id, err)
	}
	s.buffer = buffer
	if s.eventBuffer < 0 {
		s.eventBuffer = 0
	}
	s.events = make(chan Event, s.eventBuffer)
	return s, nil
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() State {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.state
}

// Events delivers TranscriptReceived and ErrorOccurred while recording, then one Closed.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Text is the transcript assembled so far.
func (s *Session) Text() string {
	return s.transcript.Text()
}

func (s *Session) Start(ctx context.Context) error {
	s.mutex.Lock()
	if s.state != StateIdle {
		s.mutex.Unlock()
		return ErrBusy
	}
	if s.finished {
		s.mutex.Unlock()
		return ErrFinished
	}
	s.state = StateStarting
	s.transition = make(chan struct{})
	s.mutex.Unlock()

	log.Info().Str("session_id", s.id).Int("sample_rate", s.device.SampleRate()).Dur("chunk_duration", s.chunkDuration).Msg("session START")
	if err := s.realtime.Connect(ctx); err != nil {
		s.metrics.Error("connect")
		err = fmt.Errorf("cannot connect realtime transcriber: %w", err)
		s.rollback(false, err)
		return err
	}

	batches := make(chan []int16, batchBuffer)
	if err := s.device.StartRecording(batches); err != nil {
		s.metrics.Error("device")
		if closeErr := s.realtime.Close(false); closeErr != nil {
			log.Debug().Err(closeErr).Str("session_id", s.id).Msg("cannot close realtime transcriber after a failed start")
		}
		err = fmt.Errorf("cannot start recording: %w", err)
		// The transcriber cannot reconnect after Close.
		s.rollback(true, err)
		return err
	}

	s.pumpDone = make(chan struct{})
	s.listenDone = make(chan struct{})
	go s.listen()
	go s.pump(batches)

	s.mutex.Lock()
	s.state = StateRecording
	s.startTime = time.Now()
	close(s.transition)
	s.mutex.Unlock()

	s.metrics.SessionStarted()
	log.Info().Str("session_id", s.id).Str("realtime_session_id", s.realtime.SessionID()).Msg("session recording")
	return nil
}

func (s *Session) rollback(finished bool, err error) {
	log.Warn().Err(err).Str("session_id", s.id).Msg("session failed to start")
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.state = StateIdle
	if finished {
		s.finished = true
		s.stopErr = err
		close(s.events)
	}
	close(s.transition)
}

// pump moves batches from the device through the chunking buffer to the transcriber.
// It drains batches until the device closes the channel, even after a failed send,
// so a device is never stuck on a full channel.
func (s *Session) pump(batches <-chan []int16) {
	defer close(s.pumpDone)

	sending := true
	for batch := range batches {
		for _, chunk := range s.buffer.Append(batch) {
			if !sending {
				continue
			}
			if err := s.realtime.SendAudio(chunk); err != nil {
				s.metrics.Error("send")
				log.Warn().Err(err).Str("session_id", s.id).Msg("cannot send audio chunk, dropping the rest of the input")
				sending = false
				continue
			}
			s.metrics.ChunkSent(len(chunk))
		}
	}

	if s.State() != StateStopping {
		log.Info().Str("session_id", s.id).Msg("input ended, stopping session")
		s.stopInBackground()
	}
}

// listen folds realtime results into the transcript and turns them into events.
func (s *Session) listen() {
	defer close(s.listenDone)

	for result := range s.realtime.Results() {
		if result.Err != nil {
			s.metrics.Error("realtime")
			log.Error().Err(result.Err).Str("session_id", s.id).Msg("realtime transcriber failed, stopping session")
			s.events <- ErrorOccurred{Err: result.Err}
			s.stopInBackground()
			continue
		}

		msg := result.Message
		if !msg.IsTranscript() {
			continue
		}
		final := msg.MessageType == transcriber.FinalTranscript
		s.metrics.TranscriptReceived(final)
		if changed := s.transcript.Apply(msg); changed || final {
			s.events <- TranscriptReceived{Message: msg, Text: s.transcript.Text()}
		}
	}

	if s.State() != StateStopping {
		log.Info().Str("session_id", s.id).Msg("realtime connection ended, stopping session")
		s.stopInBackground()
	}
}

func (s *Session) stopInBackground() {
	go func() {
		if _, err := s.Stop(); err != nil {
			log.Debug().Err(err).Str("session_id", s.id).Msg("background stop")
		}
	}()
}

// ForceEndUtterance asks the service to finalize what was said so far.
func (s *Session) ForceEndUtterance() error {
	if s.State() != StateRecording {
		return ErrNotRecording
	}
	return s.realtime.ForceEndUtterance()
}

// Stop ends the recording and returns it as wav. Calling it again, concurrently or later,
// returns the same result. While the session is starting it waits for the start to finish.
func (s *Session) Stop() ([]byte, error) {
	for {
		s.mutex.Lock()
		switch s.state {
		case StateStarting, StateStopping:
			wait := s.transition
			s.mutex.Unlock()
			<-wait
			continue
		case StateIdle:
			finished, recording, err := s.finished, s.recording, s.stopErr
			s.mutex.Unlock()
			if !finished {
				return nil, ErrNotRecording
			}
			return recording, err
		}
		s.state = StateStopping
		s.transition = make(chan struct{})
		s.mutex.Unlock()
		return s.stop()
	}
}

func (s *Session) stop() ([]byte, error) {
	log.Info().Str("session_id", s.id).Msg("session STOP")

	recording, err := s.device.StopRecording()
	if err != nil {
		err = fmt.Errorf("cannot stop recording: %w", err)
	}
	<-s.pumpDone

	if s.flushOnStop {
		if rest := s.buffer.Flush(); len(rest) > 0 {
			if sendErr := s.realtime.SendAudio(rest); sendErr != nil {
				log.Debug().Err(sendErr).Str("session_id", s.id).Msg("cannot send the buffered remainder")
			} else {
				s.metrics.ChunkSent(len(rest))
			}
		}
	}
	s.buffer.Reset()

	if closeErr := s.realtime.Close(true); closeErr != nil && err == nil {
		err = fmt.Errorf("cannot close realtime transcriber: %w", closeErr)
	}
	<-s.listenDone

	text := s.transcript.Text()
	s.mutex.Lock()
	duration := time.Since(s.startTime)
	s.state = StateIdle
	s.finished = true
	s.recording, s.stopErr = recording, err
	close(s.transition)
	s.mutex.Unlock()

	s.metrics.SessionStopped(duration)
	log.Info().Str("session_id", s.id).Dur("duration", duration).Int("recording_bytes", len(recording)).Msg("session stopped")

	s.events <- Closed{Text: text}
	close(s.events)
	return recording, err
}
