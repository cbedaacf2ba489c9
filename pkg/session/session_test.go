package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/petrzlen/realtime-transcription/internal/metrics"
	"github.com/petrzlen/realtime-transcription/pkg/audioio"
	"github.com/petrzlen/realtime-transcription/pkg/chunker"
	"github.com/petrzlen/realtime-transcription/pkg/transcriber"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeRealtime struct {
	mutex      sync.Mutex
	connectErr error
	sendErr    error
	connects   int
	chunks     [][]byte
	forced     int
	closed     bool
	closeWait  bool
	// finals are delivered during Close(true), like the service flushing on terminate_session.
	finals []transcriber.RealtimeMessage

	results   chan transcriber.Result
	closeOnce sync.Once
}

func newFakeRealtime() *fakeRealtime {
	return &fakeRealtime{results: make(chan transcriber.Result, 64)}
}

func (f *fakeRealtime) Connect(ctx context.Context) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connects++
	return nil
}

func (f *fakeRealtime) SendAudio(chunk []byte) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.chunks = append(f.chunks, append([]byte(nil), chunk...))
	return nil
}

func (f *fakeRealtime) ForceEndUtterance() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.forced++
	return nil
}

func (f *fakeRealtime) Close(waitForTermination bool) error {
	f.closeOnce.Do(func() {
		f.mutex.Lock()
		f.closed = true
		f.closeWait = waitForTermination
		finals := f.finals
		f.mutex.Unlock()
		if waitForTermination {
			for _, msg := range finals {
				f.results <- transcriber.Result{Message: msg}
			}
		}
		close(f.results)
	})
	return nil
}

func (f *fakeRealtime) Results() <-chan transcriber.Result {
	return f.results
}

func (f *fakeRealtime) SessionID() string {
	return "fake-session"
}

func (f *fakeRealtime) chunkCount() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.chunks)
}

func partial(start int, text string) transcriber.RealtimeMessage {
	return transcriber.RealtimeMessage{MessageType: transcriber.PartialTranscript, AudioStart: start, Text: text}
}

func final(start int, text string) transcriber.RealtimeMessage {
	return transcriber.RealtimeMessage{MessageType: transcriber.FinalTranscript, AudioStart: start, Text: text}
}

func nextEvent(t *testing.T, s *Session) Event {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		if !ok {
			t.Fatal("events channel closed")
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a session event")
	}
	return nil
}

func expectEventsClosed(t *testing.T, s *Session) {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		if ok {
			t.Fatalf("expected the events channel to be closed, got %#v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("events channel was not closed")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func samples(n int) []int16 {
	batch := make([]int16, n)
	for i := range batch {
		batch[i] = int16(i)
	}
	return batch
}

func TestSessionLifecycle(t *testing.T) {
	source := audioio.NewStreamSource(16000)
	realtime := newFakeRealtime()
	realtime.finals = []transcriber.RealtimeMessage{final(2000, "world.")}
	s, err := New(source, realtime)
	if err != nil {
		t.Fatal(err)
	}
	if s.State() != StateIdle {
		t.Fatalf("new session state = %s", s.State())
	}
	if _, err := uuid.Parse(s.ID()); err != nil {
		t.Errorf("default id %q is not a uuid: %v", s.ID(), err)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s.State() != StateRecording {
		t.Fatalf("state after start = %s", s.State())
	}

	if err := source.Push(samples(4000)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "two chunks", func() bool { return realtime.chunkCount() == 2 })

	realtime.results <- transcriber.Result{Message: partial(0, "hel")}
	realtime.results <- transcriber.Result{Message: transcriber.RealtimeMessage{MessageType: transcriber.SessionInformation}}
	realtime.results <- transcriber.Result{Message: final(0, "hello.")}
	realtime.results <- transcriber.Result{Message: partial(2000, "wor")}

	for _, want := range []string{"hel", "hello.", "hello. wor"} {
		ev, ok := nextEvent(t, s).(TranscriptReceived)
		if !ok {
			t.Fatalf("expected TranscriptReceived")
		}
		if ev.Text != want {
			t.Errorf("text = %q, want %q", ev.Text, want)
		}
	}

	wav, err := s.Stop()
	if err != nil {
		t.Fatal(err)
	}
	if len(wav) <= 44 {
		t.Errorf("expected a wav with samples, got %d bytes", len(wav))
	}
	if s.State() != StateIdle {
		t.Errorf("state after stop = %s", s.State())
	}

	ev, ok := nextEvent(t, s).(TranscriptReceived)
	if !ok || ev.Text != "hello. world." || !ev.Message.IsTranscript() {
		t.Errorf("expected the final flushed on terminate, got %#v", ev)
	}
	closed, ok := nextEvent(t, s).(Closed)
	if !ok || closed.Text != "hello. world." {
		t.Errorf("expected Closed with the full text, got %#v", closed)
	}
	expectEventsClosed(t, s)

	if !realtime.closed || !realtime.closeWait {
		t.Error("expected the transcriber to be closed waiting for termination")
	}
	// The 800 leftover samples are discarded by default.
	if n := realtime.chunkCount(); n != 2 {
		t.Errorf("sent %d chunks, want 2", n)
	}

	again, err := s.Stop()
	if err != nil || len(again) != len(wav) {
		t.Errorf("second Stop = %d bytes, %v", len(again), err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrFinished) {
		t.Errorf("restart = %v, want ErrFinished", err)
	}
}

func TestFlushOnStop(t *testing.T) {
	source := audioio.NewStreamSource(16000)
	realtime := newFakeRealtime()
	s, err := New(source, realtime, WithFlushOnStop(true))
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		for range s.Events() {
		}
	}()
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := source.Push(samples(4000)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Stop(); err != nil {
		t.Fatal(err)
	}

	if len(realtime.chunks) != 3 {
		t.Fatalf("sent %d chunks, want 3", len(realtime.chunks))
	}
	if got := len(realtime.chunks[2]); got != 1600 {
		t.Errorf("flushed chunk is %d bytes, want 1600", got)
	}
	var total int
	for _, chunk := range realtime.chunks {
		total += len(chunk)
	}
	if total != 8000 {
		t.Errorf("sent %d bytes in total, want 8000", total)
	}
}

func TestCustomChunkDuration(t *testing.T) {
	source := audioio.NewStreamSource(8000)
	realtime := newFakeRealtime()
	s, err := New(source, realtime, WithChunkDuration(50*time.Millisecond), WithID("call-1"))
	if err != nil {
		t.Fatal(err)
	}
	if s.ID() != "call-1" {
		t.Errorf("id = %q", s.ID())
	}
	go func() {
		for range s.Events() {
		}
	}()
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := source.Push(samples(1000)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	if len(realtime.chunks) != 2 || len(realtime.chunks[0]) != 800 {
		t.Errorf("expected two 400 sample chunks, got %d chunks", len(realtime.chunks))
	}
}

func TestNewRejectsInvalidChunkDuration(t *testing.T) {
	_, err := New(audioio.NewStreamSource(16000), newFakeRealtime(), WithChunkDuration(0))
	if !errors.Is(err, chunker.ErrInvalidArgument) {
		t.Errorf("err = %v, want ErrInvalidArgument", err)
	}
}

func TestStopBeforeStart(t *testing.T) {
	s, err := New(audioio.NewStreamSource(16000), newFakeRealtime())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Stop(); !errors.Is(err, ErrNotRecording) {
		t.Errorf("err = %v, want ErrNotRecording", err)
	}
	if err := s.ForceEndUtterance(); !errors.Is(err, ErrNotRecording) {
		t.Errorf("err = %v, want ErrNotRecording", err)
	}
}

func TestStartWhileRecordingIsBusy(t *testing.T) {
	s, err := New(audioio.NewStreamSource(16000), newFakeRealtime())
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		for range s.Events() {
		}
	}()
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrBusy) {
		t.Errorf("err = %v, want ErrBusy", err)
	}
	if _, err := s.Stop(); err != nil {
		t.Fatal(err)
	}
}

func TestConnectFailureRollsBack(t *testing.T) {
	source := audioio.NewStreamSource(16000)
	realtime := newFakeRealtime()
	connectErr := &transcriber.CloseError{Code: 4001, Reason: "Not Authorized"}
	realtime.connectErr = connectErr
	s, err := New(source, realtime)
	if err != nil {
		t.Fatal(err)
	}

	err = s.Start(context.Background())
	var closeErr *transcriber.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != 4001 {
		t.Fatalf("err = %v, want the close error", err)
	}
	if s.State() != StateIdle {
		t.Errorf("state after failed start = %s", s.State())
	}
	if _, err := s.Stop(); !errors.Is(err, ErrNotRecording) {
		t.Errorf("stop after failed start = %v", err)
	}

	// The device was never started, so a retry can still succeed.
	realtime.connectErr = nil
	go func() {
		for range s.Events() {
		}
	}()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if _, err := s.Stop(); err != nil {
		t.Fatal(err)
	}
}

func TestDeviceFailureClosesTranscriber(t *testing.T) {
	source := audioio.NewStreamSource(16000)
	if err := source.StartRecording(make(chan []int16)); err != nil {
		t.Fatal(err)
	}
	realtime := newFakeRealtime()
	s, err := New(source, realtime)
	if err != nil {
		t.Fatal(err)
	}

	err = s.Start(context.Background())
	if !errors.Is(err, audioio.ErrAlreadyRecording) {
		t.Fatalf("err = %v, want ErrAlreadyRecording", err)
	}
	if !realtime.closed || realtime.closeWait {
		t.Error("expected the transcriber to be closed without waiting")
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrFinished) {
		t.Errorf("restart = %v, want ErrFinished", err)
	}
	expectEventsClosed(t, s)
}

func TestStopsWhenInputEnds(t *testing.T) {
	source := audioio.NewStreamSource(16000)
	realtime := newFakeRealtime()
	s, err := New(source, realtime)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := source.Push(samples(1600)); err != nil {
		t.Fatal(err)
	}
	source.End()

	if _, ok := nextEvent(t, s).(Closed); !ok {
		t.Fatal("expected Closed after the input ended")
	}
	expectEventsClosed(t, s)
	if s.State() != StateIdle {
		t.Errorf("state = %s", s.State())
	}
	if realtime.chunkCount() != 1 {
		t.Errorf("sent %d chunks, want 1", realtime.chunkCount())
	}
	if wav, err := s.Stop(); err != nil || len(wav) != 44+3200 {
		t.Errorf("Stop after auto stop = %d bytes, %v", len(wav), err)
	}
}

func TestStopsOnServiceError(t *testing.T) {
	source := audioio.NewStreamSource(16000)
	realtime := newFakeRealtime()
	s, err := New(source, realtime)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	realtime.results <- transcriber.Result{Err: &transcriber.CloseError{Code: 4031}}

	ev, ok := nextEvent(t, s).(ErrorOccurred)
	if !ok {
		t.Fatal("expected ErrorOccurred")
	}
	var closeErr *transcriber.CloseError
	if !errors.As(ev.Err, &closeErr) || closeErr.Code != 4031 {
		t.Errorf("err = %v", ev.Err)
	}
	if _, ok := nextEvent(t, s).(Closed); !ok {
		t.Fatal("expected Closed after the error")
	}
	expectEventsClosed(t, s)
	if s.State() != StateIdle {
		t.Errorf("state = %s", s.State())
	}
	if err := source.Push(samples(10)); !errors.Is(err, audioio.ErrNotRecording) {
		t.Errorf("device still accepts audio after the session stopped: %v", err)
	}
}

func TestSendFailureKeepsDrainingInput(t *testing.T) {
	source := audioio.NewStreamSource(16000)
	realtime := newFakeRealtime()
	realtime.sendErr = transcriber.ErrSessionTerminated
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	s, err := New(source, realtime, WithMetrics(m))
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		for range s.Events() {
		}
	}()
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	// More batches than the pump channel holds, each one a full chunk.
	for i := 0; i < 4*batchBuffer; i++ {
		if err := source.Push(samples(1600)); err != nil {
			t.Fatal(err)
		}
	}
	wav, err := s.Stop()
	if err != nil {
		t.Fatal(err)
	}
	if want := 44 + 4*batchBuffer*3200; len(wav) != want {
		t.Errorf("wav is %d bytes, want %d", len(wav), want)
	}
	if got := testutil.ToFloat64(m.Errors.WithLabelValues("send")); got != 1 {
		t.Errorf("send errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ChunksSent); got != 0 {
		t.Errorf("chunks sent = %v, want 0", got)
	}
}

func TestSessionMetrics(t *testing.T) {
	source := audioio.NewStreamSource(16000)
	realtime := newFakeRealtime()
	m := metrics.New(prometheus.NewRegistry())
	s, err := New(source, realtime, WithMetrics(m))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(m.ActiveSessions); got != 1 {
		t.Errorf("active sessions = %v", got)
	}
	if err := source.Push(samples(3200)); err != nil {
		t.Fatal(err)
	}
	realtime.results <- transcriber.Result{Message: partial(0, "a")}
	realtime.results <- transcriber.Result{Message: final(0, "a")}
	nextEvent(t, s)
	nextEvent(t, s)

	go func() {
		for range s.Events() {
		}
	}()
	if _, err := s.Stop(); err != nil {
		t.Fatal(err)
	}

	if got := testutil.ToFloat64(m.SessionsStarted); got != 1 {
		t.Errorf("sessions started = %v", got)
	}
	if got := testutil.ToFloat64(m.ActiveSessions); got != 0 {
		t.Errorf("active sessions = %v", got)
	}
	if got := testutil.ToFloat64(m.ChunksSent); got != 2 {
		t.Errorf("chunks sent = %v", got)
	}
	if got := testutil.ToFloat64(m.BytesSent); got != 6400 {
		t.Errorf("bytes sent = %v", got)
	}
	if got := testutil.ToFloat64(m.TranscriptsReceived.WithLabelValues("partial")); got != 1 {
		t.Errorf("partial transcripts = %v", got)
	}
	if got := testutil.ToFloat64(m.TranscriptsReceived.WithLabelValues("final")); got != 1 {
		t.Errorf("final transcripts = %v", got)
	}
}

func TestForceEndUtterance(t *testing.T) {
	realtime := newFakeRealtime()
	s, err := New(audioio.NewStreamSource(16000), realtime)
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		for range s.Events() {
		}
	}()
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.ForceEndUtterance(); err != nil {
		t.Fatal(err)
	}
	if realtime.forced != 1 {
		t.Errorf("forced = %d", realtime.forced)
	}
	if _, err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := s.ForceEndUtterance(); !errors.Is(err, ErrNotRecording) {
		t.Errorf("after stop = %v", err)
	}
}

func TestConcurrentStop(t *testing.T) {
	source := audioio.NewStreamSource(16000)
	s, err := New(source, newFakeRealtime())
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		for range s.Events() {
		}
	}()
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := source.Push(samples(500)); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	sizes := make([]int, 4)
	for i := range sizes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			wav, err := s.Stop()
			if err != nil {
				t.Error(err)
			}
			sizes[i] = len(wav)
		}(i)
	}
	wg.Wait()
	for i, size := range sizes {
		if size != 44+1000 {
			t.Errorf("stop %d returned %d bytes", i, size)
		}
	}
}
