package audioio

// StreamSource is an InputDevice fed from the outside, e.g. by a websocket handler.
type StreamSource struct {
	sampleRate int
	recording  recording
}

func NewStreamSource(sampleRate int) *StreamSource {
	return &StreamSource{sampleRate: sampleRate}
}

func (s *StreamSource) SampleRate() int {
	return s.sampleRate
}

func (s *StreamSource) StartRecording(batches chan<- []int16) error {
	return s.recording.start(batches)
}

// Push hands a batch to the consumer, blocking while it is busy.
// Returns ErrNotRecording before StartRecording and after End.
func (s *StreamSource) Push(batch []int16) error {
	if !s.recording.emit(batch) {
		return ErrNotRecording
	}
	return nil
}

// End marks the end of the stream, the consumer sees its channel closed.
func (s *StreamSource) End() {
	s.recording.end()
}

func (s *StreamSource) StopRecording() ([]byte, error) {
	if !s.recording.isStarted() {
		return nil, ErrNotRecording
	}
	s.recording.end()
	return s.recording.wav(s.sampleRate)
}
