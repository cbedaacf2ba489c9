package audioio

import (
	"errors"
	"io"
	"sync"
)

var (
	ErrAlreadyRecording = errors.New("input device is already recording")
	ErrNotRecording     = errors.New("input device is not recording")
)

// InputDevice produces mono PCM16 sample batches at SampleRate.
//
// StartRecording may be called once. The device closes batches when it has no more audio:
// either after StopRecording or when the source itself ends (end of file, peer hung up).
// StopRecording returns everything that was recorded as a wav file.
type InputDevice interface {
	StartRecording(batches chan<- []int16) error
	StopRecording() ([]byte, error)
	SampleRate() int
}

type OutputDevice interface {
	Play(audioOutput io.Reader) (*sync.WaitGroup, error)
	Stop() error
	// SetVolume in range [0, 1], applied to the current and all later playbacks.
	SetVolume(volume float64)
}
