package audioio

import (
	"sync"

	"github.com/petrzlen/realtime-transcription/pkg/audio_utils"
)

// recording is the bookkeeping shared by all input devices: it fans batches out to the
// consumer, keeps a copy for the final wav, and makes sure the channel is closed exactly once.
type recording struct {
	mutex   sync.Mutex
	batches chan<- []int16
	started bool
	ended   bool
	samples []int16
}

func (r *recording) start(batches chan<- []int16) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.started {
		return ErrAlreadyRecording
	}
	r.started = true
	r.batches = batches
	return nil
}

// emit forwards a batch, reporting false once the recording has ended.
// The mutex is held while sending so end can never close the channel under a sender.
func (r *recording) emit(batch []int16) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if !r.started || r.ended {
		return false
	}
	if len(batch) == 0 {
		return true
	}
	r.samples = append(r.samples, batch...)
	r.batches <- batch
	return true
}

// end closes the consumer channel, it is safe to call any number of times.
func (r *recording) end() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if !r.started || r.ended {
		return
	}
	r.ended = true
	close(r.batches)
}

func (r *recording) isStarted() bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.started
}

func (r *recording) isEnded() bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.ended
}

func (r *recording) wav(sampleRate int) ([]byte, error) {
	r.mutex.Lock()
	samples := r.samples
	r.mutex.Unlock()
	return audio_utils.ConvertInt16SamplesToWav(samples, uint32(sampleRate), 1)
}
