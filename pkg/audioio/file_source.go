package audioio

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/petrzlen/realtime-transcription/pkg/audio_utils"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

const DefaultFileBatchDuration = 10 * time.Millisecond

type FileSourceOption func(*fileSource)

// WithPlayback plays the file on speakers while it is being streamed, so what you hear is
// what gets transcribed. The speakers have to run at the file's sample rate.
func WithPlayback(speakers OutputDevice, volume float64) FileSourceOption {
	return func(f *fileSource) {
		f.speakers = speakers
		f.volume = volume
	}
}

// WithoutPacing emits the whole file as fast as the consumer takes it, mostly for tests
// and for services which accept faster than realtime audio.
func WithoutPacing() FileSourceOption {
	return func(f *fileSource) {
		f.paced = false
	}
}

func WithBatchDuration(d time.Duration) FileSourceOption {
	return func(f *fileSource) {
		f.batchDuration = d
	}
}

// fileSource replays a decoded media file as if it was captured live.
type fileSource struct {
	path          string
	pcm           audio_utils.PCM
	paced         bool
	batchDuration time.Duration

	speakers OutputDevice
	volume   float64

	recording recording
	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewFileSource decodes path (wav, mp3 or flac) eagerly so SampleRate is known before recording.
func NewFileSource(fs afero.Fs, path string, opts ...FileSourceOption) (InputDevice, error) {
	pcm, err := audio_utils.DecodeFile(fs, path)
	if err != nil {
		return nil, err
	}
	if pcm.SampleRate <= 0 {
		return nil, fmt.Errorf("audio file %s has invalid sample rate %d", path, pcm.SampleRate)
	}
	f := &fileSource{
		path:          path,
		pcm:           pcm,
		paced:         true,
		batchDuration: DefaultFileBatchDuration,
		stopChan:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

func (f *fileSource) SampleRate() int {
	return f.pcm.SampleRate
}

func (f *fileSource) batchSamples() int {
	n := int(int64(f.pcm.SampleRate) * int64(f.batchDuration) / int64(time.Second))
	if n < 1 {
		n = 1
	}
	return n
}

func (f *fileSource) StartRecording(batches chan<- []int16) error {
	if err := f.recording.start(batches); err != nil {
		return err
	}

	if f.speakers != nil {
		f.speakers.SetVolume(f.volume)
		if _, err := f.speakers.Play(bytes.NewReader(audio_utils.Int16ToBytes(f.pcm.Samples))); err != nil {
			log.Warn().Err(err).Str("path", f.path).Msg("cannot play audio file, streaming it silently")
		}
	}

	log.Info().Str("path", f.path).Int("sample_rate", f.pcm.SampleRate).Int64("duration_ms", f.pcm.DurationMs()).Bool("paced", f.paced).Msg("file source START streaming")
	f.wg.Add(1)
	go f.streamRoutine()
	return nil
}

// streamRoutine emits batchDuration worth of samples per tick, or back to back when not paced.
// Ends the recording at end of file.
func (f *fileSource) streamRoutine() {
	defer f.wg.Done()
	defer f.recording.end()

	step := f.batchSamples()
	var ticker *time.Ticker
	if f.paced {
		ticker = time.NewTicker(f.batchDuration)
		defer ticker.Stop()
	}

	for offset := 0; offset < len(f.pcm.Samples); offset += step {
		if ticker != nil {
			select {
			case <-ticker.C:
			case <-f.stopChan:
				return
			}
		} else {
			select {
			case <-f.stopChan:
				return
			default:
			}
		}

		end := offset + step
		if end > len(f.pcm.Samples) {
			end = len(f.pcm.Samples)
		}
		batch := make([]int16, end-offset)
		copy(batch, f.pcm.Samples[offset:end])
		if !f.recording.emit(batch) {
			return
		}
	}
	log.Info().Str("path", f.path).Msg("file source reached end of file")
}

func (f *fileSource) StopRecording() ([]byte, error) {
	if !f.recording.isStarted() {
		return nil, ErrNotRecording
	}
	f.stopOnce.Do(func() {
		close(f.stopChan)
		if f.speakers != nil {
			dbg(f.speakers.Stop())
		}
	})
	f.wg.Wait()
	return f.recording.wav(f.pcm.SampleRate)
}
