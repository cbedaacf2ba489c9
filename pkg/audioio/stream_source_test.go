package audioio

import (
	"errors"
	"testing"
	"time"

	"github.com/petrzlen/realtime-transcription/pkg/audio_utils"
)

func drain(t *testing.T, batches <-chan []int16) []int16 {
	t.Helper()
	var all []int16
	timeout := time.After(5 * time.Second)
	for {
		select {
		case batch, ok := <-batches:
			if !ok {
				return all
			}
			all = append(all, batch...)
		case <-timeout:
			t.Fatal("batches channel was never closed")
		}
	}
}

func TestStreamSource(t *testing.T) {
	src := NewStreamSource(16000)
	if err := src.Push([]int16{1}); !errors.Is(err, ErrNotRecording) {
		t.Fatalf("push before start: %v", err)
	}
	if _, err := src.StopRecording(); !errors.Is(err, ErrNotRecording) {
		t.Fatalf("stop before start: %v", err)
	}

	batches := make(chan []int16, 10)
	if err := src.StartRecording(batches); err != nil {
		t.Fatal(err)
	}
	if err := src.StartRecording(batches); !errors.Is(err, ErrAlreadyRecording) {
		t.Fatalf("second start: %v", err)
	}
	if err := src.Push([]int16{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	if err := src.Push(nil); err != nil {
		t.Fatal(err)
	}
	if err := src.Push([]int16{4}); err != nil {
		t.Fatal(err)
	}

	wav, err := src.StopRecording()
	if err != nil {
		t.Fatal(err)
	}
	got := drain(t, batches)
	if len(got) != 4 || got[3] != 4 {
		t.Fatalf("got %v", got)
	}
	pcm, err := audio_utils.DecodeWav(bytesReader(wav))
	if err != nil || len(pcm.Samples) != 4 || pcm.SampleRate != 16000 {
		t.Fatalf("wav recording: %v %+v", err, pcm)
	}

	if err := src.Push([]int16{5}); !errors.Is(err, ErrNotRecording) {
		t.Fatalf("push after stop: %v", err)
	}
	src.End()
	if _, err := src.StopRecording(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}
