package chunker

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func ramp(start, n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(start + i)
	}
	return out
}

func mustNew(t *testing.T, rate int, d time.Duration) *Buffer {
	t.Helper()
	b, err := New(rate, d)
	if err != nil {
		t.Fatalf("New(%d, %s): %v", rate, d, err)
	}
	return b
}

func TestNewRejectsInvalidArguments(t *testing.T) {
	tests := []struct {
		name string
		rate int
		d    time.Duration
	}{
		{"zero rate", 0, DefaultChunkDuration},
		{"negative rate", -16000, DefaultChunkDuration},
		{"zero duration", 16000, 0},
		{"negative duration", 16000, -time.Millisecond},
		{"empty chunk", 16000, time.Microsecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.rate, tt.d)
			if !errors.Is(err, ErrInvalidArgument) {
				t.Fatalf("expected ErrInvalidArgument, got %v", err)
			}
		})
	}
}

func TestChunkSamples(t *testing.T) {
	tests := []struct {
		rate int
		d    time.Duration
		want int
	}{
		{16000, 100 * time.Millisecond, 1600},
		{44100, 100 * time.Millisecond, 4410},
		{8000, 20 * time.Millisecond, 160},
		{11025, 100 * time.Millisecond, 1102},
	}
	for _, tt := range tests {
		b := mustNew(t, tt.rate, tt.d)
		if got := b.ChunkSamples(); got != tt.want {
			t.Errorf("ChunkSamples(%d, %s) = %d, want %d", tt.rate, tt.d, got, tt.want)
		}
	}
}

func TestAppendLargeBatch(t *testing.T) {
	b := mustNew(t, 16000, DefaultChunkDuration)

	chunks := b.Append(ramp(0, 4000))
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	for i, c := range chunks {
		if c.Samples() != 1600 {
			t.Errorf("chunk %d has %d samples, want 1600", i, c.Samples())
		}
	}
	if b.Buffered() != 800 {
		t.Errorf("buffered %d, want 800", b.Buffered())
	}
	if got := int16(binary.LittleEndian.Uint16(chunks[1][:2])); got != 1600 {
		t.Errorf("second chunk starts at sample %d, want 1600", got)
	}
}

func TestAppendSmallBatches(t *testing.T) {
	b := mustNew(t, 16000, DefaultChunkDuration)

	for i := 0; i < 2; i++ {
		if chunks := b.Append(ramp(i*600, 600)); len(chunks) != 0 {
			t.Fatalf("append %d produced %d chunks", i, len(chunks))
		}
	}
	chunks := b.Append(ramp(1200, 600))
	if len(chunks) != 1 || chunks[0].Samples() != 1600 {
		t.Fatalf("third append: got %d chunks", len(chunks))
	}
	if b.Buffered() != 200 {
		t.Errorf("buffered %d, want 200", b.Buffered())
	}
}

func TestAppendBelowChunkKeepsSamples(t *testing.T) {
	b := mustNew(t, 16000, DefaultChunkDuration)
	in := ramp(-500, 1599)

	if chunks := b.Append(in); chunks != nil {
		t.Fatalf("expected no chunks, got %d", len(chunks))
	}
	rest := b.Flush()
	if rest.Samples() != len(in) {
		t.Fatalf("flushed %d samples, want %d", rest.Samples(), len(in))
	}
	for i, s := range in {
		if got := int16(binary.LittleEndian.Uint16(rest[2*i:])); got != s {
			t.Fatalf("sample %d = %d, want %d", i, got, s)
		}
	}
}

func TestAppendEmptyIsNoop(t *testing.T) {
	b := mustNew(t, 16000, DefaultChunkDuration)
	b.Append(ramp(0, 300))

	if chunks := b.Append(nil); chunks != nil {
		t.Fatalf("nil batch produced %d chunks", len(chunks))
	}
	if chunks := b.Append([]int16{}); chunks != nil {
		t.Fatalf("empty batch produced %d chunks", len(chunks))
	}
	if b.Buffered() != 300 {
		t.Errorf("buffered %d, want 300", b.Buffered())
	}
}

func TestResetBehavesLikeFresh(t *testing.T) {
	b := mustNew(t, 16000, DefaultChunkDuration)
	b.Append(ramp(0, 800))

	b.Reset()
	b.Reset()
	if b.Buffered() != 0 {
		t.Fatalf("buffered %d after reset", b.Buffered())
	}
	chunks := b.Append(ramp(0, 1600))
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if b.Buffered() != 0 {
		t.Errorf("buffered %d, want 0", b.Buffered())
	}
}

func TestFractionalChunkWaitsForFullDuration(t *testing.T) {
	// 11025 Hz * 100ms = 1102.5 samples, so 1102 samples are not yet 100ms of audio.
	b := mustNew(t, 11025, DefaultChunkDuration)

	if chunks := b.Append(ramp(0, 1102)); len(chunks) != 0 {
		t.Fatalf("got %d chunks before reaching the duration", len(chunks))
	}
	chunks := b.Append(ramp(1102, 1))
	if len(chunks) != 1 || chunks[0].Samples() != 1102 {
		t.Fatalf("unexpected chunks %v", len(chunks))
	}
	if b.Buffered() != 1 {
		t.Errorf("buffered %d, want 1", b.Buffered())
	}
}

func TestAppendCopiesBatch(t *testing.T) {
	b := mustNew(t, 16000, DefaultChunkDuration)
	batch := ramp(0, 100)
	b.Append(batch)
	for i := range batch {
		batch[i] = 0
	}
	rest := b.Flush()
	if got := int16(binary.LittleEndian.Uint16(rest[2*99:])); got != 99 {
		t.Fatalf("buffer aliases caller slice, sample 99 = %d", got)
	}
}

func TestLosslessReassembly(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for _, rate := range []int{8000, 16000, 22050, 44100} {
		b := mustNew(t, rate, DefaultChunkDuration)

		var want, got bytes.Buffer
		for i := 0; i < 200; i++ {
			batch := make([]int16, rng.Intn(3000))
			for j := range batch {
				batch[j] = int16(rng.Intn(1<<16) - 1<<15)
			}
			_ = binary.Write(&want, binary.LittleEndian, batch)

			for _, c := range b.Append(batch) {
				if c.Samples() != b.ChunkSamples() {
					t.Fatalf("rate %d: chunk of %d samples, want %d", rate, c.Samples(), b.ChunkSamples())
				}
				got.Write(c)
			}
			if b.Buffered() >= b.ChunkSamples()+1 {
				t.Fatalf("rate %d: %d samples left queued", rate, b.Buffered())
			}
		}
		got.Write(b.Flush())

		if !bytes.Equal(want.Bytes(), got.Bytes()) {
			t.Fatalf("rate %d: reassembled %d bytes differ from %d appended", rate, got.Len(), want.Len())
		}
		if b.Buffered() != 0 {
			t.Fatalf("rate %d: flush left %d samples", rate, b.Buffered())
		}
	}
}
