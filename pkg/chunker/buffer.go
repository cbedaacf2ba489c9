// Package chunker turns irregular PCM16 sample batches into fixed-duration
// little-endian byte chunks suitable for a realtime transcription socket.
package chunker

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// DefaultChunkDuration is what AssemblyAI recommends for realtime streaming.
const DefaultChunkDuration = 100 * time.Millisecond

var ErrInvalidArgument = errors.New("chunker: invalid argument")

// Chunk is raw PCM16LE audio.
type Chunk []byte

// Samples returns the number of int16 samples encoded in the chunk.
func (c Chunk) Samples() int {
	return len(c) / 2
}

// Buffer accumulates samples and cuts them into chunks of exactly ChunkSamples.
// It is NOT safe for concurrent use, appends must be serialized by the caller.
type Buffer struct {
	sampleRate    int
	chunkDuration time.Duration
	chunkSamples  int

	queue []int16
}

// New returns an empty Buffer. A chunk holds floor(sampleRate * chunkDuration) samples,
// which has to be at least one.
func New(sampleRate int, chunkDuration time.Duration) (*Buffer, error) {
	if sampleRate <= 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "sample rate must be positive, got %d", sampleRate)
	}
	if chunkDuration <= 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "chunk duration must be positive, got %s", chunkDuration)
	}
	chunkSamples := int(int64(sampleRate) * int64(chunkDuration) / int64(time.Second))
	if chunkSamples < 1 {
		return nil, errors.Wrap(ErrInvalidArgument, fmt.Sprintf("chunk of %s at %d Hz holds no samples", chunkDuration, sampleRate))
	}
	return &Buffer{
		sampleRate:    sampleRate,
		chunkDuration: chunkDuration,
		chunkSamples:  chunkSamples,
		queue:         make([]int16, 0, 2*chunkSamples),
	}, nil
}

func (b *Buffer) SampleRate() int {
	return b.sampleRate
}

func (b *Buffer) ChunkDuration() time.Duration {
	return b.chunkDuration
}

// ChunkSamples is the fixed number of samples in every non-flush chunk.
func (b *Buffer) ChunkSamples() int {
	return b.chunkSamples
}

// Buffered is the number of samples waiting for the next chunk.
func (b *Buffer) Buffered() int {
	return len(b.queue)
}

// BufferedDuration is the audio duration of the samples waiting for the next chunk.
func (b *Buffer) BufferedDuration() time.Duration {
	return time.Duration(int64(len(b.queue)) * int64(time.Second) / int64(b.sampleRate))
}

// Append queues the batch and returns every full chunk that became available, oldest first.
// The batch is copied, callers may reuse it.
func (b *Buffer) Append(batch []int16) []Chunk {
	if len(batch) == 0 {
		return nil
	}
	b.queue = append(b.queue, batch...)

	var chunks []Chunk
	offset := 0
	for b.hasFullChunk(len(b.queue) - offset) {
		chunks = append(chunks, encode(b.queue[offset:offset+b.chunkSamples]))
		offset += b.chunkSamples
	}
	if offset > 0 {
		// Shift the remainder to the front so the backing array does not grow forever.
		n := copy(b.queue, b.queue[offset:])
		b.queue = b.queue[:n]
	}
	return chunks
}

// Flush returns whatever is buffered (possibly shorter than a chunk, possibly empty)
// and empties the queue.
func (b *Buffer) Flush() Chunk {
	chunk := encode(b.queue)
	b.queue = b.queue[:0]
	return chunk
}

// Reset drops the buffered samples.
func (b *Buffer) Reset() {
	b.queue = b.queue[:0]
}

// hasFullChunk compares durations exactly: queued/rate >= chunkDuration.
func (b *Buffer) hasFullChunk(queued int) bool {
	if queued < b.chunkSamples {
		return false
	}
	return int64(queued)*int64(time.Second) >= int64(b.chunkDuration)*int64(b.sampleRate)
}

func encode(samples []int16) Chunk {
	out := make(Chunk, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}
