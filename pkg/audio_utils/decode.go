package audio_utils

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
	"github.com/mewkiz/flac"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

// PCM is mono 16 bit audio at its native sample rate.
type PCM struct {
	Samples    []int16
	SampleRate int
}

// Duration in milliseconds, good enough for logs.
func (p PCM) DurationMs() int64 {
	if p.SampleRate == 0 {
		return 0
	}
	return int64(len(p.Samples)) * 1000 / int64(p.SampleRate)
}

// DecodeFile picks the decoder by file extension: wav, mp3 or flac.
func DecodeFile(fs afero.Fs, path string) (result PCM, err error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		err = fmt.Errorf("cannot read audio file %s %w", path, err)
		return
	}

	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	switch ext {
	case "wav":
		result, err = DecodeWav(bytes.NewReader(data))
	case "mp3":
		result, err = DecodeMp3(bytes.NewReader(data))
	case "flac":
		result, err = DecodeFlac(bytes.NewReader(data))
	default:
		err = fmt.Errorf("unsupported audio file extension %q", ext)
	}
	if err != nil {
		return
	}
	log.Debug().Str("path", path).Int("sample_rate", result.SampleRate).Int("samples", len(result.Samples)).Int64("duration_ms", result.DurationMs()).Msg("decoded audio file")
	return
}

func DecodeWav(r io.ReadSeeker) (result PCM, err error) {
	decoder := wav.NewDecoder(r)
	if !decoder.IsValidFile() {
		err = fmt.Errorf("not a valid wav file")
		return
	}
	intBuffer, err := decoder.FullPCMBuffer()
	if err != nil {
		err = fmt.Errorf("cannot decode wav pcm %w", err)
		return
	}
	bitDepth := int(decoder.BitDepth)
	if intBuffer.SourceBitDepth > 0 {
		bitDepth = intBuffer.SourceBitDepth
	}
	result = PCM{
		Samples:    downmix(intBuffer.Data, intBuffer.Format.NumChannels, bitDepth),
		SampleRate: intBuffer.Format.SampleRate,
	}
	return
}

// DecodeMp3 relies on go-mp3 always producing 16 bit little endian stereo.
func DecodeMp3(r io.Reader) (result PCM, err error) {
	decoder, err := mp3.NewDecoder(r)
	if err != nil {
		err = fmt.Errorf("cannot create mp3 decoder %w", err)
		return
	}
	raw, err := io.ReadAll(decoder)
	if err != nil {
		err = fmt.Errorf("cannot decode mp3 %w", err)
		return
	}
	stereo := BytesToInt16(raw)
	result = PCM{
		Samples:    downmix(Int16ToInts(stereo), 2, 16),
		SampleRate: decoder.SampleRate(),
	}
	return
}

func DecodeFlac(r io.Reader) (result PCM, err error) {
	stream, err := flac.New(r)
	if err != nil {
		err = fmt.Errorf("cannot create flac decoder %w", err)
		return
	}
	defer func() { dbg(stream.Close()) }()

	numChannels := int(stream.Info.NChannels)
	bitDepth := int(stream.Info.BitsPerSample)
	interleaved := make([]int, 0, stream.Info.NSamples*uint64(numChannels))
	for {
		frame, parseErr := stream.ParseNext()
		if parseErr == io.EOF {
			break
		}
		if parseErr != nil {
			err = fmt.Errorf("cannot parse flac frame %w", parseErr)
			return
		}
		for i := 0; i < int(frame.BlockSize); i++ {
			for _, subframe := range frame.Subframes {
				interleaved = append(interleaved, int(subframe.Samples[i]))
			}
		}
	}
	result = PCM{
		Samples:    downmix(interleaved, numChannels, bitDepth),
		SampleRate: int(stream.Info.SampleRate),
	}
	return
}

// downmix averages interleaved channels and rescales to 16 bits.
// 8 bit PCM is unsigned, everything else signed.
func downmix(interleaved []int, numChannels int, bitDepth int) []int16 {
	if numChannels < 1 {
		numChannels = 1
	}
	out := make([]int16, len(interleaved)/numChannels)
	for i := range out {
		sum := 0
		for ch := 0; ch < numChannels; ch++ {
			sum += interleaved[i*numChannels+ch]
		}
		v := sum / numChannels
		switch {
		case bitDepth == 8:
			v = (v - 128) << 8
		case bitDepth > 16:
			v >>= bitDepth - 16
		case bitDepth > 0 && bitDepth < 16:
			v <<= 16 - bitDepth
		}
		out[i] = clamp16(v)
	}
	return out
}

func clamp16(v int) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
