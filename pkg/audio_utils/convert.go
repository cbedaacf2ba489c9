package audio_utils

import (
	"encoding/binary"
	"fmt"
	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"io"
)

func dbg(err error) {
	if err != nil {
		log.Debug().Err(err).Msg("sth non-essential failed")
	}
}

// ConvertTwoByteSamplesToWav assumes S16LE encoding (or two bytes per value)
func ConvertTwoByteSamplesToWav(byteData []byte, sampleRate uint32, numChannels uint32) (result []byte, err error) {
	return ConvertInt16SamplesToWav(BytesToInt16(byteData), sampleRate, numChannels)
}

// ConvertInt16SamplesToWav wraps already decoded samples into a PCM wav file.
func ConvertInt16SamplesToWav(samples []int16, sampleRate uint32, numChannels uint32) (result []byte, err error) {
	// For most parameters, we just do the same in both input and output.
	inputBuffer := &audio.IntBuffer{
		Data: Int16ToInts(samples),
		Format: &audio.Format{
			SampleRate:  int(sampleRate),
			NumChannels: int(numChannels),
		},
		SourceBitDepth: 16,
	}

	audioFormat := 1
	return convertIntSamplesToWav(inputBuffer, sampleRate, numChannels, audioFormat)
}

func convertIntSamplesToWav(inputBuffer *audio.IntBuffer, sampleRate uint32, numChannels uint32, audioFormat int) (result []byte, err error) {
	if len(inputBuffer.Data) == 0 {
		return // Nothing to do
	}

	// Create a new in-memory file system
	fs := afero.NewMemMapFs()
	// Create an in-memory file to support io.WriteSeeker needed for NewEncoder which is needed for finalizing headers.
	inMemoryFilename := "in-memory-output.wav"
	inMemoryFile, err := fs.Create(inMemoryFilename)
	if err != nil {
		err = fmt.Errorf("cannot create in-memory wav file %w", err)
		return
	}
	// We will call Close ourselves.

	outputBitDepth := 16
	iSampleRate := int(sampleRate)
	iNumChannels := int(numChannels)
	wavEncoder := wav.NewEncoder(inMemoryFile, iSampleRate, outputBitDepth, iNumChannels, audioFormat)
	log.Debug().Int("int_data_length", len(inputBuffer.Data)).Int("sample_rate", iSampleRate).Int("source_bit_depth", inputBuffer.SourceBitDepth).Int("output_bit_depth", outputBitDepth).Int("num_channels", iNumChannels).Int("audio_format", audioFormat).Msg("encoding int stream output as a wav")
	if err = wavEncoder.Write(inputBuffer); err != nil {
		err = fmt.Errorf("cannot encode byte output as wav %w", err)
		return
	}

	// Close the wavEncoder to flush any remaining data and finalize the WAV file
	if err = wavEncoder.Close(); err != nil {
		err = fmt.Errorf("cannot finish wav encoding %w", err)
		return
	}

	// We close and re-open the file so we can properly read-all of its contents.
	dbg(inMemoryFile.Close())
	inMemoryFileReopen, err := fs.Open(inMemoryFilename)
	if err != nil {
		err = fmt.Errorf("cannot reopen in-memory wav file %w", err)
		return
	}
	defer func() { dbg(inMemoryFileReopen.Close()) }()
	result, err = io.ReadAll(inMemoryFileReopen)
	if err == nil && len(result) == 0 {
		err = fmt.Errorf("wav output is empty when input was not")
		return
	}
	return
}

// Int16ToBytes encodes samples as PCM16LE.
func Int16ToBytes(samples []int16) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

// BytesToInt16 decodes PCM16LE, a trailing odd byte is dropped.
func BytesToInt16(audioData []byte) []int16 {
	samples := make([]int16, len(audioData)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(audioData[2*i:]))
	}
	return samples
}

func Int16ToInts(samples []int16) []int {
	intData := make([]int, len(samples))
	for i, s := range samples {
		intData[i] = int(s)
	}
	return intData
}
