// TLDR; Go itself cannot work with Microphone's well
// BUT it can bind with C-libraries which can do this with a bit of black-magic.
package audioio

import (
	"fmt"
	"github.com/gen2brain/malgo"
	"github.com/petrzlen/realtime-transcription/pkg/audio_utils"
	"github.com/rs/zerolog/log"
	"strings"
	"time"
)

func dbg(err error) {
	if err != nil {
		log.Debug().Err(err).Msg("sth non-essential failed")
	}
}

const MyDeviceInputChannels uint32 = 1

type microphone struct {
	device       *malgo.Device
	deviceConfig malgo.DeviceConfig
	malgoContext *malgo.AllocatedContext

	recordingStart time.Time
	recording      recording
}

// NewMicrophone inits the default capture device at sampleRate (mono S16),
// you should defer StopRecording
func NewMicrophone(sampleRate uint32) (result InputDevice, err error) {
	log.Info().Msg("malgo init context (miniaudio)")
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		log.Debug().Msg(strings.Replace("malgo devices: "+message, "\n", "", -1))
	})
	if err != nil {
		err = fmt.Errorf("cannot init malgo context %w", err)
		return
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = MyDeviceInputChannels
	// miniaudio resamples for us when the hardware runs at a different rate.
	deviceConfig.SampleRate = sampleRate
	deviceConfig.Alsa.NoMMap = 1

	result = &microphone{
		deviceConfig: deviceConfig,
		malgoContext: ctx,
	}
	return
}

func (m *microphone) getFormat() malgo.FormatType {
	return m.deviceConfig.Capture.Format
}

func (m *microphone) SampleRate() int {
	return int(m.deviceConfig.SampleRate)
}

// StartRecording can only be called once for NewMicrophone
// Mostly from https://github.com/gen2brain/malgo/blob/master/_examples/capture/capture.go
func (m *microphone) StartRecording(batches chan<- []int16) (err error) {
	format := m.getFormat()
	sizeInBytes := uint32(malgo.SampleSizeInBytes(format))
	if sizeInBytes != 2 {
		return fmt.Errorf("expected 2 bytes for sample format %v, got %d", format, sizeInBytes)
	}
	if err = m.recording.start(batches); err != nil {
		return
	}

	onRecvFrames := func(pOutputSample, pInputSamples []byte, framecount uint32) {
		// Called from the audio thread roughly every 10ms, the slice is reused by miniaudio.
		m.recording.emit(audio_utils.BytesToInt16(pInputSamples))
	}

	captureCallbacks := malgo.DeviceCallbacks{
		Data: onRecvFrames,
	}
	m.device, err = malgo.InitDevice(m.malgoContext.Context, m.deviceConfig, captureCallbacks)
	if err != nil {
		m.recording.end()
		err = fmt.Errorf("cannot init malgo device with config %v: %w", m.deviceConfig, err)
		return
	}

	log.Info().Int("sample_rate", m.SampleRate()).Msg("malgo START recording...")
	m.recordingStart = time.Now()
	err = m.device.Start()
	if err != nil {
		m.recording.end()
		err = fmt.Errorf("cannot start malgo device %w", err)
		return
	}
	return
}

func (m *microphone) StopRecording() (entireRecording []byte, err error) {
	if m.device == nil {
		return nil, ErrNotRecording
	}
	if m.recording.isEnded() {
		return m.recording.wav(m.SampleRate())
	}
	log.Info().Dur("recording_duration", time.Since(m.recordingStart)).Msg("malgo STOP recording")
	dbg(m.device.Stop())
	m.device.Uninit()
	dbg(m.malgoContext.Uninit())
	m.malgoContext.Free()

	m.recording.end()

	// Might NOT work with non-1 number of channels
	return m.recording.wav(m.SampleRate())
}
