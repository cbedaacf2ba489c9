package main

import (
	"encoding/base64"
	"fmt"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/petrzlen/realtime-transcription/internal/utils"
	"github.com/petrzlen/realtime-transcription/pkg/audio_utils"
	"github.com/petrzlen/realtime-transcription/pkg/audioio"
	"github.com/petrzlen/realtime-transcription/pkg/chunker"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

var (
	chunkMs  int
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "convert <input> <output.wav>",
	Short: "Convert audio into the mono PCM16 wav that gets streamed for transcription",
	Long: `Decodes wav, mp3 or flac (channels averaged, scaled to 16 bit), or Twilio media:
  .ulaw  raw 8 kHz mu-law bytes,
  .b64   base64 mu-law, e.g. a media payload copied from the logs.

Also reports how many chunks the session would send for it, handy to replay a call
or to check a file before "local file".`,
	Args:         cobra.ExactArgs(2),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		utils.SetupZerolog(logLevel)
		return convert(afero.NewOsFs(), args[0], args[1], time.Duration(chunkMs)*time.Millisecond)
	},
}

func init() {
	rootCmd.Flags().IntVar(&chunkMs, "chunk-ms", 100, "chunk duration used for the chunk report")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "trace, debug, info, warn or error")
}

func decode(fs afero.Fs, path string) (audio_utils.PCM, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ulaw":
		mulawBytes, err := afero.ReadFile(fs, path)
		if err != nil {
			return audio_utils.PCM{}, fmt.Errorf("cannot read %s %w", path, err)
		}
		return audio_utils.PCM{Samples: audio_utils.DecodeMulaw(mulawBytes), SampleRate: audioio.TwilioSampleRate}, nil
	case ".b64":
		data, err := afero.ReadFile(fs, path)
		if err != nil {
			return audio_utils.PCM{}, fmt.Errorf("cannot read %s %w", path, err)
		}
		mulawBytes, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return audio_utils.PCM{}, fmt.Errorf("cannot decode base64 mulaw %w", err)
		}
		return audio_utils.PCM{Samples: audio_utils.DecodeMulaw(mulawBytes), SampleRate: audioio.TwilioSampleRate}, nil
	}
	return audio_utils.DecodeFile(fs, path)
}

func convert(fs afero.Fs, input string, output string, chunkDuration time.Duration) error {
	pcm, err := decode(fs, input)
	if err != nil {
		return err
	}

	buffer, err := chunker.New(pcm.SampleRate, chunkDuration)
	if err != nil {
		return err
	}
	chunks := len(buffer.Append(pcm.Samples))
	rest := buffer.Buffered()

	wavData, err := audio_utils.ConvertInt16SamplesToWav(pcm.Samples, uint32(pcm.SampleRate), 1)
	if err != nil {
		return err
	}
	if err := afero.WriteFile(fs, output, wavData, 0644); err != nil {
		return fmt.Errorf("cannot write %s %w", output, err)
	}

	log.Info().Str("input", input).Str("output", output).Int("sample_rate", pcm.SampleRate).Int64("duration_ms", pcm.DurationMs()).Int("chunks", chunks).Int("chunk_samples", buffer.ChunkSamples()).Int("remainder_samples", rest).Msg("converted")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		ftl(err)
	}
}

func ftl(err error) {
	if err != nil {
		log.Fatal().Err(err).Msg("sth essential failed")
		debug.PrintStack()
	}
}
