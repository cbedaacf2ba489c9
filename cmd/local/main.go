package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/petrzlen/realtime-transcription/internal/config"
	"github.com/petrzlen/realtime-transcription/internal/utils"
	"github.com/petrzlen/realtime-transcription/pkg/audio_utils"
	"github.com/petrzlen/realtime-transcription/pkg/audioio"
	"github.com/petrzlen/realtime-transcription/pkg/session"
	"github.com/petrzlen/realtime-transcription/pkg/transcriber"
	"github.com/rs/zerolog/log"
	"github.com/sashabaranov/go-openai"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

var (
	configPath string
	compare    bool
	noPlayback bool
	outputDir  string
)

var rootCmd = &cobra.Command{
	Use:   "local",
	Short: "Realtime transcription from this machine",
	Long: `Streams audio to the AssemblyAI realtime service and prints the transcript as it grows.

Press Enter to start recording, Enter again to stop. Ctrl+C quits.

Configuration comes from --config (yaml), then .env, then the environment,
ASSEMBLYAI_API_KEY is required.`,
	SilenceUsage: true,
}

var micCmd = &cobra.Command{
	Use:   "mic",
	Short: "Transcribe the default microphone",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		newDevice := func() (audioio.InputDevice, error) {
			return audioio.NewMicrophone(uint32(cfg.Audio.SampleRate)) // About 200ms
		}
		return runToggleLoop(cfg, newDevice)
	},
}

var fileCmd = &cobra.Command{
	Use:   "file <path>",
	Short: "Transcribe a wav, mp3 or flac file as if it was spoken live",
	Long: `Streams the file in realtime and plays it on the speakers at playback.volume,
so what you hear is what gets transcribed. Use --no-playback to stream silently.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		fs := afero.NewOsFs()
		path := args[0]

		var opts []audioio.FileSourceOption
		if !noPlayback {
			pcm, err := audio_utils.DecodeFile(fs, path)
			if err != nil {
				return err
			}
			// The audio context can be created only once per process, so the speakers are shared by all recordings.
			speakers, err := audioio.NewSpeakers(pcm.SampleRate, 1)
			if err != nil {
				return err
			}
			opts = append(opts, audioio.WithPlayback(speakers, cfg.Playback.Volume))
		}
		newDevice := func() (audioio.InputDevice, error) {
			return audioio.NewFileSource(fs, path, opts...)
		}
		return runToggleLoop(cfg, newDevice)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "yaml config file")
	rootCmd.PersistentFlags().BoolVar(&compare, "compare", false, "re-transcribe every recording with OpenAI Whisper and log both transcripts")
	rootCmd.PersistentFlags().StringVarP(&outputDir, "output", "o", "", "directory to write each recording to as wav")
	fileCmd.Flags().BoolVar(&noPlayback, "no-playback", false, "do not play the file while streaming it")
	rootCmd.AddCommand(micCmd, fileCmd)
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(afero.NewOsFs(), configPath, ".env")
	if err != nil {
		return cfg, err
	}
	utils.SetupZerolog(cfg.Log.Level)
	if err := cfg.RequireAssemblyAIKey(); err != nil {
		return cfg, err
	}
	if compare && cfg.OpenAI.APIKey == "" {
		return cfg, fmt.Errorf("--compare needs OPEN_AI_API_KEY")
	}
	return cfg, nil
}

func setupSignalHandler(cleanup func()) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigs
		log.Info().Msgf("Received signal: %v", sig)

		cleanup()

		// Exit if necessary
		os.Exit(1)
	}()
}

// Goroutine turning stdin lines into Enter presses.
func enterRoutine(enters chan<- struct{}) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		enters <- struct{}{}
	}
	dbg(scanner.Err())
	close(enters)
}

// printEventsRoutine renders the transcript in place, like a text area being rewritten.
func printEventsRoutine(s *session.Session, done chan<- struct{}) {
	defer close(done)
	for event := range s.Events() {
		switch ev := event.(type) {
		case session.TranscriptReceived:
			fmt.Printf("\r\033[K%s", ev.Text)
		case session.ErrorOccurred:
			fmt.Printf("\n[error] %v\n", ev.Err)
		case session.Closed:
			fmt.Printf("\r\033[K%s\n", ev.Text)
		}
	}
}

func newRealtime(cfg config.Config, sampleRate int) transcriber.Realtime {
	return transcriber.NewAssemblyAIRealtime(transcriber.RealtimeConfig{
		URL:                          cfg.AssemblyAI.RealtimeURL,
		SampleRate:                   sampleRate,
		APIKey:                       cfg.AssemblyAI.APIKey,
		WordBoost:                    cfg.AssemblyAI.WordBoost,
		EndUtteranceSilenceThreshold: cfg.AssemblyAI.EndUtteranceSilenceThresholdMs,
	})
}

func runToggleLoop(cfg config.Config, newDevice func() (audioio.InputDevice, error)) error {
	var whisper transcriber.Transcriber
	if compare {
		whisper = transcriber.NewOpenAIWhisper(openai.NewClient(cfg.OpenAI.APIKey), cfg.OpenAI.Language)
	}

	var current atomic.Pointer[session.Session]
	setupSignalHandler(func() {
		if s := current.Load(); s != nil {
			_, err := s.Stop()
			dbg(err)
		}
	})

	enters := make(chan struct{})
	go enterRoutine(enters)

	for i := 1; ; i++ {
		fmt.Println("Press Enter to start recording...")
		if _, ok := <-enters; !ok {
			return nil
		}

		setupStart := time.Now()
		device, err := newDevice()
		if err != nil {
			return err
		}
		s, err := session.New(device, newRealtime(cfg, device.SampleRate()),
			session.WithChunkDuration(cfg.Audio.ChunkDuration()),
			session.WithFlushOnStop(cfg.Audio.FlushOnStop),
		)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = s.Start(ctx)
		cancel()
		if err != nil {
			log.Error().Err(err).Msg("cannot start recording, try again")
			continue
		}
		current.Store(s)
		eventsDone := make(chan struct{})
		go printEventsRoutine(s, eventsDone)
		log.Debug().Dur("setup_time", time.Since(setupStart)).Str("session_id", s.ID()).Msg("recording")
		fmt.Println("Recording... press Enter to stop")

		stdinOpen := true
		select {
		case _, stdinOpen = <-enters:
		case <-eventsDone:
			// Ended on its own, end of file or a service error.
		}
		wav, err := s.Stop()
		dbg(err)
		<-eventsDone
		current.Store(nil)

		if outputDir != "" && len(wav) > 0 {
			// For debug purposes write the output to a real file so we can replay it.
			dbg(os.WriteFile(fmt.Sprintf("%s/recording-%d.wav", outputDir, i), wav, 0644))
		}
		if whisper != nil && len(wav) > 0 {
			if _, err := transcriber.CompareToFullTranscript(whisper, wav, s.Text()); err != nil {
				log.Error().Err(err).Msg("cannot re-transcribe the recording")
			}
		}
		if !stdinOpen {
			return nil
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		ftl(err)
	}
}

func dbg(err error) {
	if err != nil {
		log.Debug().Err(err).Msg("sth non-essential failed")
	}
}

func ftl(err error) {
	if err != nil {
		log.Fatal().Err(err).Msg("sth essential failed")
		debug.PrintStack()
	}
}
