package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/petrzlen/realtime-transcription/internal/config"
	"github.com/petrzlen/realtime-transcription/internal/metrics"
	"github.com/petrzlen/realtime-transcription/internal/networking"
	"github.com/petrzlen/realtime-transcription/internal/relay"
	"github.com/petrzlen/realtime-transcription/internal/utils"
	"github.com/petrzlen/realtime-transcription/pkg/session"
	"github.com/petrzlen/realtime-transcription/pkg/transcriber"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "twilio",
	Short: "Realtime transcription server",
	Long: `Serves
  /token   temporary AssemblyAI tokens for browser clients,
  /ws      PCM16LE websocket relay, ?sample_rate= defaults to 16000, transcript updates come back as JSON,
  /twilio  Twilio Media Streams, caller transcripts are logged,
  /metrics Prometheus metrics.`,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(afero.NewOsFs(), configPath, ".env")
		if err != nil {
			return err
		}
		utils.SetupZerolog(cfg.Log.Level)
		if err := cfg.RequireAssemblyAIKey(); err != nil {
			return err
		}
		return serve(cfg)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "yaml config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		ftl(err)
	}
}

func serve(cfg config.Config) error {
	tokens := transcriber.NewTokenClient(cfg.AssemblyAI.APIKey)
	tokens.URL = cfg.AssemblyAI.TokenURL

	// Every websocket peer gets its own short lived token.
	newRealtime := func(sampleRate int) transcriber.Realtime {
		return transcriber.NewTokenRealtime(tokens, cfg.AssemblyAI.TokenExpiresIn, transcriber.RealtimeConfig{
			URL:                          cfg.AssemblyAI.RealtimeURL,
			SampleRate:                   sampleRate,
			WordBoost:                    cfg.AssemblyAI.WordBoost,
			EndUtteranceSilenceThreshold: cfg.AssemblyAI.EndUtteranceSilenceThresholdMs,
		})
	}

	sessionMetrics := metrics.New(prometheus.DefaultRegisterer)
	relays := relay.New(newRealtime,
		session.WithChunkDuration(cfg.Audio.ChunkDuration()),
		session.WithFlushOnStop(cfg.Audio.FlushOnStop),
		session.WithMetrics(sessionMetrics),
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/token", transcriber.NewTokenHandler(tokens, cfg.AssemblyAI.TokenExpiresIn))
	mux.HandleFunc("/ws", networking.NewWebsocketHandlerFunc(relays.PCMHandler))
	mux.HandleFunc("/twilio", networking.NewWebsocketHandlerFunc(relays.TwilioHandler))
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{Addr: cfg.Server.Bind, Handler: mux}
	go shutdownOnSignal(server, relays)

	log.Info().Str("bind", cfg.Server.Bind).Msg("serving /token, /ws, /twilio and /metrics")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func shutdownOnSignal(server *http.Server, relays *relay.Relay) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	log.Info().Msgf("Received signal: %v", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// Hijacked websockets are not tracked by Shutdown, the relay closes those.
	dbg(relays.Shutdown(ctx))
	dbg(server.Shutdown(ctx))
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
