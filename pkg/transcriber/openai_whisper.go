package transcriber

import (
	"context"
	"fmt"
	"github.com/rs/zerolog/log"
	"github.com/sashabaranov/go-openai"
	"io"
	"strings"
	"time"
)

type openAIWhisper struct {
	client   *openai.Client
	language string
	timeout  time.Duration
}

// NewOpenAIWhisper returns a batch Transcriber, language may be empty for auto-detection.
func NewOpenAIWhisper(client *openai.Client, language string) Transcriber {
	return &openAIWhisper{
		client:   client,
		language: language,
		timeout:  2 * time.Minute,
	}
}

func (o *openAIWhisper) SendAudio(input io.Reader, fileExtension string, prompt string) (result string, err error) {
	startTime := time.Now()
	req := openai.AudioRequest{
		Model:  openai.Whisper1,
		Reader: input,
		// The API sniffs the container from the file name only.
		FilePath: fmt.Sprintf("recording.%s", fileExtension),
		Prompt:   prompt,
		Language: o.language,
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()

	log.Debug().Str("model", req.Model).Str("prompt", prompt).Msg("create transcription request")
	resp, err := o.client.CreateTranscription(ctx, req)
	if err != nil {
		err = fmt.Errorf("cannot create transcription %w", err)
		return
	}

	result = strings.TrimSpace(resp.Text)
	log.Debug().Str("transcription", result).Dur("time_elapsed", time.Since(startTime)).Msg("received transcription")
	return
}
