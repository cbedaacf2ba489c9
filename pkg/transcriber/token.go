package transcriber

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	DefaultTokenURL       = "https://api.assemblyai.com/v2/realtime/token"
	DefaultTokenExpiresIn = 3600
)

// TokenClient exchanges the long-lived API key for a temporary realtime token,
// so that the key never has to leave the backend.
type TokenClient struct {
	APIKey     string
	URL        string
	HTTPClient *http.Client
}

func NewTokenClient(apiKey string) *TokenClient {
	return &TokenClient{
		APIKey:     apiKey,
		URL:        DefaultTokenURL,
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
	}
}

type tokenRequest struct {
	ExpiresIn int `json:"expires_in"`
}

type tokenResponse struct {
	Token string `json:"token,omitempty"`
	Error string `json:"error,omitempty"`
}

// CreateToken returns a token valid for expiresIn seconds.
func (t *TokenClient) CreateToken(ctx context.Context, expiresIn int) (string, error) {
	if t.APIKey == "" {
		return "", errors.New("api key is not set")
	}
	if expiresIn <= 0 {
		expiresIn = DefaultTokenExpiresIn
	}
	body, err := sonic.Marshal(tokenRequest{ExpiresIn: expiresIn})
	if err != nil {
		return "", errors.Wrap(err, "cannot encode token request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "cannot create token request")
	}
	req.Header.Set("Authorization", t.APIKey)
	req.Header.Set("Content-Type", "application/json")

	requestStart := time.Now()
	resp, err := t.HTTPClient.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "cannot request realtime token")
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrap(err, "cannot read token response")
	}
	var parsed tokenResponse
	if err := sonic.Unmarshal(respBody, &parsed); err != nil {
		return "", errors.Wrapf(err, "cannot decode token response (http status %d)", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK || parsed.Error != "" {
		return "", errors.Errorf("token request failed with http status %d: %s", resp.StatusCode, parsed.Error)
	}
	if parsed.Token == "" {
		return "", errors.New("token response has no token")
	}

	log.Debug().Int("expires_in", expiresIn).Dur("request_time", time.Since(requestStart)).Msg("created realtime token")
	return parsed.Token, nil
}

// NewTokenHandler serves {"token": "..."} for browser clients, or {"error": "..."} with a 500.
func NewTokenHandler(tokens *TokenClient, expiresIn int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		status := http.StatusOK
		var resp tokenResponse
		token, err := tokens.CreateToken(r.Context(), expiresIn)
		if err != nil {
			log.Error().Err(err).Str("remote_addr", r.RemoteAddr).Msg("cannot create realtime token")
			status = http.StatusInternalServerError
			resp.Error = err.Error()
		} else {
			resp.Token = token
		}

		data, err := sonic.Marshal(resp)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(status)
		_, _ = w.Write(data)
	}
}

// tokenRealtime fetches a fresh temporary token on Connect, so the api key is only ever
// sent to the token endpoint.
type tokenRealtime struct {
	Realtime
	tokens    *TokenClient
	expiresIn int
	config    RealtimeConfig
}

// NewTokenRealtime is NewAssemblyAIRealtime authenticated with a temporary token per session.
func NewTokenRealtime(tokens *TokenClient, expiresIn int, config RealtimeConfig) Realtime {
	config.APIKey = ""
	return &tokenRealtime{tokens: tokens, expiresIn: expiresIn, config: config}
}

func (t *tokenRealtime) Connect(ctx context.Context) error {
	if t.Realtime != nil {
		return ErrAlreadyConnected
	}
	token, err := t.tokens.CreateToken(ctx, t.expiresIn)
	if err != nil {
		return errors.Wrap(err, "cannot create realtime token")
	}
	config := t.config
	config.Token = token
	realtime := NewAssemblyAIRealtime(config)
	if err := realtime.Connect(ctx); err != nil {
		return err
	}
	t.Realtime = realtime
	return nil
}

func (t *tokenRealtime) SendAudio(chunk []byte) error {
	if t.Realtime == nil {
		return ErrNotConnected
	}
	return t.Realtime.SendAudio(chunk)
}

func (t *tokenRealtime) ForceEndUtterance() error {
	if t.Realtime == nil {
		return ErrNotConnected
	}
	return t.Realtime.ForceEndUtterance()
}

func (t *tokenRealtime) Close(waitForTermination bool) error {
	if t.Realtime == nil {
		return ErrNotConnected
	}
	return t.Realtime.Close(waitForTermination)
}

func (t *tokenRealtime) Results() <-chan Result {
	if t.Realtime == nil {
		return nil
	}
	return t.Realtime.Results()
}

func (t *tokenRealtime) SessionID() string {
	if t.Realtime == nil {
		return ""
	}
	return t.Realtime.SessionID()
}
