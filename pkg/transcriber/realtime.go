package transcriber

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	DefaultRealtimeURL        = "wss://api.assemblyai.com/v2/realtime/ws"
	DefaultTerminationTimeout = 5 * time.Second
)

type RealtimeConfig struct {
	URL        string
	SampleRate int
	// Token is a temporary token from TokenClient, preferred over APIKey for untrusted clients.
	Token  string
	APIKey string

	WordBoost []string
	// EndUtteranceSilenceThreshold in milliseconds, 0 keeps the service default.
	EndUtteranceSilenceThreshold int
	TerminationTimeout           time.Duration

	Dialer *websocket.Dialer
}

// assemblyAIRealtime speaks the AssemblyAI realtime v2 protocol:
//  1. dial with sample_rate and token in the query string,
//  2. SessionBegins is the first message,
//  3. audio goes up as binary frames, transcripts come down as JSON text frames,
//  4. terminate_session makes the service flush finals and answer SessionTerminated.
//
// Invariant: only readLoop reads from conn, all writes hold writeMu.
type assemblyAIRealtime struct {
	config RealtimeConfig

	conn      *websocket.Conn
	sessionID string
	writeMu   sync.Mutex

	results    chan Result
	terminated chan struct{}
	done       chan struct{}
	readDone   chan struct{}

	terminatedOnce sync.Once
	closeOnce      sync.Once
}

func NewAssemblyAIRealtime(config RealtimeConfig) Realtime {
	if config.URL == "" {
		config.URL = DefaultRealtimeURL
	}
	if config.TerminationTimeout <= 0 {
		config.TerminationTimeout = DefaultTerminationTimeout
	}
	if config.Dialer == nil {
		config.Dialer = websocket.DefaultDialer
	}
	return &assemblyAIRealtime{
		config:     config,
		results:    make(chan Result, 64),
		terminated: make(chan struct{}),
		done:       make(chan struct{}),
		readDone:   make(chan struct{}),
	}
}

func (a *assemblyAIRealtime) buildURL() (string, error) {
	u, err := url.Parse(a.config.URL)
	if err != nil {
		return "", errors.Wrapf(err, "cannot parse realtime url %s", a.config.URL)
	}
	q := u.Query()
	q.Set("sample_rate", strconv.Itoa(a.config.SampleRate))
	q.Set("encoding", "pcm_s16le")
	if a.config.Token != "" {
		q.Set("token", a.config.Token)
	}
	if len(a.config.WordBoost) > 0 {
		wordBoost, err := sonic.Marshal(a.config.WordBoost)
		if err != nil {
			return "", errors.Wrap(err, "cannot encode word_boost")
		}
		q.Set("word_boost", string(wordBoost))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (a *assemblyAIRealtime) Connect(ctx context.Context) error {
	if a.conn != nil {
		return ErrAlreadyConnected
	}
	if a.config.SampleRate <= 0 {
		return errors.Errorf("realtime sample rate must be positive, got %d", a.config.SampleRate)
	}
	if a.config.Token == "" && a.config.APIKey == "" {
		return errors.New("realtime transcriber needs either a token or an api key")
	}

	wsURL, err := a.buildURL()
	if err != nil {
		return err
	}
	header := http.Header{}
	if a.config.Token == "" {
		header.Set("Authorization", a.config.APIKey)
	}

	startTime := time.Now()
	conn, resp, err := a.config.Dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return errors.Wrapf(err, "cannot dial realtime service (http status %d)", resp.StatusCode)
		}
		return errors.Wrap(err, "cannot dial realtime service")
	}

	begins, err := readSessionBegins(ctx, conn)
	if err != nil {
		_ = conn.Close()
		return err
	}
	a.conn = conn
	a.sessionID = begins.SessionID
	log.Info().Str("session_id", begins.SessionID).Str("expires_at", begins.ExpiresAt).Int("sample_rate", a.config.SampleRate).Dur("connect_time", time.Since(startTime)).Msg("realtime session began")

	if a.config.EndUtteranceSilenceThreshold > 0 {
		err = a.writeJSON(endUtteranceSilenceThresholdMessage{EndUtteranceSilenceThreshold: a.config.EndUtteranceSilenceThreshold})
		if err != nil {
			_ = conn.Close()
			return errors.Wrap(err, "cannot configure end utterance silence threshold")
		}
	}

	go a.readLoop()
	return nil
}

// readSessionBegins blocks for the handshake message, honoring the ctx deadline.
func readSessionBegins(ctx context.Context, conn *websocket.Conn) (msg RealtimeMessage, err error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
		defer func() { _ = conn.SetReadDeadline(time.Time{}) }()
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) && isServiceCloseCode(closeErr.Code) {
			err = &CloseError{Code: closeErr.Code, Reason: closeErr.Text}
			return
		}
		err = errors.Wrap(err, "cannot read SessionBegins")
		return
	}
	if err = sonic.Unmarshal(data, &msg); err != nil {
		err = errors.Wrapf(err, "cannot decode SessionBegins %s", string(data))
		return
	}
	if msg.Error != "" {
		err = errors.Errorf("realtime service refused session: %s", msg.Error)
		return
	}
	if msg.MessageType != SessionBegins {
		err = errors.Errorf("expected %s, got %q", SessionBegins, msg.MessageType)
		return
	}
	return
}

func (a *assemblyAIRealtime) readLoop() {
	defer close(a.readDone)
	defer close(a.results)

	for {
		messageType, data, err := a.conn.ReadMessage()
		if err != nil {
			a.handleReadError(err)
			return
		}
		if messageType != websocket.TextMessage {
			log.Debug().Int("message_type", messageType).Msg("ignoring non-text realtime message")
			continue
		}

		var msg RealtimeMessage
		if err := sonic.Unmarshal(data, &msg); err != nil {
			log.Error().Err(err).Str("message", string(data)).Msg("couldn't decode realtime message")
			continue
		}

		switch {
		case msg.Error != "":
			a.push(Result{Err: errors.Errorf("realtime service error: %s", msg.Error)})
		case msg.MessageType == SessionTerminated:
			log.Info().Str("session_id", a.sessionID).Msg("realtime session terminated")
			a.push(Result{Message: msg})
			a.terminatedOnce.Do(func() { close(a.terminated) })
		case msg.IsTranscript():
			log.Trace().Str("message_type", string(msg.MessageType)).Int("audio_start", msg.AudioStart).Int("audio_end", msg.AudioEnd).Str("text", msg.Text).Msg("received transcript")
			a.push(Result{Message: msg})
		default:
			log.Debug().Str("message_type", string(msg.MessageType)).Msg("passing through realtime message")
			a.push(Result{Message: msg})
		}
	}
}

func (a *assemblyAIRealtime) handleReadError(err error) {
	select {
	case <-a.done:
		// We closed the socket ourselves.
		return
	default:
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		if isServiceCloseCode(closeErr.Code) {
			a.push(Result{Err: &CloseError{Code: closeErr.Code, Reason: closeErr.Text}})
			return
		}
		if closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseNoStatusReceived {
			log.Info().Str("session_id", a.sessionID).Msg("realtime connection closed normally by the service")
			return
		}
	}
	a.push(Result{Err: errors.Wrap(err, "realtime connection lost")})
}

// push never blocks past Close, a consumer that stopped listening must not wedge readLoop.
func (a *assemblyAIRealtime) push(r Result) {
	select {
	case a.results <- r:
		return
	default:
	}
	select {
	case a.results <- r:
	case <-a.done:
		log.Debug().Msg("dropping realtime result after close")
	}
}

func (a *assemblyAIRealtime) SendAudio(chunk []byte) error {
	if a.conn == nil {
		return ErrNotConnected
	}
	select {
	case <-a.done:
		return ErrSessionTerminated
	case <-a.terminated:
		return ErrSessionTerminated
	default:
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if err := a.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
		return errors.Wrap(err, "cannot send audio chunk")
	}
	return nil
}

func (a *assemblyAIRealtime) ForceEndUtterance() error {
	if a.conn == nil {
		return ErrNotConnected
	}
	return a.writeJSON(forceEndUtteranceMessage{ForceEndUtterance: true})
}

func (a *assemblyAIRealtime) writeJSON(v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "cannot encode realtime message")
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return a.conn.WriteMessage(websocket.TextMessage, data)
}

func (a *assemblyAIRealtime) Close(waitForTermination bool) (err error) {
	if a.conn == nil {
		return ErrNotConnected
	}
	a.closeOnce.Do(func() {
		if waitForTermination {
			a.terminate()
		}
		close(a.done)

		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if werr := a.conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second)); werr != nil {
			log.Debug().Err(werr).Msg("cannot write realtime close frame")
		}
		if cerr := a.conn.Close(); cerr != nil {
			err = errors.Wrap(cerr, "cannot close realtime connection")
		}
	})
	<-a.readDone
	return
}

// terminate asks the service to flush and waits until it confirms, the connection drops,
// or TerminationTimeout passes.
func (a *assemblyAIRealtime) terminate() {
	select {
	case <-a.terminated:
		return
	case <-a.readDone:
		return
	default:
	}
	if err := a.writeJSON(terminateSessionMessage{TerminateSession: true}); err != nil {
		log.Warn().Err(err).Msg("cannot send terminate_session, closing right away")
		return
	}
	select {
	case <-a.terminated:
	case <-a.readDone:
	case <-time.After(a.config.TerminationTimeout):
		log.Warn().Dur("timeout", a.config.TerminationTimeout).Str("session_id", a.sessionID).Msg("realtime session did not confirm termination in time")
	}
}

func (a *assemblyAIRealtime) Results() <-chan Result {
	return a.results
}

func (a *assemblyAIRealtime) SessionID() string {
	return a.sessionID
}
