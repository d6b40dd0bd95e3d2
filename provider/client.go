package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/bt-bridge/realtime-bridge/config"
	"github.com/bt-bridge/realtime-bridge/shared"
	"github.com/bt-bridge/realtime-bridge/tools"
)

// Conn is the slice of the websocket connection the client uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a provider connection. The default dials with
// gorilla/websocket; tests substitute an in-memory pipe.
type Dialer func(ctx context.Context, rawURL string, header http.Header) (Conn, error)

func defaultDialer(ctx context.Context, rawURL string, header http.Header) (Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, rawURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing provider (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dialing provider: %w", err)
	}
	return conn, nil
}

// EventKind classifies normalized client events.
type EventKind string

const (
	EventConnected       EventKind = "connected"
	EventDisconnected    EventKind = "disconnected"
	EventSessionReady    EventKind = "session_ready"
	EventSpeechStarted   EventKind = "speech_started"
	EventSpeechStopped   EventKind = "speech_stopped"
	EventCommitted       EventKind = "committed"
	EventResponseStarted EventKind = "response_started"
	EventTextDelta       EventKind = "text_delta"
	EventTextComplete    EventKind = "text_complete"
	EventAudioDelta      EventKind = "audio_delta"
	EventToolCall        EventKind = "tool_call"
	EventError           EventKind = "error"
)

// Event is the normalized form handed to the bridge. Field relevance
// depends on Kind: Text carries the reconciled transcript on
// EventTextComplete and the fragment on EventTextDelta; Audio carries raw
// PCM on EventAudioDelta; CallID/Name/Arguments are set on EventToolCall.
type Event struct {
	Kind       EventKind
	ResponseID string
	ItemID     string
	Text       string
	Audio      []byte
	CallID     string
	Name       string
	Arguments  string
	Err        error
}

// Handler receives normalized events. It is called from the read loop and
// must not block.
type Handler func(Event)

// reconnectDelayCap bounds the linear backoff regardless of attempt count.
const reconnectDelayCap = 30 * time.Second

// Client owns the websocket session with the realtime provider. All writes
// are serialized so audio chunks reach the provider in append order.
type Client struct {
	logger shared.LoggerAdapter

	apiKey       string
	baseURL      string
	delay        time.Duration
	maxAttempts  int
	dialer       Dialer

	mu       sync.Mutex
	conn     Conn
	running  bool
	closing  bool
	handler  Handler
	settings Settings
	ready    bool

	writeMu sync.Mutex

	tracker  *transcriptTracker
	argMu    sync.Mutex
	argBuf   map[string]*strings.Builder
	textSeen map[string]bool

	done chan struct{}
	quit chan struct{}
}

// NewClient builds a disconnected client from the loaded configuration.
func NewClient(logger shared.LoggerAdapter, cfg *config.Config) (*Client, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if cfg == nil {
		return nil, shared.ErrNoConfig
	}
	if cfg.Provider.APIKey == "" {
		return nil, shared.ErrNoAPIKey
	}
	return &Client{
		logger:      logger,
		apiKey:      cfg.Provider.APIKey,
		baseURL:     cfg.Provider.BaseURL,
		delay:       cfg.Provider.ReconnectDelay,
		maxAttempts: cfg.Provider.ReconnectMaxAttempts,
		dialer:      defaultDialer,
		settings:    SettingsFromConfig(cfg),
		tracker:     newTranscriptTracker(),
		argBuf:      make(map[string]*strings.Builder),
		textSeen:    make(map[string]bool),
	}, nil
}

// RegisterEventHandler sets the event sink. It must be called before
// Connect and only once.
func (c *Client) RegisterEventHandler(handler Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return shared.ErrSessionAlreadyRunning
	}
	if c.handler != nil {
		return shared.ErrHandlerAlreadySet
	}
	c.handler = handler
	return nil
}

func (c *Client) emit(ev Event) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parsing provider url: %w", err)
	}
	q := u.Query()
	q.Set("model", c.settings.Model)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) dial(ctx context.Context) (Conn, error) {
	target, err := c.endpoint()
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.apiKey)
	return c.dialer(ctx, target, header)
}

// Connect dials the provider, pushes the current session settings, and
// starts the read loop. A second call while running is an error.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.handler == nil {
		c.mu.Unlock()
		return shared.ErrNoEventHandler
	}
	if c.running {
		c.mu.Unlock()
		return shared.ErrSessionAlreadyRunning
	}
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.running = true
	c.closing = false
	c.ready = false
	c.done = make(chan struct{})
	c.quit = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	c.emit(Event{Kind: EventConnected})
	if err := c.pushSettings(); err != nil {
		c.teardown()
		return err
	}
	go c.readLoop(ctx, conn, done)
	return nil
}

// Disconnect closes the socket and stops the read loop. Safe to call more
// than once.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	first := !c.closing
	c.closing = true
	conn := c.conn
	done := c.done
	quit := c.quit
	c.mu.Unlock()

	// Waking the backoff wait matters as much as closing the socket: the
	// read loop may be between connections when teardown starts.
	if first && quit != nil {
		close(quit)
	}
	var err error
	if conn != nil {
		err = conn.Close()
	}
	if done != nil {
		<-done
	}
	return err
}

func (c *Client) teardown() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = nil
	c.running = false
	c.ready = false
	done := c.done
	c.done = nil
	c.mu.Unlock()
	if done != nil {
		select {
		case <-done:
		default:
			close(done)
		}
	}
}

// Ready reports whether the provider has acknowledged the session settings.
func (c *Client) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running && c.ready
}

// Settings returns a copy of the current session settings.
func (c *Client) Settings() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// UpdateSettings mutates the session settings and, when connected, resends
// the complete session object to the provider.
func (c *Client) UpdateSettings(mutate func(*Settings)) error {
	c.mu.Lock()
	mutate(&c.settings)
	running := c.running
	c.mu.Unlock()
	if !running {
		return nil
	}
	return c.pushSettings()
}

func (c *Client) pushSettings() error {
	c.mu.Lock()
	settings := c.settings
	c.mu.Unlock()
	payload, err := settings.payload()
	if err != nil {
		return err
	}
	return c.write(ClientEvent{
		Type:  ClientEventTypeSessionUpdate,
		Param: &ClientEventParamSessionUpdate{Session: payload},
	})
}

func (c *Client) write(ev ClientEvent) error {
	if ev.EventId == "" {
		ev.EventId = uuid.NewString()
	}
	data, err := sonic.Marshal(&ev)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", ev.Type, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return shared.ErrNotConnected
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("sending %s: %w", ev.Type, err)
	}
	return nil
}

// AppendAudio forwards one PCM chunk to the input buffer. Chunks are
// serialized in call order.
func (c *Client) AppendAudio(pcm []byte) error {
	return c.write(ClientEvent{
		Type:  ClientEventTypeInputAudioBufferAppend,
		Param: &ClientEventParamAudioAppend{Audio: tools.EncodePCM16(pcm)},
	})
}

// CommitAudio closes out the pending input buffer as one user turn.
func (c *Client) CommitAudio() error {
	return c.write(ClientEvent{Type: ClientEventTypeInputAudioBufferCommit})
}

// ClearAudio discards the pending input buffer.
func (c *Client) ClearAudio() error {
	return c.write(ClientEvent{Type: ClientEventTypeInputAudioBufferClear})
}

// CreateResponse asks the model to produce a reply now.
func (c *Client) CreateResponse() error {
	return c.write(ClientEvent{Type: ClientEventTypeResponseCreate})
}

// CancelResponse aborts the in-flight response, if any.
func (c *Client) CancelResponse() error {
	return c.write(ClientEvent{Type: ClientEventTypeResponseCancel})
}

// SendUserText injects a text message as a user turn and requests a reply.
func (c *Client) SendUserText(text string) error {
	if err := c.write(ClientEvent{
		Type:  ClientEventTypeConversationItemCreate,
		Param: &ClientEventParamItemCreate{Item: UserTextItem(text)},
	}); err != nil {
		return err
	}
	return c.write(ClientEvent{Type: ClientEventTypeResponseCreate})
}

// SubmitToolResult answers a tool call: exactly one function_call_output
// item followed by exactly one response request, so the model continues
// the turn it paused.
func (c *Client) SubmitToolResult(callID, output string) error {
	if err := c.write(ClientEvent{
		Type:  ClientEventTypeConversationItemCreate,
		Param: &ClientEventParamItemCreate{Item: FunctionCallOutputItem(callID, output)},
	}); err != nil {
		return err
	}
	return c.write(ClientEvent{Type: ClientEventTypeResponseCreate})
}

func (c *Client) readLoop(ctx context.Context, conn Conn, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closing := c.closing
			c.mu.Unlock()
			if closing || ctx.Err() != nil {
				c.finish()
				return
			}
			c.logger.Error("provider socket read failed", err)
			c.emit(Event{Kind: EventDisconnected})
			next, ok := c.reconnect(ctx)
			if !ok {
				c.finish()
				c.mu.Lock()
				closing = c.closing
				c.mu.Unlock()
				if !closing && ctx.Err() == nil {
					c.emit(Event{Kind: EventError, Err: shared.ErrReconnectExhausted})
				}
				return
			}
			conn = next
			continue
		}
		event := new(ServerEvent)
		if err := event.UnmarshalJSON(data); err != nil {
			c.logger.Error("can not unmarshal provider event", err, zap.ByteString("data", data))
			continue
		}
		c.handle(event)
	}
}

func (c *Client) finish() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = nil
	c.running = false
	c.ready = false
	c.done = nil
	c.mu.Unlock()
}

// reconnect redials with a linear backoff: delay grows with the attempt
// number and is capped. Returns the fresh connection, or false once all
// attempts are spent, the context ends, or Disconnect is called.
func (c *Client) reconnect(ctx context.Context) (Conn, bool) {
	c.mu.Lock()
	quit := c.quit
	c.mu.Unlock()
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		wait := c.delay * time.Duration(attempt)
		if wait > reconnectDelayCap {
			wait = reconnectDelayCap
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, false
		case <-quit:
			timer.Stop()
			return nil, false
		case <-timer.C:
		}
		conn, err := c.dial(ctx)
		if err != nil {
			c.logger.Warn("provider redial failed",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", c.maxAttempts),
				zap.Error(err))
			continue
		}
		c.mu.Lock()
		if c.closing {
			c.mu.Unlock()
			conn.Close()
			return nil, false
		}
		c.conn = conn
		c.ready = false
		c.mu.Unlock()
		if err := c.pushSettings(); err != nil {
			c.logger.Error("restoring session after reconnect", err)
			conn.Close()
			c.mu.Lock()
			c.conn = nil
			c.mu.Unlock()
			continue
		}
		c.logger.Info("provider socket reconnected", zap.Int("attempt", attempt))
		c.emit(Event{Kind: EventConnected})
		return conn, true
	}
	return nil, false
}

func (c *Client) handle(event *ServerEvent) {
	switch p := event.Param.(type) {
	case *ServerEventParamError:
		c.emit(Event{Kind: EventError, Err: fmt.Errorf("provider error %s: %s", p.Code, p.Message)})
	case *ServerEventParamSessionCreated:
		c.logger.Info("provider session created")
	case *ServerEventParamSessionUpdated:
		c.mu.Lock()
		first := !c.ready
		c.ready = true
		c.mu.Unlock()
		if first {
			c.emit(Event{Kind: EventSessionReady})
		}
	case *ServerEventParamSpeechStarted:
		c.emit(Event{Kind: EventSpeechStarted, ItemID: p.ItemId})
	case *ServerEventParamSpeechStopped:
		c.emit(Event{Kind: EventSpeechStopped, ItemID: p.ItemId})
	case *ServerEventParamInputAudioBufferCommitted:
		c.emit(Event{Kind: EventCommitted, ItemID: p.ItemId})
	case *ServerEventParamResponseCreated:
		id, _ := p.Response["id"].(string)
		c.tracker.Begin(id)
		c.emit(Event{Kind: EventResponseStarted, ResponseID: id})
	case *ServerEventParamOutputDelta:
		c.handleDelta(event.Type, p)
	case *ServerEventParamOutputTextDone:
		c.tracker.SetAuthoritative(p.ResponseId, p.Text)
		c.markText(p.ResponseId)
	case *ServerEventParamOutputAudioTranscriptDone:
		c.tracker.SetAuthoritative(p.ResponseId, p.Transcript)
		c.markText(p.ResponseId)
	case *ServerEventParamFunctionCallArgumentsDelta:
		c.argMu.Lock()
		b, ok := c.argBuf[p.CallId]
		if !ok {
			b = &strings.Builder{}
			c.argBuf[p.CallId] = b
		}
		b.WriteString(p.Delta)
		c.argMu.Unlock()
	case *ServerEventParamFunctionCallArgumentsDone:
		args := p.Arguments
		c.argMu.Lock()
		if b, ok := c.argBuf[p.CallId]; ok {
			if args == "" {
				args = b.String()
			}
			delete(c.argBuf, p.CallId)
		}
		c.argMu.Unlock()
		c.emit(Event{
			Kind:       EventToolCall,
			ResponseID: p.ResponseId,
			ItemID:     p.ItemId,
			CallID:     p.CallId,
			Name:       p.Name,
			Arguments:  args,
		})
	case *ServerEventParamResponseDone:
		c.handleResponseDone(p)
	case *ServerEventParamRateLimitsUpdated:
		c.logger.Info("rate limits updated", zap.Int("limits", len(p.RateLimits)))
	case *ServerEventParamEmpty:
		// input_audio_buffer.cleared; nothing downstream cares.
	case *ServerEventParamUnrecognized:
		c.logger.Warn("unrecognized provider event", zap.String("type", p.Original))
	}
}

func (c *Client) handleDelta(t ServerEventType, p *ServerEventParamOutputDelta) {
	switch t {
	case ServerEventTypeResponseOutputTextDelta, ServerEventTypeResponseOutputAudioTranscriptDelta:
		c.tracker.Delta(p.ResponseId, p.Delta)
		c.markText(p.ResponseId)
		c.emit(Event{Kind: EventTextDelta, ResponseID: p.ResponseId, ItemID: p.ItemId, Text: p.Delta})
	case ServerEventTypeResponseOutputAudioDelta:
		pcm, err := tools.DecodePCM16(p.Delta)
		if err != nil {
			c.logger.Error("decoding audio delta", err, zap.String("response_id", p.ResponseId))
			return
		}
		c.emit(Event{Kind: EventAudioDelta, ResponseID: p.ResponseId, ItemID: p.ItemId, Audio: pcm})
	}
}

func (c *Client) markText(responseID string) {
	c.argMu.Lock()
	c.textSeen[responseID] = true
	c.argMu.Unlock()
}

func (c *Client) handleResponseDone(p *ServerEventParamResponseDone) {
	id, _ := p.Response["id"].(string)
	c.argMu.Lock()
	sawText := c.textSeen[id]
	delete(c.textSeen, id)
	c.argMu.Unlock()
	if !sawText {
		// Tool-call-only or cancelled responses produce no text; there
		// is nothing to reconcile.
		c.tracker.Drop(id)
		return
	}
	text, err := c.tracker.Finish(id)
	if err != nil {
		c.emit(Event{Kind: EventError, ResponseID: id, Err: err})
		return
	}
	c.emit(Event{Kind: EventTextComplete, ResponseID: id, Text: text})
}
