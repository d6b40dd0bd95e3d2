package bridge

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/bt-bridge/realtime-bridge/config"
	"github.com/bt-bridge/realtime-bridge/control"
	"github.com/bt-bridge/realtime-bridge/display"
	"github.com/bt-bridge/realtime-bridge/provider"
	"github.com/bt-bridge/realtime-bridge/router"
	"github.com/bt-bridge/realtime-bridge/shared"
	"github.com/bt-bridge/realtime-bridge/signal"
	"github.com/bt-bridge/realtime-bridge/tools"
	"github.com/bt-bridge/realtime-bridge/turn"
)

// transcriptPlaceholder is shown when a reply finished with no usable
// text; an explicit marker beats a silently missing answer.
const transcriptPlaceholder = "[reply text unavailable]"

// Session is one client's slice of the bridge: its provider connection,
// turn state, delivery tracking, and data path. No two sessions share any
// of these.
type Session struct {
	logger   shared.LoggerAdapter
	bridge   *Bridge
	clientID string

	client      *provider.Client
	coordinator *turn.Coordinator
	acks        *display.AckTracker
	router      *router.Router

	mu     sync.Mutex
	dc     *webrtc.DataChannel
	closed bool
}

// newSession assembles one client's components from a config snapshot
// taken by the caller; later control-surface edits reach existing
// sessions through UpdateSettings, not through this copy.
func newSession(b *Bridge, clientID string, cfg *config.Config) (*Session, error) {
	s := &Session{
		logger:   b.logger,
		bridge:   b,
		clientID: clientID,
	}

	acks, err := display.NewAckTracker(b.logger, cfg.Display.AckWindow, s.onDisplayTimeout)
	if err != nil {
		return nil, err
	}
	s.acks = acks

	client, err := provider.NewClient(b.logger, cfg)
	if err != nil {
		return nil, err
	}
	s.client = client

	autoReply := cfg.Session.VAD.Enabled && cfg.Session.VAD.CreateResponse
	coordinator, err := turn.NewCoordinator(b.logger, client, autoReply)
	if err != nil {
		return nil, err
	}
	s.coordinator = coordinator

	rtr, err := router.NewRouter(b.logger, acks, client, cfg.Session.SampleRate)
	if err != nil {
		return nil, err
	}
	s.router = rtr
	rtr.BindSignal(func(msg *signal.Message) bool {
		return b.channel.Send(clientID, msg)
	})

	if err := client.RegisterEventHandler(s.onProviderEvent); err != nil {
		return nil, err
	}
	return s, nil
}

// Start dials the provider. Called on the session's own goroutine; a
// failed dial leaves the session up on signaling only, reported to the
// client as a status error.
func (s *Session) Start(ctx context.Context) {
	if err := s.client.Connect(ctx); err != nil {
		s.logger.Error("connecting provider", err, zap.String("client_id", s.clientID))
		s.bridge.channel.Send(s.clientID, signal.NewError("assistant unavailable"))
	}
}

// BindDataChannel wires the side channel once negotiation produces one.
func (s *Session) BindDataChannel(dc *webrtc.DataChannel) {
	s.mu.Lock()
	s.dc = dc
	s.mu.Unlock()

	dc.OnOpen(func() {
		s.logger.Info("side channel open",
			zap.String("client_id", s.clientID),
			zap.String("label", dc.Label()))
		s.router.BindSideChannel(dc.Send)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		s.router.HandleData(msg.Data)
	})
	dc.OnClose(func() {
		s.logger.Info("side channel closed", zap.String("client_id", s.clientID))
	})
}

// AppendEncodedAudio feeds base64 PCM from the signaling fallback path.
func (s *Session) AppendEncodedAudio(data string) {
	pcm, err := tools.DecodePCM16(data)
	if err != nil {
		s.logger.Error("decoding fallback audio", err, zap.String("client_id", s.clientID))
		s.bridge.channel.Send(s.clientID, signal.NewError("invalid audio encoding"))
		return
	}
	if err := s.client.AppendAudio(pcm); err != nil {
		s.logger.Error("forwarding fallback audio", err, zap.String("client_id", s.clientID))
	}
}

// Confirm routes a display confirmation from either transport.
func (s *Session) Confirm(messageID string) {
	s.router.HandleConfirm(messageID)
}

func (s *Session) ProviderReady() bool {
	return s.client.Ready()
}

func (s *Session) SetInstructions(instructions string) error {
	return s.client.UpdateSettings(func(st *provider.Settings) {
		st.Instructions = instructions
	})
}

func (s *Session) ApplyUpdate(update control.SessionUpdate) error {
	return s.client.UpdateSettings(func(st *provider.Settings) {
		if update.Instructions != nil {
			st.Instructions = *update.Instructions
		}
		if update.Voice != nil {
			st.Voice = *update.Voice
		}
		if update.Threshold != nil {
			st.VADThreshold = *update.Threshold
		}
	})
}

func (s *Session) ForceReply() error {
	return s.coordinator.ForceReply()
}

func (s *Session) SendUserText(text string) error {
	return s.client.SendUserText(text)
}

// Interrupt cancels the reply in flight, discards the uncommitted input
// buffer, and returns the turn state to listening.
func (s *Session) Interrupt() error {
	err := errors.Join(s.client.CancelResponse(), s.client.ClearAudio())
	s.coordinator.OnResponseDone()
	return err
}

func (s *Session) onDisplayTimeout(messageID, text string) {
	s.logger.Warn("display delivery unconfirmed",
		zap.String("client_id", s.clientID),
		zap.String("message_id", messageID))
}

func (s *Session) onProviderEvent(ev provider.Event) {
	switch ev.Kind {
	case provider.EventConnected:
		s.logger.Info("provider connected", zap.String("client_id", s.clientID))
	case provider.EventDisconnected:
		s.coordinator.Deactivate()
		s.bridge.channel.Send(s.clientID, signal.NewError("assistant reconnecting"))
	case provider.EventSessionReady:
		s.coordinator.Activate()
	case provider.EventSpeechStarted:
		s.coordinator.OnSpeechStarted()
	case provider.EventSpeechStopped:
		if err := s.coordinator.OnSpeechStopped(); err != nil {
			s.logger.Error("committing user turn", err, zap.String("client_id", s.clientID))
		}
	case provider.EventCommitted:
		s.coordinator.OnCommitted()
	case provider.EventResponseStarted:
		s.coordinator.OnResponseStarted()
	case provider.EventTextDelta:
		// Full replies only; the display cannot render partial lines.
	case provider.EventTextComplete:
		s.deliverText(ev.Text)
		s.coordinator.OnResponseDone()
	case provider.EventAudioDelta:
		s.router.SendAudio(ev.Audio)
	case provider.EventToolCall:
		go s.runTool(ev)
	case provider.EventError:
		s.onProviderError(ev)
	}
}

func (s *Session) deliverText(text string) {
	if _, err := s.router.SendText(text); err != nil {
		s.logger.Error("delivering reply", err, zap.String("client_id", s.clientID))
	}
}

func (s *Session) onProviderError(ev provider.Event) {
	if errors.Is(ev.Err, shared.ErrTranscriptMissing) {
		s.deliverText(transcriptPlaceholder)
		s.coordinator.OnResponseDone()
		return
	}
	s.logger.Error("provider error", ev.Err, zap.String("client_id", s.clientID))
	if errors.Is(ev.Err, shared.ErrReconnectExhausted) {
		s.coordinator.Deactivate()
		s.bridge.channel.Send(s.clientID, signal.NewError("assistant unavailable"))
		return
	}
	s.bridge.channel.Send(s.clientID, signal.NewError("assistant error"))
}

func (s *Session) runTool(ev provider.Event) {
	s.bridge.mu.Lock()
	handler := s.bridge.toolHandler
	ctx := s.bridge.ctx
	s.bridge.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	var output string
	if handler == nil {
		output = `{"error":"no tool handler registered"}`
		s.logger.Warn("tool call with no handler",
			zap.String("client_id", s.clientID),
			zap.String("tool", ev.Name))
	} else {
		result, err := handler(ctx, ev.Name, ev.Arguments)
		if err != nil {
			s.logger.Error("tool execution failed", err,
				zap.String("client_id", s.clientID),
				zap.String("tool", ev.Name))
			output = `{"error":"tool execution failed"}`
		} else {
			output = result
		}
	}
	if err := s.client.SubmitToolResult(ev.CallID, output); err != nil {
		s.logger.Error("submitting tool result", err,
			zap.String("client_id", s.clientID),
			zap.String("call_id", ev.CallID))
	}
}

// Close runs the full teardown: confirmation timers, peer transport,
// provider socket, data path. All four steps run even when one fails.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.acks.Close()
	s.bridge.negotiator.CloseSession(s.clientID)
	err := s.client.Disconnect()
	s.router.Close()
	return err
}
