package bridge

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/bt-bridge/realtime-bridge/config"
	"github.com/bt-bridge/realtime-bridge/control"
	"github.com/bt-bridge/realtime-bridge/peer"
	"github.com/bt-bridge/realtime-bridge/shared"
	"github.com/bt-bridge/realtime-bridge/signal"
)

// dataChannelLabel names the side channel the bridge opens toward clients.
const dataChannelLabel = "bridge-data"

// ToolHandler executes one model-requested function call and returns its
// JSON-encoded result.
type ToolHandler func(ctx context.Context, name, arguments string) (string, error)

// Bridge is the top-level assembly: one signaling channel, one negotiator,
// and one Session per connected client.
type Bridge struct {
	logger      shared.LoggerAdapter
	cfg         *config.Config
	channel     *signal.Channel
	negotiator  *peer.Negotiator
	toolHandler ToolHandler

	mu       sync.Mutex
	ctx      context.Context
	sessions map[string]*Session
}

func New(logger shared.LoggerAdapter, cfg *config.Config) (*Bridge, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if cfg == nil {
		return nil, shared.ErrNoConfig
	}
	channel, err := signal.NewChannel(logger)
	if err != nil {
		return nil, err
	}
	negotiator, err := peer.NewNegotiator(logger, channel.Send)
	if err != nil {
		return nil, err
	}
	b := &Bridge{
		logger:     logger,
		cfg:        cfg,
		channel:    channel,
		negotiator: negotiator,
		sessions:   make(map[string]*Session),
	}
	if err := b.subscribe(); err != nil {
		return nil, err
	}
	negotiator.OnDataChannel(b.onDataChannel)
	negotiator.OnStatus(b.onPeerStatus)
	channel.OnConnect(b.onClientConnect)
	channel.OnDisconnect(b.onClientDisconnect)
	return b, nil
}

// SetToolHandler installs the function-call executor. Without one, tool
// calls are answered with an error result so the model can recover.
func (b *Bridge) SetToolHandler(h ToolHandler) {
	b.mu.Lock()
	b.toolHandler = h
	b.mu.Unlock()
}

// Start arms the bridge; ctx bounds every session it creates.
func (b *Bridge) Start(ctx context.Context) {
	b.mu.Lock()
	b.ctx = ctx
	b.mu.Unlock()
}

// Signaling is the HTTP handler clients dial for the signaling websocket.
func (b *Bridge) Signaling() *signal.Channel {
	return b.channel
}

func (b *Bridge) subscribe() error {
	subs := map[signal.MessageType]signal.Handler{
		signal.MessageTypeOffer:            b.handleOffer,
		signal.MessageTypeAnswer:           b.handleAnswer,
		signal.MessageTypeICECandidate:     b.handleCandidate,
		signal.MessageTypeJoin:             b.handleJoin,
		signal.MessageTypeLeave:            b.handleLeave,
		signal.MessageTypeAudioStream:      b.handleAudioStream,
		signal.MessageTypeDisplayConfirmed: b.handleDisplayConfirmed,
	}
	for t, h := range subs {
		if err := b.channel.Subscribe(t, h); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bridge) context() context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx != nil {
		return b.ctx
	}
	return context.Background()
}

func (b *Bridge) session(clientID string) *Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessions[clientID]
}

func (b *Bridge) onClientConnect(clientID string) {
	// Copy the config while holding the lock; the control surface mutates
	// it concurrently and the session keeps its own settings from here on.
	b.mu.Lock()
	cfg := *b.cfg
	b.mu.Unlock()

	sess, err := newSession(b, clientID, &cfg)
	if err != nil {
		b.logger.Error("creating session", err, zap.String("client_id", clientID))
		b.channel.Send(clientID, signal.NewError("session unavailable"))
		b.channel.Disconnect(clientID)
		return
	}
	b.mu.Lock()
	b.sessions[clientID] = sess
	b.mu.Unlock()
	go sess.Start(b.context())
}

func (b *Bridge) onClientDisconnect(clientID string) {
	b.mu.Lock()
	sess := b.sessions[clientID]
	delete(b.sessions, clientID)
	b.mu.Unlock()
	if sess == nil {
		return
	}
	if err := sess.Close(); err != nil {
		b.logger.Error("tearing down session", err, zap.String("client_id", clientID))
	}
}

// handleJoin opens the peer transport toward the client. Adding the data
// channel triggers negotiation, so the offer follows on its own.
func (b *Bridge) handleJoin(clientID string, msg *signal.Message) {
	if err := b.negotiator.CreateSession(clientID); err != nil {
		b.logger.Error("creating peer transport", err, zap.String("client_id", clientID))
		b.channel.Send(clientID, signal.NewError("peer transport unavailable"))
		return
	}
	dc, err := b.negotiator.CreateDataChannel(clientID, dataChannelLabel)
	if err != nil {
		b.logger.Error("opening data channel", err, zap.String("client_id", clientID))
		return
	}
	b.bindDataChannel(clientID, dc)
}

func (b *Bridge) handleLeave(clientID string, msg *signal.Message) {
	b.negotiator.CloseSession(clientID)
}

// handleOffer accepts a client-initiated negotiation, creating the
// transport on first contact.
func (b *Bridge) handleOffer(clientID string, msg *signal.Message) {
	if b.negotiator.SessionState(clientID) == peer.StateClosed {
		if err := b.negotiator.CreateSession(clientID); err != nil {
			b.logger.Error("creating peer transport", err, zap.String("client_id", clientID))
			b.channel.Send(clientID, signal.NewError("peer transport unavailable"))
			return
		}
	}
	if err := b.negotiator.HandleOffer(clientID, msg.SDP); err != nil {
		b.logger.Error("negotiation failed", err, zap.String("client_id", clientID))
		b.channel.Send(clientID, signal.NewError("negotiation failed"))
		b.negotiator.CloseSession(clientID)
	}
}

func (b *Bridge) handleAnswer(clientID string, msg *signal.Message) {
	if err := b.negotiator.HandleAnswer(clientID, msg.SDP); err != nil {
		b.logger.Error("applying answer", err, zap.String("client_id", clientID))
		b.channel.Send(clientID, signal.NewError("negotiation failed"))
		b.negotiator.CloseSession(clientID)
	}
}

func (b *Bridge) handleCandidate(clientID string, msg *signal.Message) {
	b.negotiator.HandleCandidate(clientID, msg.Candidate, msg.SDPMid, msg.SDPMLineIndex)
}

// handleAudioStream is the signaling-transport audio fallback for clients
// whose peer transport is not up yet.
func (b *Bridge) handleAudioStream(clientID string, msg *signal.Message) {
	sess := b.session(clientID)
	if sess == nil {
		return
	}
	sess.AppendEncodedAudio(msg.Data)
}

func (b *Bridge) handleDisplayConfirmed(clientID string, msg *signal.Message) {
	sess := b.session(clientID)
	if sess == nil {
		return
	}
	sess.Confirm(msg.MessageID)
}

func (b *Bridge) onDataChannel(peerID string, dc *webrtc.DataChannel) {
	b.bindDataChannel(peerID, dc)
}

func (b *Bridge) bindDataChannel(clientID string, dc *webrtc.DataChannel) {
	sess := b.session(clientID)
	if sess == nil {
		b.logger.Warn("data channel for unknown session", zap.String("client_id", clientID))
		return
	}
	sess.BindDataChannel(dc)
}

func (b *Bridge) onPeerStatus(st peer.Status) {
	b.logger.Info("peer status",
		zap.String("client_id", st.PeerID),
		zap.String("state", st.State.String()),
		zap.String("connection", st.Connection.String()))
	if st.State != peer.StateFailed {
		return
	}
	// A failed transport is reported and torn down; the signaling link
	// stays up so the client can renegotiate.
	b.channel.Send(st.PeerID, signal.NewError("peer transport failed"))
}

// Health implements the control surface snapshot.
func (b *Bridge) Health() control.Health {
	b.mu.Lock()
	sessions := make([]*Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()

	h := control.Health{Sessions: len(sessions)}
	if len(sessions) == 0 {
		// An idle bridge is healthy; degradation is per active session.
		h.ProviderReady = true
		return h
	}
	for _, s := range sessions {
		if s.ProviderReady() {
			h.ProviderReady = true
		}
		if b.negotiator.ConnectionState(s.clientID) == webrtc.PeerConnectionStateConnected {
			h.PeerConnected = true
		}
	}
	return h
}

// SetInstructions replaces the system instructions for every active
// session and for sessions created later.
func (b *Bridge) SetInstructions(instructions string) error {
	b.mu.Lock()
	b.cfg.Session.Instructions = instructions
	sessions := b.snapshotLocked()
	b.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		errs = append(errs, s.SetInstructions(instructions))
	}
	return errors.Join(errs...)
}

// UpdateSession applies tunable session parameters across active sessions.
func (b *Bridge) UpdateSession(update control.SessionUpdate) error {
	b.mu.Lock()
	if update.Instructions != nil {
		b.cfg.Session.Instructions = *update.Instructions
	}
	if update.Voice != nil {
		b.cfg.Session.Voice = *update.Voice
	}
	if update.Threshold != nil {
		b.cfg.Session.VAD.Threshold = *update.Threshold
	}
	sessions := b.snapshotLocked()
	b.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		errs = append(errs, s.ApplyUpdate(update))
	}
	return errors.Join(errs...)
}

// ForceReply pushes the commit-and-respond transition on every active
// session; the manual escape hatch when voice detection never fires.
func (b *Bridge) ForceReply() error {
	b.mu.Lock()
	sessions := b.snapshotLocked()
	b.mu.Unlock()
	if len(sessions) == 0 {
		return shared.ErrSessionNotFound
	}
	var errs []error
	for _, s := range sessions {
		errs = append(errs, s.ForceReply())
	}
	return errors.Join(errs...)
}

// SendUserText injects a typed user message into every active session and
// asks the model to respond to it.
func (b *Bridge) SendUserText(text string) error {
	b.mu.Lock()
	sessions := b.snapshotLocked()
	b.mu.Unlock()
	if len(sessions) == 0 {
		return shared.ErrSessionNotFound
	}
	var errs []error
	for _, s := range sessions {
		errs = append(errs, s.SendUserText(text))
	}
	return errors.Join(errs...)
}

// Interrupt aborts the in-flight reply on every active session and drops
// any uncommitted user audio, the manual counterpart of the server-side
// barge-in handling.
func (b *Bridge) Interrupt() error {
	b.mu.Lock()
	sessions := b.snapshotLocked()
	b.mu.Unlock()
	if len(sessions) == 0 {
		return shared.ErrSessionNotFound
	}
	var errs []error
	for _, s := range sessions {
		errs = append(errs, s.Interrupt())
	}
	return errors.Join(errs...)
}

func (b *Bridge) snapshotLocked() []*Session {
	sessions := make([]*Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// Close tears down every session and both shared components.
func (b *Bridge) Close() error {
	b.mu.Lock()
	sessions := b.snapshotLocked()
	b.sessions = make(map[string]*Session)
	b.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		errs = append(errs, s.Close())
	}
	b.negotiator.Close()
	b.channel.Close()
	return errors.Join(errs...)
}
