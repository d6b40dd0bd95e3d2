// Package peer owns the WebRTC transport toward each edge client and the
// glare-free offer/answer exchange that keeps it alive across renegotiation.
package peer

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/bt-bridge/realtime-bridge/shared"
	"github.com/bt-bridge/realtime-bridge/signal"
)

// State is the negotiation state of one peer session.
type State int

const (
	StateIdle State = iota
	StateNegotiating
	StateStable
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateStable:
		return "stable"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Status is a session-level connectivity event surfaced to the bridge.
type Status struct {
	PeerID string
	State  State
	// Connection mirrors the transport's connection state at the time of
	// the event; zero for states the transport has not reached yet.
	Connection webrtc.PeerConnectionState
	Err        error
}

// SendFunc forwards a signaling message toward a client. It reports false
// when the client is not reachable.
type SendFunc func(clientID string, msg *signal.Message) bool

// DataChannelHandler receives the side channel once the remote end opens it.
type DataChannelHandler func(peerID string, dc *webrtc.DataChannel)

type peerSession struct {
	id string
	pc *webrtc.PeerConnection

	// makingOffer total-orders competing offer attempts: while it is set,
	// any further offer request for this session is dropped, not queued.
	makingOffer atomic.Bool

	mu    sync.Mutex
	state State
}

func (s *peerSession) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *peerSession) getState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Negotiator creates and tears down one peer transport per client id and
// runs the offer/answer exchange over the signaling channel.
type Negotiator struct {
	logger shared.LoggerAdapter
	send   SendFunc
	api    *webrtc.API
	rtcCfg webrtc.Configuration

	onDataChannel DataChannelHandler
	onStatus      func(Status)

	mu       sync.Mutex
	sessions map[string]*peerSession
}

func NewNegotiator(logger shared.LoggerAdapter, send SendFunc) (*Negotiator, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if send == nil {
		return nil, shared.ErrNoEventHandler
	}
	return &Negotiator{
		logger:   logger,
		send:     send,
		api:      webrtc.NewAPI(),
		rtcCfg:   webrtc.Configuration{},
		sessions: make(map[string]*peerSession),
	}, nil
}

// OnDataChannel registers the handler invoked when a client opens the side
// channel. Register before creating sessions.
func (n *Negotiator) OnDataChannel(h DataChannelHandler) {
	n.onDataChannel = h
}

// OnStatus registers the session-status callback.
func (n *Negotiator) OnStatus(fn func(Status)) {
	n.onStatus = fn
}

// CreateSession builds a fresh transport for peerID. Any existing transport
// for that id is fully torn down first, so at most one is ever live per
// client. The session handle is registered before callbacks are wired:
// renegotiation and candidate callbacks always observe a complete session.
func (n *Negotiator) CreateSession(peerID string) error {
	n.CloseSession(peerID)

	pc, err := n.api.NewPeerConnection(n.rtcCfg)
	if err != nil {
		return fmt.Errorf("creating peer connection: %w", err)
	}
	sess := &peerSession{id: peerID, pc: pc, state: StateIdle}

	n.mu.Lock()
	n.sessions[peerID] = sess
	n.mu.Unlock()

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		msg := &signal.Message{
			Type:          signal.MessageTypeICECandidate,
			Candidate:     init.Candidate,
			SDPMLineIndex: init.SDPMLineIndex,
		}
		if init.SDPMid != nil {
			msg.SDPMid = *init.SDPMid
		}
		if !n.send(peerID, msg) {
			n.logger.Warn("forwarding ICE candidate failed", zap.String("peerId", peerID))
		}
	})

	pc.OnNegotiationNeeded(func() {
		// The transport may fire this after teardown or mid-negotiation;
		// both cases must not start a second exchange.
		current := n.lookup(peerID)
		if current != sess {
			n.logger.Debug("renegotiation trigger for stale session", zap.String("peerId", peerID))
			return
		}
		if st := sess.getState(); st == StateClosed || st == StateFailed {
			return
		}
		if err := n.RequestOffer(peerID); err != nil {
			n.logger.Warn("renegotiation offer dropped",
				zap.String("peerId", peerID),
				zap.Error(err),
			)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if n.lookup(peerID) != sess {
			return
		}
		n.logger.Info("peer connection state changed",
			zap.String("peerId", peerID),
			zap.String("state", state.String()),
		)
		switch state {
		case webrtc.PeerConnectionStateConnected:
			sess.setState(StateStable)
			n.emitStatus(Status{PeerID: peerID, State: StateStable, Connection: state})
		case webrtc.PeerConnectionStateDisconnected:
			n.emitStatus(Status{PeerID: peerID, State: sess.getState(), Connection: state})
		case webrtc.PeerConnectionStateFailed:
			// Failed transports are not resumed; tear down everything so
			// the caller can renegotiate from scratch.
			sess.setState(StateFailed)
			n.emitStatus(Status{
				PeerID:     peerID,
				State:      StateFailed,
				Connection: state,
				Err:        fmt.Errorf("peer transport failed for %s", peerID),
			})
			n.CloseSession(peerID)
		case webrtc.PeerConnectionStateClosed:
			n.emitStatus(Status{PeerID: peerID, State: StateClosed, Connection: state})
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		n.logger.Info("data channel opened by peer",
			zap.String("peerId", peerID),
			zap.String("label", dc.Label()),
		)
		if n.onDataChannel != nil {
			n.onDataChannel(peerID, dc)
		}
	})

	n.logger.Info("peer session created", zap.String("peerId", peerID))
	return nil
}

// RequestOffer starts one offer/answer round. A request arriving while a
// previous one is still in flight is dropped with a log: two concurrent
// local offers would glare against each other on the wire.
func (n *Negotiator) RequestOffer(peerID string) error {
	sess := n.lookup(peerID)
	if sess == nil {
		return shared.ErrNoTransport
	}
	if !sess.makingOffer.CompareAndSwap(false, true) {
		n.logger.Info("offer request dropped, negotiation in flight", zap.String("peerId", peerID))
		return shared.ErrOfferInFlight
	}
	defer sess.makingOffer.Store(false)

	sess.setState(StateNegotiating)
	offer, err := sess.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("creating offer: %w", err)
	}
	if err := sess.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}
	if !n.send(peerID, &signal.Message{Type: signal.MessageTypeOffer, SDP: offer.SDP}) {
		return fmt.Errorf("sending offer to %s: %w", peerID, shared.ErrNotConnected)
	}
	n.logger.Info("offer sent", zap.String("peerId", peerID))
	return nil
}

// HandleOffer applies a remote offer and replies with an answer. Failures
// are returned to the caller; this layer never retries negotiation itself.
func (n *Negotiator) HandleOffer(peerID, sdp string) error {
	sess := n.lookup(peerID)
	if sess == nil {
		return shared.ErrNoTransport
	}
	sess.setState(StateNegotiating)
	if err := sess.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	}); err != nil {
		return fmt.Errorf("setting remote offer: %w", err)
	}
	answer, err := sess.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("creating answer: %w", err)
	}
	if err := sess.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("setting local answer: %w", err)
	}
	if !n.send(peerID, &signal.Message{Type: signal.MessageTypeAnswer, SDP: answer.SDP}) {
		return fmt.Errorf("sending answer to %s: %w", peerID, shared.ErrNotConnected)
	}
	n.logger.Info("answer sent", zap.String("peerId", peerID))
	return nil
}

// HandleAnswer completes a locally initiated round.
func (n *Negotiator) HandleAnswer(peerID, sdp string) error {
	sess := n.lookup(peerID)
	if sess == nil {
		return shared.ErrNoTransport
	}
	if err := sess.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	}); err != nil {
		return fmt.Errorf("setting remote answer: %w", err)
	}
	return nil
}

// HandleCandidate applies a remote ICE candidate. A candidate with no live
// transport is logged and dropped; in this protocol descriptions always
// precede candidates, so there is no queueing.
func (n *Negotiator) HandleCandidate(peerID, candidate, sdpMid string, sdpMLineIndex *uint16) {
	sess := n.lookup(peerID)
	if sess == nil {
		n.logger.Warn("ICE candidate without transport dropped", zap.String("peerId", peerID))
		return
	}
	init := webrtc.ICECandidateInit{
		Candidate:     candidate,
		SDPMLineIndex: sdpMLineIndex,
	}
	if sdpMid != "" {
		init.SDPMid = &sdpMid
	}
	if err := sess.pc.AddICECandidate(init); err != nil {
		n.logger.Warn("applying ICE candidate failed",
			zap.String("peerId", peerID),
			zap.Error(err),
		)
	}
}

// CreateDataChannel opens a side channel from the bridge side.
func (n *Negotiator) CreateDataChannel(peerID, label string) (*webrtc.DataChannel, error) {
	sess := n.lookup(peerID)
	if sess == nil {
		return nil, shared.ErrNoTransport
	}
	dc, err := sess.pc.CreateDataChannel(label, nil)
	if err != nil {
		return nil, fmt.Errorf("creating data channel: %w", err)
	}
	return dc, nil
}

// ConnectionState reports the transport state, or New when no session exists.
func (n *Negotiator) ConnectionState(peerID string) webrtc.PeerConnectionState {
	sess := n.lookup(peerID)
	if sess == nil {
		return webrtc.PeerConnectionStateNew
	}
	return sess.pc.ConnectionState()
}

// SessionState reports the negotiation state for peerID.
func (n *Negotiator) SessionState(peerID string) State {
	sess := n.lookup(peerID)
	if sess == nil {
		return StateClosed
	}
	return sess.getState()
}

// CloseSession tears down the transport for peerID if one exists.
func (n *Negotiator) CloseSession(peerID string) {
	n.mu.Lock()
	sess, ok := n.sessions[peerID]
	delete(n.sessions, peerID)
	n.mu.Unlock()
	if !ok {
		return
	}
	sess.setState(StateClosed)
	if err := sess.pc.Close(); err != nil {
		n.logger.Error("closing peer connection", err, zap.String("peerId", peerID))
	}
	n.logger.Info("peer session closed", zap.String("peerId", peerID))
}

// Close tears down every session.
func (n *Negotiator) Close() {
	n.mu.Lock()
	ids := make([]string, 0, len(n.sessions))
	for id := range n.sessions {
		ids = append(ids, id)
	}
	n.mu.Unlock()
	for _, id := range ids {
		n.CloseSession(id)
	}
}

func (n *Negotiator) lookup(peerID string) *peerSession {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sessions[peerID]
}

func (n *Negotiator) emitStatus(st Status) {
	if n.onStatus != nil {
		n.onStatus(st)
	}
}
