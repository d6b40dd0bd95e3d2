package peer

import (
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bt-bridge/realtime-bridge/shared"
	"github.com/bt-bridge/realtime-bridge/signal"
)

type sentRecorder struct {
	mu       sync.Mutex
	messages []*signal.Message
}

func (r *sentRecorder) send(clientID string, msg *signal.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	return true
}

func (r *sentRecorder) byType(t signal.MessageType) []*signal.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*signal.Message
	for _, m := range r.messages {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func TestRequestOfferGlarePrevention(t *testing.T) {
	rec := &sentRecorder{}
	started := make(chan struct{})
	release := make(chan struct{})
	blockingSend := func(clientID string, msg *signal.Message) bool {
		if msg.Type == signal.MessageTypeOffer {
			close(started)
			<-release
		}
		return rec.send(clientID, msg)
	}

	n, err := NewNegotiator(shared.NewNopLogger(), blockingSend)
	require.NoError(t, err)
	defer n.Close()
	require.NoError(t, n.CreateSession("glass-1"))

	firstDone := make(chan error, 1)
	go func() { firstDone <- n.RequestOffer("glass-1") }()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first offer never reached the wire")
	}

	// A second trigger while the first round is in flight must be dropped,
	// not interleaved.
	assert.ErrorIs(t, n.RequestOffer("glass-1"), shared.ErrOfferInFlight)

	close(release)
	require.NoError(t, <-firstDone)
	assert.Len(t, rec.byType(signal.MessageTypeOffer), 1)
}

func TestRequestOfferWithoutSession(t *testing.T) {
	n, err := NewNegotiator(shared.NewNopLogger(), (&sentRecorder{}).send)
	require.NoError(t, err)
	assert.ErrorIs(t, n.RequestOffer("nobody"), shared.ErrNoTransport)
}

func TestCreateSessionReplacesExistingTransport(t *testing.T) {
	rec := &sentRecorder{}
	n, err := NewNegotiator(shared.NewNopLogger(), rec.send)
	require.NoError(t, err)
	defer n.Close()

	require.NoError(t, n.CreateSession("glass-1"))
	n.mu.Lock()
	first := n.sessions["glass-1"].pc
	n.mu.Unlock()

	require.NoError(t, n.CreateSession("glass-1"))
	n.mu.Lock()
	second := n.sessions["glass-1"].pc
	require.Len(t, n.sessions, 1)
	n.mu.Unlock()

	assert.NotSame(t, first, second)
	require.Eventually(t, func() bool {
		return first.ConnectionState() == webrtc.PeerConnectionStateClosed
	}, 2*time.Second, 10*time.Millisecond, "stale transport must be closed")
}

func TestHandleOfferProducesAnswer(t *testing.T) {
	rec := &sentRecorder{}
	n, err := NewNegotiator(shared.NewNopLogger(), rec.send)
	require.NoError(t, err)
	defer n.Close()
	require.NoError(t, n.CreateSession("glass-1"))

	// Stand in for the device side with a real transport.
	device, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	defer func() { _ = device.Close() }()
	_, err = device.CreateDataChannel("bridge", nil)
	require.NoError(t, err)
	offer, err := device.CreateOffer(nil)
	require.NoError(t, err)
	require.NoError(t, device.SetLocalDescription(offer))

	require.NoError(t, n.HandleOffer("glass-1", offer.SDP))

	answers := rec.byType(signal.MessageTypeAnswer)
	require.Len(t, answers, 1)
	assert.NotEmpty(t, answers[0].SDP)
	require.NoError(t, device.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answers[0].SDP,
	}))
}

func TestHandleCandidateWithoutTransportIsDropped(t *testing.T) {
	n, err := NewNegotiator(shared.NewNopLogger(), (&sentRecorder{}).send)
	require.NoError(t, err)
	idx := uint16(0)
	// Must not panic or create a session.
	n.HandleCandidate("nobody", "candidate:1 1 udp 2130706431 127.0.0.1 54321 typ host", "0", &idx)
	assert.Equal(t, StateClosed, n.SessionState("nobody"))
}

func TestCloseSessionIsIdempotent(t *testing.T) {
	n, err := NewNegotiator(shared.NewNopLogger(), (&sentRecorder{}).send)
	require.NoError(t, err)
	require.NoError(t, n.CreateSession("glass-1"))
	n.CloseSession("glass-1")
	n.CloseSession("glass-1")
	assert.Equal(t, StateClosed, n.SessionState("glass-1"))
}
