// Package turn sequences the conversation between user speech and model
// replies. It consumes normalized provider events and decides when the
// pending audio becomes a user turn and when the model is asked to answer.
package turn

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/bt-bridge/realtime-bridge/shared"
)

// State is the coordinator's position in the turn cycle.
type State int

const (
	StateIdle State = iota
	StateListening
	StateUserSpeaking
	StateCommitting
	StateAwaitingResponse
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateUserSpeaking:
		return "user_speaking"
	case StateCommitting:
		return "committing"
	case StateAwaitingResponse:
		return "awaiting_response"
	default:
		return "unknown"
	}
}

// Commander is the slice of the provider client the coordinator drives.
type Commander interface {
	CommitAudio() error
	CreateResponse() error
}

// Coordinator tracks whose turn it is. With autoReply the provider's voice
// activity detection commits turns and triggers replies on its own and the
// coordinator only mirrors state; without it the coordinator commits and
// requests the reply when speech stops.
type Coordinator struct {
	logger    shared.LoggerAdapter
	cmd       Commander
	autoReply bool

	mu      sync.Mutex
	state   State
	onState func(State)
}

func NewCoordinator(logger shared.LoggerAdapter, cmd Commander, autoReply bool) (*Coordinator, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if cmd == nil {
		return nil, errors.New("commander is required")
	}
	return &Coordinator{logger: logger, cmd: cmd, autoReply: autoReply}, nil
}

// OnStateChange registers a listener for state transitions. Called with the
// lock released.
func (c *Coordinator) OnStateChange(fn func(State)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) transition(to State) {
	c.mu.Lock()
	if c.state == to {
		c.mu.Unlock()
		return
	}
	from := c.state
	c.state = to
	fn := c.onState
	c.mu.Unlock()
	c.logger.Info("turn state changed",
		zap.String("from", from.String()),
		zap.String("to", to.String()))
	if fn != nil {
		fn(to)
	}
}

// Activate marks the session ready to accept speech.
func (c *Coordinator) Activate() {
	c.transition(StateListening)
}

// Deactivate returns the coordinator to idle, e.g. on disconnect.
func (c *Coordinator) Deactivate() {
	c.transition(StateIdle)
}

// OnSpeechStarted records that the user began talking.
func (c *Coordinator) OnSpeechStarted() {
	c.transition(StateUserSpeaking)
}

// OnSpeechStopped ends the user's audio turn. In manual mode this commits
// the buffer and requests a reply; with autoReply the provider does both.
func (c *Coordinator) OnSpeechStopped() error {
	if c.autoReply {
		c.transition(StateCommitting)
		return nil
	}
	c.transition(StateCommitting)
	if err := c.cmd.CommitAudio(); err != nil {
		c.transition(StateListening)
		return err
	}
	if err := c.cmd.CreateResponse(); err != nil {
		c.transition(StateListening)
		return err
	}
	return nil
}

// OnCommitted records the provider's acknowledgement of the user turn.
func (c *Coordinator) OnCommitted() {
	c.transition(StateAwaitingResponse)
}

// OnResponseStarted records that the model is producing a reply.
func (c *Coordinator) OnResponseStarted() {
	c.transition(StateAwaitingResponse)
}

// OnResponseDone returns to listening once the reply is finished.
func (c *Coordinator) OnResponseDone() {
	c.transition(StateListening)
}

// ForceReply commits whatever audio is pending and requests a reply now,
// regardless of detection mode. Used for push-to-talk style triggers and
// the operator control surface.
func (c *Coordinator) ForceReply() error {
	c.transition(StateCommitting)
	err := errors.Join(c.cmd.CommitAudio(), c.cmd.CreateResponse())
	if err != nil {
		c.transition(StateListening)
		return err
	}
	return nil
}
