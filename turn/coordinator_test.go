package turn

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bt-bridge/realtime-bridge/shared"
)

type fakeCommander struct {
	mu        sync.Mutex
	commits   int
	responses int
	commitErr error
}

func (f *fakeCommander) CommitAudio() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commitErr != nil {
		return f.commitErr
	}
	f.commits++
	return nil
}

func (f *fakeCommander) CreateResponse() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses++
	return nil
}

func (f *fakeCommander) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commits, f.responses
}

func TestManualModeCommitsOnSpeechStop(t *testing.T) {
	cmd := &fakeCommander{}
	c, err := NewCoordinator(shared.NewNopLogger(), cmd, false)
	require.NoError(t, err)

	c.Activate()
	c.OnSpeechStarted()
	assert.Equal(t, StateUserSpeaking, c.State())

	require.NoError(t, c.OnSpeechStopped())
	commits, responses := cmd.counts()
	assert.Equal(t, 1, commits)
	assert.Equal(t, 1, responses)

	c.OnCommitted()
	assert.Equal(t, StateAwaitingResponse, c.State())
	c.OnResponseDone()
	assert.Equal(t, StateListening, c.State())
}

func TestAutoReplyModeLeavesCommitToProvider(t *testing.T) {
	cmd := &fakeCommander{}
	c, err := NewCoordinator(shared.NewNopLogger(), cmd, true)
	require.NoError(t, err)

	c.Activate()
	c.OnSpeechStarted()
	require.NoError(t, c.OnSpeechStopped())

	commits, responses := cmd.counts()
	assert.Equal(t, 0, commits)
	assert.Equal(t, 0, responses)

	c.OnCommitted()
	c.OnResponseStarted()
	assert.Equal(t, StateAwaitingResponse, c.State())
}

func TestCommitFailureReturnsToListening(t *testing.T) {
	cmd := &fakeCommander{commitErr: errors.New("socket down")}
	c, err := NewCoordinator(shared.NewNopLogger(), cmd, false)
	require.NoError(t, err)

	c.Activate()
	c.OnSpeechStarted()
	require.Error(t, c.OnSpeechStopped())
	assert.Equal(t, StateListening, c.State())
}

func TestForceReplyWorksInAnyMode(t *testing.T) {
	cmd := &fakeCommander{}
	c, err := NewCoordinator(shared.NewNopLogger(), cmd, true)
	require.NoError(t, err)

	c.Activate()
	require.NoError(t, c.ForceReply())
	commits, responses := cmd.counts()
	assert.Equal(t, 1, commits)
	assert.Equal(t, 1, responses)
	assert.Equal(t, StateCommitting, c.State())
}

func TestStateChangeNotifications(t *testing.T) {
	cmd := &fakeCommander{}
	c, err := NewCoordinator(shared.NewNopLogger(), cmd, true)
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []State
	c.OnStateChange(func(s State) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	c.Activate()
	c.OnSpeechStarted()
	c.OnSpeechStarted() // repeat transitions are swallowed
	c.OnResponseStarted()
	c.OnResponseDone()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateListening, StateUserSpeaking, StateAwaitingResponse, StateListening}, seen)
}

func TestNewCoordinatorValidation(t *testing.T) {
	_, err := NewCoordinator(nil, &fakeCommander{}, false)
	assert.ErrorIs(t, err, shared.ErrNoLogger)
	_, err = NewCoordinator(shared.NewNopLogger(), nil, false)
	assert.Error(t, err)
}
