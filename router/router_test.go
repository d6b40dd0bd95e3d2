package router

import (
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bt-bridge/realtime-bridge/display"
	"github.com/bt-bridge/realtime-bridge/shared"
	"github.com/bt-bridge/realtime-bridge/signal"
)

type sinkRecorder struct {
	mu     sync.Mutex
	chunks [][]byte
	err    error
}

func (s *sinkRecorder) AppendAudio(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.chunks = append(s.chunks, pcm)
	return nil
}

type sideRecorder struct {
	mu     sync.Mutex
	frames []map[string]any
	err    error
}

func (s *sideRecorder) send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	var m map[string]any
	if err := sonic.Unmarshal(data, &m); err != nil {
		return err
	}
	s.frames = append(s.frames, m)
	return nil
}

func (s *sideRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *sideRecorder) frame(i int) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames[i]
}

func newTestRouter(t *testing.T) (*Router, *sinkRecorder, *display.AckTracker) {
	t.Helper()
	acks, err := display.NewAckTracker(shared.NewNopLogger(), time.Second, nil)
	require.NoError(t, err)
	t.Cleanup(acks.Close)
	sink := &sinkRecorder{}
	r, err := NewRouter(shared.NewNopLogger(), acks, sink, 24000)
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r, sink, acks
}

func TestHandleDataForwardsAudio(t *testing.T) {
	r, sink, _ := newTestRouter(t)
	pcm := []byte{1, 2, 3, 4}
	frame, err := sonic.Marshal(map[string]any{
		"type":       "audio_data",
		"data":       base64.StdEncoding.EncodeToString(pcm),
		"format":     "pcm16",
		"sampleRate": 24000,
	})
	require.NoError(t, err)

	r.HandleData(frame)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.chunks, 1)
	assert.Equal(t, pcm, sink.chunks[0])
}

func TestHandleDataMalformedRepliesOnceAndSurvives(t *testing.T) {
	r, sink, _ := newTestRouter(t)
	side := &sideRecorder{}
	r.BindSideChannel(side.send)

	r.HandleData([]byte(`{broken`))
	require.Equal(t, 1, side.count())
	assert.Equal(t, "error", side.frame(0)["type"])

	// The channel still works for the next frame.
	frame, _ := sonic.Marshal(map[string]any{
		"type": "audio_data",
		"data": base64.StdEncoding.EncodeToString([]byte{9, 9}),
	})
	r.HandleData(frame)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Len(t, sink.chunks, 1)
}

func TestHandleDataUnrecognizedType(t *testing.T) {
	r, _, _ := newTestRouter(t)
	side := &sideRecorder{}
	r.BindSideChannel(side.send)

	r.HandleData([]byte(`{"type":"telemetry","battery":80}`))
	require.Equal(t, 1, side.count())
	assert.Equal(t, "error", side.frame(0)["type"])
}

func TestDisplayConfirmedClearsAck(t *testing.T) {
	r, _, acks := newTestRouter(t)
	r.BindSignal(func(msg *signal.Message) bool { return true })

	id, err := r.SendText("hello wearer")
	require.NoError(t, err)
	assert.Equal(t, 1, acks.Pending())

	frame, _ := sonic.Marshal(map[string]any{
		"type":       "display_confirmed",
		"message_id": id,
		"status":     "shown",
	})
	r.HandleData(frame)
	assert.Equal(t, 0, acks.Pending())

	// Duplicate delivery of the same confirmation is an anomaly, not a
	// failure.
	r.HandleData(frame)
	assert.Equal(t, 0, acks.Pending())
}

func TestSendTextDualPath(t *testing.T) {
	r, _, _ := newTestRouter(t)
	side := &sideRecorder{}
	r.BindSideChannel(side.send)

	var mu sync.Mutex
	var mirrored []*signal.Message
	r.BindSignal(func(msg *signal.Message) bool {
		mu.Lock()
		mirrored = append(mirrored, msg)
		mu.Unlock()
		return true
	})

	id, err := r.SendText("look left")
	require.NoError(t, err)

	require.Equal(t, 1, side.count())
	f := side.frame(0)
	assert.Equal(t, "model_text", f["type"])
	assert.Equal(t, id, f["message_id"])
	assert.Equal(t, true, f["requires_confirmation"])

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, mirrored, 1)
	assert.Equal(t, signal.MessageTypeModelText, mirrored[0].Type)
	assert.Equal(t, id, mirrored[0].MessageID)
	assert.Equal(t, "look left", mirrored[0].Text)
}

func TestSendTextFallsBackToSignaling(t *testing.T) {
	r, _, _ := newTestRouter(t)
	side := &sideRecorder{err: errors.New("channel not open")}
	r.BindSideChannel(side.send)
	delivered := 0
	r.BindSignal(func(msg *signal.Message) bool {
		delivered++
		return true
	})

	_, err := r.SendText("still reaches you")
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
}

func TestSendTextWithoutAnyPath(t *testing.T) {
	r, _, acks := newTestRouter(t)
	_, err := r.SendText("into the void")
	assert.ErrorIs(t, err, shared.ErrNoTransport)
	// Tracking still happens so a late-bound path can be retried by the
	// caller with timeout observability intact.
	assert.Equal(t, 1, acks.Pending())
}

func TestSendTextSequenceIncrements(t *testing.T) {
	r, _, _ := newTestRouter(t)
	side := &sideRecorder{}
	r.BindSideChannel(side.send)

	_, err := r.SendText("one")
	require.NoError(t, err)
	_, err = r.SendText("two")
	require.NoError(t, err)

	first := side.frame(0)
	second := side.frame(1)
	assert.Equal(t, float64(1), first["seq"])
	assert.Equal(t, float64(2), second["seq"])
	assert.Equal(t, first["conversation_id"], second["conversation_id"])
}

func TestCaptureSnapshotCommand(t *testing.T) {
	r, _, _ := newTestRouter(t)
	called := 0
	r.OnCaptureRequest(func() { called++ })
	r.HandleData([]byte(`{"type":"capture_snapshot"}`))
	assert.Equal(t, 1, called)
}

func TestSnapshotRouting(t *testing.T) {
	r, _, _ := newTestRouter(t)
	var gotID, gotMime string
	var gotImage []byte
	r.OnSnapshot(func(id, mime string, image []byte) {
		gotID, gotMime, gotImage = id, mime, image
	})

	image := []byte{0xFF, 0xD8, 0xFF}
	frame, _ := sonic.Marshal(map[string]any{
		"type":        "snapshot",
		"id":          "snap_1",
		"mime":        "image/jpeg",
		"data_base64": base64.StdEncoding.EncodeToString(image),
	})
	r.HandleData(frame)

	assert.Equal(t, "snap_1", gotID)
	assert.Equal(t, "image/jpeg", gotMime)
	assert.Equal(t, image, gotImage)
}

func TestSendAudioBuffersAndStreams(t *testing.T) {
	r, _, _ := newTestRouter(t)
	side := &sideRecorder{}
	r.BindSideChannel(side.send)

	pcm := []byte{5, 6, 7, 8}
	r.SendAudio(pcm)

	assert.Equal(t, len(pcm), r.Playback().Len())
	require.Equal(t, 1, side.count())
	f := side.frame(0)
	assert.Equal(t, "audio_data", f["type"])
	assert.Equal(t, base64.StdEncoding.EncodeToString(pcm), f["data"])
	assert.Equal(t, "pcm16", f["format"])
}
