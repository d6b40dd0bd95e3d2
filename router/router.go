// Package router demultiplexes the peer transport's side channel and
// multiplexes model output back toward the client. Inbound payloads are
// JSON objects discriminated by a type field; outbound text rides both the
// side channel and the signaling transport because the side channel may not
// be open yet when the first model reply lands.
package router

import (
	"encoding/base64"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bt-bridge/realtime-bridge/display"
	"github.com/bt-bridge/realtime-bridge/shared"
	"github.com/bt-bridge/realtime-bridge/signal"
	"github.com/bt-bridge/realtime-bridge/tools"
)

type PayloadType string

const (
	PayloadTypeAudioData        PayloadType = "audio_data"
	PayloadTypeSnapshot         PayloadType = "snapshot"
	PayloadTypeCaptureSnapshot  PayloadType = "capture_snapshot"
	PayloadTypeModelText        PayloadType = "model_text"
	PayloadTypeDisplayConfirmed PayloadType = "display_confirmed"
	PayloadTypeError            PayloadType = "error"
)

// payload is the side-channel wire format, flat like the signaling schema.
type payload struct {
	Type PayloadType `json:"type"`

	// audio_data
	Data       string `json:"data,omitempty"`
	Format     string `json:"format,omitempty"`
	SampleRate int64  `json:"sampleRate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	Timestamp  int64  `json:"timestamp,omitempty"`

	// snapshot
	DataBase64 string `json:"data_base64,omitempty"`
	ID         string `json:"id,omitempty"`
	Mime       string `json:"mime,omitempty"`

	// model_text
	MessageID            string `json:"message_id,omitempty"`
	ConversationID       string `json:"conversation_id,omitempty"`
	Seq                  uint64 `json:"seq,omitempty"`
	Ts                   int64  `json:"ts,omitempty"`
	Text                 string `json:"text,omitempty"`
	RequiresConfirmation bool   `json:"requires_confirmation,omitempty"`

	// display_confirmed
	Status   string `json:"status,omitempty"`
	DeviceID string `json:"device_id,omitempty"`

	// error
	Error string `json:"error,omitempty"`
}

// AudioSink receives decoded PCM from the client, append order preserved.
type AudioSink interface {
	AppendAudio(pcm []byte) error
}

// SideSender transmits one frame over the peer transport's data channel.
// It returns an error while the channel is not open.
type SideSender func(data []byte) error

// SignalSender mirrors a message over the signaling transport.
type SignalSender func(msg *signal.Message) bool

// SnapshotHandler receives decoded snapshot images for vision analysis.
type SnapshotHandler func(id, mime string, image []byte)

// playbackCap bounds buffered model audio to a few seconds of PCM.
const playbackCap = 1 << 20

// Router is one session's data path.
type Router struct {
	logger shared.LoggerAdapter
	acks   *display.AckTracker
	sink   AudioSink

	conversationID string
	sampleRate     int64
	seq            atomic.Uint64

	mu         sync.Mutex
	sendSide   SideSender
	sendSignal SignalSender
	onSnapshot SnapshotHandler
	onCapture  func()

	playback *tools.AudioBuffer
}

func NewRouter(logger shared.LoggerAdapter, acks *display.AckTracker, sink AudioSink, sampleRate int64) (*Router, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if acks == nil {
		return nil, errors.New("ack tracker is required")
	}
	if sink == nil {
		return nil, errors.New("audio sink is required")
	}
	return &Router{
		logger:         logger,
		acks:           acks,
		sink:           sink,
		conversationID: uuid.NewString(),
		sampleRate:     sampleRate,
		playback:       tools.NewAudioBuffer(playbackCap),
	}, nil
}

// BindSideChannel attaches the data-channel send path once it opens.
func (r *Router) BindSideChannel(send SideSender) {
	r.mu.Lock()
	r.sendSide = send
	r.mu.Unlock()
}

// BindSignal attaches the signaling mirror path.
func (r *Router) BindSignal(send SignalSender) {
	r.mu.Lock()
	r.sendSignal = send
	r.mu.Unlock()
}

// OnSnapshot registers the vision collaborator.
func (r *Router) OnSnapshot(fn SnapshotHandler) {
	r.mu.Lock()
	r.onSnapshot = fn
	r.mu.Unlock()
}

// OnCaptureRequest registers the handler for client-initiated capture
// commands.
func (r *Router) OnCaptureRequest(fn func()) {
	r.mu.Lock()
	r.onCapture = fn
	r.mu.Unlock()
}

// HandleData classifies one inbound side-channel frame. Malformed frames
// are dropped with a single error reply to the sender; the channel stays
// open.
func (r *Router) HandleData(data []byte) {
	var p payload
	if err := sonic.Unmarshal(data, &p); err != nil || p.Type == "" {
		r.logger.Warn("malformed side-channel frame", zap.Int("bytes", len(data)))
		r.replyError("malformed payload")
		return
	}
	switch p.Type {
	case PayloadTypeAudioData:
		pcm, err := tools.DecodePCM16(p.Data)
		if err != nil {
			r.logger.Error("decoding client audio", err)
			r.replyError("invalid audio encoding")
			return
		}
		if err := r.sink.AppendAudio(pcm); err != nil {
			r.logger.Error("forwarding client audio", err)
		}
	case PayloadTypeSnapshot:
		r.mu.Lock()
		fn := r.onSnapshot
		r.mu.Unlock()
		if fn == nil {
			r.logger.Warn("snapshot received with no vision handler", zap.String("id", p.ID))
			return
		}
		image, err := base64.StdEncoding.DecodeString(p.DataBase64)
		if err != nil {
			r.logger.Error("decoding snapshot", err, zap.String("id", p.ID))
			r.replyError("invalid snapshot encoding")
			return
		}
		fn(p.ID, p.Mime, image)
	case PayloadTypeCaptureSnapshot:
		r.mu.Lock()
		fn := r.onCapture
		r.mu.Unlock()
		if fn != nil {
			fn()
		}
	case PayloadTypeDisplayConfirmed:
		r.acks.Confirm(p.MessageID)
	default:
		r.logger.Warn("unrecognized side-channel payload", zap.String("type", string(p.Type)))
		r.replyError("unrecognized payload type")
	}
}

// HandleConfirm routes a display confirmation that arrived over the
// signaling transport instead of the side channel.
func (r *Router) HandleConfirm(messageID string) bool {
	return r.acks.Confirm(messageID)
}

func (r *Router) replyError(text string) {
	r.mu.Lock()
	send := r.sendSide
	r.mu.Unlock()
	if send == nil {
		return
	}
	frame, err := sonic.Marshal(payload{Type: PayloadTypeError, Error: text})
	if err != nil {
		return
	}
	if err := send(frame); err != nil {
		r.logger.Warn("error reply not delivered", zap.Error(err))
	}
}

// SendText delivers one model reply toward the display. The message is
// tracked for confirmation, then sent over the side channel and mirrored
// over signaling; the client deduplicates by message id. Delivery counts as
// attempted when either path accepts the frame.
func (r *Router) SendText(text string) (string, error) {
	messageID := uuid.NewString()
	msg := payload{
		Type:                 PayloadTypeModelText,
		MessageID:            messageID,
		ConversationID:       r.conversationID,
		Seq:                  r.seq.Add(1),
		Ts:                   time.Now().UnixMilli(),
		Text:                 text,
		RequiresConfirmation: true,
	}
	r.acks.Track(messageID, text)

	frame, err := sonic.Marshal(msg)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	sendSide := r.sendSide
	sendSignal := r.sendSignal
	r.mu.Unlock()

	delivered := false
	if sendSide != nil {
		if err := sendSide(frame); err != nil {
			r.logger.Warn("side-channel text send failed", zap.String("message_id", messageID), zap.Error(err))
		} else {
			delivered = true
		}
	}
	if sendSignal != nil {
		ok := sendSignal(&signal.Message{
			Type:                 signal.MessageTypeModelText,
			MessageID:            messageID,
			ConversationID:       msg.ConversationID,
			Seq:                  msg.Seq,
			Ts:                   msg.Ts,
			Text:                 text,
			RequiresConfirmation: true,
		})
		delivered = delivered || ok
	}
	if !delivered {
		return messageID, shared.ErrNoTransport
	}
	return messageID, nil
}

// SendAudio queues model PCM for playback delivery. Best effort: when the
// side channel is open the chunk is also pushed as an audio_data frame.
func (r *Router) SendAudio(pcm []byte) {
	r.playback.Write(pcm)
	r.mu.Lock()
	send := r.sendSide
	r.mu.Unlock()
	if send == nil {
		return
	}
	frame, err := sonic.Marshal(payload{
		Type:       PayloadTypeAudioData,
		Data:       tools.EncodePCM16(pcm),
		Format:     "pcm16",
		SampleRate: r.sampleRate,
		Channels:   1,
		Timestamp:  time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	if err := send(frame); err != nil {
		r.logger.Warn("audio frame not delivered", zap.Error(err))
	}
}

// Playback exposes the buffered model audio stream.
func (r *Router) Playback() *tools.AudioBuffer {
	return r.playback
}

// Close releases the playback buffer.
func (r *Router) Close() {
	r.playback.Close()
}
