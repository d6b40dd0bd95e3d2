// Package signal provides the WebSocket signaling channel between edge
// clients and the bridge. It carries negotiation messages plus small control
// and status messages; media itself flows over the peer transport.
package signal

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

type MessageType string

const (
	MessageTypeOffer            MessageType = "offer"
	MessageTypeAnswer           MessageType = "answer"
	MessageTypeICECandidate     MessageType = "ice_candidate"
	MessageTypeJoin             MessageType = "join"
	MessageTypeLeave            MessageType = "leave"
	MessageTypeAudioStream      MessageType = "audio_stream"
	MessageTypeModelText        MessageType = "model_text"
	MessageTypeDisplayConfirmed MessageType = "display_confirmed"
	MessageTypeWelcome          MessageType = "welcome"
	MessageTypeError            MessageType = "error"

	// MessageTypeUnrecognized is assigned at the parse boundary to any type
	// discriminator the bridge does not know. It is never put on the wire.
	MessageTypeUnrecognized MessageType = "unrecognized"
)

// Message is the signaling wire format: a flat struct discriminated by Type,
// with the variant fields of unrelated types left empty.
type Message struct {
	Type MessageType `json:"type"`

	// offer / answer
	SDP string `json:"sdp,omitempty"`

	// ice_candidate
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        string  `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`

	// join / leave
	Room string `json:"room,omitempty"`

	// audio_stream: the signaling-transport audio fallback
	Data       string `json:"data,omitempty"`
	Format     string `json:"format,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`

	// model_text toward the client (at-least-once mirror of the data path)
	MessageID            string `json:"message_id,omitempty"`
	ConversationID       string `json:"conversation_id,omitempty"`
	Seq                  uint64 `json:"seq,omitempty"`
	Ts                   int64  `json:"ts,omitempty"`
	Text                 string `json:"text,omitempty"`
	RequiresConfirmation bool   `json:"requires_confirmation,omitempty"`

	// display_confirmed from the client
	Status   string `json:"status,omitempty"`
	DeviceID string `json:"device_id,omitempty"`

	// welcome
	ClientID string `json:"clientId,omitempty"`

	// error
	Error string `json:"error,omitempty"`

	// raw keeps the original bytes for unrecognized messages.
	raw []byte
}

var knownTypes = map[MessageType]struct{}{
	MessageTypeOffer:            {},
	MessageTypeAnswer:           {},
	MessageTypeICECandidate:     {},
	MessageTypeJoin:             {},
	MessageTypeLeave:            {},
	MessageTypeAudioStream:      {},
	MessageTypeModelText:        {},
	MessageTypeDisplayConfirmed: {},
	MessageTypeWelcome:          {},
	MessageTypeError:            {},
}

// Parse decodes a signaling frame. Unknown type discriminators yield a
// Message with Type MessageTypeUnrecognized rather than an error so the
// caller can report them without dropping the connection.
func Parse(data []byte) (*Message, error) {
	msg := new(Message)
	if err := sonic.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("parsing signaling message: %w", err)
	}
	if msg.Type == "" {
		return nil, errors.New("signaling message missing type")
	}
	if _, ok := knownTypes[msg.Type]; !ok {
		msg.raw = data
		msg.Type = MessageTypeUnrecognized
	}
	return msg, nil
}

// Raw returns the original frame of an unrecognized message, nil otherwise.
func (m *Message) Raw() []byte {
	return m.raw
}

func (m *Message) Encode() ([]byte, error) {
	if m.Type == MessageTypeUnrecognized {
		return nil, errors.New("unrecognized messages cannot be encoded")
	}
	return sonic.Marshal(m)
}

func NewError(text string) *Message {
	return &Message{Type: MessageTypeError, Error: text}
}

func NewWelcome(clientID string) *Message {
	return &Message{Type: MessageTypeWelcome, ClientID: clientID}
}
