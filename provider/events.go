// Package provider adapts the cloud realtime voice API to a normalized
// command and event interface. Wire events are parsed once at the socket
// boundary into typed variants; everything past this file works with the
// normalized Event type from client.go.
package provider

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

type EventType string

type ServerEventType EventType

type ClientEventType EventType

// Server event types the bridge consumes.
const (
	ServerEventTypeError                              ServerEventType = "error"
	ServerEventTypeSessionCreated                     ServerEventType = "session.created"
	ServerEventTypeSessionUpdated                     ServerEventType = "session.updated"
	ServerEventTypeInputAudioBufferCommitted          ServerEventType = "input_audio_buffer.committed"
	ServerEventTypeInputAudioBufferCleared            ServerEventType = "input_audio_buffer.cleared"
	ServerEventTypeInputAudioBufferSpeechStarted      ServerEventType = "input_audio_buffer.speech_started"
	ServerEventTypeInputAudioBufferSpeechStopped      ServerEventType = "input_audio_buffer.speech_stopped"
	ServerEventTypeResponseCreated                    ServerEventType = "response.created"
	ServerEventTypeResponseDone                       ServerEventType = "response.done"
	ServerEventTypeResponseOutputTextDelta            ServerEventType = "response.output_text.delta"
	ServerEventTypeResponseOutputTextDone             ServerEventType = "response.output_text.done"
	ServerEventTypeResponseOutputAudioTranscriptDelta ServerEventType = "response.output_audio_transcript.delta"
	ServerEventTypeResponseOutputAudioTranscriptDone  ServerEventType = "response.output_audio_transcript.done"
	ServerEventTypeResponseOutputAudioDelta           ServerEventType = "response.output_audio.delta"
	ServerEventTypeResponseOutputAudioDone            ServerEventType = "response.output_audio.done"
	ServerEventTypeResponseFunctionCallArgumentsDelta ServerEventType = "response.function_call_arguments.delta"
	ServerEventTypeResponseFunctionCallArgumentsDone  ServerEventType = "response.function_call_arguments.done"
	ServerEventTypeRateLimitsUpdated                  ServerEventType = "rate_limits.updated"

	// ServerEventTypeUnrecognized marks wire events outside the set above.
	// They are logged and skipped, never treated as protocol errors.
	ServerEventTypeUnrecognized ServerEventType = "unrecognized"
)

// Client event types the bridge emits.
const (
	ClientEventTypeSessionUpdate          ClientEventType = "session.update"
	ClientEventTypeInputAudioBufferAppend ClientEventType = "input_audio_buffer.append"
	ClientEventTypeInputAudioBufferCommit ClientEventType = "input_audio_buffer.commit"
	ClientEventTypeInputAudioBufferClear  ClientEventType = "input_audio_buffer.clear"
	ClientEventTypeConversationItemCreate ClientEventType = "conversation.item.create"
	ClientEventTypeResponseCreate         ClientEventType = "response.create"
	ClientEventTypeResponseCancel         ClientEventType = "response.cancel"
)

type EventParam interface {
	New(map[string]any) error
	Json() map[string]any
}

// ServerEvent is one inbound wire event.
type ServerEvent struct {
	EventId string
	Type    ServerEventType
	Param   EventParam
}

func (e *ServerEvent) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["event_id"].(string); ok {
		e.EventId = v
		delete(raw, "event_id")
	}
	v, ok := raw["type"].(string)
	if !ok {
		return errors.New("missing type")
	}
	e.Type = ServerEventType(v)
	delete(raw, "type")

	switch e.Type {
	case ServerEventTypeError:
		e.Param = new(ServerEventParamError)
	case ServerEventTypeSessionCreated:
		e.Param = new(ServerEventParamSessionCreated)
	case ServerEventTypeSessionUpdated:
		e.Param = new(ServerEventParamSessionUpdated)
	case ServerEventTypeInputAudioBufferCommitted:
		e.Param = new(ServerEventParamInputAudioBufferCommitted)
	case ServerEventTypeInputAudioBufferCleared:
		e.Param = new(ServerEventParamEmpty)
	case ServerEventTypeInputAudioBufferSpeechStarted:
		e.Param = new(ServerEventParamSpeechStarted)
	case ServerEventTypeInputAudioBufferSpeechStopped:
		e.Param = new(ServerEventParamSpeechStopped)
	case ServerEventTypeResponseCreated:
		e.Param = new(ServerEventParamResponseCreated)
	case ServerEventTypeResponseDone:
		e.Param = new(ServerEventParamResponseDone)
	case ServerEventTypeResponseOutputTextDelta:
		e.Param = new(ServerEventParamOutputDelta)
	case ServerEventTypeResponseOutputTextDone:
		e.Param = new(ServerEventParamOutputTextDone)
	case ServerEventTypeResponseOutputAudioTranscriptDelta:
		e.Param = new(ServerEventParamOutputDelta)
	case ServerEventTypeResponseOutputAudioTranscriptDone:
		e.Param = new(ServerEventParamOutputAudioTranscriptDone)
	case ServerEventTypeResponseOutputAudioDelta:
		e.Param = new(ServerEventParamOutputDelta)
	case ServerEventTypeResponseOutputAudioDone:
		e.Param = new(ServerEventParamOutputDone)
	case ServerEventTypeResponseFunctionCallArgumentsDelta:
		e.Param = new(ServerEventParamFunctionCallArgumentsDelta)
	case ServerEventTypeResponseFunctionCallArgumentsDone:
		e.Param = new(ServerEventParamFunctionCallArgumentsDone)
	case ServerEventTypeRateLimitsUpdated:
		e.Param = new(ServerEventParamRateLimitsUpdated)
	default:
		e.Type = ServerEventTypeUnrecognized
		e.Param = &ServerEventParamUnrecognized{Original: string(v), Fields: raw}
		return nil
	}
	if err := e.Param.New(raw); err != nil {
		return fmt.Errorf("parsing %s: %w", v, err)
	}
	return nil
}

// Helpers for number conversions across decoders.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
	}
	return 0, false
}

// ServerEventParamError
type ServerEventParamError struct {
	Type    string
	Code    string
	Message string
	Param   any
}

func (p *ServerEventParamError) New(m map[string]any) error {
	errObj, ok := m["error"].(map[string]any)
	if !ok {
		return errors.New("missing error")
	}
	if v, ok := errObj["type"].(string); ok {
		p.Type = v
	} else {
		return errors.New("missing error.type")
	}
	if v, ok := errObj["code"].(string); ok {
		p.Code = v
	}
	if v, ok := errObj["message"].(string); ok {
		p.Message = v
	} else {
		return errors.New("missing error.message")
	}
	p.Param = errObj["param"]
	return nil
}

func (p *ServerEventParamError) Json() map[string]any {
	return map[string]any{
		"error": map[string]any{
			"type":    p.Type,
			"code":    p.Code,
			"message": p.Message,
			"param":   p.Param,
		},
	}
}

// session.created
type ServerEventParamSessionCreated struct {
	Session map[string]any
}

func (p *ServerEventParamSessionCreated) New(m map[string]any) error {
	if session, ok := m["session"].(map[string]any); ok {
		p.Session = session
	} else {
		return errors.New("missing session")
	}
	return nil
}

func (p *ServerEventParamSessionCreated) Json() map[string]any {
	return map[string]any{"session": p.Session}
}

// session.updated
type ServerEventParamSessionUpdated struct {
	Session map[string]any
}

func (p *ServerEventParamSessionUpdated) New(m map[string]any) error {
	if session, ok := m["session"].(map[string]any); ok {
		p.Session = session
	} else {
		return errors.New("missing session")
	}
	return nil
}

func (p *ServerEventParamSessionUpdated) Json() map[string]any {
	return map[string]any{"session": p.Session}
}

// input_audio_buffer.committed
type ServerEventParamInputAudioBufferCommitted struct {
	PreviousItemId any
	ItemId         string
}

func (p *ServerEventParamInputAudioBufferCommitted) New(m map[string]any) error {
	p.PreviousItemId = m["previous_item_id"]
	if v, ok := m["item_id"].(string); ok {
		p.ItemId = v
	} else {
		return errors.New("missing item_id")
	}
	return nil
}

func (p *ServerEventParamInputAudioBufferCommitted) Json() map[string]any {
	return map[string]any{
		"previous_item_id": p.PreviousItemId,
		"item_id":          p.ItemId,
	}
}

// ServerEventParamEmpty covers events that carry nothing beyond the type.
type ServerEventParamEmpty struct{}

func (p *ServerEventParamEmpty) New(m map[string]any) error { return nil }

func (p *ServerEventParamEmpty) Json() map[string]any { return map[string]any{} }

// input_audio_buffer.speech_started
type ServerEventParamSpeechStarted struct {
	AudioStartMs int
	ItemId       string
}

func (p *ServerEventParamSpeechStarted) New(m map[string]any) error {
	if v, ok := asInt(m["audio_start_ms"]); ok {
		p.AudioStartMs = v
	} else {
		return errors.New("missing audio_start_ms")
	}
	if v, ok := m["item_id"].(string); ok {
		p.ItemId = v
	} else {
		return errors.New("missing item_id")
	}
	return nil
}

func (p *ServerEventParamSpeechStarted) Json() map[string]any {
	return map[string]any{
		"audio_start_ms": p.AudioStartMs,
		"item_id":        p.ItemId,
	}
}

// input_audio_buffer.speech_stopped
type ServerEventParamSpeechStopped struct {
	AudioEndMs int
	ItemId     string
}

func (p *ServerEventParamSpeechStopped) New(m map[string]any) error {
	if v, ok := asInt(m["audio_end_ms"]); ok {
		p.AudioEndMs = v
	} else {
		return errors.New("missing audio_end_ms")
	}
	if v, ok := m["item_id"].(string); ok {
		p.ItemId = v
	} else {
		return errors.New("missing item_id")
	}
	return nil
}

func (p *ServerEventParamSpeechStopped) Json() map[string]any {
	return map[string]any{
		"audio_end_ms": p.AudioEndMs,
		"item_id":      p.ItemId,
	}
}

// response.created
type ServerEventParamResponseCreated struct {
	Response map[string]any
}

func (p *ServerEventParamResponseCreated) New(m map[string]any) error {
	if v, ok := m["response"].(map[string]any); ok {
		p.Response = v
	} else {
		return errors.New("missing response")
	}
	return nil
}

func (p *ServerEventParamResponseCreated) Json() map[string]any {
	return map[string]any{"response": p.Response}
}

// response.done
type ServerEventParamResponseDone struct {
	Response map[string]any
}

func (p *ServerEventParamResponseDone) New(m map[string]any) error {
	if v, ok := m["response"].(map[string]any); ok {
		p.Response = v
	} else {
		return errors.New("missing response")
	}
	return nil
}

func (p *ServerEventParamResponseDone) Json() map[string]any {
	return map[string]any{"response": p.Response}
}

// Status returns the terminal status of the response, empty when absent.
func (p *ServerEventParamResponseDone) Status() string {
	s, _ := p.Response["status"].(string)
	return s
}

// ServerEventParamOutputDelta covers the three delta-bearing output events
// (text, audio transcript, base64 audio); their payloads are identical.
type ServerEventParamOutputDelta struct {
	ResponseId   string
	ItemId       string
	OutputIndex  int
	ContentIndex int
	Delta        string
}

func (p *ServerEventParamOutputDelta) New(m map[string]any) error {
	if v, ok := m["response_id"].(string); ok {
		p.ResponseId = v
	} else {
		return errors.New("missing response_id")
	}
	if v, ok := m["item_id"].(string); ok {
		p.ItemId = v
	} else {
		return errors.New("missing item_id")
	}
	if v, ok := asInt(m["output_index"]); ok {
		p.OutputIndex = v
	} else {
		return errors.New("missing output_index")
	}
	if v, ok := asInt(m["content_index"]); ok {
		p.ContentIndex = v
	} else {
		return errors.New("missing content_index")
	}
	if v, ok := m["delta"].(string); ok {
		p.Delta = v
	} else {
		return errors.New("missing delta")
	}
	return nil
}

func (p *ServerEventParamOutputDelta) Json() map[string]any {
	return map[string]any{
		"response_id":   p.ResponseId,
		"item_id":       p.ItemId,
		"output_index":  p.OutputIndex,
		"content_index": p.ContentIndex,
		"delta":         p.Delta,
	}
}

// response.output_text.done
type ServerEventParamOutputTextDone struct {
	ResponseId   string
	ItemId       string
	OutputIndex  int
	ContentIndex int
	Text         string
}

func (p *ServerEventParamOutputTextDone) New(m map[string]any) error {
	if v, ok := m["response_id"].(string); ok {
		p.ResponseId = v
	} else {
		return errors.New("missing response_id")
	}
	if v, ok := m["item_id"].(string); ok {
		p.ItemId = v
	} else {
		return errors.New("missing item_id")
	}
	if v, ok := asInt(m["output_index"]); ok {
		p.OutputIndex = v
	} else {
		return errors.New("missing output_index")
	}
	if v, ok := asInt(m["content_index"]); ok {
		p.ContentIndex = v
	} else {
		return errors.New("missing content_index")
	}
	// Absent text is tolerated; the reconciliation layer falls back to the
	// accumulated deltas.
	if v, ok := m["text"].(string); ok {
		p.Text = v
	}
	return nil
}

func (p *ServerEventParamOutputTextDone) Json() map[string]any {
	return map[string]any{
		"response_id":   p.ResponseId,
		"item_id":       p.ItemId,
		"output_index":  p.OutputIndex,
		"content_index": p.ContentIndex,
		"text":          p.Text,
	}
}

// response.output_audio_transcript.done
type ServerEventParamOutputAudioTranscriptDone struct {
	ResponseId   string
	ItemId       string
	OutputIndex  int
	ContentIndex int
	Transcript   string
}

func (p *ServerEventParamOutputAudioTranscriptDone) New(m map[string]any) error {
	if v, ok := m["response_id"].(string); ok {
		p.ResponseId = v
	} else {
		return errors.New("missing response_id")
	}
	if v, ok := m["item_id"].(string); ok {
		p.ItemId = v
	} else {
		return errors.New("missing item_id")
	}
	if v, ok := asInt(m["output_index"]); ok {
		p.OutputIndex = v
	} else {
		return errors.New("missing output_index")
	}
	if v, ok := asInt(m["content_index"]); ok {
		p.ContentIndex = v
	} else {
		return errors.New("missing content_index")
	}
	if v, ok := m["transcript"].(string); ok {
		p.Transcript = v
	}
	return nil
}

func (p *ServerEventParamOutputAudioTranscriptDone) Json() map[string]any {
	return map[string]any{
		"response_id":   p.ResponseId,
		"item_id":       p.ItemId,
		"output_index":  p.OutputIndex,
		"content_index": p.ContentIndex,
		"transcript":    p.Transcript,
	}
}

// response.output_audio.done
type ServerEventParamOutputDone struct {
	ResponseId   string
	ItemId       string
	OutputIndex  int
	ContentIndex int
}

func (p *ServerEventParamOutputDone) New(m map[string]any) error {
	if v, ok := m["response_id"].(string); ok {
		p.ResponseId = v
	} else {
		return errors.New("missing response_id")
	}
	if v, ok := m["item_id"].(string); ok {
		p.ItemId = v
	} else {
		return errors.New("missing item_id")
	}
	if v, ok := asInt(m["output_index"]); ok {
		p.OutputIndex = v
	} else {
		return errors.New("missing output_index")
	}
	if v, ok := asInt(m["content_index"]); ok {
		p.ContentIndex = v
	} else {
		return errors.New("missing content_index")
	}
	return nil
}

func (p *ServerEventParamOutputDone) Json() map[string]any {
	return map[string]any{
		"response_id":   p.ResponseId,
		"item_id":       p.ItemId,
		"output_index":  p.OutputIndex,
		"content_index": p.ContentIndex,
	}
}

// response.function_call_arguments.delta
type ServerEventParamFunctionCallArgumentsDelta struct {
	ResponseId  string
	ItemId      string
	OutputIndex int
	CallId      string
	Delta       string
}

func (p *ServerEventParamFunctionCallArgumentsDelta) New(m map[string]any) error {
	if v, ok := m["response_id"].(string); ok {
		p.ResponseId = v
	} else {
		return errors.New("missing response_id")
	}
	if v, ok := m["item_id"].(string); ok {
		p.ItemId = v
	} else {
		return errors.New("missing item_id")
	}
	if v, ok := asInt(m["output_index"]); ok {
		p.OutputIndex = v
	} else {
		return errors.New("missing output_index")
	}
	if v, ok := m["call_id"].(string); ok {
		p.CallId = v
	} else {
		return errors.New("missing call_id")
	}
	if v, ok := m["delta"].(string); ok {
		p.Delta = v
	} else {
		return errors.New("missing delta")
	}
	return nil
}

func (p *ServerEventParamFunctionCallArgumentsDelta) Json() map[string]any {
	return map[string]any{
		"response_id":  p.ResponseId,
		"item_id":      p.ItemId,
		"output_index": p.OutputIndex,
		"call_id":      p.CallId,
		"delta":        p.Delta,
	}
}

// response.function_call_arguments.done
type ServerEventParamFunctionCallArgumentsDone struct {
	ResponseId  string
	ItemId      string
	OutputIndex int
	CallId      string
	Name        string
	Arguments   string
}

func (p *ServerEventParamFunctionCallArgumentsDone) New(m map[string]any) error {
	if v, ok := m["response_id"].(string); ok {
		p.ResponseId = v
	} else {
		return errors.New("missing response_id")
	}
	if v, ok := m["item_id"].(string); ok {
		p.ItemId = v
	} else {
		return errors.New("missing item_id")
	}
	if v, ok := asInt(m["output_index"]); ok {
		p.OutputIndex = v
	} else {
		return errors.New("missing output_index")
	}
	if v, ok := m["call_id"].(string); ok {
		p.CallId = v
	} else {
		return errors.New("missing call_id")
	}
	if v, ok := m["name"].(string); ok {
		p.Name = v
	}
	if v, ok := m["arguments"].(string); ok {
		p.Arguments = v
	} else {
		return errors.New("missing arguments")
	}
	return nil
}

func (p *ServerEventParamFunctionCallArgumentsDone) Json() map[string]any {
	return map[string]any{
		"response_id":  p.ResponseId,
		"item_id":      p.ItemId,
		"output_index": p.OutputIndex,
		"call_id":      p.CallId,
		"name":         p.Name,
		"arguments":    p.Arguments,
	}
}

// rate_limits.updated
type ServerEventParamRateLimitsUpdated struct {
	RateLimits []map[string]any
}

func (p *ServerEventParamRateLimitsUpdated) New(m map[string]any) error {
	v, ok := m["rate_limits"]
	if !ok {
		return errors.New("missing rate_limits")
	}
	switch rr := v.(type) {
	case []any:
		res := make([]map[string]any, 0, len(rr))
		for _, r := range rr {
			if rm, ok := r.(map[string]any); ok {
				res = append(res, rm)
			} else {
				return errors.New("invalid element in rate_limits")
			}
		}
		p.RateLimits = res
	case []map[string]any:
		p.RateLimits = rr
	default:
		return errors.New("invalid rate_limits")
	}
	return nil
}

func (p *ServerEventParamRateLimitsUpdated) Json() map[string]any {
	return map[string]any{"rate_limits": p.RateLimits}
}

// ServerEventParamUnrecognized retains the fields of an event outside the
// supported vocabulary.
type ServerEventParamUnrecognized struct {
	Original string
	Fields   map[string]any
}

func (p *ServerEventParamUnrecognized) New(m map[string]any) error {
	p.Fields = m
	return nil
}

func (p *ServerEventParamUnrecognized) Json() map[string]any {
	return p.Fields
}

// ClientEvent is one outbound wire event.
type ClientEvent struct {
	EventId string
	Type    ClientEventType
	Param   EventParam
}

func (e *ClientEvent) MarshalJSON() ([]byte, error) {
	if e.Type == "" {
		return nil, errors.New("Type is empty")
	}
	resp := map[string]any{}
	if e.Param != nil {
		for k, v := range e.Param.Json() {
			resp[k] = v
		}
	}
	if e.EventId != "" {
		resp["event_id"] = e.EventId
	}
	resp["type"] = e.Type
	return sonic.Marshal(resp)
}

// ClientEventParamSessionUpdate carries the full session object; the
// provider expects the complete still-relevant configuration, not a delta.
type ClientEventParamSessionUpdate struct {
	Session map[string]any
}

func (p *ClientEventParamSessionUpdate) New(m map[string]any) error {
	if session, ok := m["session"].(map[string]any); ok {
		p.Session = session
		return nil
	}
	return errors.New("missing session")
}

func (p *ClientEventParamSessionUpdate) Json() map[string]any {
	return map[string]any{"session": p.Session}
}

// ClientEventParamAudioAppend carries one base64 PCM chunk.
type ClientEventParamAudioAppend struct {
	Audio string
}

func (p *ClientEventParamAudioAppend) New(m map[string]any) error {
	if audio, ok := m["audio"].(string); ok {
		p.Audio = audio
		return nil
	}
	return errors.New("missing audio")
}

func (p *ClientEventParamAudioAppend) Json() map[string]any {
	return map[string]any{"audio": p.Audio}
}

// ClientEventParamItemCreate carries one conversation item.
type ClientEventParamItemCreate struct {
	Item map[string]any
}

func (p *ClientEventParamItemCreate) New(m map[string]any) error {
	if item, ok := m["item"].(map[string]any); ok {
		p.Item = item
		return nil
	}
	return errors.New("missing item")
}

func (p *ClientEventParamItemCreate) Json() map[string]any {
	return map[string]any{"item": p.Item}
}

// ClientEventParamResponseCreate optionally overrides response settings.
type ClientEventParamResponseCreate struct {
	Response map[string]any
}

func (p *ClientEventParamResponseCreate) New(m map[string]any) error {
	if response, ok := m["response"].(map[string]any); ok {
		p.Response = response
	}
	return nil
}

func (p *ClientEventParamResponseCreate) Json() map[string]any {
	if p.Response == nil {
		return map[string]any{}
	}
	return map[string]any{"response": p.Response}
}

// UserTextItem builds a conversation item holding one user text message.
func UserTextItem(text string) map[string]any {
	return map[string]any{
		"type": "message",
		"role": "user",
		"content": []map[string]any{
			{"type": "input_text", "text": text},
		},
	}
}

// FunctionCallOutputItem builds the item that answers a tool call.
func FunctionCallOutputItem(callID, output string) map[string]any {
	return map[string]any{
		"type":    "function_call_output",
		"call_id": callID,
		"output":  output,
	}
}
