package provider

import (
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/openai/openai-go/v3/packages/param"
	"github.com/openai/openai-go/v3/realtime"

	"github.com/bt-bridge/realtime-bridge/config"
)

// Tool describes one function the model may call during a session.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Settings is the session configuration the client keeps authoritative.
// Updates replace the whole object on the wire; the provider treats the
// session payload as the complete still-relevant state, not a delta.
type Settings struct {
	Model             string
	Instructions      string
	Voice             string
	SampleRate        int64
	VADEnabled        bool
	VADThreshold      float64
	PrefixPaddingMs   int64
	SilenceDurationMs int64
	CreateResponse    bool
	InterruptResponse bool
	Tools             []Tool
}

// SettingsFromConfig seeds session settings from the loaded configuration.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		Model:             cfg.Provider.Model,
		Instructions:      cfg.Session.Instructions,
		Voice:             cfg.Session.Voice,
		SampleRate:        cfg.Session.SampleRate,
		VADEnabled:        cfg.Session.VAD.Enabled,
		VADThreshold:      cfg.Session.VAD.Threshold,
		PrefixPaddingMs:   int64(cfg.Session.VAD.PrefixPadding / 1e6),
		SilenceDurationMs: int64(cfg.Session.VAD.SilenceDuration / 1e6),
		CreateResponse:    cfg.Session.VAD.CreateResponse,
		InterruptResponse: cfg.Session.VAD.InterruptResponse,
	}
}

// request builds the typed session object the provider accepts.
func (s Settings) request() realtime.RealtimeSessionCreateRequestParam {
	pcm := realtime.RealtimeAudioFormatsUnionParam{
		OfAudioPCM: &realtime.RealtimeAudioFormatsAudioPCMParam{
			Rate: s.SampleRate,
			Type: "audio/pcm",
		},
	}
	input := realtime.RealtimeAudioConfigInputParam{Format: pcm}
	if s.VADEnabled {
		input.TurnDetection = realtime.RealtimeAudioInputTurnDetectionUnionParam{
			OfServerVad: &realtime.RealtimeAudioInputTurnDetectionServerVadParam{
				Type:              "server_vad",
				Threshold:         param.NewOpt(s.VADThreshold),
				PrefixPaddingMs:   param.NewOpt(s.PrefixPaddingMs),
				SilenceDurationMs: param.NewOpt(s.SilenceDurationMs),
				CreateResponse:    param.NewOpt(s.CreateResponse),
				InterruptResponse: param.NewOpt(s.InterruptResponse),
			},
		}
	}
	req := realtime.RealtimeSessionCreateRequestParam{
		Type:             "realtime",
		Model:            realtime.RealtimeSessionCreateRequestModel(s.Model),
		OutputModalities: []string{"audio"},
		Audio: realtime.RealtimeAudioConfigParam{
			Input: input,
			Output: realtime.RealtimeAudioConfigOutputParam{
				Format: pcm,
				Voice:  realtime.RealtimeAudioConfigOutputVoice(s.Voice),
			},
		},
	}
	if s.Instructions != "" {
		req.Instructions = param.NewOpt(s.Instructions)
	}
	if len(s.Tools) > 0 {
		tools := make(realtime.RealtimeToolsConfigParam, 0, len(s.Tools))
		for _, t := range s.Tools {
			tools = append(tools, realtime.RealtimeToolsConfigUnionParam{
				OfFunction: &realtime.RealtimeFunctionToolParam{
					Type:        "function",
					Name:        param.NewOpt(t.Name),
					Description: param.NewOpt(t.Description),
					Parameters:  t.Parameters,
				},
			})
		}
		req.Tools = tools
	}
	return req
}

// payload renders the session object into the generic map the wire codec
// expects. Round-tripping through the SDK types keeps the schema honest.
func (s Settings) payload() (map[string]any, error) {
	req := s.request()
	raw, err := sonic.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling session: %w", err)
	}
	var m map[string]any
	if err := sonic.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("rebuilding session payload: %w", err)
	}
	return m, nil
}
