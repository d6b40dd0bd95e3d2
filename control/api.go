// Package control exposes the operator surface: health, runtime session
// tuning, and the manual reply override. It is a thin translation layer
// over the bridge's command interface.
package control

import (
	"context"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/bt-bridge/realtime-bridge/shared"
)

// Bridge is the slice of the session bridge the control surface drives.
type Bridge interface {
	Health() Health
	SetInstructions(instructions string) error
	UpdateSession(update SessionUpdate) error
	ForceReply() error
	SendUserText(text string) error
	Interrupt() error
}

// Health is the liveness snapshot reported by /healthz.
type Health struct {
	Sessions      int    `json:"sessions"`
	PeerConnected bool   `json:"peer_connected"`
	ProviderReady bool   `json:"provider_ready"`
	Version       string `json:"version"`
}

// SessionUpdate carries the tunable session parameters. Nil fields are
// left unchanged.
type SessionUpdate struct {
	Instructions *string  `json:"instructions,omitempty"`
	Voice        *string  `json:"voice,omitempty"`
	Threshold    *float64 `json:"vad_threshold,omitempty"`
}

type instructionsRequest struct {
	Instructions string `json:"instructions"`
}

type sayRequest struct {
	Text string `json:"text"`
}

// Server is the fasthttp operator endpoint.
type Server struct {
	logger shared.LoggerAdapter
	bridge Bridge
	srv    *fasthttp.Server
}

func NewServer(logger shared.LoggerAdapter, bridge Bridge) (*Server, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if bridge == nil {
		return nil, errors.New("bridge is required")
	}
	s := &Server{logger: logger, bridge: bridge}
	s.srv = &fasthttp.Server{
		Handler: s.route,
		Name:    "realtime-bridge/" + shared.Version,
	}
	return s, nil
}

// ListenAndServe blocks until Shutdown or a listener error.
func (s *Server) ListenAndServe(addr string) error {
	s.logger.Info("control surface listening", zap.String("addr", addr))
	return s.srv.ListenAndServe(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.ShutdownWithContext(ctx)
}

func (s *Server) route(ctx *fasthttp.RequestCtx) {
	path := string(ctx.Path())
	method := string(ctx.Method())
	switch {
	case path == "/healthz" && method == fasthttp.MethodGet:
		s.handleHealth(ctx)
	case path == "/instructions" && method == fasthttp.MethodPost:
		s.handleInstructions(ctx)
	case path == "/session" && method == fasthttp.MethodPost:
		s.handleSession(ctx)
	case path == "/reply" && method == fasthttp.MethodPost:
		s.handleReply(ctx)
	case path == "/say" && method == fasthttp.MethodPost:
		s.handleSay(ctx)
	case path == "/interrupt" && method == fasthttp.MethodPost:
		s.handleInterrupt(ctx)
	default:
		s.writeError(ctx, fasthttp.StatusNotFound, fmt.Sprintf("no route %s %s", method, path))
	}
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	h := s.bridge.Health()
	h.Version = shared.Version
	status := fasthttp.StatusOK
	if !h.ProviderReady {
		status = fasthttp.StatusServiceUnavailable
	}
	s.writeJSON(ctx, status, h)
}

func (s *Server) handleInstructions(ctx *fasthttp.RequestCtx) {
	var req instructionsRequest
	if err := sonic.Unmarshal(ctx.PostBody(), &req); err != nil {
		s.writeError(ctx, fasthttp.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Instructions == "" {
		s.writeError(ctx, fasthttp.StatusBadRequest, "instructions is required")
		return
	}
	if err := s.bridge.SetInstructions(req.Instructions); err != nil {
		s.logger.Error("replacing instructions", err)
		s.writeError(ctx, fasthttp.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(ctx, fasthttp.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleSession(ctx *fasthttp.RequestCtx) {
	var update SessionUpdate
	if err := sonic.Unmarshal(ctx.PostBody(), &update); err != nil {
		s.writeError(ctx, fasthttp.StatusBadRequest, "invalid JSON body")
		return
	}
	if update.Instructions == nil && update.Voice == nil && update.Threshold == nil {
		s.writeError(ctx, fasthttp.StatusBadRequest, "no fields to update")
		return
	}
	if err := s.bridge.UpdateSession(update); err != nil {
		s.logger.Error("updating session", err)
		s.writeError(ctx, fasthttp.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(ctx, fasthttp.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleReply(ctx *fasthttp.RequestCtx) {
	if err := s.bridge.ForceReply(); err != nil {
		s.logger.Error("forcing reply", err)
		s.writeError(ctx, fasthttp.StatusConflict, err.Error())
		return
	}
	s.writeJSON(ctx, fasthttp.StatusAccepted, map[string]any{"ok": true})
}

// handleSay injects a typed user message, useful when the operator wants
// to steer the conversation without audio.
func (s *Server) handleSay(ctx *fasthttp.RequestCtx) {
	var req sayRequest
	if err := sonic.Unmarshal(ctx.PostBody(), &req); err != nil {
		s.writeError(ctx, fasthttp.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Text == "" {
		s.writeError(ctx, fasthttp.StatusBadRequest, "text is required")
		return
	}
	if err := s.bridge.SendUserText(req.Text); err != nil {
		s.logger.Error("injecting user text", err)
		s.writeError(ctx, fasthttp.StatusConflict, err.Error())
		return
	}
	s.writeJSON(ctx, fasthttp.StatusAccepted, map[string]any{"ok": true})
}

// handleInterrupt is the counterpart of /reply: it aborts the reply in
// flight and discards any uncommitted user audio.
func (s *Server) handleInterrupt(ctx *fasthttp.RequestCtx) {
	if err := s.bridge.Interrupt(); err != nil {
		s.logger.Error("interrupting response", err)
		s.writeError(ctx, fasthttp.StatusConflict, err.Error())
		return
	}
	s.writeJSON(ctx, fasthttp.StatusAccepted, map[string]any{"ok": true})
}

func (s *Server) writeJSON(ctx *fasthttp.RequestCtx, status int, body any) {
	data, err := sonic.Marshal(body)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(data)
}

func (s *Server) writeError(ctx *fasthttp.RequestCtx, status int, msg string) {
	s.writeJSON(ctx, status, map[string]any{"error": msg})
}
