package shared

import "errors"

var (
	ErrNoLogger              = errors.New("no logger provided")
	ErrNoConfig              = errors.New("no config provided")
	ErrNoAPIKey              = errors.New("no API key provided")
	ErrClientNotInitialized  = errors.New("client not initialized")
	ErrNoEventHandler        = errors.New("no event handler provided")
	ErrHandlerAlreadySet     = errors.New("handler already set")
	ErrSessionAlreadyRunning = errors.New("session already running")
	ErrSessionNotFound       = errors.New("session not found")
	ErrSessionClosed         = errors.New("session closed")
	ErrNotConnected          = errors.New("not connected")
	ErrOfferInFlight         = errors.New("offer already in flight")
	ErrNoTransport           = errors.New("no active peer transport")
	ErrTranscriptMissing     = errors.New("no transcript available")
	ErrReconnectExhausted    = errors.New("reconnect attempts exhausted")
	ErrUnknownMessageID      = errors.New("unknown message id")
)
