// Package bridge connects wearable clients to a realtime voice model. It
// owns the signaling channel, negotiates one peer transport per client,
// maintains one provider session per client, and routes audio and text
// between them with display-delivery tracking.
package bridge
