package tools

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameSamples(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		rate     int
		channels int
		expected int
	}{
		{
			name:     "Mono at 24kHz for 100ms",
			duration: 100 * time.Millisecond,
			rate:     24000,
			channels: 1,
			expected: 2400,
		},
		{
			name:     "Stereo at 48kHz for 20ms",
			duration: 20 * time.Millisecond,
			rate:     48000,
			channels: 2,
			expected: 1920,
		},
		{
			name:     "Mono at 16kHz for 1s",
			duration: time.Second,
			rate:     16000,
			channels: 1,
			expected: 16000,
		},
		{
			name:     "Zero duration",
			duration: 0,
			rate:     24000,
			channels: 1,
			expected: 0,
		},
		{
			name:     "Zero rate",
			duration: time.Second,
			rate:     0,
			channels: 1,
			expected: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FrameSamples(tt.duration, tt.rate, tt.channels))
			assert.Equal(t, tt.expected*2, FrameBytes(tt.duration, tt.rate, tt.channels))
		})
	}
}

func TestAudioBufferDropOldest(t *testing.T) {
	ab := NewAudioBuffer(4)
	assert.Equal(t, 0, ab.Write([]byte{1, 2, 3}))
	assert.Equal(t, 2, ab.Write([]byte{4, 5, 6}))
	assert.Equal(t, 4, ab.Len())

	p := make([]byte, 8)
	n, err := ab.Read(p)
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 4, 5, 6}, p[:n])
}

func TestAudioBufferCloseUnblocksReader(t *testing.T) {
	ab := NewAudioBuffer(16)
	done := make(chan error, 1)
	go func() {
		p := make([]byte, 4)
		_, err := ab.Read(p)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, ab.Close())
	select {
	case err := <-done:
		assert.Equal(t, io.EOF, err)
	case <-time.After(time.Second):
		t.Fatal("reader did not unblock after close")
	}
	assert.Equal(t, 3, ab.Write([]byte{1, 2, 3}))
}

func TestPCM16RoundTrip(t *testing.T) {
	pcm := []byte{0x00, 0x01, 0xFF, 0x7F}
	decoded, err := DecodePCM16(EncodePCM16(pcm))
	require.NoError(t, err)
	assert.Equal(t, pcm, decoded)

	_, err = DecodePCM16("not base64!!")
	assert.Error(t, err)
}
