package server

import (
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameReader_KeepsPartialLineAcrossTimeouts(t *testing.T) {
	server, device := net.Pipe()
	defer server.Close()
	defer device.Close()

	reader := newFrameReader(server, 0)

	go device.Write([]byte(`{"type":"keep`))
	server.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, err := reader.next()
	var netErr net.Error
	require.True(t, errors.As(err, &netErr) && netErr.Timeout())
	assert.True(t, reader.partial())

	go device.Write([]byte("alive\"}\n"))
	server.SetReadDeadline(time.Now().Add(time.Second))
	line, err := reader.next()
	require.NoError(t, err)
	assert.Equal(t, "{\"type\":\"keepalive\"}\n", string(line))
	assert.False(t, reader.partial())
}

func TestFrameReader_RejectsOversizedLine(t *testing.T) {
	reader := newFrameReader(strings.NewReader(strings.Repeat("x", 10000)+"\n{}\n"), 256)

	_, err := reader.next()
	assert.ErrorIs(t, err, errFrameTooLarge)
}

func TestFrameReader_SplitsLines(t *testing.T) {
	reader := newFrameReader(strings.NewReader("a\nbb\n"), 0)

	line, err := reader.next()
	require.NoError(t, err)
	assert.Equal(t, "a\n", string(line))

	line, err = reader.next()
	require.NoError(t, err)
	assert.Equal(t, "bb\n", string(line))
}
