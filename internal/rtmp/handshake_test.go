package rtmp

import (
	"crypto/rand"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerHandshakeSimple(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- ServerHandshake(server, 2*time.Second)
	}()

	// C0 + C1 with a zero version field selects the simple scheme.
	c1 := make([]byte, handshakePacketSize)
	_, err := rand.Read(c1[8:])
	require.NoError(t, err)
	_, err = client.Write(append([]byte{handshakeVersion}, c1...))
	require.NoError(t, err)

	s0s1s2 := make([]byte, 1+2*handshakePacketSize)
	_, err = io.ReadFull(client, s0s1s2)
	require.NoError(t, err)
	assert.Equal(t, byte(handshakeVersion), s0s1s2[0])
	// Simple scheme: S2 echoes C1.
	assert.Equal(t, c1, s0s1s2[1+handshakePacketSize:])

	// C2 echoes S1.
	_, err = client.Write(s0s1s2[1 : 1+handshakePacketSize])
	require.NoError(t, err)

	require.NoError(t, <-errCh)
}

func TestServerHandshakeRejectsBadVersion(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- ServerHandshake(server, 2*time.Second)
	}()

	c1 := make([]byte, handshakePacketSize)
	_, err := client.Write(append([]byte{0x06}, c1...))
	require.NoError(t, err)

	assert.ErrorIs(t, <-errCh, ErrHandshake)
}

func TestServerHandshakeTimeout(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	err := ServerHandshake(server, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrHandshakeTimeout)
}

func TestFindClientDigest(t *testing.T) {
	// Build a C1 with a valid scheme-0 digest and confirm it verifies.
	c1 := make([]byte, handshakePacketSize)
	_, err := rand.Read(c1)
	require.NoError(t, err)
	copy(c1[4:8], []byte{0x80, 0x00, 0x07, 0x02})

	offset := digestOffset(c1, 8)
	joined := make([]byte, 0, len(c1)-digestLength)
	joined = append(joined, c1[:offset]...)
	joined = append(joined, c1[offset+digestLength:]...)
	copy(c1[offset:], hmacSHA256(fpKey, joined))

	digest, ok := findClientDigest(c1)
	require.True(t, ok)
	assert.Len(t, digest, digestLength)
}
