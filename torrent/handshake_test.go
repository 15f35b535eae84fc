package torrent

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandshakeRoundTrip(t *testing.T) {
	var infoHash, peerID [20]byte
	copy(infoHash[:], "aabbccddeeffgghhiijj")
	copy(peerID[:], "-GT0001-123456789012")

	hs := NewHandshake(infoHash, peerID)

	var buf bytes.Buffer
	require.NoError(t, hs.Write(&buf))
	require.Equal(t, 68, buf.Len())

	wire := buf.Bytes()
	require.Equal(t, byte(0x13), wire[0])
	require.Equal(t, "BitTorrent protocol", string(wire[1:20]))
	require.Equal(t, make([]byte, 8), wire[20:28])
	require.Equal(t, infoHash[:], wire[28:48])
	require.Equal(t, peerID[:], wire[48:68])

	got, err := ReadHandshake(&buf)
	require.NoError(t, err)
	require.Equal(t, infoHash, got.InfoHash)
	require.Equal(t, peerID, got.PeerID)
	require.NoError(t, got.VerifyInfoHash(infoHash))
}

func TestHandshakeRejectsBadProtocol(t *testing.T) {
	wire := make([]byte, 68)
	wire[0] = 19
	copy(wire[1:20], "BitTorrent imposter")

	_, err := ReadHandshake(bytes.NewReader(wire))
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid protocol")
}

func TestHandshakeRejectsBadLength(t *testing.T) {
	wire := make([]byte, 68)
	wire[0] = 20
	copy(wire[1:20], "BitTorrent protocol")

	_, err := ReadHandshake(bytes.NewReader(wire))
	require.Error(t, err)
}

func TestHandshakeVerifyInfoHashMismatch(t *testing.T) {
	var a, b [20]byte
	a[0] = 1
	b[0] = 2

	hs := NewHandshake(a, a)
	require.Error(t, hs.VerifyInfoHash(b))
}
