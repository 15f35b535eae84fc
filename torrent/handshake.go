package torrent

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// --------------------------------------------------------------------------------------------- //

const protocolName = "BitTorrent protocol"

/*
Handshake represents the fixed 68-byte BitTorrent handshake message.
It is exchanged immediately after the TCP connection is established.

Fields:
  - ProtocolNameLength: Length of the protocol name (19 for "BitTorrent protocol").
  - Protocol: Fixed-size array containing the protocol name.
  - Reserved: Eight reserved zero bytes.
  - InfoHash: 20-byte SHA-1 hash of the torrent's info dictionary.
  - PeerID: 20-byte unique identifier for the peer.
*/
type Handshake struct {
	ProtocolNameLength byte
	Protocol           [19]byte
	Reserved           [8]byte
	InfoHash           [20]byte
	PeerID             [20]byte
}

// --------------------------------------------------------------------------------------------- //

/*
NewHandshake builds an outgoing handshake for the given torrent identity.

Parameters:
  - infoHash: 20-byte info hash of the torrent.
  - peerID: 20-byte identifier of this session.

Returns:
  - *Handshake: Handshake ready to be written.
*/
func NewHandshake(infoHash, peerID [20]byte) *Handshake {
	var hs Handshake
	hs.ProtocolNameLength = byte(len(protocolName))
	copy(hs.Protocol[:], protocolName)
	hs.InfoHash = infoHash
	hs.PeerID = peerID

	return &hs
}

// --------------------------------------------------------------------------------------------- //

/*
Write serializes the handshake onto the writer as exactly 68 bytes.

Parameters:
  - w: Destination writer, typically the peer connection.

Returns:
  - error: Non-nil if the write fails.
*/
func (hs *Handshake) Write(w io.Writer) error {
	err := binary.Write(w, binary.BigEndian, hs)
	if err != nil {
		return errors.Wrap(err, "write handshake")
	}

	return nil
}

// --------------------------------------------------------------------------------------------- //

/*
ReadHandshake reads exactly 68 bytes from the reader and validates the
protocol header. The remote's info hash and peer ID are returned for the
caller to verify.

Parameters:
  - r: Source reader, typically the peer connection.

Returns:
  - *Handshake: The decoded handshake.
  - error: Non-nil if the read fails or the protocol header is not BitTorrent.
*/
func ReadHandshake(r io.Reader) (*Handshake, error) {
	var hs Handshake
	err := binary.Read(r, binary.BigEndian, &hs)
	if err != nil {
		return nil, errors.Wrap(err, "read handshake")
	}

	if hs.ProtocolNameLength != byte(len(protocolName)) || string(hs.Protocol[:]) != protocolName {
		return nil, errors.Errorf("invalid protocol in handshake: %q", hs.Protocol[:])
	}

	return &hs, nil
}

// --------------------------------------------------------------------------------------------- //

/*
VerifyInfoHash checks that the remote handshake echoes the expected info hash.

Parameters:
  - infoHash: The local torrent's info hash.

Returns:
  - error: Non-nil on mismatch.
*/
func (hs *Handshake) VerifyInfoHash(infoHash [20]byte) error {
	if !bytes.Equal(hs.InfoHash[:], infoHash[:]) {
		return errors.Errorf("info hash mismatch in handshake: got %x", hs.InfoHash)
	}

	return nil
}

// --------------------------------------------------------------------------------------------- //
