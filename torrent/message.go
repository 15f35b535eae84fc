package torrent

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// --------------------------------------------------------------------------------------------- //

// MessageID is the one-byte identifier following the length prefix of a
// peer-wire message. Ids outside the 0-8 range are carried through verbatim
// so callers can skip them instead of failing the session.
type MessageID uint8

const (
	MsgChoke         MessageID = 0
	MsgUnchoke       MessageID = 1
	MsgInterested    MessageID = 2
	MsgNotInterested MessageID = 3
	MsgHave          MessageID = 4
	MsgBitfield      MessageID = 5
	MsgRequest       MessageID = 6
	MsgPiece         MessageID = 7
	MsgCancel        MessageID = 8
)

// Known reports whether the id is one of the protocol-defined message types.
func (id MessageID) Known() bool {
	return id <= MsgCancel
}

// maxMessageLength bounds a frame's declared length; a legitimate Piece
// message never exceeds a block plus its header, and a Bitfield stays far
// below this for any realistic piece count.
const maxMessageLength = 1 << 20

// --------------------------------------------------------------------------------------------- //

// Message represents a BitTorrent protocol message. A nil *Message stands
// for the zero-length keep-alive frame.
type Message struct {
	ID      MessageID
	Payload []byte
}

// --------------------------------------------------------------------------------------------- //

/*
Serialize encodes the message with its 4-byte big-endian length prefix.
A nil message serializes as a keep-alive (length 0, no id, no payload).

Returns:
  - []byte: The wire representation of the message.
*/
func (m *Message) Serialize() []byte {
	if m == nil {
		return make([]byte, 4)
	}

	length := uint32(len(m.Payload) + 1)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)

	return buf
}

// --------------------------------------------------------------------------------------------- //

/*
ReadMessage reads one length-prefixed message from the reader.
The length prefix is big-endian on the wire in both directions.

Parameters:
  - r: Reader positioned at a message boundary.

Returns:
  - *Message: The decoded message, or nil for a keep-alive.
  - error: Non-nil if the read fails or the declared length is oversized.
*/
func ReadMessage(r io.Reader) (*Message, error) {
	var lengthBuf [4]byte
	_, err := io.ReadFull(r, lengthBuf[:])
	if err != nil {
		return nil, errors.Wrap(err, "read message length")
	}

	length := binary.BigEndian.Uint32(lengthBuf[:])
	if length == 0 {
		return nil, nil
	}

	if length > maxMessageLength {
		return nil, errors.Errorf("message too large: %d bytes", length)
	}

	buf := make([]byte, length)
	_, err = io.ReadFull(r, buf)
	if err != nil {
		return nil, errors.Wrap(err, "read message body")
	}

	return &Message{
		ID:      MessageID(buf[0]),
		Payload: buf[1:],
	}, nil
}

// --------------------------------------------------------------------------------------------- //

// BlockRequest is the 12-byte payload of a Request message.
type BlockRequest struct {
	Index  uint32
	Begin  uint32
	Length uint32
}

/*
Message wraps the block request into a sendable Request message.

Returns:
  - *Message: Request message with the 12-byte big-endian payload.
*/
func (br BlockRequest) Message() *Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], br.Index)
	binary.BigEndian.PutUint32(payload[4:8], br.Begin)
	binary.BigEndian.PutUint32(payload[8:12], br.Length)

	return &Message{ID: MsgRequest, Payload: payload}
}

/*
ParseBlockRequest decodes a Request payload.

Parameters:
  - payload: The 12-byte Request payload.

Returns:
  - BlockRequest: Decoded request fields.
  - error: Non-nil if the payload length is wrong.
*/
func ParseBlockRequest(payload []byte) (BlockRequest, error) {
	if len(payload) != 12 {
		return BlockRequest{}, errors.Errorf("invalid Request payload length: %d", len(payload))
	}

	return BlockRequest{
		Index:  binary.BigEndian.Uint32(payload[0:4]),
		Begin:  binary.BigEndian.Uint32(payload[4:8]),
		Length: binary.BigEndian.Uint32(payload[8:12]),
	}, nil
}

// --------------------------------------------------------------------------------------------- //

// BlockResponse is the decoded payload of a Piece message.
type BlockResponse struct {
	Index uint32
	Begin uint32
	Data  []byte
}

/*
Message wraps the block response into a sendable Piece message.

Returns:
  - *Message: Piece message with index, begin and data.
*/
func (br BlockResponse) Message() *Message {
	payload := make([]byte, 8+len(br.Data))
	binary.BigEndian.PutUint32(payload[0:4], br.Index)
	binary.BigEndian.PutUint32(payload[4:8], br.Begin)
	copy(payload[8:], br.Data)

	return &Message{ID: MsgPiece, Payload: payload}
}

/*
ParseBlockResponse decodes a Piece message payload.

Parameters:
  - msg: A message whose ID must be MsgPiece.

Returns:
  - BlockResponse: Decoded index, begin and block data.
  - error: Non-nil if the message is not a Piece or the payload is short.
*/
func ParseBlockResponse(msg *Message) (BlockResponse, error) {
	if msg == nil || msg.ID != MsgPiece {
		return BlockResponse{}, errors.New("expected Piece message")
	}

	if len(msg.Payload) < 8 {
		return BlockResponse{}, errors.Errorf("invalid Piece payload length: %d", len(msg.Payload))
	}

	return BlockResponse{
		Index: binary.BigEndian.Uint32(msg.Payload[0:4]),
		Begin: binary.BigEndian.Uint32(msg.Payload[4:8]),
		Data:  msg.Payload[8:],
	}, nil
}

// --------------------------------------------------------------------------------------------- //

/*
ParseHave decodes a Have message payload.

Parameters:
  - msg: A message whose ID must be MsgHave.

Returns:
  - int: Index of the piece the peer announced.
  - error: Non-nil if the message is not a Have or the payload length is wrong.
*/
func ParseHave(msg *Message) (int, error) {
	if msg == nil || msg.ID != MsgHave {
		return 0, errors.New("expected Have message")
	}

	if len(msg.Payload) != 4 {
		return 0, errors.Errorf("invalid Have payload length: %d", len(msg.Payload))
	}

	return int(binary.BigEndian.Uint32(msg.Payload)), nil
}

// --------------------------------------------------------------------------------------------- //
