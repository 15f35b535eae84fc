package torrent

import (
	"net"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// --------------------------------------------------------------------------------------------- //

const (
	peerDialTimeout  = 5 * time.Second
	peerReadTimeout  = 30 * time.Second
	peerWriteTimeout = 30 * time.Second
)

/*
Peer is an established peer-wire session. It exclusively owns its TCP
connection and the remote bitfield; the scheduler talks to it only through
Participate.

Fields:
  - Addr: Remote endpoint the session was dialed to.
  - PeerID: 20-byte identifier the remote sent in its handshake.
  - Bitfield: Pieces the remote claimed in its initial Bitfield message.
  - Choked: True until the first Unchoke and after any subsequent Choke.
*/
type Peer struct {
	Addr     PeerAddr
	PeerID   [20]byte
	Bitfield Bitfield
	Choked   bool

	conn           net.Conn
	interestedSent bool
	dead           bool
}

// --------------------------------------------------------------------------------------------- //

/*
NewPeer dials the peer, performs the handshake and reads the mandatory
initial Bitfield message. Any mismatch or I/O failure closes the connection.

Parameters:
  - addr: Address of the peer to connect to.
  - infoHash: Info hash identifying the torrent.
  - peerID: This session's 20-byte peer ID.

Returns:
  - *Peer: Established session, choked and not yet interested.
  - error: Non-nil if dialing, handshaking or the bitfield exchange fails.
*/
func NewPeer(addr PeerAddr, infoHash, peerID [20]byte) (*Peer, error) {
	conn, err := net.DialTimeout("tcp", addr.String(), peerDialTimeout)
	if err != nil {
		return nil, errors.Wrapf(err, "connect to peer %s", addr)
	}

	conn.SetWriteDeadline(time.Now().Add(peerWriteTimeout))
	err = NewHandshake(infoHash, peerID).Write(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	conn.SetReadDeadline(time.Now().Add(peerReadTimeout))
	remote, err := ReadHandshake(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	err = remote.VerifyInfoHash(infoHash)
	if err != nil {
		conn.Close()
		return nil, err
	}

	peer := &Peer{
		Addr:   addr,
		PeerID: remote.PeerID,
		Choked: true,
		conn:   conn,
	}

	msg, err := peer.receive()
	for err == nil && msg == nil {
		// Keep-alives carry no id and may precede the Bitfield.
		msg, err = peer.receive()
	}

	if err != nil {
		conn.Close()
		return nil, err
	}

	if msg.ID != MsgBitfield {
		conn.Close()
		return nil, errors.Errorf("peer %s: expected Bitfield as first message", addr)
	}

	peer.Bitfield = Bitfield(msg.Payload)
	log.Infof("Peer %s: session established, bitfield length %d", addr, len(peer.Bitfield))

	return peer, nil
}

// --------------------------------------------------------------------------------------------- //

// Close shuts the session's connection down.
func (peer *Peer) Close() error {
	if peer.conn == nil {
		return nil
	}

	return peer.conn.Close()
}

// HasPiece reports whether the remote's bitfield claims the piece.
func (peer *Peer) HasPiece(index int) bool {
	return peer.Bitfield.HasPiece(index)
}

// Alive reports whether the session has not been torn down by an error.
func (peer *Peer) Alive() bool {
	return !peer.dead
}

// --------------------------------------------------------------------------------------------- //

func (peer *Peer) send(msg *Message) error {
	peer.conn.SetWriteDeadline(time.Now().Add(peerWriteTimeout))

	_, err := peer.conn.Write(msg.Serialize())
	if err != nil {
		return errors.Wrapf(err, "peer %s: send message", peer.Addr)
	}

	return nil
}

func (peer *Peer) receive() (*Message, error) {
	peer.conn.SetReadDeadline(time.Now().Add(peerReadTimeout))

	msg, err := ReadMessage(peer.conn)
	if err != nil {
		return nil, errors.Wrapf(err, "peer %s: receive message", peer.Addr)
	}

	return msg, nil
}

// --------------------------------------------------------------------------------------------- //

// BlockResult is one completed block posted to the scheduler's result sink.
type BlockResult struct {
	Begin int
	Data  []byte
}

// --------------------------------------------------------------------------------------------- //

/*
Participate downloads blocks of a single piece from this peer until the
shared work queue is empty. Block indices are taken from work; completed
blocks are posted to results. On Choke the in-flight index is returned to
the queue and the session waits for the next Unchoke; on any I/O error the
index is likewise returned and the session is reported lost.

Parameters:
  - pieceIndex: Index of the piece being assembled.
  - totalBlocks: Number of blocks in the piece.
  - pieceLength: Effective length of the piece in bytes.
  - work: Shared bounded queue of outstanding block indices.
  - results: Sink for completed blocks.

Returns:
  - error: Nil once the queue is drained; non-nil on session failure.
*/
func (peer *Peer) Participate(pieceIndex, totalBlocks, pieceLength int, work chan int, results chan<- BlockResult) error {
	if !peer.interestedSent {
		err := peer.send(&Message{ID: MsgInterested})
		if err != nil {
			return err
		}

		peer.interestedSent = true
	}

	for {
		err := peer.awaitUnchoke()
		if err != nil {
			return err
		}

		var block int
		select {
		case block = <-work:
		default:
			return nil
		}

		requeued, err := peer.fetchBlock(pieceIndex, block, totalBlocks, pieceLength, results)
		if err != nil {
			work <- block
			return err
		}

		if requeued {
			work <- block
		}
	}
}

// --------------------------------------------------------------------------------------------- //

// awaitUnchoke blocks until the session is unchoked, ignoring every other
// message id seen while waiting.
func (peer *Peer) awaitUnchoke() error {
	for peer.Choked {
		msg, err := peer.receive()
		if err != nil {
			return err
		}

		if msg == nil {
			continue
		}

		switch msg.ID {
		case MsgUnchoke:
			peer.Choked = false
		case MsgChoke:
			// already choked, keep waiting
		}
	}

	return nil
}

// --------------------------------------------------------------------------------------------- //

/*
fetchBlock requests one block and reads until the matching Piece message
arrives. Stale Piece messages (wrong index or begin) and unrelated ids are
ignored; a Choke abandons the block so another participant can claim it.

Returns:
  - bool: True if the block was abandoned because of a Choke.
  - error: Non-nil on I/O failure.
*/
func (peer *Peer) fetchBlock(pieceIndex, block, totalBlocks, pieceLength int, results chan<- BlockResult) (bool, error) {
	begin := block * BlockSize
	length := blockSizeFor(block, totalBlocks, pieceLength)

	req := BlockRequest{
		Index:  uint32(pieceIndex),
		Begin:  uint32(begin),
		Length: uint32(length),
	}

	err := peer.send(req.Message())
	if err != nil {
		return false, err
	}

	for {
		msg, err := peer.receive()
		if err != nil {
			return false, err
		}

		if msg == nil {
			continue
		}

		switch msg.ID {
		case MsgChoke:
			peer.Choked = true
			log.Infof("Peer %s: choked during piece %d, block %d", peer.Addr, pieceIndex, block)
			return true, nil

		case MsgPiece:
			res, err := ParseBlockResponse(msg)
			if err != nil {
				return false, err
			}

			if res.Index != uint32(pieceIndex) || res.Begin != uint32(begin) {
				log.Debugf("Peer %s: stale block (piece %d, begin %d), ignoring", peer.Addr, res.Index, res.Begin)
				continue
			}

			if len(res.Data) != length {
				return false, errors.Errorf("peer %s: block length %d, requested %d", peer.Addr, len(res.Data), length)
			}

			results <- BlockResult{Begin: begin, Data: res.Data}
			return false, nil

		default:
			// Have, Bitfield, unknown ids: drained and ignored mid-transfer.
		}
	}
}

// --------------------------------------------------------------------------------------------- //
