package torrent

import "container/heap"

// --------------------------------------------------------------------------------------------- //

// BlockSize is the transfer unit of the peer-wire protocol. Every block of a
// piece is this long except possibly the last.
const BlockSize = 16384

// --------------------------------------------------------------------------------------------- //

/*
Piece is one verifiable slice of the content.

Fields:
  - Index: Position of the piece in the torrent.
  - Hash: Expected SHA-1 digest of the assembled piece.
  - Length: Effective length, shorter than the nominal piece length only for the last piece.
  - Participants: Indices into the scheduler's session list of peers holding this piece.
*/
type Piece struct {
	Index        int
	Hash         [20]byte
	Length       int
	Participants []int
}

// --------------------------------------------------------------------------------------------- //

/*
NewPiece builds the piece model for one index, computing its effective
length and scanning the session list for holders.

Parameters:
  - index: Piece index.
  - Torrent: Parsed torrent the piece belongs to.
  - peers: Current peer sessions.

Returns:
  - *Piece: The piece with its participant set filled in.
*/
func NewPiece(index int, Torrent *TorrentFile, peers []*Peer) *Piece {
	piece := &Piece{
		Index:  index,
		Hash:   Torrent.PieceHashes[index],
		Length: pieceLengthFor(index, Torrent.Info.PieceLength, Torrent.GetTotalSize()),
	}

	piece.RefreshParticipants(peers)

	return piece
}

// --------------------------------------------------------------------------------------------- //

/*
RefreshParticipants rebuilds the participant set from the sessions that are
still alive and claim this piece.

Parameters:
  - peers: Current peer sessions.
*/
func (piece *Piece) RefreshParticipants(peers []*Peer) {
	piece.Participants = piece.Participants[:0]

	for i, peer := range peers {
		if peer.Alive() && peer.HasPiece(piece.Index) {
			piece.Participants = append(piece.Participants, i)
		}
	}
}

// --------------------------------------------------------------------------------------------- //

/*
pieceLengthFor computes the effective length of a piece: the nominal piece
length for all pieces except the last, which holds the remainder. An exact
multiple leaves the last piece at full length.
*/
func pieceLengthFor(index int, pieceLength, totalLength int64) int {
	begin := int64(index) * pieceLength
	remaining := totalLength - begin

	if remaining < pieceLength {
		return int(remaining)
	}

	return int(pieceLength)
}

// blockCount is the number of BlockSize transfers needed for a piece.
func blockCount(pieceLength int) int {
	return (pieceLength + BlockSize - 1) / BlockSize
}

// blockSizeFor is BlockSize for every block except the last, which holds
// whatever the piece has left.
func blockSizeFor(block, totalBlocks, pieceLength int) int {
	if block == totalBlocks-1 {
		return pieceLength - (totalBlocks-1)*BlockSize
	}

	return BlockSize
}

// --------------------------------------------------------------------------------------------- //

// pieceHeap orders pieces rarest first: fewer participants means higher
// priority, ties broken by lower index.
type pieceHeap []*Piece

func (h pieceHeap) Len() int { return len(h) }

func (h pieceHeap) Less(i, j int) bool {
	if len(h[i].Participants) != len(h[j].Participants) {
		return len(h[i].Participants) < len(h[j].Participants)
	}

	return h[i].Index < h[j].Index
}

func (h pieceHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *pieceHeap) Push(x any) {
	*h = append(*h, x.(*Piece))
}

func (h *pieceHeap) Pop() any {
	old := *h
	n := len(old)
	piece := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]

	return piece
}

var _ heap.Interface = (*pieceHeap)(nil)

// --------------------------------------------------------------------------------------------- //
