package torrent

import (
	"bytes"
	"container/heap"
	"crypto/sha1"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// --------------------------------------------------------------------------------------------- //

// TargetPeers bounds the swarm: at most this many dials are in flight and
// dialing stops once this many sessions are established.
const TargetPeers = 5

// ErrNoPeersForPiece is returned when no surviving session holds a piece
// that is still needed. It is fatal to the download.
var ErrNoPeersForPiece = errors.New("no connected peer holds a needed piece")

// --------------------------------------------------------------------------------------------- //

/*
ConnectToPeers establishes peer sessions in parallel, keeping the first
TargetPeers successful ones. Failed handshakes are logged and skipped.

Parameters:
  - Torrent: Pointer to the TorrentFile providing the info hash and peer ID.
  - addrs: Candidate peer addresses from the tracker.

Returns:
  - []*Peer: The established sessions, at most TargetPeers of them.
*/
func (Torrent *TorrentFile) ConnectToPeers(addrs []PeerAddr) []*Peer {
	var mu sync.Mutex
	var peers []*Peer

	g := new(errgroup.Group)
	g.SetLimit(TargetPeers)

	for _, addr := range addrs {
		g.Go(func() error {
			mu.Lock()
			enough := len(peers) >= TargetPeers
			mu.Unlock()

			if enough {
				return nil
			}

			peer, err := NewPeer(addr, Torrent.Info.InfoHash, Torrent.PeerID)
			if err != nil {
				log.Warnf("Peer %s: %v", addr, err)
				return nil
			}

			mu.Lock()
			if len(peers) >= TargetPeers {
				mu.Unlock()
				peer.Close()
				return nil
			}

			peers = append(peers, peer)
			mu.Unlock()

			return nil
		})
	}

	g.Wait()
	log.Infof("Connected to %d peers", len(peers))

	return peers
}

// --------------------------------------------------------------------------------------------- //

/*
DownloadAll drains the piece heap rarest-first, assembling one piece at a
time across the peer pool and verifying each against its SHA-1 before
committing it to the content buffer. Incomplete or corrupt pieces are
re-enqueued with their participant set refreshed from surviving sessions;
pieces with no known holder wait on a deferred list and only become fatal
when no surviving session can serve them.

Parameters:
  - Torrent: Pointer to the parsed TorrentFile.
  - peers: Established peer sessions.

Returns:
  - []byte: The complete, verified content buffer.
  - error: Non-nil if the swarm cannot supply every piece.
*/
func (Torrent *TorrentFile) DownloadAll(peers []*Peer) ([]byte, error) {
	if len(peers) == 0 {
		return nil, errors.Wrap(ErrNoPeersForPiece, "no peer sessions established")
	}

	totalLength := Torrent.GetTotalSize()
	content := make([]byte, totalLength)

	need := &pieceHeap{}
	var deferred []*Piece

	for i := 0; i < Torrent.NumPieces; i++ {
		piece := NewPiece(i, Torrent, peers)

		if len(piece.Participants) == 0 {
			deferred = append(deferred, piece)
		} else {
			*need = append(*need, piece)
		}
	}

	heap.Init(need)

	if len(deferred) == Torrent.NumPieces && Torrent.NumPieces > 0 {
		return nil, errors.Wrap(ErrNoPeersForPiece, "no connected peer holds any piece")
	}

	bar := progressbar.DefaultBytes(totalLength, "downloading")

	for need.Len() > 0 || len(deferred) > 0 {
		if need.Len() == 0 {
			promoted := false
			remaining := deferred[:0]

			for _, piece := range deferred {
				piece.RefreshParticipants(peers)

				if len(piece.Participants) > 0 {
					heap.Push(need, piece)
					promoted = true
				} else {
					remaining = append(remaining, piece)
				}
			}

			deferred = remaining
			if !promoted {
				return nil, errors.Wrapf(ErrNoPeersForPiece, "piece %d", deferred[0].Index)
			}

			continue
		}

		piece := heap.Pop(need).(*Piece)
		piece.RefreshParticipants(peers)

		if len(piece.Participants) == 0 {
			deferred = append(deferred, piece)
			continue
		}

		buf, complete := Torrent.assemblePiece(piece, peers)

		if !complete {
			log.Warnf("Piece %d: incomplete, re-enqueueing", piece.Index)
			requeue(need, &deferred, piece, peers)
			continue
		}

		hash := sha1.Sum(buf)
		if !bytes.Equal(hash[:], piece.Hash[:]) {
			log.Warnf("Piece %d: hash mismatch, re-enqueueing", piece.Index)
			requeue(need, &deferred, piece, peers)
			continue
		}

		copy(content[int64(piece.Index)*Torrent.Info.PieceLength:], buf)
		bar.Add(len(buf))
	}

	return content, nil
}

// requeue puts a failed piece back onto the heap, or onto the deferred list
// when no surviving session holds it anymore.
func requeue(need *pieceHeap, deferred *[]*Piece, piece *Piece, peers []*Peer) {
	piece.RefreshParticipants(peers)

	if len(piece.Participants) == 0 {
		*deferred = append(*deferred, piece)
	} else {
		heap.Push(need, piece)
	}
}

// --------------------------------------------------------------------------------------------- //

/*
assemblePiece runs one piece assembly round: a bounded work queue is filled
with the piece's block indices, every participating session races on it, and
the result channel is drained into the piece buffer, spliced by begin
offset. The round ends when the buffer is full or every participant has
terminated. Sessions that error are marked dead; their unfinished indices
stay on the queue for the others.

Returns:
  - []byte: The piece buffer.
  - bool: True if every byte of the piece arrived.
*/
func (Torrent *TorrentFile) assemblePiece(piece *Piece, peers []*Peer) ([]byte, bool) {
	pieceLength := piece.Length
	totalBlocks := blockCount(pieceLength)

	work := make(chan int, totalBlocks)
	for block := 0; block < totalBlocks; block++ {
		work <- block
	}

	results := make(chan BlockResult, totalBlocks)

	var wg sync.WaitGroup
	for _, idx := range piece.Participants {
		peer := peers[idx]
		wg.Add(1)

		go func(peer *Peer) {
			defer wg.Done()

			err := peer.Participate(piece.Index, totalBlocks, pieceLength, work, results)
			if err != nil {
				log.Warnf("Peer %s: lost during piece %d: %v", peer.Addr, piece.Index, err)
				peer.dead = true
				peer.Close()
			}
		}(peer)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	buf := make([]byte, pieceLength)
	received := 0

drain:
	for received < pieceLength {
		select {
		case res := <-results:
			copy(buf[res.Begin:], res.Data)
			received += len(res.Data)

		case <-done:
			for {
				select {
				case res := <-results:
					copy(buf[res.Begin:], res.Data)
					received += len(res.Data)
				default:
					break drain
				}
			}
		}
	}

	// The remaining participants exit as soon as they see the empty queue;
	// the round does not overlap the next piece's.
	<-done

	for {
		select {
		case res := <-results:
			copy(buf[res.Begin:], res.Data)
			received += len(res.Data)
		default:
			return buf, received == pieceLength
		}
	}
}

// --------------------------------------------------------------------------------------------- //

/*
WriteContent splits the verified content buffer into the torrent's logical
files on disk. Single-file torrents write the output path itself; multi-file
torrents get a directory tree named after the torrent.

Parameters:
  - Torrent: Pointer to the parsed TorrentFile.
  - content: The complete content buffer from DownloadAll.
  - output: Output file path or base directory.

Returns:
  - error: Non-nil if directory creation or a file write fails.
*/
func (Torrent *TorrentFile) WriteContent(content []byte, output string) error {
	Torrent.BuildFileInfo(output)

	for _, file := range Torrent.Files {
		dir := filepath.Dir(file.Path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrapf(err, "create directory %s", dir)
		}

		chunk := content[file.Offset : file.Offset+file.Length]
		if err := os.WriteFile(file.Path, chunk, 0644); err != nil {
			return errors.Wrapf(err, "write %s", file.Path)
		}
	}

	return nil
}

// --------------------------------------------------------------------------------------------- //
