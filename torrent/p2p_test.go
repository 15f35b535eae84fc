package torrent

import (
	"crypto/rand"
	"crypto/sha1"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// --------------------------------------------------------------------------------------------- //

// mockPeerOpts configures one in-process remote peer.
type mockPeerOpts struct {
	infoHash    [20]byte
	bitfield    []byte
	content     []byte
	pieceLength int

	// corrupt makes the peer serve garbage for its first block and then
	// drop the connection.
	corrupt bool

	// chokeOnFirstRequest makes the peer answer its first Request with a
	// Choke and then drop the connection.
	chokeOnFirstRequest bool
}

func startMockPeer(t *testing.T, opts mockPeerOpts) PeerAddr {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		serveMockPeer(conn, opts)
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return PeerAddr{IP: "127.0.0.1", Port: uint16(addr.Port)}
}

func serveMockPeer(conn net.Conn, opts mockPeerOpts) {
	if _, err := ReadHandshake(conn); err != nil {
		return
	}

	var remoteID [20]byte
	copy(remoteID[:], "-MK0001-000000000000")
	if err := NewHandshake(opts.infoHash, remoteID).Write(conn); err != nil {
		return
	}

	if _, err := conn.Write((&Message{ID: MsgBitfield, Payload: opts.bitfield}).Serialize()); err != nil {
		return
	}

	unchoked := false
	for {
		msg, err := ReadMessage(conn)
		if err != nil {
			return
		}

		if msg == nil {
			continue
		}

		switch msg.ID {
		case MsgInterested:
			if !unchoked {
				conn.Write((&Message{ID: MsgUnchoke}).Serialize())
				unchoked = true
			}

		case MsgRequest:
			req, err := ParseBlockRequest(msg.Payload)
			if err != nil {
				return
			}

			if opts.chokeOnFirstRequest {
				conn.Write((&Message{ID: MsgChoke}).Serialize())
				return
			}

			start := int(req.Index)*opts.pieceLength + int(req.Begin)
			data := make([]byte, req.Length)
			copy(data, opts.content[start:start+int(req.Length)])

			if opts.corrupt {
				for i := range data {
					data[i] ^= 0xFF
				}
				conn.Write(BlockResponse{Index: req.Index, Begin: req.Begin, Data: data}.Message().Serialize())
				return
			}

			conn.Write(BlockResponse{Index: req.Index, Begin: req.Begin, Data: data}.Message().Serialize())
		}
	}
}

// --------------------------------------------------------------------------------------------- //

// newTestTorrent builds an in-memory TorrentFile describing the content.
func newTestTorrent(t *testing.T, content []byte, pieceLength int) *TorrentFile {
	t.Helper()

	Torrent := &TorrentFile{}
	Torrent.Info.Name = "test.bin"
	Torrent.Info.PieceLength = int64(pieceLength)
	Torrent.Info.Length = int64(len(content))
	copy(Torrent.Info.InfoHash[:], "test-info-hash-00000")
	Torrent.PeerID = GeneratePeerID()

	for begin := 0; begin < len(content); begin += pieceLength {
		end := begin + pieceLength
		if end > len(content) {
			end = len(content)
		}

		hash := sha1.Sum(content[begin:end])
		Torrent.Info.Pieces += string(hash[:])
		Torrent.PieceHashes = append(Torrent.PieceHashes, hash)
		Torrent.NumPieces++
	}

	return Torrent
}

func randomContent(t *testing.T, n int) []byte {
	t.Helper()

	content := make([]byte, n)
	_, err := rand.Read(content)
	require.NoError(t, err)

	return content
}

// --------------------------------------------------------------------------------------------- //

func TestDownloadSinglePeer(t *testing.T) {
	content := randomContent(t, 32768)
	Torrent := newTestTorrent(t, content, 32768)

	addr := startMockPeer(t, mockPeerOpts{
		infoHash:    Torrent.Info.InfoHash,
		bitfield:    []byte{0x80},
		content:     content,
		pieceLength: 32768,
	})

	peers := Torrent.ConnectToPeers([]PeerAddr{addr})
	require.Len(t, peers, 1)
	defer peers[0].Close()

	got, err := Torrent.DownloadAll(peers)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestDownloadMultiplePieces(t *testing.T) {
	// Three pieces, the last one truncated; blocks of mixed sizes.
	content := randomContent(t, 2*32768+20000)
	Torrent := newTestTorrent(t, content, 32768)
	require.Equal(t, 3, Torrent.NumPieces)

	var addrs []PeerAddr
	for i := 0; i < 2; i++ {
		addrs = append(addrs, startMockPeer(t, mockPeerOpts{
			infoHash:    Torrent.Info.InfoHash,
			bitfield:    []byte{0xE0},
			content:     content,
			pieceLength: 32768,
		}))
	}

	peers := Torrent.ConnectToPeers(addrs)
	require.Len(t, peers, 2)

	got, err := Torrent.DownloadAll(peers)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestDownloadHashMismatchReEnqueues(t *testing.T) {
	content := randomContent(t, 32768)
	Torrent := newTestTorrent(t, content, 32768)

	corrupt := startMockPeer(t, mockPeerOpts{
		infoHash:    Torrent.Info.InfoHash,
		bitfield:    []byte{0x80},
		content:     content,
		pieceLength: 32768,
		corrupt:     true,
	})
	good := startMockPeer(t, mockPeerOpts{
		infoHash:    Torrent.Info.InfoHash,
		bitfield:    []byte{0x80},
		content:     content,
		pieceLength: 32768,
	})

	peers := Torrent.ConnectToPeers([]PeerAddr{corrupt, good})
	require.Len(t, peers, 2)

	got, err := Torrent.DownloadAll(peers)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestDownloadChokeMidPiece(t *testing.T) {
	content := randomContent(t, 32768)
	Torrent := newTestTorrent(t, content, 32768)

	choker := startMockPeer(t, mockPeerOpts{
		infoHash:            Torrent.Info.InfoHash,
		bitfield:            []byte{0x80},
		content:             content,
		pieceLength:         32768,
		chokeOnFirstRequest: true,
	})
	good := startMockPeer(t, mockPeerOpts{
		infoHash:    Torrent.Info.InfoHash,
		bitfield:    []byte{0x80},
		content:     content,
		pieceLength: 32768,
	})

	peers := Torrent.ConnectToPeers([]PeerAddr{choker, good})
	require.Len(t, peers, 2)

	got, err := Torrent.DownloadAll(peers)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestDownloadShortPiece(t *testing.T) {
	// Smaller than one block: exactly one transfer, no truncation logic.
	content := randomContent(t, 9000)
	Torrent := newTestTorrent(t, content, 16384)

	addr := startMockPeer(t, mockPeerOpts{
		infoHash:    Torrent.Info.InfoHash,
		bitfield:    []byte{0x80},
		content:     content,
		pieceLength: 16384,
	})

	peers := Torrent.ConnectToPeers([]PeerAddr{addr})
	require.Len(t, peers, 1)

	got, err := Torrent.DownloadAll(peers)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestDownloadNoPeers(t *testing.T) {
	content := randomContent(t, 1024)
	Torrent := newTestTorrent(t, content, 1024)

	_, err := Torrent.DownloadAll(nil)
	require.ErrorIs(t, err, ErrNoPeersForPiece)
}

func TestDownloadNoHolders(t *testing.T) {
	content := randomContent(t, 32768)
	Torrent := newTestTorrent(t, content, 32768)

	// Connected, but its bitfield claims nothing.
	addr := startMockPeer(t, mockPeerOpts{
		infoHash:    Torrent.Info.InfoHash,
		bitfield:    []byte{0x00},
		content:     content,
		pieceLength: 32768,
	})

	peers := Torrent.ConnectToPeers([]PeerAddr{addr})
	require.Len(t, peers, 1)

	_, err := Torrent.DownloadAll(peers)
	require.ErrorIs(t, err, ErrNoPeersForPiece)
}

func TestConnectToPeersSkipsFailures(t *testing.T) {
	content := randomContent(t, 1024)
	Torrent := newTestTorrent(t, content, 1024)

	good := startMockPeer(t, mockPeerOpts{
		infoHash:    Torrent.Info.InfoHash,
		bitfield:    []byte{0x80},
		content:     content,
		pieceLength: 1024,
	})

	// A peer that answers the handshake with the wrong info hash.
	var wrongHash [20]byte
	copy(wrongHash[:], "wrong-info-hash-0000")
	bad := startMockPeer(t, mockPeerOpts{
		infoHash:    wrongHash,
		bitfield:    []byte{0x80},
		content:     content,
		pieceLength: 1024,
	})

	// And one that is not listening at all.
	refused := PeerAddr{IP: "127.0.0.1", Port: 1}

	peers := Torrent.ConnectToPeers([]PeerAddr{bad, refused, good})
	require.Len(t, peers, 1)
	require.Equal(t, good, peers[0].Addr)
}

// --------------------------------------------------------------------------------------------- //

func TestWriteContentSingleFile(t *testing.T) {
	content := randomContent(t, 4096)
	Torrent := newTestTorrent(t, content, 4096)

	output := filepath.Join(t.TempDir(), "out.bin")
	require.NoError(t, Torrent.WriteContent(content, output))

	written, err := os.ReadFile(output)
	require.NoError(t, err)
	require.Equal(t, content, written)
}

func TestWriteContentMultiFile(t *testing.T) {
	content := randomContent(t, 3000)

	Torrent := &TorrentFile{}
	Torrent.Info.Name = "bundle"
	Torrent.Info.PieceLength = 16384
	Torrent.Info.Files = []TorrentFileEntry{
		{Length: 1000, Path: []string{"dir", "a.bin"}},
		{Length: 2000, Path: []string{"b.bin"}},
	}

	outDir := t.TempDir()
	require.NoError(t, Torrent.WriteContent(content, outDir))

	a, err := os.ReadFile(filepath.Join(outDir, "bundle", "dir", "a.bin"))
	require.NoError(t, err)
	require.Equal(t, content[:1000], a)

	b, err := os.ReadFile(filepath.Join(outDir, "bundle", "b.bin"))
	require.NoError(t, err)
	require.Equal(t, content[1000:], b)
}
