package torrent

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// --------------------------------------------------------------------------------------------- //

// PeerAddr is a peer endpoint as reported by a tracker in compact form.
type PeerAddr struct {
	IP   string
	Port uint16
}

func (addr PeerAddr) String() string {
	return fmt.Sprintf("%s:%d", addr.IP, addr.Port)
}

// --------------------------------------------------------------------------------------------- //

/*
ParsePeers converts a compact peer list from a tracker response into a slice of PeerAddr.
The peer list is a binary string where each peer is represented by 6 bytes (4 for IP, 2 for port).

Parameters:
  - peers: String containing the compact peer list.

Returns:
  - []PeerAddr: Slice of peer addresses.
  - error: Non-nil if the peer list length is invalid (not a multiple of 6).
*/
func ParsePeers(peers string) ([]PeerAddr, error) {
	peerBytes := []byte(peers)
	if len(peerBytes)%6 != 0 {
		return nil, errors.Errorf("invalid peers length: %d (must be multiple of 6)", len(peerBytes))
	}

	var result []PeerAddr

	for i := 0; i < len(peerBytes); i += 6 {
		ip := fmt.Sprintf("%d.%d.%d.%d", peerBytes[i], peerBytes[i+1], peerBytes[i+2], peerBytes[i+3])
		port := binary.BigEndian.Uint16(peerBytes[i+4 : i+6])
		result = append(result, PeerAddr{IP: ip, Port: port})
	}

	return result, nil
}

// --------------------------------------------------------------------------------------------- //

/*
GeneratePeerID creates a unique peer ID for the session.
It combines the azureus-style "-GT0001-" prefix with twelve bytes taken from
a random UUID, giving a stable 20-byte identifier.

Returns:
  - [20]byte: The session peer ID.
*/
func GeneratePeerID() [20]byte {
	const prefix = "-GT0001-"

	var id [20]byte
	copy(id[:], prefix)

	u := uuid.New()
	copy(id[len(prefix):], u[:])

	return id
}

// --------------------------------------------------------------------------------------------- //

/*
GetTotalSize calculates the total size of the torrent's content.
For single-file torrents, it returns the file length; for multi-file torrents, it sums the file lengths.

Parameters:
  - Torrent: Pointer to the TorrentFile containing file metadata.

Returns:
  - int64: Total size of the torrent content in bytes.
*/
func (Torrent *TorrentFile) GetTotalSize() int64 {
	if len(Torrent.Info.Files) == 0 {
		return Torrent.Info.Length
	}

	var total int64 = 0

	for _, file := range Torrent.Info.Files {
		total += file.Length
	}

	return total
}

// --------------------------------------------------------------------------------------------- //

/*
isHTTP checks if a URL uses the HTTP or HTTPS protocol.
It is used to identify HTTP-based tracker URLs.

Parameters:
  - url: The URL string to check.

Returns:
  - bool: True if the URL starts with "http://" or "https://", false otherwise.
*/
func isHTTP(url string) bool {
	return strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://")
}

// --------------------------------------------------------------------------------------------- //

/*
isUDP checks if a URL uses the UDP protocol.
It is used to identify UDP-based tracker URLs.

Parameters:
  - url: The URL string to check.

Returns:
  - bool: True if the URL starts with "udp://", false otherwise.
*/
func isUDP(url string) bool {
	return strings.HasPrefix(url, "udp://")
}

// --------------------------------------------------------------------------------------------- //

/*
GenerateTransactionID creates a random 32-bit transaction ID for tracker requests.
It uses cryptographically secure random bytes to ensure uniqueness.

Returns:
  - uint32: A random 32-bit transaction ID.
  - error: Non-nil if random byte generation fails.
*/
func GenerateTransactionID() (uint32, error) {
	var buf [4]byte

	_, err := crand.Read(buf[:])
	if err != nil {
		return 0, errors.Wrap(err, "generate transaction ID")
	}

	return binary.BigEndian.Uint32(buf[:]), nil
}

// --------------------------------------------------------------------------------------------- //

/*
BuildFileInfo constructs the FileInfo slice for the torrent's files.
A single-file torrent maps the whole content to the output path itself; a
multi-file torrent gets a directory tree named after the torrent under it.

Parameters:
  - Torrent: Pointer to the TorrentFile containing file metadata.
  - output: Output file path (single-file) or base directory (multi-file).
*/
func (Torrent *TorrentFile) BuildFileInfo(output string) {
	Torrent.Files = nil

	if len(Torrent.Info.Files) == 0 {
		Torrent.Files = append(Torrent.Files, FileInfo{
			Path:   output,
			Length: Torrent.Info.Length,
			Offset: 0,
		})

		return
	}

	baseDir := filepath.Join(output, Torrent.Info.Name)
	var offset int64 = 0

	for _, fileEntry := range Torrent.Info.Files {
		parts := []string{baseDir}
		parts = append(parts, fileEntry.Path...)
		fullPath := filepath.Join(parts...)

		Torrent.Files = append(Torrent.Files, FileInfo{
			Path:   fullPath,
			Length: fileEntry.Length,
			Offset: offset,
		})

		offset += fileEntry.Length
	}
}

// --------------------------------------------------------------------------------------------- //
