package torrent

import (
	"bytes"
	"crypto/sha1"
	"os"
	"strconv"

	"github.com/jackpal/bencode-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// --------------------------------------------------------------------------------------------- //

/*
extractInfoBytes extracts the info dictionary bytes from a bencoded torrent file.
It locates the "4:info" prefix and parses the bencoded data to find the corresponding dictionary.

Parameters:
  - data: Byte slice containing the bencoded torrent file data.

Returns:
  - []byte: Byte slice of the info dictionary if found and valid.
  - error: Non-nil if the info dictionary is not found, unterminated, or malformed.
*/
func extractInfoBytes(data []byte) ([]byte, error) {
	idx := bytes.Index(data, []byte("4:info"))
	if idx < 0 {
		return nil, errors.New("torrent: no \"4:info\" prefix found")
	}

	start := idx + len("4:info")

	depth := 0
	for i := start; i < len(data); i++ {
		b := data[i]

		switch b {
		case 'd', 'l':
			depth++
		case 'e':
			depth--

			if depth == 0 {
				return data[start : i+1], nil
			}

		case 'i':
			j := i + 1
			for ; j < len(data) && data[j] != 'e'; j++ {
			}

			if j >= len(data) {
				return nil, errors.Errorf("torrent: unterminated integer at %d", i)
			}

			i = j

		default:
			if b >= '0' && b <= '9' {
				j := i

				for ; j < len(data) && data[j] >= '0' && data[j] <= '9'; j++ {
				}

				if j < len(data) && data[j] == ':' {
					length, err := strconv.Atoi(string(data[i:j]))
					if err != nil {
						return nil, errors.Errorf("torrent: invalid string length at %d-%d", i, j)
					}

					j++

					i = j + length - 1
				}
			}
		}
	}
	return nil, errors.New("torrent: unterminated info dict")
}

// --------------------------------------------------------------------------------------------- //

/*
computeInfoHash computes the SHA-1 hash of the info dictionary from a torrent file.
It reads the file, extracts the raw info dictionary bytes, and hashes them.

Parameters:
  - path: Path to the .torrent file on disk.

Returns:
  - [20]byte: SHA-1 hash of the info dictionary.
  - error: Non-nil if file reading or info dictionary extraction fails.
*/
func computeInfoHash(path string) ([20]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return [20]byte{}, errors.Wrapf(err, "read %q", path)
	}

	infoBytes, err := extractInfoBytes(data)
	if err != nil {
		return [20]byte{}, errors.Wrap(err, "extract info bytes")
	}

	return sha1.Sum(infoBytes), nil
}

// --------------------------------------------------------------------------------------------- //

/*
initializePieces populates the piece-hash table of an already decoded torrent.
The pieces field is a concatenation of 20-byte SHA-1 digests, one per piece.

Parameters:
  - Torrent: Pointer to the TorrentFile to populate.

Returns:
  - error: Non-nil if the pieces length is not a multiple of 20.
*/
func initializePieces(Torrent *TorrentFile) error {
	pieces := Torrent.Info.Pieces
	if len(pieces)%20 != 0 {
		return errors.Errorf("invalid pieces length: %d (must be multiple of 20)", len(pieces))
	}

	Torrent.NumPieces = len(pieces) / 20
	Torrent.PieceHashes = make([][20]byte, Torrent.NumPieces)

	for i := 0; i < Torrent.NumPieces; i++ {
		copy(Torrent.PieceHashes[i][:], pieces[i*20:(i+1)*20])
	}

	return nil
}

// --------------------------------------------------------------------------------------------- //

/*
Parse loads and parses a .torrent file, populating a TorrentFile struct.
It decodes the bencoded file, computes the info hash, fills the piece-hash
table and generates the session peer ID.

Parameters:
  - Torrent: Pointer to the TorrentFile struct to populate with metadata.
  - file: Path to the .torrent file on disk.

Returns:
  - error: Non-nil if file opening, bencode decoding, or info hash computation fails.
*/
func Parse(Torrent *TorrentFile, file string) error {
	src, err := os.Open(file)
	if err != nil {
		return errors.Wrapf(err, "open %q", file)
	}
	defer src.Close()

	err = bencode.Unmarshal(src, Torrent)
	if err != nil {
		return errors.Wrap(err, "decode torrent file")
	}

	hash, err := computeInfoHash(file)
	if err != nil {
		return err
	}

	Torrent.Info.InfoHash = hash

	err = initializePieces(Torrent)
	if err != nil {
		return err
	}

	Torrent.PeerID = GeneratePeerID()

	log.Infof("Parsed torrent: %s, InfoHash: %x, pieces: %d",
		Torrent.Info.Name, Torrent.Info.InfoHash, Torrent.NumPieces)

	return nil
}

// --------------------------------------------------------------------------------------------- //
