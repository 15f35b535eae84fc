package torrent

// TorrentFile represents a root dictionary of .torrent file
type TorrentFile struct {
	Announce     string      `bencode:"announce"`
	AnnounceList [][]string  `bencode:"announce-list"`
	Comment      string      `bencode:"comment"`
	CreatedBy    string      `bencode:"created by"`
	CreationDate int64       `bencode:"creation date"`
	Encoding     string      `bencode:"encoding"`
	Info         TorrentInfo `bencode:"info"`
	URLList      []string    `bencode:"url-list"`

	// Runtime state derived by Parse, never serialized.
	PeerID      [20]byte   `bencode:"-"`
	PieceHashes [][20]byte `bencode:"-"`
	NumPieces   int        `bencode:"-"`
	Files       []FileInfo `bencode:"-"`
}

// TorrentInfo represents an `info` dictionary in .torrent file
type TorrentInfo struct {
	PieceLength int64              `bencode:"piece length"`
	Pieces      string             `bencode:"pieces"`
	Name        string             `bencode:"name"`
	Length      int64              `bencode:"length"`
	Files       []TorrentFileEntry `bencode:"files"`
	Private     int                `bencode:"private"`

	InfoHash [20]byte `bencode:"-"`
}

// TorrentFileEntry represents information about a file in a multi-file torrent
type TorrentFileEntry struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

// FileInfo locates one logical file inside the downloaded content.
type FileInfo struct {
	Path   string
	Length int64
	Offset int64
}

// TrackerResponse represents a decoded announce reply. Peers is kept in the
// 6-byte compact form regardless of the tracker transport.
type TrackerResponse struct {
	Failure  string `bencode:"failure reason"`
	Interval int    `bencode:"interval"`
	Peers    string `bencode:"peers"`
}
