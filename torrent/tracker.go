package torrent

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jackpal/bencode-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// --------------------------------------------------------------------------------------------- //

// ClientPort is the port reported to trackers. The leecher never listens on
// it; it only satisfies the announce formats.
const ClientPort = 6881

// --------------------------------------------------------------------------------------------- //

/*
SendTrackerResponse contacts the torrent's tracker and returns the peer list.
The announce URL scheme selects the transport: http/https or udp. When the
root announce key is empty, the first usable announce-list entry is taken.
Tracker errors surface to the caller; there is no failover between trackers.

Parameters:
  - Torrent: Pointer to the TorrentFile containing the announce URL and metadata.

Returns:
  - *TrackerResponse: Peers in compact form plus the announce interval.
  - error: Non-nil if the scheme is unsupported or the announce fails.
*/
func (Torrent *TorrentFile) SendTrackerResponse() (*TrackerResponse, error) {
	announce := Torrent.Announce

	if announce == "" {
		for _, tier := range Torrent.AnnounceList {
			for _, candidate := range tier {
				if candidate != "" {
					announce = candidate
					break
				}
			}

			if announce != "" {
				break
			}
		}
	}

	switch {
	case isHTTP(announce):
		return Torrent.SendHTTPTrackerRequest(announce)
	case isUDP(announce):
		return Torrent.SendUDPTrackerRequest(announce)
	default:
		return nil, errors.Errorf("unsupported tracker URL: %q", announce)
	}
}

// --------------------------------------------------------------------------------------------- //

/*
trackerEscape percent-encodes raw bytes for a tracker query string.
Every byte outside the unreserved set is emitted as %XX; this is what the
info_hash and peer_id parameters require, since they are arbitrary binary.

Parameters:
  - data: Raw bytes to encode.

Returns:
  - string: The percent-encoded form.
*/
func trackerEscape(data []byte) string {
	var sb strings.Builder

	for _, b := range data {
		switch {
		case b >= 'a' && b <= 'z',
			b >= 'A' && b <= 'Z',
			b >= '0' && b <= '9',
			b == '-', b == '_', b == '.', b == '~':
			sb.WriteByte(b)
		default:
			fmt.Fprintf(&sb, "%%%02X", b)
		}
	}

	return sb.String()
}

// --------------------------------------------------------------------------------------------- //

/*
SendHTTPTrackerRequest sends an HTTP announce to a tracker.
It constructs the GET query with the torrent metadata and parses the
bencoded response into a TrackerResponse.

Parameters:
  - Torrent: Pointer to the TorrentFile containing metadata such as InfoHash and total size.
  - announceURL: URL of the HTTP tracker to contact.

Returns:
  - *TrackerResponse: Pointer to the TrackerResponse containing peers and interval.
  - error: Non-nil if URL parsing, the HTTP request, or response decoding fails.
*/
func (Torrent *TorrentFile) SendHTTPTrackerRequest(announceURL string) (*TrackerResponse, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse announce URL")
	}

	query := fmt.Sprintf("info_hash=%s&peer_id=%s&port=%d&uploaded=0&downloaded=0&left=%d&compact=1",
		trackerEscape(Torrent.Info.InfoHash[:]),
		trackerEscape(Torrent.PeerID[:]),
		ClientPort,
		Torrent.GetTotalSize())

	if u.RawQuery != "" {
		u.RawQuery += "&" + query
	} else {
		u.RawQuery = query
	}

	client := &http.Client{
		Timeout: 15 * time.Second,
	}

	req, err := http.NewRequest("GET", u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "create HTTP request")
	}

	req.Header.Set("User-Agent", "Leech/1.0")

	log.Infof("Sending HTTP announce to %s", u.Host)

	response, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "send announce request")
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, errors.Errorf("tracker status code: %d", response.StatusCode)
	}

	var trackerResp TrackerResponse
	err = bencode.Unmarshal(response.Body, &trackerResp)
	if err != nil {
		return nil, errors.Wrap(err, "decode tracker response")
	}

	if trackerResp.Failure != "" {
		return nil, errors.Errorf("tracker failure: %s", trackerResp.Failure)
	}

	if len(trackerResp.Peers)%6 != 0 {
		return nil, errors.Errorf("invalid peers length: %d (must be multiple of 6)", len(trackerResp.Peers))
	}

	log.Infof("Tracker returned %d peers, interval %d", len(trackerResp.Peers)/6, trackerResp.Interval)

	return &trackerResp, nil
}

// --------------------------------------------------------------------------------------------- //
