package torrent

import (
	"encoding/binary"
	mrand "math/rand"
	"net"
	"net/url"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// --------------------------------------------------------------------------------------------- //

const (
	udpProtocolMagic uint64 = 0x41727101980

	udpActionConnect  uint32 = 0
	udpActionAnnounce uint32 = 1
	udpActionError    uint32 = 3

	// BEP-15: a connection_id may be reused for one minute after receipt.
	udpConnectionTTL = time.Minute

	udpMaxAttempts = 8
)

// udpRetryBase is the first retransmission timeout; it doubles after every
// unanswered request. Variable so tests can tighten the schedule.
var udpRetryBase = 15 * time.Second

// --------------------------------------------------------------------------------------------- //

// ConnectRequest is the 16-byte opening frame of a UDP tracker exchange.
type ConnectRequest struct {
	TransactionID uint32
}

/*
Encode serializes the connect request: magic, action=0, transaction id.

Returns:
  - []byte: 16-byte big-endian frame.
*/
func (r ConnectRequest) Encode() []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], udpProtocolMagic)
	binary.BigEndian.PutUint32(buf[8:12], udpActionConnect)
	binary.BigEndian.PutUint32(buf[12:16], r.TransactionID)

	return buf
}

// ConnectResponse carries the connection id granted by the tracker.
type ConnectResponse struct {
	TransactionID uint32
	ConnectionID  uint64
}

/*
ParseConnectResponse decodes a 16-byte connect response frame.

Parameters:
  - buf: Raw datagram.

Returns:
  - *ConnectResponse: Decoded transaction and connection ids.
  - error: Non-nil if the frame is short or the action is not connect.
*/
func ParseConnectResponse(buf []byte) (*ConnectResponse, error) {
	if len(buf) < 16 {
		return nil, errors.Errorf("connect response too short: %d bytes", len(buf))
	}

	if binary.BigEndian.Uint32(buf[0:4]) != udpActionConnect {
		return nil, errors.New("connect response action mismatch")
	}

	return &ConnectResponse{
		TransactionID: binary.BigEndian.Uint32(buf[4:8]),
		ConnectionID:  binary.BigEndian.Uint64(buf[8:16]),
	}, nil
}

// --------------------------------------------------------------------------------------------- //

// AnnounceRequest is the 98-byte announce frame of the UDP tracker protocol.
type AnnounceRequest struct {
	ConnectionID  uint64
	TransactionID uint32
	InfoHash      [20]byte
	PeerID        [20]byte
	Downloaded    uint64
	Left          uint64
	Uploaded      uint64
	Event         uint32
	IP            uint32
	Key           uint32
	NumWant       int32
	Port          uint16
}

/*
Encode serializes the announce request per BEP-15, big-endian throughout.

Returns:
  - []byte: 98-byte frame.
*/
func (r *AnnounceRequest) Encode() []byte {
	buf := make([]byte, 98)

	binary.BigEndian.PutUint64(buf[0:8], r.ConnectionID)
	binary.BigEndian.PutUint32(buf[8:12], udpActionAnnounce)
	binary.BigEndian.PutUint32(buf[12:16], r.TransactionID)

	copy(buf[16:36], r.InfoHash[:])
	copy(buf[36:56], r.PeerID[:])

	binary.BigEndian.PutUint64(buf[56:64], r.Downloaded)
	binary.BigEndian.PutUint64(buf[64:72], r.Left)
	binary.BigEndian.PutUint64(buf[72:80], r.Uploaded)

	binary.BigEndian.PutUint32(buf[80:84], r.Event)
	binary.BigEndian.PutUint32(buf[84:88], r.IP)
	binary.BigEndian.PutUint32(buf[88:92], r.Key)
	binary.BigEndian.PutUint32(buf[92:96], uint32(r.NumWant))
	binary.BigEndian.PutUint16(buf[96:98], r.Port)

	return buf
}

// AnnounceResponse is the tracker's reply: interval, swarm counters and a
// compact peer list.
type AnnounceResponse struct {
	TransactionID uint32
	Interval      uint32
	Leechers      uint32
	Seeders       uint32
	Peers         []byte
}

/*
ParseAnnounceResponse decodes an announce response frame.

Parameters:
  - buf: Raw datagram.

Returns:
  - *AnnounceResponse: Decoded counters and compact peers.
  - error: Non-nil if the frame is short, the action is wrong, or the peer
    list length is not a multiple of 6.
*/
func ParseAnnounceResponse(buf []byte) (*AnnounceResponse, error) {
	if len(buf) < 20 {
		return nil, errors.Errorf("announce response too short: %d bytes", len(buf))
	}

	if binary.BigEndian.Uint32(buf[0:4]) != udpActionAnnounce {
		return nil, errors.New("announce response action mismatch")
	}

	peers := buf[20:]
	if len(peers)%6 != 0 {
		return nil, errors.Errorf("invalid peers length: %d (must be multiple of 6)", len(peers))
	}

	return &AnnounceResponse{
		TransactionID: binary.BigEndian.Uint32(buf[4:8]),
		Interval:      binary.BigEndian.Uint32(buf[8:12]),
		Leechers:      binary.BigEndian.Uint32(buf[12:16]),
		Seeders:       binary.BigEndian.Uint32(buf[16:20]),
		Peers:         peers,
	}, nil
}

// --------------------------------------------------------------------------------------------- //

// UDPTrackerError is the tracker's error frame (action 3).
type UDPTrackerError struct {
	TransactionID uint32
	Message       string
}

/*
ParseTrackerError decodes an error frame; the message is the remainder of
the packet after the header.

Parameters:
  - buf: Raw datagram.

Returns:
  - *UDPTrackerError: Decoded transaction id and message text.
  - error: Non-nil if the frame is short or the action is wrong.
*/
func ParseTrackerError(buf []byte) (*UDPTrackerError, error) {
	if len(buf) < 8 {
		return nil, errors.Errorf("error response too short: %d bytes", len(buf))
	}

	if binary.BigEndian.Uint32(buf[0:4]) != udpActionError {
		return nil, errors.New("error response action mismatch")
	}

	return &UDPTrackerError{
		TransactionID: binary.BigEndian.Uint32(buf[4:8]),
		Message:       string(buf[8:]),
	}, nil
}

// --------------------------------------------------------------------------------------------- //

/*
SendUDPTrackerRequest runs the two-step UDP tracker state machine.
It sends a connect request, stores the granted connection id, then announces
with it. Each unanswered request is retransmitted with exponential backoff
(base 15 s, doubling) up to 8 attempts total. Datagrams whose transaction id
does not match the outstanding request are discarded silently. A connection
id older than one minute falls back to the connect step.

Parameters:
  - Torrent: Pointer to the TorrentFile containing metadata such as InfoHash and total size.
  - announceURL: udp:// URL of the tracker.

Returns:
  - *TrackerResponse: Peers in compact form plus the announce interval.
  - error: Non-nil if every retransmission goes unanswered or the tracker reports an error.
*/
func (Torrent *TorrentFile) SendUDPTrackerRequest(announceURL string) (*TrackerResponse, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse announce URL")
	}

	addr, err := net.ResolveUDPAddr("udp", u.Host)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve tracker address %q", u.Host)
	}

	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, errors.Wrap(err, "dial tracker")
	}
	defer conn.Close()

	state := udpActionConnect
	var connectionID uint64
	var connectedAt time.Time

	delay := udpRetryBase
	buf := make([]byte, 2048)

	for attempt := 0; attempt < udpMaxAttempts; {
		if state == udpActionAnnounce && time.Since(connectedAt) > udpConnectionTTL {
			log.Infof("Tracker %s: connection id expired, reconnecting", addr)
			state = udpActionConnect
		}

		tid, err := GenerateTransactionID()
		if err != nil {
			return nil, err
		}

		var request []byte
		switch state {
		case udpActionConnect:
			request = ConnectRequest{TransactionID: tid}.Encode()
		case udpActionAnnounce:
			announceReq := &AnnounceRequest{
				ConnectionID:  connectionID,
				TransactionID: tid,
				InfoHash:      Torrent.Info.InfoHash,
				PeerID:        Torrent.PeerID,
				Left:          uint64(Torrent.GetTotalSize()),
				Key:           mrand.Uint32(),
				NumWant:       -1,
				Port:          ClientPort,
			}
			request = announceReq.Encode()
		}

		_, err = conn.Write(request)
		if err != nil {
			log.Warnf("Tracker %s: send failed: %v", addr, err)
			attempt++
			delay *= 2
			continue
		}

		deadline := time.Now().Add(delay)
		conn.SetReadDeadline(deadline)

		matched := false
		for !matched {
			n, err := conn.Read(buf)
			if err != nil {
				break
			}

			if n < 8 {
				continue
			}

			action := binary.BigEndian.Uint32(buf[0:4])
			if binary.BigEndian.Uint32(buf[4:8]) != tid {
				continue
			}

			switch action {
			case udpActionConnect:
				connectResp, err := ParseConnectResponse(buf[:n])
				if err != nil {
					continue
				}

				connectionID = connectResp.ConnectionID
				connectedAt = time.Now()
				state = udpActionAnnounce
				matched = true

				log.Infof("Tracker %s: connection id %d", addr, connectionID)

			case udpActionAnnounce:
				announceResp, err := ParseAnnounceResponse(buf[:n])
				if err != nil {
					continue
				}

				log.Infof("Tracker %s: %d peers, %d leechers, %d seeders",
					addr, len(announceResp.Peers)/6, announceResp.Leechers, announceResp.Seeders)

				return &TrackerResponse{
					Interval: int(announceResp.Interval),
					Peers:    string(announceResp.Peers),
				}, nil

			case udpActionError:
				trackerErr, err := ParseTrackerError(buf[:n])
				if err != nil {
					continue
				}

				return nil, errors.Errorf("tracker error: %s", trackerErr.Message)
			}
		}

		if !matched {
			attempt++
			delay *= 2
		}
	}

	return nil, errors.Errorf("no tracker response after %d attempts", udpMaxAttempts)
}

// --------------------------------------------------------------------------------------------- //
