package config

import (
	"crypto/rand"
	"crypto/sha1"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

var (
	once   sync.Once
	loaded Config
)

// Config defines behavior and resource limits for a torrent download.
type Config struct {
	// ========== Identity / Paths ==========

	// DefaultDownloadDir is a per-OS downloads directory. The leech command
	// always takes an explicit destination and does not read it.
	DefaultDownloadDir string

	// ClientID is the 20-byte peer id advertised in handshakes and HTTP
	// tracker announces.
	ClientID [sha1.Size]byte

	// ========== Networking ==========

	// ConnectTimeout bounds dialing a peer's TCP socket.
	ConnectTimeout time.Duration

	// HandshakeTimeout bounds the read half of the 68-byte handshake
	// exchange.
	HandshakeTimeout time.Duration

	// ReadTimeout bounds reading the 4-byte length prefix of a peer wire
	// message; peers may go idle up to their keep-alive interval.
	ReadTimeout time.Duration

	// BodyReadTimeout bounds reading the declared-length payload once the
	// length prefix has arrived.
	BodyReadTimeout time.Duration

	// WriteTimeout bounds writing a single frame to a peer.
	WriteTimeout time.Duration

	// ConnLimit is the maximum number of simultaneously connected peers
	// (CONN_LIMIT in spec terms).
	ConnLimit int

	// ========== Tracker / Announce ==========

	// NumWant is the maximum number of peers to request per announce.
	NumWant uint32

	// AnnounceInterval is the re-announce interval used when the tracker
	// response carries none; 0 means two minutes. An interval supplied by
	// the tracker takes precedence over it.
	AnnounceInterval time.Duration

	// MinAnnounceInterval enforces a floor between announces regardless of
	// what the tracker suggests.
	MinAnnounceInterval time.Duration

	// MaxAnnounceBackoff caps exponential backoff applied after a failed
	// announce.
	MaxAnnounceBackoff time.Duration

	// Port is the TCP port this client advertises to trackers. The client
	// never accepts inbound connections (leech-only), so this is
	// informational only.
	Port uint16

	// UDPConnectTimeout bounds the first UDP tracker connect attempt
	// before the exponential-backoff retry schedule kicks in.
	UDPConnectTimeout time.Duration

	// ========== Peer session ==========

	// PeerOutboundQueueBacklog bounds how many queued outbound messages a
	// peer connection may buffer before sends start being dropped.
	PeerOutboundQueueBacklog int

	// MaxInflightRequestsPerPeer is the most new block requests picked for
	// a peer in one scheduling pass (on unchoke and after each received
	// block). Requests already outstanding to that peer are not counted
	// against it.
	MaxInflightRequestsPerPeer int

	// KeepAliveInterval is how often a session sends a keep-alive frame
	// during otherwise idle periods.
	KeepAliveInterval time.Duration

	// EnableIPv6 reports whether an up interface had a global IPv6 address
	// at load time. Peer dialing does not consult it.
	EnableIPv6 bool
}

// Load returns the process-wide configuration. Exported as a function
// rather than a package variable so callers always see a stable snapshot.
func Load() Config {
	once.Do(func() {
		cfg, err := defaultConfig()
		if err != nil {
			panic(err)
		}
		loaded = cfg
	})
	return loaded
}

func defaultConfig() (Config, error) {
	clientID, err := generateClientID()
	if err != nil {
		return Config{}, err
	}

	return Config{
		DefaultDownloadDir:         getDefaultDownloadDir(),
		ClientID:                   clientID,
		ConnectTimeout:             2 * time.Second,
		HandshakeTimeout:           2 * time.Second,
		ReadTimeout:                120 * time.Second,
		BodyReadTimeout:            20 * time.Second,
		WriteTimeout:               30 * time.Second,
		ConnLimit:                  100,
		NumWant:                    50,
		AnnounceInterval:           0,
		MinAnnounceInterval:        20 * time.Minute,
		MaxAnnounceBackoff:         45 * time.Minute,
		Port:                       6881,
		UDPConnectTimeout:          6 * time.Second,
		PeerOutboundQueueBacklog:   256,
		MaxInflightRequestsPerPeer: 16,
		KeepAliveInterval:          90 * time.Second,
		EnableIPv6:                 hasIPV6(),
	}, nil
}

func hasIPV6() bool {
	ifaces, _ := net.Interfaces()

	for _, ifi := range ifaces {
		if (ifi.Flags & net.FlagUp) == 0 {
			continue
		}
		addrs, _ := ifi.Addrs()
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}

			ip := ipNet.IP
			if ip == nil || ip.To4() != nil {
				continue
			}
			if ip.IsGlobalUnicast() && !ip.IsLinkLocalUnicast() &&
				!ip.IsLoopback() {
				return true
			}
		}
	}

	return false
}

func getDefaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		if cwd, err := os.Getwd(); err == nil {
			return filepath.Join(cwd, "downloads")
		}
		return "./downloads"
	}

	switch runtime.GOOS {
	case "windows", "darwin":
		return filepath.Join(home, "Downloads", "leech")
	default: // linux, bsd, etc.
		return filepath.Join(home, ".local", "share", "leech", "downloads")
	}
}

func generateClientID() ([sha1.Size]byte, error) {
	var peerID [sha1.Size]byte

	prefix := []byte("-LC0001-")
	copy(peerID[:], prefix)

	if _, err := rand.Read(peerID[len(prefix):]); err != nil {
		return [sha1.Size]byte{}, err
	}

	return peerID, nil
}
