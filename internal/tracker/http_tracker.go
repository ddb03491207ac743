package tracker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nullbrane/leech/pkg/bencode"
	"github.com/nullbrane/leech/pkg/utils/cast"
)

const maxTrackerResponseSize = 2 * 1024 * 1024 // 2MB

type HTTPTracker struct {
	baseURL   *url.URL
	client    *http.Client
	mut       sync.RWMutex
	trackerID string
	logger    *slog.Logger
}

func NewHTTPTracker(url *url.URL, logger *slog.Logger) (*HTTPTracker, error) {
	logger = logger.With("type", "http")

	t := &http.Transport{
		MaxIdleConns:        100,
		IdleConnTimeout:     30 * time.Second,
		DisableCompression:  false,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return &HTTPTracker{
		logger:  logger,
		baseURL: url,
		client:  &http.Client{Transport: t, Timeout: 30 * time.Second},
	}, nil
}

func (ht *HTTPTracker) Announce(
	ctx context.Context,
	params *AnnounceParams,
) (*AnnounceResponse, error) {
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodGet,
		ht.buildAnnounceURL(params),
		nil,
	)
	if err != nil {
		return nil, err
	}

	resp, err := ht.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf(
			"tracker: announce returned non-ok status %d:%s",
			resp.StatusCode,
			string(body),
		)
	}

	r, err := parseAnnounceResponse(resp.Body)
	if err != nil {
		return nil, err
	}

	if r.TrackerID != "" {
		ht.mut.Lock()
		ht.trackerID = r.TrackerID
		ht.mut.Unlock()
	}

	return r, nil
}

// percentEncodeBytes encodes b per the BitTorrent tracker convention: bytes
// in the unreserved set (0-9 A-Z a-z . - _ ~) pass through unescaped, every
// other byte becomes an uppercase %HH triplet. This deliberately does not
// use url.Values.Encode/QueryEscape, which differ (space -> '+', and a
// different unreserved set) and would corrupt the raw 20-byte info_hash and
// peer_id fields trackers expect.
func percentEncodeBytes(b []byte) string {
	const hex = "0123456789ABCDEF"

	var sb strings.Builder
	sb.Grow(len(b) * 3)

	for _, c := range b {
		switch {
		case c >= '0' && c <= '9', c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z',
			c == '.' || c == '-' || c == '_' || c == '~':
			sb.WriteByte(c)
		default:
			sb.WriteByte('%')
			sb.WriteByte(hex[c>>4])
			sb.WriteByte(hex[c&0x0f])
		}
	}

	return sb.String()
}

func percentEncodeString(s string) string {
	return percentEncodeBytes([]byte(s))
}

// buildAnnounceURL constructs the full GET request URL by hand rather than
// through url.Values, so every query parameter's encoding is the exact byte
// form trackers expect.
func (ht *HTTPTracker) buildAnnounceURL(params *AnnounceParams) string {
	u := *ht.baseURL

	kv := make([]string, 0, 12)
	add := func(key, val string) {
		kv = append(kv, key+"="+val)
	}

	add("info_hash", percentEncodeBytes(params.InfoHash[:]))
	add("peer_id", percentEncodeBytes(params.PeerID[:]))
	add("port", strconv.Itoa(int(params.Port)))
	add("uploaded", strconv.FormatUint(params.Uploaded, 10))
	add("downloaded", strconv.FormatUint(params.Downloaded, 10))
	add("left", strconv.FormatUint(params.Left, 10))
	add("compact", "1")

	if params.NumWant > 0 {
		add("numwant", strconv.Itoa(int(params.NumWant)))
	}
	if params.Key != 0 {
		add("key", strconv.FormatUint(uint64(params.Key), 10))
	}
	if params.Event != EventNone {
		add("event", params.Event.String())
	}

	ht.mut.RLock()
	trackerID := ht.trackerID
	ht.mut.RUnlock()

	if trackerID != "" {
		add("trackerid", percentEncodeString(trackerID))
	}

	query := strings.Join(kv, "&")
	if u.RawQuery != "" {
		u.RawQuery = u.RawQuery + "&" + query
	} else {
		u.RawQuery = query
	}

	return u.String()
}

func parseAnnounceResponse(r io.Reader) (*AnnounceResponse, error) {
	lr := io.LimitReader(r, maxTrackerResponseSize)
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}

	raw, err := bencode.Unmarshal(data)
	if err != nil {
		return nil, err
	}

	dict, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("tracker: announce expected dict but got %T", raw)
	}

	if failure, ok := dict["failure reason"].(string); ok {
		return nil, fmt.Errorf("tracker: announce failure %s", failure)
	}
	if warning, ok := dict["warning reason"].(string); ok {
		return nil, fmt.Errorf("tracker: announce warning %s", warning)
	}

	interval, err := cast.ToInt(dict["interval"])
	if err != nil {
		return nil, fmt.Errorf("tracker: interval %w", err)
	}

	peers, err := parsePeers(dict)
	if err != nil {
		return nil, fmt.Errorf("tracker: invalid peers %w", err)
	}

	minInterval, _ := cast.ToInt(dict["min interval"])
	seeders, _ := cast.ToInt(dict["complete"])
	leechers, _ := cast.ToInt(dict["incomplete"])
	trackerID, _ := cast.ToString(dict["trackerid"])

	return &AnnounceResponse{
		TrackerID:   trackerID,
		Seeders:     seeders,
		Leechers:    leechers,
		Peers:       peers,
		Interval:    time.Duration(interval) * time.Second,
		MinInterval: time.Duration(minInterval) * time.Second,
	}, nil
}

func parsePeers(d map[string]any) ([]netip.AddrPort, error) {
	peersData, ok := d["peers"]
	if !ok {
		return nil, nil
	}

	return decodePeers(peersData, false)
}
