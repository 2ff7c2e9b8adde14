package magnet

import "strings"

// DefaultTrackers is the curated fallback list merged into every magnet.
// HTTP(S) and WebSocket trackers come first because UDP egress is often
// blocked on cloud networks.
var DefaultTrackers = []string{
	"https://tracker.gbitt.info:443/announce",
	"https://tracker.tamersunion.org:443/announce",
	"https://tracker.lilithraws.org:443/announce",
	"http://tracker.opentrackr.org:1337/announce",
	"http://tracker.bt4g.com:2095/announce",
	"http://open.acgnxtracker.com:80/announce",
	"wss://tracker.openwebtorrent.com",
	"wss://tracker.webtorrent.dev",
	"wss://tracker.btorrent.xyz",
	"udp://tracker.opentrackr.org:1337/announce",
	"udp://open.stealth.si:80/announce",
	"udp://tracker.torrent.eu.org:451/announce",
	"udp://exodus.desync.com:6969/announce",
	"udp://open.demonii.com:1337/announce",
}

type transport int

const (
	transportHTTP transport = iota
	transportWebSocket
	transportUDP
	transportOther
)

func classify(tracker string) transport {
	lower := strings.ToLower(tracker)
	switch {
	case strings.HasPrefix(lower, "https://"), strings.HasPrefix(lower, "http://"):
		return transportHTTP
	case strings.HasPrefix(lower, "wss://"), strings.HasPrefix(lower, "ws://"):
		return transportWebSocket
	case strings.HasPrefix(lower, "udp://"):
		return transportUDP
	default:
		return transportOther
	}
}

// DiscoveryPolicy rewrites magnet tracker lists. Extra trackers are placed
// ahead of the curated ones within the same transport bucket.
type DiscoveryPolicy struct {
	extra    []string
	trackers []string
}

func NewDiscoveryPolicy(extra []string) *DiscoveryPolicy {
	p := &DiscoveryPolicy{extra: append([]string(nil), extra...)}
	p.trackers = p.ordered()
	return p
}

func (p *DiscoveryPolicy) ordered() []string {
	buckets := make([][]string, transportOther+1)
	for _, list := range [][]string{p.extra, DefaultTrackers} {
		for _, tr := range list {
			tr = strings.TrimSpace(tr)
			if tr == "" {
				continue
			}
			kind := classify(tr)
			buckets[kind] = append(buckets[kind], tr)
		}
	}
	return mergeTrackers(buckets...)
}

// Trackers returns the curated list in merge order.
func (p *DiscoveryPolicy) Trackers() []string {
	return append([]string(nil), p.trackers...)
}

// Enhance merges the curated trackers into uri, followed by the uri's own
// trackers. Duplicates are dropped ignoring case and trailing slashes. A uri
// that cannot be parsed is returned unchanged.
func (p *DiscoveryPolicy) Enhance(uri string) string {
	m, err := parse(uri)
	if err != nil {
		return uri
	}
	m.Trackers = mergeTrackers(p.trackers, m.Trackers)
	return m.String()
}

// Enhance applies the default policy without operator trackers.
func Enhance(uri string) string {
	return defaultPolicy.Enhance(uri)
}

var defaultPolicy = NewDiscoveryPolicy(nil)

func mergeTrackers(lists ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range lists {
		for _, tr := range list {
			tr = strings.TrimSpace(tr)
			if tr == "" {
				continue
			}
			key := trackerKey(tr)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, tr)
		}
	}
	return out
}

func trackerKey(tracker string) string {
	return strings.TrimRight(strings.ToLower(tracker), "/")
}
