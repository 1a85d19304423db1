package policy

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"peer-wan-console/pkg/model"
)

// GeoIP source defaults follow the ipverse per-country layout.
const (
	DefaultGeoIPSourceV4 = "https://raw.githubusercontent.com/ipverse/rir-ip/master/country/ipv4/%s.cidr"
	DefaultGeoIPSourceV6 = "https://raw.githubusercontent.com/ipverse/rir-ip/master/country/ipv6/%s.cidr"
	DefaultGeoIPCacheDir = "/tmp/peer-wan-console-geoip"
	DefaultGeoIPCacheTTL = 24 * time.Hour
)

// ExpanderConfig controls where geoip country lists come from and how long they are cached.
type ExpanderConfig struct {
	SourceV4 string
	SourceV6 string
	CacheDir string
	CacheTTL time.Duration
}

// Expander previews the concrete prefixes an agent will install for a rule.
type Expander struct {
	cfg    ExpanderConfig
	http   *http.Client
	lookup func(ctx context.Context, host string) ([]net.IP, error)
	log    zerolog.Logger
}

// NewExpander fills unset config fields with defaults.
func NewExpander(cfg ExpanderConfig, log zerolog.Logger) *Expander {
	if cfg.SourceV4 == "" {
		cfg.SourceV4 = DefaultGeoIPSourceV4
	}
	if cfg.SourceV6 == "" {
		cfg.SourceV6 = DefaultGeoIPSourceV6
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = DefaultGeoIPCacheDir
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultGeoIPCacheTTL
	}
	return &Expander{
		cfg:  cfg,
		http: &http.Client{Timeout: 30 * time.Second},
		lookup: func(ctx context.Context, host string) ([]net.IP, error) {
			return net.DefaultResolver.LookupIP(ctx, "ip4", host)
		},
		log: log,
	}
}

// Expand returns the prefixes an agent would install for a rule: the prefix
// itself (a bare address becomes a host route), every country block for
// geoip:CC and geoip6:CC, and a /32 per IPv4 address of each domain.
// Failed lookups are logged and skipped.
func (e *Expander) Expand(ctx context.Context, pr model.PolicyRule) []string {
	if !pr.Validate() {
		return nil
	}
	var set prefixSet
	if pr.Prefix != "" {
		if fam, cc, ok := geoipCountry(pr.Prefix); ok {
			set.add(e.countryBlocks(ctx, fam, cc)...)
		} else if p, ok := hostOrPrefix(pr.Prefix); ok {
			set.add(p.String())
		}
	}
	for _, d := range pr.Domains {
		d = strings.TrimSpace(d)
		ips, err := e.lookup(ctx, d)
		if err != nil {
			e.log.Debug().Err(err).Str("domain", d).Msg("domain lookup failed")
			continue
		}
		for _, ip := range ips {
			if a, ok := netip.AddrFromSlice(ip); ok && a.Unmap().Is4() {
				set.add(netip.PrefixFrom(a.Unmap(), 32).String())
			}
		}
	}
	return set.list()
}

// prefixSet keeps first-seen order.
type prefixSet struct {
	seen  map[string]struct{}
	order []string
}

func (s *prefixSet) add(prefixes ...string) {
	if s.seen == nil {
		s.seen = map[string]struct{}{}
		s.order = []string{}
	}
	for _, p := range prefixes {
		if _, dup := s.seen[p]; dup || p == "" {
			continue
		}
		s.seen[p] = struct{}{}
		s.order = append(s.order, p)
	}
}

func (s *prefixSet) list() []string {
	if s.order == nil {
		return []string{}
	}
	return s.order
}

type family string

const (
	familyV4 family = "v4"
	familyV6 family = "v6"
)

func geoipCountry(prefix string) (family, string, bool) {
	lower := strings.ToLower(prefix)
	if cc, ok := strings.CutPrefix(lower, "geoip6:"); ok {
		return familyV6, strings.TrimSpace(cc), true
	}
	if cc, ok := strings.CutPrefix(lower, "geoip:"); ok {
		return familyV4, strings.TrimSpace(cc), true
	}
	return "", "", false
}

func hostOrPrefix(s string) (netip.Prefix, bool) {
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		return p, err == nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, false
	}
	return netip.PrefixFrom(a, a.BitLen()), true
}

// countryBlocks serves a country list from the cache directory while it is
// younger than the TTL and downloads it otherwise. The lowercase code matches
// the ipverse layout; the uppercase one is tried for custom sources.
func (e *Expander) countryBlocks(ctx context.Context, fam family, cc string) []string {
	if cc == "" {
		return nil
	}
	if err := os.MkdirAll(e.cfg.CacheDir, 0o755); err != nil {
		e.log.Warn().Err(err).Str("dir", e.cfg.CacheDir).Msg("geoip cache dir unavailable")
		return nil
	}
	tmpl := e.cfg.SourceV4
	if fam == familyV6 {
		tmpl = e.cfg.SourceV6
	}
	for _, code := range countryCodes(cc) {
		path := filepath.Join(e.cfg.CacheDir, string(fam)+"-"+code+".cidr")
		if data, ok := e.readCache(path); ok {
			return blockList(data)
		}
		data, err := e.download(ctx, fmt.Sprintf(tmpl, code))
		if err != nil {
			e.log.Debug().Err(err).Str("code", code).Str("family", string(fam)).Msg("geoip fetch failed")
			continue
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			e.log.Debug().Err(err).Str("file", path).Msg("geoip cache write failed")
		}
		return blockList(data)
	}
	return nil
}

func countryCodes(cc string) []string {
	lo, up := strings.ToLower(cc), strings.ToUpper(cc)
	if lo == up {
		return []string{lo}
	}
	return []string{lo, up}
}

func (e *Expander) readCache(path string) ([]byte, bool) {
	info, err := os.Stat(path)
	if err != nil || time.Since(info.ModTime()) >= e.cfg.CacheTTL {
		return nil, false
	}
	data, err := os.ReadFile(path)
	return data, err == nil
}

// blockList keeps the valid, distinct prefixes of a country list; comments
// and malformed lines are dropped.
func blockList(data []byte) []string {
	var set prefixSet
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line[0] == '#' {
			continue
		}
		if _, err := netip.ParsePrefix(line); err != nil {
			continue
		}
		set.add(line)
	}
	return set.list()
}

func (e *Expander) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := e.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("GET %s: %s", url, resp.Status)
	}
	return io.ReadAll(resp.Body)
}
