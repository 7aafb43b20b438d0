package shared

import (
	"net/netip"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go4.org/netipx"
)

// IsIPv4 reports whether addr is an IPv4 address. IPv4-mapped IPv6
// addresses are expected to have been unmapped by the lister.
func IsIPv4(addr netip.Addr) bool {
	return addr.IsValid() && addr.Is4()
}

// IgnoreList is the set of networks that are never probed.
type IgnoreList struct {
	set     *netipx.IPSet
	entries []string
}

// NewIgnoreList compiles entries into an IgnoreList. Entries are CIDR
// prefixes ("127.0.0.0/8"), single addresses, or legacy dotted prefixes
// ("128.112.139.") that match on whole octets.
func NewIgnoreList(entries []string) (*IgnoreList, error) {
	var b netipx.IPSetBuilder
	for _, e := range entries {
		p, err := ParseIgnoreEntry(e)
		if err != nil {
			return nil, err
		}
		b.AddPrefix(p)
	}
	set, err := b.IPSet()
	if err != nil {
		return nil, errors.Wrap(err, "build ignore set")
	}
	return &IgnoreList{
		set:     set,
		entries: append([]string(nil), entries...),
	}, nil
}

// Contains reports whether addr falls inside an ignored network.
func (l *IgnoreList) Contains(addr netip.Addr) bool {
	if l == nil || l.set == nil {
		return false
	}
	return l.set.Contains(addr.Unmap())
}

func (l *IgnoreList) Entries() []string {
	if l == nil {
		return nil
	}
	return append([]string(nil), l.entries...)
}

// ParseIgnoreEntry converts one ignore-list entry into a prefix.
func ParseIgnoreEntry(entry string) (netip.Prefix, error) {
	s := strings.TrimSpace(entry)
	if s == "" {
		return netip.Prefix{}, errors.New("empty ignore entry")
	}

	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, errors.Wrapf(err, "ignore entry %q", entry)
		}
		if p.Addr().Is4In6() {
			if p.Bits() < 96 {
				return netip.Prefix{}, errors.Errorf("ignore entry %q: mapped prefix shorter than /96", entry)
			}
			p = netip.PrefixFrom(p.Addr().Unmap(), p.Bits()-96)
		}
		return p.Masked(), nil
	}

	if strings.HasSuffix(s, ".") {
		return parseDottedPrefix(entry, strings.TrimSuffix(s, "."))
	}

	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, errors.Wrapf(err, "ignore entry %q", entry)
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func parseDottedPrefix(entry, s string) (netip.Prefix, error) {
	octets := strings.Split(s, ".")
	if len(octets) == 0 || len(octets) > 3 {
		return netip.Prefix{}, errors.Errorf("ignore entry %q: bad dotted prefix", entry)
	}

	var b [4]byte
	for i, o := range octets {
		v, err := strconv.ParseUint(o, 10, 8)
		if err != nil {
			return netip.Prefix{}, errors.Wrapf(err, "ignore entry %q", entry)
		}
		b[i] = byte(v)
	}
	return netip.PrefixFrom(netip.AddrFrom4(b), 8*len(octets)), nil
}
