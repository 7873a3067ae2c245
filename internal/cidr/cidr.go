// Package cidr implements the address arithmetic the defense engine runs on:
// parsing CIDR notation and testing membership. IPv4 networks are held as
// 32-bit integers, IPv6 networks as two 64-bit words. No I/O happens here.
package cidr

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// Prefix is a parsed CIDR block. The network address is masked on
// construction, so network == network & mask always holds.
type Prefix struct {
	hi, lo     uint64
	maskHi     uint64
	maskLo     uint64
	bits       int // 32 or 128
	prefixLen  int
	normalized string
}

// Bits returns the address width of the prefix (32 or 128).
func (p Prefix) Bits() int { return p.bits }

// PrefixLen returns the prefix length used at parse time.
func (p Prefix) PrefixLen() int { return p.prefixLen }

// String returns the normalized network/len form.
func (p Prefix) String() string { return p.normalized }

// Parse parses CIDR notation ("192.0.2.0/24", "2400:cb00::/32"). A bare
// address is accepted as a host route. Malformed addresses or out-of-range
// prefix lengths return an error, never a partial result. IPv4-mapped IPv6
// input is normalized to its IPv4 form.
func Parse(s string) (Prefix, error) {
	ipPart := s
	lenPart := ""
	if idx := strings.IndexByte(s, '/'); idx >= 0 {
		ipPart, lenPart = s[:idx], s[idx+1:]
	}

	addr, err := netip.ParseAddr(strings.TrimSpace(ipPart))
	if err != nil {
		return Prefix{}, fmt.Errorf("cidr: parse address %q: %w", ipPart, err)
	}
	if addr.Is4In6() {
		addr = addr.Unmap()
	}

	bits := 128
	if addr.Is4() {
		bits = 32
	}

	prefixLen := bits
	if lenPart != "" {
		prefixLen, err = strconv.Atoi(strings.TrimSpace(lenPart))
		if err != nil {
			return Prefix{}, fmt.Errorf("cidr: parse prefix length %q: %w", lenPart, err)
		}
	}
	if prefixLen < 0 || prefixLen > bits {
		return Prefix{}, fmt.Errorf("cidr: prefix length %d out of range for /%d address", prefixLen, bits)
	}

	p := Prefix{bits: bits, prefixLen: prefixLen}
	if bits == 32 {
		v4 := addr.As4()
		ip := uint64(v4[0])<<24 | uint64(v4[1])<<16 | uint64(v4[2])<<8 | uint64(v4[3])
		mask := uint64(^uint32(0) << (32 - prefixLen))
		p.lo = ip & mask
		p.maskLo = mask
	} else {
		v16 := addr.As16()
		hi := beUint64(v16[:8])
		lo := beUint64(v16[8:])
		maskHi, maskLo := v6Mask(prefixLen)
		p.hi = hi & maskHi
		p.lo = lo & maskLo
		p.maskHi = maskHi
		p.maskLo = maskLo
	}
	p.normalized = networkString(p)
	return p, nil
}

// Contains reports whether ip falls inside the prefix. Unparseable input and
// mixed address families both report false.
func (p Prefix) Contains(ip string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	if addr.Is4In6() {
		addr = addr.Unmap()
	}

	if addr.Is4() {
		if p.bits != 32 {
			return false
		}
		v4 := addr.As4()
		v := uint64(v4[0])<<24 | uint64(v4[1])<<16 | uint64(v4[2])<<8 | uint64(v4[3])
		return v&p.maskLo == p.lo
	}

	if p.bits != 128 {
		return false
	}
	v16 := addr.As16()
	hi := beUint64(v16[:8])
	lo := beUint64(v16[8:])
	return hi&p.maskHi == p.hi && lo&p.maskLo == p.lo
}

// ContainsAny reports whether ip falls inside any of the given prefixes.
func ContainsAny(ip string, prefixes []Prefix) bool {
	for _, p := range prefixes {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

func v6Mask(prefixLen int) (hi, lo uint64) {
	if prefixLen >= 64 {
		return ^uint64(0), ^uint64(0) << (128 - prefixLen)
	}
	return ^uint64(0) << (64 - prefixLen), 0
}

func beUint64(b []byte) uint64 {
	return uint64(b[0])<<56 | uint64(b[1])<<48 | uint64(b[2])<<40 | uint64(b[3])<<32 |
		uint64(b[4])<<24 | uint64(b[5])<<16 | uint64(b[6])<<8 | uint64(b[7])
}

func networkString(p Prefix) string {
	if p.bits == 32 {
		v := uint32(p.lo)
		return fmt.Sprintf("%d.%d.%d.%d/%d", byte(v>>24), byte(v>>16), byte(v>>8), byte(v), p.prefixLen)
	}
	var b [16]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(p.hi >> (56 - 8*i))
		b[8+i] = byte(p.lo >> (56 - 8*i))
	}
	addr := netip.AddrFrom16(b)
	return addr.String() + "/" + strconv.Itoa(p.prefixLen)
}
