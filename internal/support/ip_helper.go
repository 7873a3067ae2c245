package support

import (
	"net"
	"regexp"
)

var (
	ipv4Regex = regexp.MustCompile(`\b(?:[0-9]{1,3}\.){3}[0-9]{1,3}\b`)
	anyIPRegex = regexp.MustCompile(`\b(?:[0-9]{1,3}\.){3}[0-9]{1,3}\b|` + // IPv4
		`\b(?:[A-Fa-f0-9]{1,4}:){7}[A-Fa-f0-9]{1,4}\b`) // IPv6
)

// FindIP identifies the first IP address (IPv4 or IPv6) in a given string.
func FindIP(input string) string {
	return anyIPRegex.FindString(input)
}

// FindAllIPv4 returns every syntactically valid IPv4 literal in the line,
// in order of appearance.
func FindAllIPv4(input string) []string {
	raw := ipv4Regex.FindAllString(input, -1)
	valid := raw[:0]
	for _, candidate := range raw {
		if net.ParseIP(candidate) != nil {
			valid = append(valid, candidate)
		}
	}
	return valid
}

// IsValidIP reports whether s parses as an IPv4 or IPv6 address.
func IsValidIP(s string) bool {
	return net.ParseIP(s) != nil
}

// IsPublicIPv4 reports whether s is a routable IPv4 address, i.e. not
// private, loopback, link-local, CGNAT, multicast or reserved space.
func IsPublicIPv4(s string) bool {
	ip := net.ParseIP(s)
	if ip == nil {
		return false
	}
	v4 := ip.To4()
	if v4 == nil {
		return false
	}
	if v4.IsLoopback() || v4.IsPrivate() || v4.IsLinkLocalUnicast() ||
		v4.IsMulticast() || v4.IsUnspecified() {
		return false
	}
	// CGNAT 100.64.0.0/10 and reserved 240.0.0.0/4.
	if v4[0] == 100 && v4[1] >= 64 && v4[1] <= 127 {
		return false
	}
	if v4[0] >= 240 {
		return false
	}
	return true
}

// IsLoopback reports whether s is a loopback address of either family.
func IsLoopback(s string) bool {
	ip := net.ParseIP(s)
	return ip != nil && ip.IsLoopback()
}
