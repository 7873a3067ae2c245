// Package resolver extracts the genuine client address from raw log lines.
// Forwarding headers are only believed when the immediate peer is a known
// proxy; an untrusted sender can write anything it likes into a header, so
// its claims are ignored outright.
package resolver

import (
	"regexp"

	"logward/internal/domain"
	"logward/internal/support"
)

// ProxyChecker is satisfied by the proxy range store.
type ProxyChecker interface {
	IsTrustedProxy(ip string) bool
}

var (
	ipPattern = `([0-9]{1,3}(?:\.[0-9]{1,3}){3})`

	cfHeaderRegex = regexp.MustCompile(`(?i)cf-connecting-ip["':=\s]+"?` + ipPattern)
	xffRegex      = regexp.MustCompile(`(?i)x-forwarded-for["':=\s]+"?` + ipPattern)
	xRealIPRegex  = regexp.MustCompile(`(?i)x-real-ip["':=\s]+"?` + ipPattern)
	quotedIPRegex = regexp.MustCompile(`"` + ipPattern + `"`)
)

type Resolver struct {
	proxies ProxyChecker
}

func New(proxies ProxyChecker) *Resolver {
	return &Resolver{proxies: proxies}
}

// Resolve determines the real client IP for one log line. httpLike selects
// access-log semantics; auth/syslog lines get a plain first-IP extraction
// with no proxy trust logic.
func (r *Resolver) Resolve(line string, httpLike bool) domain.ResolvedIP {
	if !httpLike {
		ip := support.FindIP(line)
		if ip == "" {
			return domain.ResolvedIP{}
		}
		return domain.ResolvedIP{RealIP: ip, Method: domain.ResolveMethodDirect}
	}

	lineIPs := publicIPs(support.FindAllIPv4(line))
	if len(lineIPs) == 0 {
		return domain.ResolvedIP{}
	}

	// The first public literal is the direct TCP peer.
	peer := lineIPs[0]

	if !r.proxies.IsTrustedProxy(peer) {
		return domain.ResolvedIP{RealIP: peer, Method: domain.ResolveMethodDirect}
	}

	if ip := r.headerCandidate(cfHeaderRegex, line, peer); ip != "" {
		return domain.ResolvedIP{RealIP: ip, ProxyIP: peer, Method: domain.ResolveMethodCFHeader}
	}
	if ip := r.headerCandidate(xffRegex, line, peer); ip != "" {
		return domain.ResolvedIP{RealIP: ip, ProxyIP: peer, Method: domain.ResolveMethodXForwardedFor}
	}
	if ip := r.headerCandidate(xRealIPRegex, line, peer); ip != "" {
		return domain.ResolvedIP{RealIP: ip, ProxyIP: peer, Method: domain.ResolveMethodXRealIP}
	}

	// Custom log formats often append the proxy-observed client IP as an
	// extra quoted field; scan those from the end of the line backward.
	quoted := quotedIPRegex.FindAllStringSubmatch(line, -1)
	for i := len(quoted) - 1; i >= 0; i-- {
		if ip := r.clientCandidate(quoted[i][1], peer); ip != "" {
			return domain.ResolvedIP{RealIP: ip, ProxyIP: peer, Method: domain.ResolveMethodXForwardedFor}
		}
	}

	// Last resort: any remaining line IP that is not itself a proxy.
	for _, candidate := range lineIPs[1:] {
		if ip := r.clientCandidate(candidate, peer); ip != "" {
			return domain.ResolvedIP{RealIP: ip, ProxyIP: peer, Method: domain.ResolveMethodXForwardedFor}
		}
	}

	// Nothing qualified; the peer itself is the best answer we have.
	return domain.ResolvedIP{RealIP: peer, Method: domain.ResolveMethodDirect}
}

func (r *Resolver) headerCandidate(re *regexp.Regexp, line, peer string) string {
	m := re.FindStringSubmatch(line)
	if m == nil {
		return ""
	}
	return r.clientCandidate(m[1], peer)
}

func (r *Resolver) clientCandidate(ip, peer string) string {
	if ip == peer || !support.IsPublicIPv4(ip) || r.proxies.IsTrustedProxy(ip) {
		return ""
	}
	return ip
}

func publicIPs(ips []string) []string {
	out := ips[:0]
	for _, ip := range ips {
		if support.IsPublicIPv4(ip) {
			out = append(out, ip)
		}
	}
	return out
}
