package domain

// How the real client address was determined.
const (
	ResolveMethodCFHeader      = "cf-header"
	ResolveMethodXForwardedFor = "x-forwarded-for"
	ResolveMethodXRealIP       = "x-real-ip"
	ResolveMethodDirect        = "direct"
)

// ResolvedIP is the outcome of real-client-IP resolution for one log line.
// Produced fresh per line, never persisted.
type ResolvedIP struct {
	RealIP string

	// ProxyIP is empty when the line came from the client directly.
	ProxyIP string

	Method string
}

// ViaProxy reports whether the line arrived through a trusted proxy hop.
func (r ResolvedIP) ViaProxy() bool {
	return r.ProxyIP != ""
}
