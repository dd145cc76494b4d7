package transport

import (
	"net/http"
	"net/textproto"
)

// hopByHopHeaders are connection scoped (RFC 7230) and never stored or replayed.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // non-standard, still sent by some proxies
}

// CopyHeaders adds the end-to-end headers of src to dst.
func CopyHeaders(dst, src http.Header) {
	for key, values := range src {
		if IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// StorableHeader returns a copy of src without hop-by-hop fields, suitable for
// keeping next to a cached payload.
func StorableHeader(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	CopyHeaders(dst, src)
	return dst
}

// IsHopByHopHeader reports whether key is connection scoped.
func IsHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}
