package server

import (
	"net"
	"net/http"
	"strings"
)

// clientIP is the address logged for rejected posts.
//
// Priority:
//  1. X-Forwarded-For, first entry that parses
//  2. RemoteAddr
//
// Event sources usually run on the same host, so private and loopback
// addresses are kept.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for _, part := range strings.Split(xff, ",") {
			if ip := net.ParseIP(strings.TrimSpace(part)); ip != nil {
				return ip.String()
			}
		}
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip.String()
		}
	}
	return r.RemoteAddr
}
