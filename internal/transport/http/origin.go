package httpserver

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// localOrigin accepts requests without an Origin header (non-browser
// clients) and browser requests from loopback pages.
func localOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// sameOrLocalOrigin additionally accepts pages served by this server, for
// viewers bound to a non-loopback address.
func sameOrLocalOrigin(r *http.Request) bool {
	if localOrigin(r) {
		return true
	}
	u, err := url.Parse(r.Header.Get("Origin"))
	return err == nil && strings.EqualFold(u.Host, r.Host)
}
