package inncognito

import (
	"net"
	"net/http"
	"strings"
)

var privateCIDRs []*net.IPNet

func init() {
	for _, cidr := range []string{
		"127.0.0.1/8", "10.0.0.0/8", "169.254.0.0/16",
		"172.16.0.0/12", "192.168.0.0/16", "::1/128", "fc00::/7",
	} {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(err)
		}
		privateCIDRs = append(privateCIDRs, network)
	}
}

func isPrivate(addr string) bool {
	ip := net.ParseIP(addr)
	for _, cidr := range privateCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// remoteAddr is the IP portion of the request's RemoteAddr, without the
// port.
func remoteAddr(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	lastColon := strings.LastIndex(addr, ":")
	if lastColon == -1 {
		return addr
	}
	return addr[:lastColon]
}

// callerIP is a best guess at the IP a request came from, preferring
// proxy headers and skipping private addresses in X-Forwarded-For
// chains. It is only ever used for audit logging.
func callerIP(r *http.Request) string {
	realIP := r.Header.Get("X-Real-Ip")
	forwardedFor := r.Header.Get("X-Forwarded-For")
	if realIP == "" && forwardedFor == "" {
		return remoteAddr(r)
	}
	for _, addr := range strings.Split(forwardedFor, ",") {
		addr = strings.TrimSpace(addr)
		if addr == "" || isPrivate(addr) {
			continue
		}
		return addr
	}
	return realIP
}
