package devices

import "strings"

// wildcardHosts are the address forms treated as "listen on all
// interfaces", substituted with the heartbeat's remote address.
var wildcardHosts = map[string]bool{
	"0.0.0.0":   true,
	"0.0.0.0.0": true, // universal address notation, host part
	"":          true,
	"*":         true,
}

// resolveUAddr substitutes the wildcard host in a uaddr with remoteHost,
// keeping the requested port, per the heartbeat processing rule "if a
// uaddr's address field is the wildcard, substitute the remote address
// of the RPC channel carrying the heartbeat, keeping the requested
// port". uaddr is in "host:port" form; remoteHost has no port.
func resolveUAddr(uaddr, remoteHost string) string {
	idx := strings.LastIndex(uaddr, ":")
	if idx < 0 {
		return uaddr
	}
	host, port := uaddr[:idx], uaddr[idx+1:]
	if wildcardHosts[host] {
		return remoteHost + ":" + port
	}
	return uaddr
}

func resolveAll(uaddrs []string, remoteHost string) []string {
	out := make([]string, len(uaddrs))
	for i, u := range uaddrs {
		out[i] = resolveUAddr(u, remoteHost)
	}
	return out
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
