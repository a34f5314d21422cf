//go:build linux

package endpoint

// Open binds a Link to the named network interface. On Linux this is
// an AF_PACKET raw socket; see rawsocket_linux.go.
func Open(ifaceName string) (Link, error) {
	return OpenRawSocket(ifaceName)
}
