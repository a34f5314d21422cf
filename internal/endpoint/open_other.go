//go:build !linux

package endpoint

import "fmt"

// Open is unsupported on non-Linux platforms; callers there must
// build their own Link (e.g. a Loopback) and wire it in directly.
func Open(ifaceName string) (Link, error) {
	return nil, fmt.Errorf("endpoint: raw-socket link unsupported on this platform (interface %q)", ifaceName)
}
