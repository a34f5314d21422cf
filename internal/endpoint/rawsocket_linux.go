//go:build linux

package endpoint

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/qbolapp/qbolapp/internal/wire"
)

// RawSocket is a Link implementation backed by an AF_PACKET/SOCK_RAW
// socket bound to a named interface in promiscuous mode, so every
// frame on the segment reaches Recv, not just ones addressed to us.
// The receiver does its own destination/EtherType filtering.
type RawSocket struct {
	fd    int
	ifidx int
	local wire.MAC

	closeOnce chan struct{}
}

func htons(v uint16) uint16 {
	return (v << 8) | (v >> 8)
}

// OpenRawSocket binds a raw socket to the named interface. It returns
// ErrInterfaceUnavailable if the interface doesn't exist and
// ErrPermissionDenied if the process lacks CAP_NET_RAW.
func OpenRawSocket(ifaceName string) (*RawSocket, error) {
	ifi, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInterfaceUnavailable, ifaceName, err)
	}

	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(unix.ETH_P_ALL)))
	if err != nil {
		if err == unix.EPERM || err == unix.EACCES {
			return nil, fmt.Errorf("%w: opening raw socket on %s: %v", ErrPermissionDenied, ifaceName, err)
		}
		return nil, fmt.Errorf("endpoint: opening raw socket on %s: %w", ifaceName, err)
	}

	addr := &unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ALL),
		Ifindex:  ifi.Index,
	}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("endpoint: binding raw socket to %s: %w", ifaceName, err)
	}

	if err := setPromiscuous(fd, ifi.Index, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("endpoint: enabling promiscuous mode on %s: %w", ifaceName, err)
	}

	var local wire.MAC
	copy(local[:], ifi.HardwareAddr)

	return &RawSocket{
		fd:        fd,
		ifidx:     ifi.Index,
		local:     local,
		closeOnce: make(chan struct{}),
	}, nil
}

func setPromiscuous(fd, ifindex int, enable bool) error {
	mreq := unix.PacketMreq{
		Ifindex: int32(ifindex),
		Type:    unix.PACKET_MR_PROMISC,
	}
	opt := unix.PACKET_ADD_MEMBERSHIP
	if !enable {
		opt = unix.PACKET_DROP_MEMBERSHIP
	}
	return unix.SetsockoptPacketMreq(fd, unix.SOL_PACKET, opt, &mreq)
}

// Send implements Link.
func (r *RawSocket) Send(frame []byte) error {
	select {
	case <-r.closeOnce:
		return ErrClosed
	default:
	}
	addr := &unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ALL),
		Ifindex:  r.ifidx,
	}
	return unix.Sendto(r.fd, frame, 0, addr)
}

// Recv implements Link. It blocks in a read(2) on the raw socket; a
// concurrent Close triggers the file-descriptor's own EBADF/shutdown
// to unblock it.
func (r *RawSocket) Recv() ([]byte, error) {
	buf := make([]byte, 65536)
	for {
		n, _, err := unix.Recvfrom(r.fd, buf, 0)
		if err != nil {
			select {
			case <-r.closeOnce:
				return nil, ErrClosed
			default:
			}
			if err == unix.EINTR {
				continue
			}
			return nil, fmt.Errorf("endpoint: recvfrom: %w", err)
		}
		out := make([]byte, n)
		copy(out, buf[:n])
		return out, nil
	}
}

// LocalMAC implements Link.
func (r *RawSocket) LocalMAC() wire.MAC { return r.local }

// Close implements Link.
func (r *RawSocket) Close() error {
	select {
	case <-r.closeOnce:
		return nil
	default:
		close(r.closeOnce)
	}
	return unix.Close(r.fd)
}
