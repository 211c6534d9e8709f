package rudp

import (
	"net"

	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// setDSCP writes the differentiated services code point into the traffic
// class of the datagram endpoint, trying IPv4 first and falling back to
// IPv6
func setDSCP(pc net.PacketConn, dscp int) error {
	uc, ok := pc.(*net.UDPConn)
	if !ok {
		return errors.WithStack(ErrInvalidOperation)
	}
	if err := ipv4.NewPacketConn(uc).SetTOS(dscp << 2); err == nil {
		return nil
	}
	return errors.WithStack(ipv6.NewPacketConn(uc).SetTrafficClass(dscp << 2))
}
