package rudp

import (
	"net"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/deng-rui/rudp/tmutex"
)

// Dial opens a connection to the given UDP address with the default profile
// and blocks until the handshake completes
func Dial(address string) (*Conn, error) {
	return DialOptions(address, DefaultProfile(), nil, nil)
}

// DialOptions opens a connection to the given UDP address: a SYN carrying
// the profile's parameters is sent and retransmitted under the usual
// discipline until the peer's SYN+ACK arrives. The call blocks until the
// connection is established or fails. Notifiers passed here observe the
// open event itself
func DialOptions(address string, p Profile, logger *zap.Logger, m *Metrics, notifiers ...Notifier) (*Conn, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	raddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, errors.Wrap(err, "resolve peer address")
	}
	pc, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, errors.Wrap(err, "bind endpoint")
	}

	return dial(pc, raddr, p, logger, m, notifiers)
}

// DialConn opens a connection over a caller-provided datagram endpoint
// instead of binding one. The connection takes ownership of the endpoint
func DialConn(pc net.PacketConn, raddr net.Addr, p Profile, logger *zap.Logger, m *Metrics, notifiers ...Notifier) (*Conn, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return dial(pc, raddr, p, logger, m, notifiers)
}

func dial(pc net.PacketConn, raddr net.Addr, p Profile, logger *zap.Logger, m *Metrics, notifiers []Notifier) (*Conn, error) {
	sendMu := &tmutex.Mutex{}
	sendMu.Init()
	c := newConn(pc, raddr, p, logger, sendMu, m, nil, true)
	c.notifiers = notifiers
	c.handshakeDone = make(chan struct{})
	c.state = stateSynSent

	go c.protocolLoop()
	go c.receiveLoop()

	c.mu.Lock()
	c.snd.sendSynLocked()
	c.unlockAndNotify()

	<-c.handshakeDone

	c.mu.Lock()
	state, failure := c.state, c.failureErr
	c.mu.Unlock()
	if state != stateEstablished {
		if failure != nil {
			return nil, failure
		}
		return nil, errors.WithStack(ErrClosed)
	}
	return c, nil
}
