package rudp

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/deng-rui/rudp/buffer"
	"github.com/deng-rui/rudp/tmutex"
)

// DefaultBacklog is the acceptance queue depth used when bind is given a
// non-positive backlog
const DefaultBacklog = 50

// Listener is the server demultiplexer: it owns one datagram endpoint and
// routes incoming datagrams by peer address to per-connection engines,
// accepting new connections on receipt of SYN. The endpoint is shared with
// every accepted connection for sending
type Listener struct {
	logger  *zap.Logger
	profile Profile
	pc      net.PacketConn
	sendMu  tmutex.Mutex
	metrics *Metrics

	// backlog holds engines that reached the established state and have not
	// been consumed by Accept. The cap is strict: the delivering engine
	// blocks when it is full
	backlog chan *Conn

	mu            sync.Mutex
	conns         map[string]*Conn
	notifiers     []Notifier
	acceptTimeout time.Duration
	closed        bool

	die     chan struct{}
	dieOnce sync.Once
}

// Listen binds a listener on the given UDP address with the default profile
// and backlog
func Listen(address string) (*Listener, error) {
	return ListenOptions(address, DefaultBacklog, DefaultProfile(), nil, nil)
}

// ListenOptions binds a listener on the given UDP address. A backlog of
// zero or less selects DefaultBacklog. The profile is validated and applies
// to every accepted connection; a nil logger disables logging and a nil
// metrics disables collection
func ListenOptions(address string, backlog int, p Profile, logger *zap.Logger, m *Metrics) (*Listener, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	laddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, errors.Wrap(err, "resolve listen address")
	}
	pc, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, errors.Wrap(err, "bind endpoint")
	}

	l := newListener(pc, backlog, p, logger, m)
	go l.receiveLoop()
	return l, nil
}

// ServeConn starts a listener on a caller-provided datagram endpoint
// instead of binding one. The listener takes ownership of the endpoint
func ServeConn(pc net.PacketConn, backlog int, p Profile, logger *zap.Logger, m *Metrics) (*Listener, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	l := newListener(pc, backlog, p, logger, m)
	go l.receiveLoop()
	return l, nil
}

func newListener(pc net.PacketConn, backlog int, p Profile, logger *zap.Logger, m *Metrics) *Listener {
	l := &Listener{
		logger:  logger.With(zap.Stringer("listen", pc.LocalAddr())),
		profile: p,
		pc:      pc,
		metrics: m,
		backlog: make(chan *Conn, backlog),
		conns:   make(map[string]*Conn),
		die:     make(chan struct{}),
	}
	l.sendMu.Init()
	return l
}

// receiveLoop is the listener's receive task: the sole reader of the
// datagram endpoint. Each datagram is parsed and routed by source address;
// a SYN from an unknown peer allocates a new engine. Transient receive
// errors are swallowed; the task ends when the endpoint is closed
func (l *Listener) receiveLoop() {
	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := l.pc.ReadFrom(buf)
		if err != nil {
			select {
			case <-l.die:
				return
			default:
			}
			if isTransientErr(err) {
				continue
			}
			l.logger.Debug("endpoint receive failed", zap.Error(err))
			return
		}

		select {
		case <-l.die:
			return
		default:
		}

		s, perr := parseSegment(buffer.NewViewFromBytes(buf[:n]))
		if perr != nil {
			l.metrics.malformed()
			l.logger.Debug("dropping malformed datagram",
				zap.Stringer("from", addr), zap.Error(perr))
			continue
		}

		l.mu.Lock()
		c := l.conns[addr.String()]
		if c == nil {
			if s.kind != segmentSyn || l.closed {
				l.mu.Unlock()
				l.metrics.dropped()
				continue
			}
			c = l.newIncomingConnLocked(addr, s)
			l.mu.Unlock()
			continue
		}
		l.mu.Unlock()

		c.deliverSegment(s)
	}
}

// newIncomingConnLocked allocates the engine for a new peer from its
// opening SYN, registers it in the peer table, and responds with SYN+ACK.
// The peer's proposed parameters are validated first; a bad proposal is
// dropped and no state is allocated
func (l *Listener) newIncomingConnLocked(addr net.Addr, s *segment) *Conn {
	p := profileFromSYN(s.syn, l.profile)
	if err := p.Validate(); err != nil {
		l.logger.Warn("rejecting SYN with invalid parameters",
			zap.Stringer("from", addr), zap.Error(err))
		return nil
	}

	c := newConn(l.pc, addr, p, l.logger, &l.sendMu, l.metrics, l, false)
	c.state = stateSynRcvd
	c.notifiers = append(c.notifiers, l.notifiers...)
	c.rcv = newReceiver(c, s.sequenceNumber)
	l.conns[addr.String()] = c

	go c.protocolLoop()

	c.mu.Lock()
	c.snd.sendSynLocked()
	c.unlockAndNotify()

	l.logger.Debug("new incoming connection", zap.Stringer("from", addr))
	return c
}

// deliverAccepted queues an established engine for Accept. The backlog cap
// is strict; delivery blocks the calling engine task while the queue is
// full, and drops the connection if the listener dies first
func (l *Listener) deliverAccepted(c *Conn) {
	select {
	case l.backlog <- c:
	case <-l.die:
		c.Close()
	}
}

// removeConn deregisters a peer. It is invoked by the engine during
// teardown, after the engine has released its own lock. Once a closed
// listener loses its last engine the endpoint is released
func (l *Listener) removeConn(addr net.Addr) {
	l.mu.Lock()
	delete(l.conns, addr.String())
	release := l.closed && len(l.conns) == 0
	l.mu.Unlock()

	if release {
		l.pc.Close()
	}
}

// Accept waits for the next established connection. It blocks until one is
// available, the configured timeout elapses (ErrTimeout), or the listener
// is closed (ErrClosed)
func (l *Listener) Accept() (net.Conn, error) {
	return l.AcceptRUDP()
}

// AcceptRUDP is like Accept but returns the concrete connection type
func (l *Listener) AcceptRUDP() (*Conn, error) {
	var timeout <-chan time.Time
	if d := l.Timeout(); d > 0 {
		tm := time.NewTimer(d)
		defer tm.Stop()
		timeout = tm.C
	}

	select {
	case c := <-l.backlog:
		return c, nil
	case <-timeout:
		return nil, errors.WithStack(ErrTimeout)
	case <-l.die:
		return nil, errors.WithStack(ErrClosed)
	}
}

// Close shuts the listener down: the acceptance queue is drained and its
// connections closed, the receive task exits on the next datagram or on
// endpoint close, and the endpoint is released once all engines deregister.
// Established connections keep working until they deregister
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	empty := len(l.conns) == 0
	l.mu.Unlock()

	l.dieOnce.Do(func() { close(l.die) })

	// Drain connections still parked in the backlog
	for {
		select {
		case c := <-l.backlog:
			c.Close()
			continue
		default:
		}
		break
	}

	if empty {
		return l.pc.Close()
	}
	return nil
}

// Addr returns the listener's local address
func (l *Listener) Addr() net.Addr {
	return l.pc.LocalAddr()
}

// LocalPort returns the bound UDP port
func (l *Listener) LocalPort() int {
	if ua, ok := l.pc.LocalAddr().(*net.UDPAddr); ok {
		return ua.Port
	}
	return 0
}

// SetTimeout sets the Accept timeout in milliseconds; zero means block
// forever
func (l *Listener) SetTimeout(ms int) error {
	if ms < 0 {
		return errors.WithStack(ErrInvalidOperation)
	}
	l.mu.Lock()
	l.acceptTimeout = time.Duration(ms) * time.Millisecond
	l.mu.Unlock()
	return nil
}

// Timeout returns the configured Accept timeout
func (l *Listener) Timeout() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acceptTimeout
}

// AddNotifier registers an observer inherited by every subsequently
// accepted connection
func (l *Listener) AddNotifier(n Notifier) {
	l.mu.Lock()
	l.notifiers = append(l.notifiers, n)
	l.mu.Unlock()
}

// SetDSCP sets the differentiated services code point on the shared
// endpoint; it applies to every accepted connection
func (l *Listener) SetDSCP(dscp int) error {
	return setDSCP(l.pc, dscp)
}
