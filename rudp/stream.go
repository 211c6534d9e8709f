package rudp

import (
	"io"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/deng-rui/rudp/buffer"
	"github.com/deng-rui/rudp/waiter"
)

// Read reads data from the connection. It returns at least one byte,
// blocking until data is available, the read deadline expires, or the
// stream ends. After the peer's orderly close Read drains the remaining
// buffered bytes and then returns io.EOF
func (c *Conn) Read(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}

	for {
		c.mu.Lock()
		if r := c.rcv; r != nil {
			if n := r.readLocked(b); n > 0 {
				c.mu.Unlock()
				return n, nil
			}
			if r.finReceived {
				c.mu.Unlock()
				return 0, io.EOF
			}
			if r.closedForRecv {
				c.mu.Unlock()
				return 0, errors.WithStack(ErrClosed)
			}
		}
		if c.state == stateClosed {
			err := c.failureErr
			c.mu.Unlock()
			if err != nil {
				return 0, err
			}
			return 0, errors.WithStack(ErrClosed)
		}

		e, ch := waiter.NewChannelEntry(nil)
		c.waiterQueue.EventRegister(&e, waiter.EventIn|waiter.EventErr|waiter.EventHup)
		c.mu.Unlock()

		err := c.waitEvent(ch, c.readDeadline.Load())
		c.waiterQueue.EventUnregister(&e)
		if err != nil {
			return 0, err
		}
	}
}

// Write writes data to the connection's peer. The data is chunked into
// DAT payloads of at most MSS minus header size; Write blocks while the
// send queue is full and returns once every byte has been queued
func (c *Conn) Write(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}

	mss := c.Profile().maxPayloadSize()
	written := 0
	for written < len(b) {
		chunk := b[written:]
		if len(chunk) > mss {
			chunk = chunk[:mss]
		}

		if err := c.queueChunk(chunk); err != nil {
			return written, err
		}
		written += len(chunk)
	}
	return written, nil
}

// queueChunk places one payload on the send queue, blocking while the queue
// is at MaxSendQueueSize segments
func (c *Conn) queueChunk(chunk []byte) error {
	for {
		c.mu.Lock()
		if c.state == stateClosed {
			err := c.failureErr
			c.mu.Unlock()
			if err != nil {
				return err
			}
			return errors.WithStack(ErrClosed)
		}
		if c.snd.closedForSend || (c.state != stateEstablished && c.state != stateSynRcvd) {
			c.mu.Unlock()
			return errors.WithStack(ErrClosed)
		}

		if c.snd.pendingCount < int(c.profile.MaxSendQueueSize) {
			c.snd.queuePayloadLocked(buffer.NewViewFromBytes(chunk))
			if c.state == stateEstablished {
				c.snd.sendPendingLocked()
			}
			c.mu.Unlock()
			return nil
		}

		e, ch := waiter.NewChannelEntry(nil)
		c.waiterQueue.EventRegister(&e, waiter.EventOut|waiter.EventErr|waiter.EventHup)
		c.mu.Unlock()

		err := c.waitEvent(ch, c.writeDeadline.Load())
		c.waiterQueue.EventUnregister(&e)
		if err != nil {
			return err
		}
	}
}

// waitEvent blocks until the waiter channel fires, the optional deadline
// expires, or the connection dies. Death is reported by the caller's next
// state check, not as an error here
func (c *Conn) waitEvent(ch chan struct{}, deadline interface{}) error {
	var timeout <-chan time.Time
	if t, ok := deadline.(time.Time); ok && !t.IsZero() {
		d := time.Until(t)
		if d <= 0 {
			return errors.WithStack(ErrTimeout)
		}
		tm := time.NewTimer(d)
		defer tm.Stop()
		timeout = tm.C
	}

	select {
	case <-ch:
		return nil
	case <-timeout:
		return errors.WithStack(ErrTimeout)
	case <-c.die:
		return nil
	}
}

// Flush pushes queued data into the window immediately. Data is transmitted
// as the window allows regardless; Flush only removes the wait for the next
// ack-driven transmission opportunity
func (c *Conn) Flush() error {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return errors.WithStack(ErrClosed)
	}
	if c.state == stateEstablished {
		c.snd.sendPendingLocked()
	}
	c.unlockAndNotify()
	return nil
}

// Close initiates an orderly shutdown: a FIN is queued behind any pending
// data and the connection lingers until everything outstanding is
// acknowledged. In-flight Read and Write calls fail with ErrClosed
func (c *Conn) Close() error {
	c.mu.Lock()
	switch c.state {
	case stateClosed, stateCloseWait:
		// Already closed or closing

	case stateEstablished:
		if c.rcv != nil {
			c.rcv.discardLocked()
		}
		c.snd.queueFinLocked()
		c.snd.sendPendingLocked()
		c.state = stateCloseWait
		c.armLingerLocked()
		c.waiterQueue.Notify(waiter.EventIn | waiter.EventOut | waiter.EventHup)
		c.maybeFinishCloseLocked()

	default:
		// Handshake still in progress; abort it
		c.teardownLocked()
	}
	c.unlockAndNotify()
	return nil
}

// CloseWrite shuts down the output direction: a FIN is queued behind
// pending data and further Writes fail. Inbound data is still accepted only
// until the FIN is acknowledged or the linger period expires; the connection
// is then torn down, so the input direction does not stay open beyond that
func (c *Conn) CloseWrite() error {
	c.mu.Lock()
	if c.state != stateEstablished {
		c.mu.Unlock()
		return errors.WithStack(ErrInvalidOperation)
	}
	c.snd.queueFinLocked()
	c.snd.sendPendingLocked()
	c.state = stateCloseWait
	c.armLingerLocked()
	c.waiterQueue.Notify(waiter.EventOut)
	c.unlockAndNotify()
	return nil
}

// CloseRead shuts down the input direction only: buffered and future
// inbound data is discarded, though receipt acknowledgement continues so
// the peer's window keeps moving
func (c *Conn) CloseRead() error {
	c.mu.Lock()
	if c.rcv == nil {
		c.mu.Unlock()
		return errors.WithStack(ErrInvalidOperation)
	}
	c.rcv.discardLocked()
	c.waiterQueue.Notify(waiter.EventIn)
	c.mu.Unlock()
	return nil
}

// Available returns the number of buffered bytes that can be read without
// blocking
func (c *Conn) Available() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rcv == nil {
		return 0
	}
	return c.rcv.readAvailable
}

// SendBufferSize returns the capacity of the send queue, in bytes
func (c *Conn) SendBufferSize() int {
	p := c.Profile()
	return int(p.MaxSendQueueSize) * p.maxPayloadSize()
}

// ReceiveBufferSize returns the capacity of the reassembly buffer, in bytes
func (c *Conn) ReceiveBufferSize() int {
	p := c.Profile()
	return int(p.MaxRecvQueueSize) * p.maxPayloadSize()
}

// LocalAddr returns the local datagram endpoint's address
func (c *Conn) LocalAddr() net.Addr {
	return c.pc.LocalAddr()
}

// RemoteAddr returns the peer's address
func (c *Conn) RemoteAddr() net.Addr {
	return c.remoteAddr
}

// SetDeadline sets both the read and write deadlines
func (c *Conn) SetDeadline(t time.Time) error {
	c.readDeadline.Store(t)
	c.writeDeadline.Store(t)
	return nil
}

// SetReadDeadline sets the deadline for future Read calls
func (c *Conn) SetReadDeadline(t time.Time) error {
	c.readDeadline.Store(t)
	return nil
}

// SetWriteDeadline sets the deadline for future Write calls
func (c *Conn) SetWriteDeadline(t time.Time) error {
	c.writeDeadline.Store(t)
	return nil
}

// SetDSCP sets the differentiated services code point on the datagram
// endpoint. It is only valid on client connections; accepted connections
// share the listener's endpoint, so the DSCP is set on the listener
func (c *Conn) SetDSCP(dscp int) error {
	if !c.ownsEndpoint {
		return errors.WithStack(ErrInvalidOperation)
	}
	return setDSCP(c.pc, dscp)
}
