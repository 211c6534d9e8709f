package rudp

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Notifier is the set of observer hooks invoked as a connection changes
// state. Implementations must not call back into the connection from within
// a hook that could block; hooks are invoked outside engine locks
type Notifier interface {
	// ConnectionOpened is invoked once the connection reaches the
	// established state
	ConnectionOpened(c *Conn)

	// ConnectionClosed is invoked when the connection is closed in an
	// orderly fashion, by either side
	ConnectionClosed(c *Conn)

	// ConnectionFailure is invoked when the connection fails: the
	// retransmission limit was exceeded, an unexpected RST arrived, or the
	// keepalive went unanswered
	ConnectionFailure(c *Conn, err error)
}

// Close notifications are run off the engine goroutine on a small
// process-wide worker pool. The pool is started at first use; when it is
// saturated the work is run directly on the caller, so the pool is never
// required for correctness
const closeWorkerCount = 4

var (
	closeOnce  sync.Once
	closeQueue chan func()
)

func startCloseWorkers() {
	closeQueue = make(chan func(), closeWorkerCount*4)
	for i := 0; i < closeWorkerCount; i++ {
		name := fmt.Sprintf("rudp-close-%d", i)
		go closeWorker(name)
	}
}

func closeWorker(name string) {
	for f := range closeQueue {
		runNotification(name, f)
	}
}

func runNotification(name string, f func()) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("notification panicked",
				zap.String("worker", name),
				zap.Any("panic", r))
		}
	}()
	f()
}

// submitClose schedules f on the close worker pool, falling back to a direct
// call when the pool is full
func submitClose(f func()) {
	closeOnce.Do(startCloseWorkers)
	select {
	case closeQueue <- f:
	default:
		runNotification("rudp-close-direct", f)
	}
}
