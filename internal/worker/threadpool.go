package worker

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

// drainReadTimeout is 100ms: once draining starts, a parked connection gets
// this long to produce a request already on the wire before it is closed.
const drainReadTimeout = 100 * time.Millisecond

// pool runs a fixed number of handler threads, each serving one connection
// at a time from the shared queue. The queue is the backpressure point: when
// every thread is busy and the queue is full, the accept loop blocks and
// excess connections wait in the kernel backlog instead of spawning
// unbounded concurrency.
type pool struct {
	workerID string
	handler  http.Handler
	slots    *Slots
	queue    chan net.Conn

	draining  chan struct{}
	drainOnce sync.Once
	wg        sync.WaitGroup

	// idle tracks connections parked in a blocking read between requests,
	// so draining can wake them instead of waiting on silent sockets.
	mu   sync.Mutex
	idle map[net.Conn]struct{}
}

func newPool(workerID string, queueDepth int, handler http.Handler, slots *Slots) *pool {
	return &pool{
		workerID: workerID,
		handler:  handler,
		slots:    slots,
		queue:    make(chan net.Conn, queueDepth),
		draining: make(chan struct{}),
		idle:     make(map[net.Conn]struct{}),
	}
}

func (p *pool) start(threads int) {
	for i := range threads {
		p.wg.Add(1)
		go p.thread(i)
	}
}

// submit blocks until a queue slot frees up. No connection is dropped here.
func (p *pool) submit(conn net.Conn) {
	p.queue <- conn
}

// startDraining makes threads stop honoring keep-alive so open connections
// wind down after their current request. Connections already parked in a
// read between requests are woken with an expired deadline; their threads
// close them unless a request was already buffered.
func (p *pool) startDraining() {
	p.drainOnce.Do(func() {
		close(p.draining)
		p.mu.Lock()
		for conn := range p.idle {
			_ = conn.SetReadDeadline(time.Now())
		}
		p.mu.Unlock()
	})
}

// parkIdle registers a connection about to block in a read between
// requests. Checking the drain flag under the same lock startDraining walks
// the registry with means a parked connection is always woken: either the
// walk covers it, or the deadline is applied right here.
func (p *pool) parkIdle(conn net.Conn) {
	p.mu.Lock()
	p.idle[conn] = struct{}{}
	draining := p.isDraining()
	p.mu.Unlock()

	if draining {
		// Serve a request already on the wire; never wait for a new one.
		_ = conn.SetReadDeadline(time.Now().Add(drainReadTimeout))
	}
}

func (p *pool) unparkIdle(conn net.Conn) {
	p.mu.Lock()
	delete(p.idle, conn)
	p.mu.Unlock()
}

// closeQueue signals threads to exit once the remaining queued connections
// are served. Only call after the accept loop has stopped submitting.
func (p *pool) closeQueue() {
	close(p.queue)
}

func (p *pool) wait() {
	p.wg.Wait()
}

func (p *pool) isDraining() bool {
	select {
	case <-p.draining:
		return true
	default:
		return false
	}
}

func (p *pool) thread(idx int) {
	defer p.wg.Done()
	for conn := range p.queue {
		p.serveConn(idx, conn)
	}
	slog.Debug("handler thread exited", "worker", p.workerID, "thread", idx)
}
