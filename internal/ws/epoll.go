//go:build linux

package ws

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// poller is a thin wrapper over Linux epoll. It watches socket file
// descriptors for read readiness so the server runs one event loop instead
// of a goroutine per connection. The ConnectionManager owns the descriptor
// to connection mapping, so the poller holds no connection state of its own.
type poller struct {
	epfd   int
	events []unix.EpollEvent // reused across wait calls
}

func newPoller() (*poller, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &poller{
		epfd:   epfd,
		events: make([]unix.EpollEvent, 128),
	}, nil
}

// add puts the descriptor on the interest list for input and hangup events.
// The conn argument exists for the non-Linux fallback and is unused here.
func (p *poller) add(fd int, _ net.Conn) error {
	return unix.EpollCtl(p.epfd, syscall.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP,
		Fd:     int32(fd),
	})
}

// remove drops the descriptor from the interest list.
func (p *poller) remove(fd int) error {
	return unix.EpollCtl(p.epfd, syscall.EPOLL_CTL_DEL, fd, nil)
}

// wait blocks until at least one watched descriptor is readable and returns
// the ready descriptors. A descriptor whose connection was removed after
// epoll_wait returned simply fails the registry lookup in the caller. Only
// the event loop goroutine calls wait, so the event buffer needs no lock.
func (p *poller) wait() ([]int, error) {
	n, err := unix.EpollWait(p.epfd, p.events, -1)
	if err != nil {
		return nil, err
	}

	fds := make([]int, 0, n)
	for i := 0; i < n; i++ {
		fds = append(fds, int(p.events[i].Fd))
	}
	return fds, nil
}

func (p *poller) close() error {
	return unix.Close(p.epfd)
}
