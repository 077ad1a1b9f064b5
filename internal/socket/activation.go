package socket

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ErrActivation wraps validation failures of supervisor-passed sockets.
var ErrActivation = errors.New("socket activation")

// AdoptDatagramListener validates and wraps the single datagram socket a
// supervisor passed at startup.
func AdoptDatagramListener(files []*os.File) (*Conn, error) {
	if len(files) != 1 {
		return nil, fmt.Errorf("%w: UDP mode supports a single passed socket, got %d", ErrActivation, len(files))
	}
	fd := int(files[0].Fd())
	typ, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TYPE)
	if err != nil || typ != unix.SOCK_DGRAM {
		return nil, fmt.Errorf("%w: fd %d is not a datagram socket", ErrActivation, fd)
	}
	return &Conn{fd: fd}, nil
}

// AdoptStreamListeners validates and wraps the listening stream sockets a
// supervisor passed at startup.
func AdoptStreamListeners(files []*os.File) ([]*Conn, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no passed sockets", ErrActivation)
	}
	conns := make([]*Conn, 0, len(files))
	for _, f := range files {
		fd := int(f.Fd())
		typ, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TYPE)
		if err != nil || typ != unix.SOCK_STREAM {
			return nil, fmt.Errorf("%w: fd %d is not a stream socket", ErrActivation, fd)
		}
		accepting, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ACCEPTCONN)
		if err != nil || accepting == 0 {
			return nil, fmt.Errorf("%w: fd %d is not listening", ErrActivation, fd)
		}
		conns = append(conns, &Conn{fd: fd})
	}
	return conns, nil
}
