package ftp

import (
	"errors"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock mirrors EWOULDBLOCK/EAGAIN from the original DTP's
// MSG_DONTWAIT sockets: no data was ready, try again next tick.
var ErrWouldBlock = errors.New("ftp: operation would block")

// nonBlockingRead performs a single non-blocking read attempt on
// conn, the Go equivalent of recv(fd, ..., MSG_DONTWAIT). It falls
// back to a plain Read if conn does not expose a raw file descriptor.
func nonBlockingRead(conn net.Conn, buf []byte) (int, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return conn.Read(buf)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return 0, err
	}
	var n int
	var opErr error
	ctlErr := raw.Read(func(fd uintptr) bool {
		n, opErr = unix.Read(int(fd), buf)
		return true
	})
	if ctlErr != nil {
		return 0, ctlErr
	}
	if opErr == unix.EAGAIN || opErr == unix.EWOULDBLOCK {
		return 0, ErrWouldBlock
	}
	if opErr != nil {
		return 0, opErr
	}
	if n == 0 {
		return 0, nil // remote half-close, distinct from ErrWouldBlock
	}
	return n, nil
}

// nonBlockingSend performs a single non-blocking send attempt,
// returning the bytes actually written.
func nonBlockingSend(conn net.Conn, buf []byte) (int, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return conn.Write(buf)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return 0, err
	}
	var n int
	var opErr error
	ctlErr := raw.Write(func(fd uintptr) bool {
		n, opErr = unix.Write(int(fd), buf)
		return true
	})
	if ctlErr != nil {
		return 0, ctlErr
	}
	if opErr == unix.EAGAIN || opErr == unix.EWOULDBLOCK {
		return 0, ErrWouldBlock
	}
	return n, opErr
}
