package ftp

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startListener(t *testing.T, maxConn int) (*Listener, string) {
	t.Helper()
	l := NewListener(ListenerOptions{
		Addr:           "127.0.0.1:0",
		MaxConnections: maxConn,
		FS:             newMemFS(),
		Credentials:    DefaultCredentialChecker,
	})

	ready := make(chan string, 1)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() {
		ln, err := net.Listen("tcp", l.opts.Addr)
		if err != nil {
			ready <- ""
			return
		}
		l.ln = ln
		ready <- ln.Addr().String()
		go func() {
			<-ctx.Done()
			ln.Close()
		}()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			l.accept(ctx, conn)
		}
	}()

	addr := <-ready
	require.NotEmpty(t, addr)
	return l, addr
}

func TestListener_AcceptsUpToMaxConnections(t *testing.T) {
	l, addr := startListener(t, 2)

	c1, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer c1.Close()
	bufio.NewReader(c1).ReadString('\n')

	c2, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer c2.Close()
	bufio.NewReader(c2).ReadString('\n')

	time.Sleep(50 * time.Millisecond)

	c3, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer c3.Close()
	c3.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 16)
	_, err = c3.Read(buf)
	assert.Error(t, err) // rejected: connection closed without a banner

	events := l.Events()
	var rejected bool
	for _, ev := range events {
		if ev.Kind == "rejected" {
			rejected = true
		}
	}
	assert.True(t, rejected)
}

func TestListener_ReusesSlotAfterDisconnect(t *testing.T) {
	l, addr := startListener(t, 1)

	c1, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	bufio.NewReader(c1).ReadString('\n')
	c1.Write([]byte("QUIT\r\n"))
	c1.Close()

	require.Eventually(t, func() bool {
		for _, ev := range l.Events() {
			if ev.Kind == "closed" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	c2, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer c2.Close()
	c2.SetReadDeadline(time.Now().Add(time.Second))
	line, err := bufio.NewReader(c2).ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, "220")
}
