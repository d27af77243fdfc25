package ftp

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

// PIDTPIntegrationSuite drives a PI over a real loopback control
// connection through a full PASV+RETR/STOR round trip, using real
// sockets on both the control and data sides so the PI's Run loop
// exercises its actual multiplexing between control-line reads and
// asynchronous DTP responses, not a net.Pipe stand-in.
type PIDTPIntegrationSuite struct {
	suite.Suite

	fs     *memFS
	ctrlLn net.Listener
	client net.Conn
	cancel context.CancelFunc
}

func (s *PIDTPIntegrationSuite) SetupTest() {
	s.fs = newMemFS()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	s.Require().NoError(err)
	s.ctrlLn = ln

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		pi := NewPI(PIOptions{
			ID:          "PI-SUITE",
			Conn:        conn,
			FS:          s.fs,
			Credentials: DefaultCredentialChecker,
			QueueWait:   50 * time.Millisecond,
		})
		go pi.Run(ctx)
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	s.Require().NoError(err)
	s.client = client
}

func (s *PIDTPIntegrationSuite) TearDownTest() {
	s.cancel()
	s.client.Close()
	s.ctrlLn.Close()
}

func (s *PIDTPIntegrationSuite) send(line string) {
	_, err := s.client.Write([]byte(line + "\r\n"))
	s.Require().NoError(err)
}

func (s *PIDTPIntegrationSuite) readReply(r *bufio.Reader) string {
	s.Require().NoError(s.client.SetReadDeadline(time.Now().Add(2 * time.Second)))
	line, err := r.ReadString('\n')
	s.Require().NoError(err)
	return line
}

// parsePasvAddr turns a "227 Entering Passive Mode (h1,h2,h3,h4,p1,p2)."
// reply into a dialable "host:port" string.
func parsePasvAddr(reply string) string {
	start := strings.Index(reply, "(")
	end := strings.Index(reply, ")")
	nums := strings.Split(reply[start+1:end], ",")
	ints := make([]int, len(nums))
	for i, n := range nums {
		ints[i], _ = strconv.Atoi(strings.TrimSpace(n))
	}
	ip := fmt.Sprintf("%d.%d.%d.%d", ints[0], ints[1], ints[2], ints[3])
	port := ints[4]<<8 | ints[5]
	return fmt.Sprintf("%s:%d", ip, port)
}

func (s *PIDTPIntegrationSuite) TestRetr_FullRoundTripThroughPIRun() {
	fh, err := s.fs.Open("/greeting.txt", OpenWriteCreate)
	s.Require().NoError(err)
	_, err = fh.Write([]byte("hi from suite"))
	s.Require().NoError(err)
	s.Require().NoError(fh.Close())

	r := bufio.NewReader(s.client)
	s.Contains(s.readReply(r), "220")

	s.send("USER anonymous")
	s.Contains(s.readReply(r), "230")

	s.send("PASV")
	addr := parsePasvAddr(s.readReply(r))

	dataConn, err := net.Dial("tcp", addr)
	s.Require().NoError(err)
	defer dataConn.Close()

	s.send("RETR /greeting.txt")
	s.Contains(s.readReply(r), "150")

	s.Require().NoError(dataConn.SetReadDeadline(time.Now().Add(2 * time.Second)))
	buf := make([]byte, 64)
	n, err := dataConn.Read(buf)
	s.Require().NoError(err)
	s.Equal("hi from suite", string(buf[:n]))

	// The 250 must arrive without the client sending another control
	// line first: PI.Run observes the DTP's FINISHED asynchronously
	// via its select loop rather than waiting on the next ReadString.
	s.Contains(s.readReply(r), "250")
}

func (s *PIDTPIntegrationSuite) TestStor_FullRoundTripThroughPIRun() {
	r := bufio.NewReader(s.client)
	s.readReply(r)

	s.send("USER admin")
	s.readReply(r)
	s.send("PASS password")
	s.Contains(s.readReply(r), "230")

	s.send("PASV")
	addr := parsePasvAddr(s.readReply(r))

	dataConn, err := net.Dial("tcp", addr)
	s.Require().NoError(err)

	s.send("STOR /uploaded.bin")
	s.Contains(s.readReply(r), "150")

	_, err = dataConn.Write([]byte("integration payload"))
	s.Require().NoError(err)
	s.Require().NoError(dataConn.Close())

	s.Contains(s.readReply(r), "250")

	info, err := s.fs.Stat("/uploaded.bin")
	s.Require().NoError(err)
	s.Equal(int64(len("integration payload")), info.Size)
}

func TestPIDTPIntegrationSuite(t *testing.T) {
	suite.Run(t, new(PIDTPIntegrationSuite))
}
