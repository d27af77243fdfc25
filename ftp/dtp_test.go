package ftp

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucarufer/ftpd/internal/testutils"
)

// dtpPipe wires a DTP to a real loopback TCP connection rather than
// net.Pipe, since nonBlockingRead/nonBlockingSend need a syscall.Conn
// to exercise their raw-fd path the way production sockets do.
func dtpPipe(t *testing.T, fs FileSystem) (*DTP, net.Conn, chan PIToDTP, chan DTPToPI) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	toDTP := make(chan PIToDTP, 1)
	fromDTP := make(chan DTPToPI, 1)

	dtp := NewDTP(DTPOptions{
		ID:       "dtp-test",
		FS:       fs,
		Mode:     ModePassive,
		Listener: ln,
		BufSize:  512,
		FromPI:   toDTP,
		ToPI:     fromDTP,
	})
	return dtp, client, toDTP, fromDTP
}

func TestDTP_Retr_StreamsFileContents(t *testing.T) {
	fs := newMemFS()
	fh, err := fs.Open("/data.txt", OpenWriteCreate)
	require.NoError(t, err)
	_, err = fh.Write([]byte("hello world"))
	require.NoError(t, err)
	require.NoError(t, fh.Close())

	dtp, client, toDTP, fromDTP := dtpPipe(t, fs)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dtp.Run(ctx)

	toDTP <- PIToDTP{Cmd: DTPRetr, Path: "/data.txt"}
	resp := <-fromDTP
	assert.Equal(t, DTPAccepted, resp.Kind)

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, err := client.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(buf[:n]))

	resp = <-fromDTP
	assert.Equal(t, DTPFinished, resp.Kind)
}

func TestDTP_Stor_WritesReceivedBytes(t *testing.T) {
	fs := newMemFS()
	dtp, client, toDTP, fromDTP := dtpPipe(t, fs)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dtp.Run(ctx)

	toDTP <- PIToDTP{Cmd: DTPStor, Path: "/up.bin"}
	resp := <-fromDTP
	assert.Equal(t, DTPAccepted, resp.Kind)

	_, err := client.Write([]byte("payload"))
	require.NoError(t, err)
	client.Close()

	resp = <-fromDTP
	assert.Equal(t, DTPFinished, resp.Kind)

	got, err := fs.Stat("/up.bin")
	require.NoError(t, err)

	t.Cleanup(func() {
		if t.Failed() {
			fh, ferr := fs.Open("/up.bin", OpenRead)
			if ferr != nil {
				return
			}
			defer fh.Close()
			written, _ := io.ReadAll(fh)
			var dump bytes.Buffer
			testutils.DumpBinary(&dump, written)
			t.Logf("stored file contents:\n%s", dump.String())
		}
	})

	assert.Equal(t, int64(len("payload")), got.Size)
}

func TestDTP_Stor_RejectsSecondCommandWhileBusy(t *testing.T) {
	fs := newMemFS()
	dtp, _, toDTP, fromDTP := dtpPipe(t, fs)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dtp.Run(ctx)

	// A STOR with no bytes written by the peer stays active indefinitely
	// (tickStore sees EAGAIN every tick), unlike an empty LIST which can
	// self-complete on its very first tick.
	toDTP <- PIToDTP{Cmd: DTPStor, Path: "/up.bin"}
	resp := <-fromDTP
	assert.Equal(t, DTPAccepted, resp.Kind)

	toDTP <- PIToDTP{Cmd: DTPRetr, Path: "/up.bin"}
	resp = <-fromDTP
	assert.Equal(t, DTPRejected, resp.Kind)
}

func TestDTP_Retr_RejectsMissingFile(t *testing.T) {
	fs := newMemFS()
	dtp, _, toDTP, fromDTP := dtpPipe(t, fs)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dtp.Run(ctx)

	toDTP <- PIToDTP{Cmd: DTPRetr, Path: "/missing"}
	resp := <-fromDTP
	assert.Equal(t, DTPRejected, resp.Kind)
}

func TestDTP_Close_EndsRunLoop(t *testing.T) {
	fs := newMemFS()
	dtp, _, toDTP, fromDTP := dtpPipe(t, fs)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- dtp.Run(ctx) }()

	toDTP <- PIToDTP{Cmd: DTPClose}
	resp := <-fromDTP
	assert.Equal(t, DTPSuperfluous, resp.Kind)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("DTP.Run did not exit after CLOSE")
	}
}
