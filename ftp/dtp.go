package ftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
)

const dtpIdlePoll = 20 * time.Millisecond

// DTP is the data transfer process paired with one PI. It owns the
// data connection and drives exactly one DTPCommand at a time,
// reporting ACCEPTED/REJECTED/SUPERFLUOUS in reply to each request and
// FINISHED/EXITING_ERROR asynchronously.
type DTP struct {
	id     string
	log    logrus.FieldLogger
	fs     FileSystem
	format ListingFormatter

	bufSize int

	mode     DataMode
	peerAddr *net.TCPAddr
	listener net.Listener
	conn     net.Conn

	activeCmd     DTPCommand
	file          File
	dir           Dir
	pendingEntry  FileInfo
	pendingValid  bool
	listFileOnly  bool
	finishPending bool
	buffer        *ringbuffer.RingBuffer

	fromPI <-chan PIToDTP
	toPI   chan<- DTPToPI
}

// DTPOptions configures a new DTP.
type DTPOptions struct {
	ID       string
	Log      logrus.FieldLogger
	FS       FileSystem
	Format   ListingFormatter
	BufSize  int
	Mode     DataMode
	PeerAddr *net.TCPAddr
	Listener net.Listener
	FromPI   <-chan PIToDTP
	ToPI     chan<- DTPToPI
}

// NewDTP constructs a DTP. Exactly one of PeerAddr (active mode) or
// Listener (passive mode) must be set.
func NewDTP(opts DTPOptions) *DTP {
	format := opts.Format
	if format == nil {
		format = UnixListingFormatter
	}
	bufSize := opts.BufSize
	if bufSize < 50 {
		bufSize = 600
	}
	return &DTP{
		id:       opts.ID,
		log:      opts.Log,
		fs:       opts.FS,
		format:   format,
		bufSize:  bufSize,
		mode:     opts.Mode,
		peerAddr: opts.PeerAddr,
		listener: opts.Listener,
		fromPI:   opts.FromPI,
		toPI:     opts.ToPI,
	}
}

// Run establishes the data connection and drives the PI<->DTP
// protocol until CLOSE, a terminal I/O error, or ctx cancellation.
func (d *DTP) Run(ctx context.Context) error {
	if err := d.establish(ctx); err != nil {
		d.postAsync(ctx, DTPToPI{Kind: DTPExitingError, Err: err})
		return err
	}
	defer d.closeConn()
	defer d.closeHandles()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if d.activeCmd == DTPNone {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case req := <-d.fromPI:
				if d.dispatch(ctx, req) {
					return nil
				}
				continue
			case <-time.After(dtpIdlePoll):
				continue
			}
		}

		select {
		case req := <-d.fromPI:
			if d.dispatch(ctx, req) {
				return nil
			}
		default:
		}

		if d.activeCmd != DTPNone {
			if terminal, err := d.tick(); terminal {
				d.closeHandles()
				d.activeCmd = DTPNone
				kind := DTPFinished
				if err != nil {
					kind = DTPExitingError
				}
				if !d.postAsync(ctx, DTPToPI{Kind: kind, Err: err}) {
					return ctx.Err()
				}
				if kind == DTPExitingError {
					return err
				}
			}
		}
	}
}

func (d *DTP) establish(ctx context.Context) error {
	switch d.mode {
	case ModeActive:
		dialer := net.Dialer{}
		conn, err := dialer.DialContext(ctx, "tcp", d.peerAddr.String())
		if err != nil {
			return fmt.Errorf("dtp active connect: %w", err)
		}
		d.conn = conn
		return nil
	case ModePassive:
		conn, err := d.listener.Accept()
		if err != nil {
			return fmt.Errorf("dtp passive accept: %w", err)
		}
		d.conn = conn
		return nil
	default:
		return errors.New("ftp: DTP has no data mode configured")
	}
}

func (d *DTP) postAsync(ctx context.Context, resp DTPToPI) bool {
	select {
	case d.toPI <- resp:
		return true
	case <-ctx.Done():
		return false
	}
}

// dispatch handles one PI->DTP request and reports whether the DTP
// loop must terminate (CLOSE was requested).
func (d *DTP) dispatch(ctx context.Context, req PIToDTP) bool {
	resp := d.handle(req)
	d.postAsync(ctx, resp)
	return req.Cmd == DTPClose
}

func (d *DTP) handle(req PIToDTP) DTPToPI {
	switch req.Cmd {
	case DTPRetr:
		if d.activeCmd != DTPNone {
			return DTPToPI{Kind: DTPRejected}
		}
		f, err := d.fs.Open(req.Path, OpenRead)
		if err != nil {
			return DTPToPI{Kind: DTPRejected, Err: err}
		}
		d.file = f
		d.activeCmd = DTPRetr
		d.resetBuffer()
		return DTPToPI{Kind: DTPAccepted}

	case DTPStor:
		if d.activeCmd != DTPNone {
			return DTPToPI{Kind: DTPRejected}
		}
		f, err := d.fs.Open(req.Path, OpenWriteCreate)
		if err != nil {
			return DTPToPI{Kind: DTPRejected, Err: err}
		}
		d.file = f
		d.activeCmd = DTPStor
		d.resetBuffer()
		return DTPToPI{Kind: DTPAccepted}

	case DTPAppe:
		if d.activeCmd != DTPNone {
			return DTPToPI{Kind: DTPRejected}
		}
		f, err := d.fs.Open(req.Path, OpenWriteAppend)
		if err != nil {
			return DTPToPI{Kind: DTPRejected, Err: err}
		}
		d.file = f
		d.activeCmd = DTPAppe
		d.resetBuffer()
		return DTPToPI{Kind: DTPAccepted}

	case DTPRest:
		switch d.activeCmd {
		case DTPRetr, DTPStor, DTPAppe:
			if d.file == nil {
				return DTPToPI{Kind: DTPRejected}
			}
			if err := d.file.Seek(req.Offset); err != nil {
				return DTPToPI{Kind: DTPRejected, Err: err}
			}
			return DTPToPI{Kind: DTPAccepted}
		case DTPList, DTPNlst:
			return DTPToPI{Kind: DTPRejected}
		default:
			return DTPToPI{Kind: DTPSuperfluous}
		}

	case DTPAbor:
		d.closeHandles()
		d.activeCmd = DTPNone
		return DTPToPI{Kind: DTPAccepted}

	case DTPList:
		if d.activeCmd != DTPNone {
			return DTPToPI{Kind: DTPRejected}
		}
		path := req.Path
		if path == "" {
			path = "."
		}
		info, err := d.fs.Stat(path)
		if err != nil {
			return DTPToPI{Kind: DTPRejected, Err: err}
		}
		if info.IsDir {
			dir, err := d.fs.OpenDir(path)
			if err != nil {
				return DTPToPI{Kind: DTPRejected, Err: err}
			}
			d.dir = dir
			d.listFileOnly = false
			entry, err := dir.ReadDir()
			if err != nil {
				d.closeHandles()
				return DTPToPI{Kind: DTPRejected, Err: err}
			}
			d.pendingEntry = entry
			d.pendingValid = entry.Name != ""
		} else {
			d.listFileOnly = true
			d.pendingEntry = info
			d.pendingValid = true
		}
		d.activeCmd = DTPList
		d.resetBuffer()
		return DTPToPI{Kind: DTPAccepted}

	case DTPNlst:
		if d.activeCmd != DTPNone {
			return DTPToPI{Kind: DTPRejected}
		}
		path := req.Path
		if path == "" {
			path = "."
		}
		dir, err := d.fs.OpenDir(path)
		if err != nil {
			return DTPToPI{Kind: DTPRejected, Err: err}
		}
		d.dir = dir
		d.activeCmd = DTPNlst
		d.resetBuffer()
		return DTPToPI{Kind: DTPAccepted}

	case DTPClose:
		d.closeHandles()
		return DTPToPI{Kind: DTPSuperfluous}

	default:
		return DTPToPI{Kind: DTPRejected}
	}
}

func (d *DTP) resetBuffer() {
	d.buffer = ringbuffer.New(d.bufSize)
	d.finishPending = false
}

func (d *DTP) closeHandles() {
	if d.file != nil {
		d.file.Close()
		d.file = nil
	}
	if d.dir != nil {
		d.dir.Close()
		d.dir = nil
	}
	d.pendingValid = false
}

func (d *DTP) closeConn() {
	if d.conn != nil {
		d.conn.Close()
	}
	if d.listener != nil {
		d.listener.Close()
	}
}

// tick performs one send/receive/file-I/O step for the active
// command (spec.md §4.7.2). It returns terminal=true once the
// transfer is done (err==nil) or has failed (err!=nil).
func (d *DTP) tick() (terminal bool, err error) {
	switch d.activeCmd {
	case DTPRetr:
		return d.tickRetr()
	case DTPList:
		return d.tickList()
	case DTPNlst:
		return d.tickNlst()
	case DTPStor, DTPAppe:
		return d.tickStore()
	default:
		return false, nil
	}
}

func (d *DTP) tickRetr() (bool, error) {
	if d.buffer.IsEmpty() && !d.finishPending {
		tmp := make([]byte, d.bufSize)
		n, rerr := d.file.Read(tmp)
		if n > 0 {
			if _, werr := d.buffer.Write(tmp[:n]); werr != nil && !errors.Is(werr, ringbuffer.ErrIsFull) {
				return true, werr
			}
		}
		if rerr != nil {
			d.finishPending = true
			if !errors.Is(rerr, io.EOF) {
				return true, rerr
			}
		}
	}
	return d.drainBuffer()
}

func (d *DTP) tickList() (bool, error) {
	if d.buffer.IsEmpty() && !d.finishPending {
		if d.listFileOnly {
			if d.pendingValid {
				line := d.format.FormatEntry(d.pendingEntry)
				d.buffer.Write([]byte(line))
				d.pendingValid = false
			}
			d.finishPending = true
		} else {
			for d.pendingValid {
				line := d.format.FormatEntry(d.pendingEntry)
				if d.buffer.Length()+len(line) > d.bufSize {
					break
				}
				d.buffer.Write([]byte(line))
				next, err := d.dir.ReadDir()
				if err != nil {
					return true, err
				}
				d.pendingEntry = next
				d.pendingValid = next.Name != ""
			}
			if !d.pendingValid {
				d.finishPending = true
			}
		}
	}
	return d.drainBuffer()
}

func (d *DTP) tickNlst() (bool, error) {
	const reserveMargin = 259 + 3 // max path length + CRLF/margin
	if d.buffer.IsEmpty() && !d.finishPending {
		for {
			entry, err := d.dir.ReadDir()
			if err != nil {
				return true, err
			}
			if entry.Name == "" {
				d.finishPending = true
				break
			}
			line := entry.Name + "\r\n"
			if d.buffer.Length()+len(line) > d.bufSize-reserveMargin {
				break
			}
			d.buffer.Write([]byte(line))
		}
	}
	return d.drainBuffer()
}

func (d *DTP) drainBuffer() (bool, error) {
	if !d.buffer.IsEmpty() {
		chunk := make([]byte, d.buffer.Length())
		n, rerr := d.buffer.Read(chunk)
		if n > 0 {
			sent, serr := nonBlockingSend(d.conn, chunk[:n])
			if serr != nil && !errors.Is(serr, ErrWouldBlock) {
				return true, serr
			}
			if sent == 0 && serr == nil {
				return true, errors.New("ftp: data connection closed mid-transfer")
			}
			if sent < n {
				// put back what wasn't sent
				d.buffer.Write(chunk[sent:n])
			}
		} else if rerr != nil && !errors.Is(rerr, ringbuffer.ErrIsEmpty) {
			return true, rerr
		}
	}
	if d.finishPending && d.buffer.IsEmpty() {
		return true, nil
	}
	return false, nil
}

func (d *DTP) tickStore() (bool, error) {
	if d.buffer.IsEmpty() && !d.finishPending {
		tmp := make([]byte, d.bufSize)
		n, rerr := nonBlockingRead(d.conn, tmp)
		switch {
		case errors.Is(rerr, ErrWouldBlock):
			// no-op this tick
		case rerr != nil:
			return true, rerr
		case n == 0:
			d.finishPending = true
		default:
			if _, werr := d.buffer.Write(tmp[:n]); werr != nil && !errors.Is(werr, ringbuffer.ErrIsFull) {
				return true, werr
			}
		}
	}
	if !d.buffer.IsEmpty() {
		chunk := make([]byte, d.buffer.Length())
		n, _ := d.buffer.Read(chunk)
		written := 0
		for written < n {
			w, werr := d.file.Write(chunk[written:n])
			if werr != nil {
				return true, werr
			}
			written += w
		}
	}
	if d.finishPending && d.buffer.IsEmpty() {
		return true, nil
	}
	return false, nil
}
