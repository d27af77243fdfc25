package ftp

import (
	"context"
	"strconv"
	"time"

	"github.com/lucarufer/ftpd/internal/groutine"
)

// ensureDTP lazily creates the paired DTP on the first data-plane
// command, per spec.md §3.2.
func (p *PI) ensureDTP() error {
	if p.dtpOpen {
		return nil
	}
	opts := DTPOptions{
		ID:      p.id + "-dtp",
		Log:     p.log,
		FS:      p.fs,
		Format:  p.fmtr,
		BufSize: p.dtpBufSize,
		Mode:    p.dataMode,
	}
	switch p.dataMode {
	case ModeActive:
		if p.dataPeerAddr == nil {
			return ErrSequence
		}
		opts.PeerAddr = p.dataPeerAddr
	case ModePassive:
		if p.passiveListener == nil {
			return ErrSequence
		}
		opts.Listener = p.passiveListener
	default:
		return ErrSequence
	}

	toDTP := make(chan PIToDTP, 1)
	fromDTP := make(chan DTPToPI, 1)
	opts.FromPI = toDTP
	opts.ToPI = fromDTP

	dtp := NewDTP(opts)
	ctx, cancel := context.WithCancel(p.dtpCtx)
	p.toDTP = toDTP
	p.fromDTP = fromDTP
	p.dtpCancel = cancel
	p.dtpOpen = true
	p.passiveListener = nil // ownership transferred to the DTP

	groutine.Go(ctx, p.id+"-dtp", func(ctx context.Context) {
		if err := dtp.Run(ctx); err != nil && p.log != nil {
			p.log.WithError(err).Debug("dtp exited")
		}
	})
	return nil
}

// sendToDTP posts req and waits synchronously for the DTP's immediate
// ACCEPTED/REJECTED response, bounded by p.queueWait.
func (p *PI) sendToDTP(req PIToDTP) (DTPToPI, bool) {
	select {
	case p.toDTP <- req:
	case <-time.After(p.queueWait):
		return DTPToPI{}, false
	}
	select {
	case resp := <-p.fromDTP:
		return resp, true
	case <-time.After(p.queueWait):
		return DTPToPI{}, false
	}
}

// drainDTPResponses polls for an asynchronous FINISHED/EXITING_ERROR
// from a prior transfer (spec.md §4.6 step 7) and translates it into
// a final reply.
func (p *PI) drainDTPResponses() {
	if !p.dtpOpen {
		return
	}
	select {
	case resp := <-p.fromDTP:
		p.handleAsyncDTPResponse(resp)
	default:
	}
}

// teardownDTP asks the DTP to close, waits up to two response
// cycles, then force-cancels it (spec.md §5 "Cancellation/timeouts").
func (p *PI) teardownDTP() {
	if !p.dtpOpen {
		return
	}
	for i := 0; i < 2; i++ {
		select {
		case p.toDTP <- PIToDTP{Cmd: DTPClose}:
		case <-time.After(p.queueWait):
		}
		select {
		case <-p.fromDTP:
			i = 2
		case <-time.After(p.queueWait):
		}
	}
	p.dtpCancel()
	p.dtpOpen = false
	// Nil out so Run's select on p.fromDTP blocks forever instead of
	// observing stray sends on a channel nothing will write to again.
	p.toDTP = nil
	p.fromDTP = nil
}

func (p *PI) replyForDTP(resp DTPToPI, ok bool) string {
	if !ok {
		return "451 Requested action aborted: local error in processing."
	}
	switch resp.Kind {
	case DTPAccepted:
		return "150 File status okay; about to open data connection."
	case DTPRejected:
		return "450 Requested file action not taken."
	case DTPSuperfluous, DTPFinished:
		return "250 Requested file action okay, completed."
	default:
		return "451 Requested action aborted: local error in processing."
	}
}

func (p *PI) cmdRetr(args []string) string {
	if err := p.ensureDTP(); err != nil {
		return "425 Can't open data connection."
	}
	resp, ok := p.sendToDTP(PIToDTP{Cmd: DTPRetr, Path: p.resolve(args[0])})
	return p.replyForDTP(resp, ok)
}

func (p *PI) cmdStor(args []string) string {
	if err := p.ensureDTP(); err != nil {
		return "425 Can't open data connection."
	}
	resp, ok := p.sendToDTP(PIToDTP{Cmd: DTPStor, Path: p.resolve(args[0])})
	return p.replyForDTP(resp, ok)
}

func (p *PI) cmdAppe(args []string) string {
	if err := p.ensureDTP(); err != nil {
		return "425 Can't open data connection."
	}
	resp, ok := p.sendToDTP(PIToDTP{Cmd: DTPAppe, Path: p.resolve(args[0])})
	return p.replyForDTP(resp, ok)
}

func (p *PI) cmdRest(args []string) string {
	offset, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return "501 Syntax error in parameters or arguments."
	}
	if !p.dtpOpen {
		return "350 Requested file action pending further information."
	}
	resp, ok := p.sendToDTP(PIToDTP{Cmd: DTPRest, Offset: offset})
	return p.replyForDTP(resp, ok)
}

func (p *PI) cmdList(args []string) string {
	if err := p.ensureDTP(); err != nil {
		return "425 Can't open data connection."
	}
	path := p.cwd
	if len(args) == 1 {
		path = p.resolve(args[0])
	}
	resp, ok := p.sendToDTP(PIToDTP{Cmd: DTPList, Path: path})
	return p.replyForDTP(resp, ok)
}

func (p *PI) cmdNlst(args []string) string {
	if err := p.ensureDTP(); err != nil {
		return "425 Can't open data connection."
	}
	path := p.cwd
	if len(args) == 1 {
		path = p.resolve(args[0])
	}
	resp, ok := p.sendToDTP(PIToDTP{Cmd: DTPNlst, Path: path})
	return p.replyForDTP(resp, ok)
}

func (p *PI) cmdAbor(_ []string) string {
	if !p.dtpOpen {
		return "225 No transfer to abort."
	}
	resp, ok := p.sendToDTP(PIToDTP{Cmd: DTPAbor})
	if !ok {
		return "451 Requested action aborted: local error in processing."
	}
	if resp.Kind == DTPAccepted {
		return "226 Closing data connection."
	}
	return "450 Requested file action not taken."
}
