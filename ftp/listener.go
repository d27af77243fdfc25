package ftp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/lucarufer/ftpd/internal/groutine"
)

// ConnEvent is one entry in the listener's bounded connection-history
// ring, used for diagnostics.
type ConnEvent struct {
	SlotID string
	Kind   string // "accepted", "rejected", "closed"
	At     time.Time
	Err    error
}

type piSlot struct {
	id   string
	done chan struct{}
}

// ListenerOptions configures a Listener.
type ListenerOptions struct {
	Addr           string
	MaxConnections int
	FS             FileSystem
	Credentials    CredentialChecker
	Format         ListingFormatter
	Log            logrus.FieldLogger
	RecvBufSize    int
	DTPBufSize     int
	EventHistory   uint32
}

// Listener accepts control connections and spawns a PI for each, up
// to a bounded pool (spec.md §4.5).
type Listener struct {
	opts ListenerOptions
	ln   net.Listener

	mu    sync.Mutex
	slots *orderedmap.OrderedMap[string, *piSlot]

	events mpmc.RichOverlappedRingBuffer[ConnEvent]
}

// NewListener constructs a Listener. Serve must be called to accept
// connections.
func NewListener(opts ListenerOptions) *Listener {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 4
	}
	history := opts.EventHistory
	if history == 0 {
		history = 64
	}
	return &Listener{
		opts:   opts,
		slots:  orderedmap.New[string, *piSlot](),
		events: mpmc.NewOverlappedRingBuffer[ConnEvent](history),
	}
}

// Events returns the bounded connection-lifecycle history for
// diagnostics (accepted/rejected/closed), draining it.
func (l *Listener) Events() []ConnEvent {
	var out []ConnEvent
	for !l.events.IsEmpty() {
		ev, err := l.events.Dequeue()
		if err != nil {
			break
		}
		out = append(out, ev)
	}
	return out
}

func (l *Listener) recordEvent(ev ConnEvent) {
	l.events.EnqueueM(ev)
}

// Serve listens on opts.Addr and accepts control connections until
// ctx is cancelled or the listener errors.
func (l *Listener) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.opts.Addr)
	if err != nil {
		return fmt.Errorf("ftp: listen %s: %w", l.opts.Addr, err)
	}
	l.ln = ln
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	defer ln.Close()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return err
			}
		}
		l.accept(ctx, conn)
	}
}

func (l *Listener) accept(ctx context.Context, conn net.Conn) {
	l.mu.Lock()
	slotID, ok := l.freeSlotLocked()
	if !ok {
		l.mu.Unlock()
		l.recordEvent(ConnEvent{Kind: "rejected", At: time.Now()})
		conn.Close()
		return
	}
	done := make(chan struct{})
	l.slots.Set(slotID, &piSlot{id: slotID, done: done})
	l.mu.Unlock()

	l.recordEvent(ConnEvent{SlotID: slotID, Kind: "accepted", At: time.Now()})

	var localIP net.IP
	if addr, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		localIP = addr.IP
	}

	log := l.opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	pi := NewPI(PIOptions{
		ID:          slotID,
		Conn:        conn,
		Log:         log.WithField("pi", slotID),
		FS:          l.opts.FS,
		Credentials: l.opts.Credentials,
		Format:      l.opts.Format,
		RecvBufSize: l.opts.RecvBufSize,
		DTPBufSize:  l.opts.DTPBufSize,
		LocalIP:     localIP,
	})

	groutine.Go(ctx, slotID, func(ctx context.Context) {
		defer close(done)
		defer conn.Close()
		err := pi.Run(ctx)
		l.recordEvent(ConnEvent{SlotID: slotID, Kind: "closed", At: time.Now(), Err: err})
	})
}

// freeSlotLocked finds an empty slot index, or one whose PI goroutine
// has already terminated, up to MaxConnections. l.mu must be held.
func (l *Listener) freeSlotLocked() (string, bool) {
	for i := 0; i < l.opts.MaxConnections; i++ {
		id := fmt.Sprintf("PI-%03d", i)
		slot, exists := l.slots.Get(id)
		if !exists {
			return id, true
		}
		select {
		case <-slot.done:
			return id, true
		default:
		}
	}
	return "", false
}
