// Package mrrb implements the Multiple Reader Ring Buffer: a bounded
// byte ring with one producer and any number of independent readers,
// each with its own overrun policy for what happens when the writer
// catches up to it.
package mrrb

import (
	"context"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

type ctxKey int

const isrCtxKey ctxKey = 0

// WithInterrupt marks ctx as originating from interrupt context, for
// Ring instances configured with DisallowISRWrites. There is no real
// interrupt context on a host OS; callers that model one (e.g. a test
// harness simulating an ISR-driven producer) use this to exercise the
// same soft-drop path spec.md §4.1 describes.
func WithInterrupt(ctx context.Context) context.Context {
	return context.WithValue(ctx, isrCtxKey, true)
}

func isInterruptContext(ctx context.Context) bool {
	v, _ := ctx.Value(isrCtxKey).(bool)
	return v
}

// Ring is a Multiple Reader Ring Buffer.
type Ring struct {
	buffer []byte
	length uint64

	lock  Locker
	fence Fence

	writePtr       uint64
	reservationPtr uint64
	ongoingWrites  int

	readers *orderedmap.OrderedMap[string, *Reader]

	disallowISRWrites bool
	closed            bool
}

// Option configures a Ring at construction.
type Option func(*Ring)

// WithLocker overrides the default host mutex with a custom Locker,
// e.g. an interrupt-masking port implementation.
func WithLocker(l Locker) Option {
	return func(r *Ring) { r.lock = l }
}

// WithFence installs a memory barrier called at every lock boundary.
func WithFence(f Fence) Option {
	return func(r *Ring) { r.fence = f }
}

// WithISRWritesDisabled makes Write return a soft drop (0, nil) for
// any call made under WithInterrupt context, instead of attempting to
// take the lock from interrupt context.
func WithISRWritesDisabled() Option {
	return func(r *Ring) { r.disallowISRWrites = true }
}

// Init constructs a Ring over buffer, which the Ring owns thereafter;
// callers must not touch it concurrently. readers, if any, start in
// status StatusDisabled; call EnableReader to join them at the live
// edge.
func Init(buffer []byte, readers []*Reader, opts ...Option) (*Ring, error) {
	if len(buffer) == 0 {
		return nil, ErrNilBuffer
	}
	r := &Ring{
		buffer:  buffer,
		length:  uint64(len(buffer)),
		lock:    NewMutexLocker(),
		fence:   defaultFence,
		readers: orderedmap.New[string, *Reader](),
	}
	for _, opt := range opts {
		opt(r)
	}
	for _, rd := range readers {
		if err := r.AddReader(rd); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Deinit releases the Ring. Subsequent Write calls fail with
// ErrNilBuffer; readers already notified may still call ReadComplete
// to drain their in-flight notification.
func (r *Ring) Deinit() error {
	if err := r.lock.Lock(); err != nil {
		return ErrLockFailed
	}
	r.closed = true
	r.fence()
	return r.lock.Unlock()
}

// AddReader registers a new reader, initially DISABLED.
func (r *Ring) AddReader(reader *Reader) error {
	if reader == nil {
		return ErrReaderNotRegistered
	}
	if err := r.lock.Lock(); err != nil {
		return ErrLockFailed
	}
	defer r.lock.Unlock()
	if _, exists := r.readers.Get(reader.handle); exists {
		return ErrReaderExists
	}
	r.readers.Set(reader.handle, reader)
	return nil
}

// EnableReader transitions a DISABLED reader to IDLE at the live
// edge: its read and completion pointers jump to the current
// reservation, so it sees only bytes written after this call.
func (r *Ring) EnableReader(handle string) error {
	if err := r.lock.Lock(); err != nil {
		return ErrLockFailed
	}
	defer r.lock.Unlock()
	reader, ok := r.readers.Get(handle)
	if !ok {
		return ErrReaderNotRegistered
	}
	reader.readPtr = r.reservationPtr
	reader.readCompletePtr = r.reservationPtr
	reader.isFull = false
	reader.status = StatusIdle
	r.fence()
	return nil
}

// DisableReader requests that a reader stop receiving notifications.
// If the reader has an AbortFunc it transitions to DISABLING and the
// abort is requested (invoked outside the lock); otherwise it moves
// straight to DISABLED.
func (r *Ring) DisableReader(handle string) error {
	abort, err := r.disableLocked(handle)
	if err != nil {
		return err
	}
	if abort != nil {
		abort()
	}
	return nil
}

func (r *Ring) disableLocked(handle string) (AbortFunc, error) {
	if err := r.lock.Lock(); err != nil {
		return nil, ErrLockFailed
	}
	defer r.lock.Unlock()
	reader, ok := r.readers.Get(handle)
	if !ok {
		return nil, ErrReaderNotRegistered
	}
	if reader.abort != nil {
		reader.status = StatusDisabling
		r.fence()
		return reader.abort, nil
	}
	reader.status = StatusDisabled
	r.fence()
	return nil, nil
}

// ReaderStatus reports a reader's current state and full flag.
func (r *Ring) ReaderStatus(handle string) (Status, bool, error) {
	if err := r.lock.Lock(); err != nil {
		return 0, false, ErrLockFailed
	}
	defer r.lock.Unlock()
	reader, ok := r.readers.Get(handle)
	if !ok {
		return 0, false, ErrReaderNotRegistered
	}
	return reader.status, reader.isFull, nil
}

// contiguousSpan returns the longest run of bytes starting at from,
// up to the amount available before writeTo, that does not cross the
// physical end of the backing array. A reader that is due more bytes
// than fit contiguously is re-notified after it completes this span.
func (r *Ring) contiguousSpan(from, writeTo uint64) []byte {
	avail := writeTo - from
	if avail == 0 {
		return nil
	}
	start := from % r.length
	maxRun := r.length - start
	n := avail
	if n > maxRun {
		n = maxRun
	}
	return r.buffer[start : start+n]
}

// occupiedLocked returns how many reserved-but-not-completed bytes
// stand between a reader's completion pointer and the writer's
// reservation pointer.
func (r *Ring) occupiedLocked(reader *Reader) uint64 {
	return r.reservationPtr - reader.readCompletePtr
}

func (r *Ring) remainingLocked(reader *Reader) uint64 {
	occ := r.occupiedLocked(reader)
	if occ >= r.length {
		return 0
	}
	return r.length - occ
}

// minRemainingLocked returns the smallest remaining space across all
// non-disabled readers, or the full length if there are none.
func (r *Ring) minRemainingLocked() uint64 {
	min := r.length
	for pair := r.readers.Oldest(); pair != nil; pair = pair.Next() {
		reader := pair.Value
		if reader.status == StatusDisabled {
			continue
		}
		if rem := r.remainingLocked(reader); rem < min {
			min = rem
		}
	}
	return min
}

// resolveOverrunLocked raises the minimum remaining space towards
// requested by applying each constraining reader's overrun policy.
// It returns readers whose AbortFunc must be invoked once the lock is
// released.
func (r *Ring) resolveOverrunLocked(requested uint64) []AbortFunc {
	var pending []AbortFunc
	for pair := r.readers.Oldest(); pair != nil; pair = pair.Next() {
		reader := pair.Value
		if reader.status == StatusDisabled {
			continue
		}
		rem := r.remainingLocked(reader)
		if rem >= requested {
			continue
		}
		switch reader.policy {
		case PolicyBlocking:
			// Hard ceiling; nothing to resolve.
		case PolicyDisable:
			if reader.abort != nil {
				reader.status = StatusDisabling
				pending = append(pending, reader.abort)
			} else {
				reader.status = StatusDisabled
			}
		case PolicySkip:
			if reader.status == StatusActive {
				reader.status = StatusAborting
				reader.readCompletePtr = reader.readPtr
				reader.isFull = false
				if reader.abort != nil {
					pending = append(pending, reader.abort)
				}
			}
			// Recompute remaining space after the read_ptr reset above;
			// it may already cover requested, in which case no further
			// advance is needed.
			if postRem := r.remainingLocked(reader); postRem < requested {
				reader.readCompletePtr += requested - postRem
			}
			reader.isFull = r.occupiedLocked(reader) >= r.length
		}
	}
	return pending
}

// Write delivers up to len(data) bytes into the ring, truncating to
// whatever space the constraining readers allow after overrun
// resolution. It returns the number of bytes actually written.
func (r *Ring) Write(ctx context.Context, data []byte) (int, error) {
	if data == nil {
		return 0, ErrNilData
	}
	if r.disallowISRWrites && isInterruptContext(ctx) {
		return 0, nil
	}

	if err := r.lock.Lock(); err != nil {
		return 0, ErrLockFailed
	}
	if r.closed {
		r.lock.Unlock()
		return 0, ErrNilBuffer
	}

	requested := uint64(len(data))
	remaining := r.minRemainingLocked()
	var pendingAborts []AbortFunc
	if requested > remaining {
		pendingAborts = r.resolveOverrunLocked(requested)
		remaining = r.minRemainingLocked()
	}
	w := requested
	if w > remaining {
		w = remaining
	}

	reservation := r.reservationPtr
	r.reservationPtr += w
	for pair := r.readers.Oldest(); pair != nil; pair = pair.Next() {
		reader := pair.Value
		if reader.status == StatusDisabled {
			continue
		}
		reader.isFull = r.occupiedLocked(reader) >= r.length
	}
	r.ongoingWrites++
	r.fence()
	if err := r.lock.Unlock(); err != nil {
		return 0, ErrLockFailed
	}

	for _, abort := range pendingAborts {
		abort()
	}

	r.copyIn(reservation, data[:w])

	if err := r.lock.Lock(); err != nil {
		return int(w), ErrLockFailed
	}
	r.ongoingWrites--
	var toNotify []*Reader
	var spans [][]byte
	if r.ongoingWrites == 0 {
		oldWritePtr := r.writePtr
		r.writePtr = r.reservationPtr
		for pair := r.readers.Oldest(); pair != nil; pair = pair.Next() {
			reader := pair.Value
			switch reader.status {
			case StatusIdle:
				span := r.contiguousSpan(reader.readPtr, r.writePtr)
				if len(span) == 0 {
					continue
				}
				reader.status = StatusActive
				reader.readPtr += uint64(len(span))
				toNotify = append(toNotify, reader)
				spans = append(spans, span)
			case StatusAborted:
				span := r.contiguousSpan(reader.readPtr, r.writePtr)
				if len(span) == 0 {
					continue
				}
				reader.status = StatusActive
				reader.readPtr += uint64(len(span))
				toNotify = append(toNotify, reader)
				spans = append(spans, span)
			}
		}
		_ = oldWritePtr
	}
	r.fence()
	if err := r.lock.Unlock(); err != nil {
		return int(w), ErrLockFailed
	}

	for i, reader := range toNotify {
		reader.notify(spans[i])
	}

	return int(w), nil
}

func (r *Ring) copyIn(at uint64, data []byte) {
	start := at % r.length
	n := copy(r.buffer[start:], data)
	if n < len(data) {
		copy(r.buffer, data[n:])
	}
}

// ReadComplete signals that the sink has finished processing the
// bytes from its most recent notification. If more data is already
// available it is re-notified immediately; otherwise the reader goes
// IDLE.
func (r *Ring) ReadComplete(handle string) error {
	if err := r.lock.Lock(); err != nil {
		return ErrLockFailed
	}
	reader, ok := r.readers.Get(handle)
	if !ok {
		r.lock.Unlock()
		return ErrReaderNotRegistered
	}
	reader.isFull = false
	reader.readCompletePtr = reader.readPtr

	span := r.contiguousSpan(reader.readPtr, r.writePtr)
	var notify *Reader
	if len(span) > 0 {
		reader.readPtr += uint64(len(span))
		notify = reader
	} else {
		reader.status = StatusIdle
	}
	r.fence()
	if err := r.lock.Unlock(); err != nil {
		return ErrLockFailed
	}
	if notify != nil {
		notify.notify(span)
	}
	return nil
}

// AbortComplete signals that the sink has acknowledged a requested
// abort. A DISABLING reader becomes DISABLED. An ABORTING reader
// either resumes (if data arrived and no writer is mid-publish) or
// settles into ABORTED until the next write revives it.
func (r *Ring) AbortComplete(handle string) error {
	if err := r.lock.Lock(); err != nil {
		return ErrLockFailed
	}
	reader, ok := r.readers.Get(handle)
	if !ok {
		r.lock.Unlock()
		return ErrReaderNotRegistered
	}

	var notify *Reader
	var span []byte
	switch reader.status {
	case StatusDisabling:
		reader.status = StatusDisabled
	case StatusAborting:
		s := r.contiguousSpan(reader.readPtr, r.writePtr)
		if len(s) > 0 && r.ongoingWrites == 0 {
			reader.readPtr += uint64(len(s))
			reader.status = StatusActive
			notify = reader
			span = s
		} else {
			reader.status = StatusAborted
		}
	}
	r.fence()
	if err := r.lock.Unlock(); err != nil {
		return ErrLockFailed
	}
	if notify != nil {
		notify.notify(span)
	}
	return nil
}

// IsEmpty reports whether a reader has no outstanding unread bytes.
// Non-thread-safe: callers must externally serialize against writers,
// matching spec.md §6's observer contract.
func (r *Ring) IsEmpty(handle string) (bool, error) {
	reader, ok := r.readers.Get(handle)
	if !ok {
		return false, ErrReaderNotRegistered
	}
	return reader.readPtr == r.writePtr, nil
}

// IsFull reports whether a reader currently blocks the writer.
func (r *Ring) IsFull(handle string) (bool, error) {
	reader, ok := r.readers.Get(handle)
	if !ok {
		return false, ErrReaderNotRegistered
	}
	return reader.isFull, nil
}

// RemainingSpace reports how many more bytes a single write could
// deliver before this reader would constrain it.
func (r *Ring) RemainingSpace(handle string) (int, error) {
	reader, ok := r.readers.Get(handle)
	if !ok {
		return 0, ErrReaderNotRegistered
	}
	return int(r.remainingLocked(reader)), nil
}

// OverwritableSpace reports how many bytes could be reclaimed from
// this reader by overrun resolution; zero for a BLOCKING reader,
// which never yields space.
func (r *Ring) OverwritableSpace(handle string) (int, error) {
	reader, ok := r.readers.Get(handle)
	if !ok {
		return 0, ErrReaderNotRegistered
	}
	if reader.policy == PolicyBlocking {
		return 0, nil
	}
	return int(r.occupiedLocked(reader)), nil
}
