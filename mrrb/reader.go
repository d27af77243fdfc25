package mrrb

// OverrunPolicy selects how a writer resolves insufficient remaining
// space for a reader that has fallen behind.
type OverrunPolicy int

const (
	// PolicyBlocking makes the reader a hard ceiling on the writer:
	// a write that would overrun it is truncated instead.
	PolicyBlocking OverrunPolicy = iota
	// PolicyDisable moves the reader to DISABLED (or DISABLING, if it
	// has an AbortFunc) the first time it would be overrun.
	PolicyDisable
	// PolicySkip advances the reader's completion pointer past the
	// bytes a write would otherwise clobber, dropping them for that
	// reader only.
	PolicySkip
)

func (p OverrunPolicy) String() string {
	switch p {
	case PolicyBlocking:
		return "BLOCKING"
	case PolicyDisable:
		return "DISABLE"
	case PolicySkip:
		return "SKIP"
	default:
		return "UNKNOWN"
	}
}

// Status is a reader's position in the MRRB reader state machine
// (spec.md §4.3).
type Status int

const (
	StatusDisabled Status = iota
	StatusIdle
	StatusActive
	StatusAborting
	StatusAborted
	StatusDisabling
)

func (s Status) String() string {
	switch s {
	case StatusDisabled:
		return "DISABLED"
	case StatusIdle:
		return "IDLE"
	case StatusActive:
		return "ACTIVE"
	case StatusAborting:
		return "ABORTING"
	case StatusAborted:
		return "ABORTED"
	case StatusDisabling:
		return "DISABLING"
	default:
		return "UNKNOWN"
	}
}

// NotifyFunc is invoked outside the ring's lock whenever a contiguous
// span of newly-published bytes becomes available to the reader. It
// must not call back into the ring except via ReadComplete/AbortComplete,
// and at most one call is outstanding per reader at a time.
type NotifyFunc func(data []byte)

// AbortFunc is invoked outside the lock to request that a reader stop
// consuming as soon as possible, because the writer needs its space
// back (PolicyDisable/PolicySkip) or the sink is being torn down. On a
// PolicyDisable overrun or a DisableReader call, a reader without an
// AbortFunc is disabled immediately instead of being asked to cooperate.
type AbortFunc func()

// Reader is a sink registered with a Ring. All fields below this
// point are mutated only while the owning Ring's lock is held; reads
// for diagnostics go through Ring.ReaderStatus instead of touching a
// Reader directly.
type Reader struct {
	handle string
	policy OverrunPolicy
	notify NotifyFunc
	abort  AbortFunc

	status Status
	isFull bool

	// readPtr/readCompletePtr are monotonically increasing byte
	// counters, not offsets mod the ring length. This sidesteps the
	// classic ring-buffer full-vs-empty ambiguity the original C
	// implementation resolves with an explicit is_full flag; is_full
	// is still tracked here because spec.md's invariants (§3.1) name
	// it directly and Ring.ReaderStatus reports it for inspection.
	readPtr         uint64
	readCompletePtr uint64
}

// NewReader constructs a Reader. notify must be non-nil; abort may be
// nil, in which case PolicyDisable overruns and explicit DisableReader
// calls move the reader straight to DISABLED instead of requesting
// cooperative shutdown. A PolicySkip overrun still moves an ACTIVE
// reader to ABORTING; no abort is requested.
func NewReader(handle string, policy OverrunPolicy, notify NotifyFunc, abort AbortFunc) (*Reader, error) {
	if handle == "" {
		return nil, ErrEmptyHandle
	}
	if notify == nil {
		return nil, ErrNilNotify
	}
	return &Reader{
		handle: handle,
		policy: policy,
		notify: notify,
		abort:  abort,
		status: StatusDisabled,
	}, nil
}

// Handle returns the reader's stable identity.
func (r *Reader) Handle() string { return r.handle }

// Policy returns the reader's configured overrun policy.
func (r *Reader) Policy() OverrunPolicy { return r.policy }
