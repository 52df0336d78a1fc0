package tunnel

// Line is the per-connection vertical spine of a chain: one logical
// connection at one layer, carrying a fixed-size per-node state arena and
// the liveness/lock bookkeeping that lets a handler re-enter the dispatch
// loop safely.
//
// A Line is only ever touched by the single worker goroutine that owns it
// (see Worker); nothing here needs atomics or a mutex.
type Line struct {
	chain *Chain
	state []any

	alive     bool
	lockDepth int

	// RecalculateChecksum is the IP-layer cross-node channel described in
	// spec.md section 9: an upstream node flips it after rewriting a
	// header in place, the consumer (the tail packet-tunnel node) reads
	// and resets it.
	RecalculateChecksum bool

	// Worker is the event loop this line is pinned to for its lifetime.
	Worker *Worker

	destroyed  bool
	onDestroy  func(*Line)
}

// newLine allocates a line for chain c with a fresh, zeroed per-node state
// arena sized to the chain's total state requirement.
func newLine(c *Chain) *Line {
	return &Line{
		chain: c,
		state: make([]any, len(c.Nodes)),
		alive: true,
	}
}

// IsAlive reports whether the line has not yet fully transitioned to
// finished. It stays true until a finish event has propagated in the
// relevant direction.
func (l *Line) IsAlive() bool { return l.alive }

// Lock raises the lock-depth counter, deferring destruction for as long as
// it stays above zero. Safe to call from within an event dispatcher to
// protect a batch loop from the line vanishing mid-iteration.
func (l *Line) Lock() { l.lockDepth++ }

// Unlock lowers the lock-depth counter. When it reaches zero and the line
// is no longer alive, the line is destroyed.
func (l *Line) Unlock() {
	if l.lockDepth == 0 {
		l.chain.fatalf("Line.Unlock called with lockDepth already zero")
	}
	l.lockDepth--
	l.maybeDestroy()
}

// LockDepth reports the current lock depth, primarily for tests.
func (l *Line) LockDepth() int { return l.lockDepth }

// markFinished transitions the line to not-alive. Destruction is deferred
// until the lock depth permits it.
func (l *Line) markFinished() {
	l.alive = false
	l.maybeDestroy()
}

func (l *Line) maybeDestroy() {
	if l.destroyed || l.alive || l.lockDepth != 0 {
		return
	}
	l.destroyed = true
	if l.onDestroy != nil {
		l.onDestroy(l)
	}
}

// Destroyed reports whether the line has been torn down, for tests
// asserting the destroyed ⇒ (alive=false ∧ lockDepth=0) invariant.
func (l *Line) Destroyed() bool { return l.destroyed }
