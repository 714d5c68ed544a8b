package negotiation

import (
	"sync"

	"github.com/pion/webrtc/v3"
	"go.uber.org/multierr"
)

// CandidateBuffer holds remote ICE candidates that arrive before the remote
// description they belong to. Candidates are applied in arrival order and
// each exactly once.
type CandidateBuffer struct {
	mu      sync.Mutex
	pending []webrtc.ICECandidateInit
	closed  bool
}

// EnqueueOrApply applies c immediately when the remote description is set,
// otherwise keeps it for the next Drain. Candidates arriving after Close are
// discarded.
func (b *CandidateBuffer) EnqueueOrApply(c webrtc.ICECandidateInit, remoteSet bool, apply func(webrtc.ICECandidateInit) error) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	if !remoteSet || len(b.pending) > 0 {
		// Anything still queued must go first.
		b.pending = append(b.pending, c)
		b.mu.Unlock()
		if remoteSet {
			return b.Drain(apply)
		}
		return nil
	}
	b.mu.Unlock()
	return apply(c)
}

// Drain applies every queued candidate in order and empties the buffer. A
// failure to apply one candidate does not prevent the others.
func (b *CandidateBuffer) Drain(apply func(webrtc.ICECandidateInit) error) error {
	b.mu.Lock()
	queued := b.pending
	b.pending = nil
	closed := b.closed
	b.mu.Unlock()

	if closed {
		return nil
	}
	var errs error
	for _, c := range queued {
		errs = multierr.Append(errs, apply(c))
	}
	return errs
}

func (b *CandidateBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Close drops queued candidates; later candidates are ignored.
func (b *CandidateBuffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.pending = nil
	b.mu.Unlock()
}
