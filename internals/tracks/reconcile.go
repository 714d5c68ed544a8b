package tracks

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"go.uber.org/multierr"
)

var kinds = []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo}

// Sender is the replaceable half of an outgoing slot.
type Sender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
}

// Slot is the outgoing slot of one media kind on one link. It survives mutes
// so that unmuting is a replacement and needs no renegotiation.
type Slot struct {
	Sender Sender
	Track  webrtc.TrackLocal
}

type Slots map[webrtc.RTPCodecType]*Slot

// MediaTransport creates new outgoing slots.
type MediaTransport interface {
	AddTrack(track webrtc.TrackLocal) (Sender, error)
}

// Reconcile brings the slots of one link in line with want. Existing slots
// are updated in place; a kind with no slot yet gets one, which requires a
// renegotiation. Failures of one kind do not stop the other.
func Reconcile(slots Slots, transport MediaTransport, want Outgoing) (renegotiate bool, err error) {
	for _, kind := range kinds {
		desired := want.Track(kind)

		if slot, ok := slots[kind]; ok {
			if slot.Track == desired {
				continue
			}
			if rerr := slot.Sender.ReplaceTrack(desired); rerr != nil {
				err = multierr.Append(err, fmt.Errorf("replace %s track: %w", kind, rerr))
				continue
			}
			slot.Track = desired
			continue
		}

		if desired == nil {
			continue
		}
		sender, aerr := transport.AddTrack(desired)
		if aerr != nil {
			err = multierr.Append(err, fmt.Errorf("add %s track: %w", kind, aerr))
			continue
		}
		slots[kind] = &Slot{Sender: sender, Track: desired}
		renegotiate = true
	}
	return renegotiate, err
}

// Target is a link that can apply outgoing media.
type Target interface {
	ID() string
	ApplyMedia(ctx context.Context, want Outgoing) error
}

// FanOut applies want to every target in parallel and returns the failures
// keyed by target id. One target failing never affects the others.
func FanOut(ctx context.Context, targets []Target, want Outgoing) map[string]error {
	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		errs = make(map[string]error)
	)
	for _, t := range targets {
		wg.Add(1)
		go func(t Target) {
			defer wg.Done()
			if err := t.ApplyMedia(ctx, want); err != nil {
				mu.Lock()
				errs[t.ID()] = err
				mu.Unlock()
			}
		}(t)
	}
	wg.Wait()
	return errs
}
