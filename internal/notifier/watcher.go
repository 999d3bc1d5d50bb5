package notifier

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/kiosk-pairing-go/internal/config"
	"github.com/openclaw/kiosk-pairing-go/internal/model"
)

// EventSource streams pairing events, starting after afterSeq, and calls
// handle for each one until the stream breaks or ctx ends. A negative
// afterSeq streams live events only.
type EventSource interface {
	Stream(ctx context.Context, afterSeq int64, handle func(model.PairingEvent)) error
}

// StatusPoller reads the authoritative kiosk status.
type StatusPoller interface {
	KioskStatus(ctx context.Context, kioskID string) (*model.KioskStatus, error)
}

type Options struct {
	// PollInterval is clamped to at most 30 seconds.
	PollInterval     time.Duration
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	DedupCapacity    int
}

// Watcher drives one admin wait from Waiting to Paired or Expired using the
// event stream, with polling as the safety net for a lost stream.
type Watcher struct {
	source EventSource
	poller StatusPoller
	opts   Options
	now    func() time.Time

	mu      sync.Mutex
	state   State
	dedup   *deduper
	changes chan State
	closed  bool
}

func NewWatcher(source EventSource, poller StatusPoller, opts Options) *Watcher {
	if opts.PollInterval <= 0 || opts.PollInterval > config.NotifierMaxPollWait {
		opts.PollInterval = config.NotifierMaxPollWait
	}
	if opts.ReconnectInitial <= 0 {
		opts.ReconnectInitial = 500 * time.Millisecond
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 30 * time.Second
	}
	return &Watcher{
		source:  source,
		poller:  poller,
		opts:    opts,
		now:     time.Now,
		state:   Idle(),
		dedup:   newDeduper(opts.DedupCapacity),
		changes: make(chan State, 16),
	}
}

// OnChange delivers every state the watcher enters. Slow readers miss
// intermediate states but State always has the latest. The channel is
// closed by Close.
func (w *Watcher) OnChange() <-chan State {
	return w.changes
}

// Close ends OnChange. The watcher keeps tracking state if Watch is called
// again, it just stops announcing it.
func (w *Watcher) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.closed = true
		close(w.changes)
	}
}

func (w *Watcher) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Watch blocks until the wait for waiting ends and returns the final state.
// The deduplication memory survives across calls, so a re-issued code on
// the same watcher ignores replays of earlier events.
func (w *Watcher) Watch(ctx context.Context, waiting State) (State, error) {
	if waiting.Phase != PhaseWaiting {
		return w.State(), errors.New("watch requires a waiting state")
	}
	w.set(waiting)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan model.PairingEvent, 64)
	go w.stream(ctx, events)

	poll := time.NewTicker(w.opts.PollInterval)
	defer poll.Stop()

	expiry := time.NewTimer(waiting.ExpiresAt.Sub(w.now()))
	defer expiry.Stop()

	for {
		select {
		case <-ctx.Done():
			return w.State(), ctx.Err()

		case ev := <-events:
			if next, done := w.applyEvent(waiting, ev); done {
				return next, nil
			}

		case <-poll.C:
			if next, done := w.applyPoll(ctx, waiting); done {
				return next, nil
			}

		case <-expiry.C:
			// One last authoritative read before giving up on the code.
			if next, done := w.applyPoll(ctx, waiting); done {
				return next, nil
			}
			final := waiting.expired("expired", "timer", w.now())
			w.set(final)
			return final, nil
		}
	}
}

func (w *Watcher) stream(ctx context.Context, out chan<- model.PairingEvent) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.opts.ReconnectInitial
	b.MaxInterval = w.opts.ReconnectMax
	b.Reset()

	lastSeq := int64(-1)
	for {
		err := w.source.Stream(ctx, resumeAfter(lastSeq), func(ev model.PairingEvent) {
			if ev.Seq > lastSeq {
				lastSeq = ev.Seq
			}
			b.Reset()
			select {
			case out <- ev:
			case <-ctx.Done():
			}
		})
		if ctx.Err() != nil {
			return
		}

		wait := b.NextBackOff()
		log.Warn().
			Err(err).
			Int64("lastSeq", lastSeq).
			Dur("retryIn", wait).
			Msg("event stream disconnected, relying on polling until reconnect")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// resumeAfter rewinds below the highest seq seen so a lower seq that
// committed late is replayed. The deduper drops the repeats.
func resumeAfter(lastSeq int64) int64 {
	if lastSeq < 0 {
		return -1
	}
	return max(lastSeq-config.NotifierResumeLookback, 0)
}

func (w *Watcher) applyEvent(waiting State, ev model.PairingEvent) (State, bool) {
	w.mu.Lock()
	fresh := w.dedup.firstSight(ev)
	w.mu.Unlock()
	if !fresh {
		return State{}, false
	}
	if ev.KioskID != waiting.KioskID || (ev.Code != "" && ev.Code != waiting.Code) {
		return State{}, false
	}

	var next State
	switch ev.Type {
	case model.EventActivated:
		next = waiting.paired("event", ev.OccurredAt)
	case model.EventExpired:
		next = waiting.expired("expired", "event", ev.OccurredAt)
	case model.EventRevoked:
		next = waiting.expired("revoked", "event", ev.OccurredAt)
	default:
		return State{}, false
	}
	w.set(next)
	return next, true
}

func (w *Watcher) applyPoll(ctx context.Context, waiting State) (State, bool) {
	status, err := w.poller.KioskStatus(ctx, waiting.KioskID)
	if err != nil {
		log.Warn().Err(err).Str("kioskId", waiting.KioskID).Msg("kiosk status poll failed")
		return State{}, false
	}
	if status == nil || status.Code == nil || status.CodeState == nil {
		return State{}, false
	}

	if *status.Code != waiting.Code {
		next := waiting.expired("superseded", "poll", status.CheckedAt)
		w.set(next)
		return next, true
	}

	var next State
	switch *status.CodeState {
	case model.CodeStateRedeemed:
		at := status.CheckedAt
		if status.RedeemedAt != nil {
			at = *status.RedeemedAt
		}
		next = waiting.paired("poll", at)
	case model.CodeStateExpired:
		next = waiting.expired("expired", "poll", status.CheckedAt)
	case model.CodeStateRevoked:
		next = waiting.expired("revoked", "poll", status.CheckedAt)
	default:
		return State{}, false
	}
	w.set(next)
	return next, true
}

func (w *Watcher) set(s State) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.state = s
	if w.closed {
		return
	}
	select {
	case w.changes <- s:
	default:
	}
}
