// Package channel pairs one acquisition engine and one tracking machine
// per PRN and runs them as a goroutine over a shared read-only sample
// stream. Channels own their read cursor; the only synchronized pieces
// are the acquisition hand-off, the event stream and the replica cache.
package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/wkazubski/gnss-sdr/pkg/acquisition"
	"github.com/wkazubski/gnss-sdr/pkg/frontend"
	"github.com/wkazubski/gnss-sdr/pkg/gnss"
	"github.com/wkazubski/gnss-sdr/pkg/tracking"
)

// EventKind tags channel events.
type EventKind int

const (
	// EventAcquired carries a positive acquisition result.
	EventAcquired EventKind = iota
	// EventAcqFailed reports one exhausted negative search.
	EventAcqFailed
	// EventObservable carries one tracking output.
	EventObservable
	// EventLockLost reports a loss-of-lock declaration.
	EventLockLost
)

// Event is the channel-to-controller message.
type Event struct {
	Kind    EventKind
	Channel int
	PRN     int
	Acq     acquisition.Result
	Obs     tracking.Observable
}

// Channel drives acquisition and tracking for one PRN.
type Channel struct {
	id     int
	sig    gnss.Signal
	prn    int
	src    frontend.Source
	acq    *acquisition.Acquirer
	trk    *tracking.Tracker
	events chan<- Event
	log    *log.Logger

	cursor uint64
}

// New builds a channel. acqCfg and trkCfg come from pkg/config; the
// replica cache is shared across channels and may be nil.
func New(id int, sig gnss.Signal, prn int, src frontend.Source,
	acqCfg acquisition.Config, trkCfg tracking.Config,
	cache *ReplicaCache, events chan<- Event, logger *log.Logger) (*Channel, error) {

	if logger == nil {
		logger = log.Default()
	}
	logger = logger.With("ch", id, "signal", sig.Name, "prn", prn)

	var replica []complex128
	var err error
	if cache != nil {
		replica, err = cache.Get(sig, prn, src.SampleRate())
	} else {
		replica, err = acquisition.SampledReplica(sig, prn, src.SampleRate())
	}
	if err != nil {
		return nil, err
	}
	acq, err := acquisition.NewWithReplica(sig, prn, src.SampleRate(), src.IntermediateFreqHz(),
		acqCfg, replica, logger)
	if err != nil {
		return nil, err
	}
	trkCfg.Logger = logger
	trk, err := tracking.New(sig, prn, trkCfg)
	if err != nil {
		return nil, err
	}
	return &Channel{
		id:     id,
		sig:    sig,
		prn:    prn,
		src:    src,
		acq:    acq,
		trk:    trk,
		events: events,
		log:    logger,
	}, nil
}

// PRN returns the satellite this channel is assigned to.
func (c *Channel) PRN() int { return c.prn }

// Run processes the stream until cancellation or stream end. Loss of
// lock and stream discontinuities fall back to acquisition; only
// structural errors are returned.
func (c *Channel) Run(ctx context.Context) error {
	for {
		res, err := c.acquire(ctx)
		if err != nil {
			return c.finish(err)
		}
		if err := c.track(ctx, res); err != nil {
			if errors.Is(err, tracking.ErrStreamDiscontinuity) {
				c.log.Warn("stream discontinuity, resetting channel", "err", err)
				c.acq.Reset()
				continue
			}
			return c.finish(err)
		}
		// loss of lock: back to acquisition from the current cursor
	}
}

func (c *Channel) finish(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, frontend.ErrOutOfRange) {
		c.log.Info("channel done", "cursor", c.cursor)
		return nil
	}
	return fmt.Errorf("channel %d: %w", c.id, err)
}

// acquire searches until a positive fix. The result travels over a
// buffered one-shot channel so the hand-off stays a consume-once value
// even if acquisition and tracking are ever split across goroutines.
func (c *Channel) acquire(ctx context.Context) (acquisition.Result, error) {
	resCh := make(chan acquisition.Result, 1)
	block := make([]complex128, c.acq.BlockSize())
	for {
		if err := ctx.Err(); err != nil {
			return acquisition.Result{}, err
		}
		if err := c.src.ReadAt(c.cursor, block); err != nil {
			return acquisition.Result{}, err
		}
		res, st, err := c.acq.Process(block, c.cursor)
		if err != nil {
			return acquisition.Result{}, err
		}
		c.cursor += uint64(len(block))
		switch st {
		case acquisition.StatusPositive:
			resCh <- res
			c.emit(Event{Kind: EventAcquired, Channel: c.id, PRN: c.prn, Acq: res})
			return <-resCh, nil
		case acquisition.StatusNegative:
			c.emit(Event{Kind: EventAcqFailed, Channel: c.id, PRN: c.prn, Acq: res})
		}
	}
}

// track runs the loop until loss of lock (returns nil), cancellation or
// a fatal error.
func (c *Channel) track(ctx context.Context, res acquisition.Result) error {
	c.trk.Start(res, c.cursor)
	var block []complex128
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := c.trk.NumSamplesNeeded()
		if cap(block) < n {
			block = make([]complex128, n)
		}
		block = block[:n]
		stamp := c.trk.NextStamp()
		if err := c.src.ReadAt(stamp, block); err != nil {
			return err
		}
		obs, ok, err := c.trk.Process(block, stamp)
		if err != nil {
			return err
		}
		c.cursor = c.trk.NextStamp()
		if c.trk.State() == tracking.StateLossOfLock {
			// the invalidated record still goes downstream, then the
			// distinct loss event
			c.emit(Event{Kind: EventObservable, Channel: c.id, PRN: c.prn, Obs: obs})
			c.emit(Event{Kind: EventLockLost, Channel: c.id, PRN: c.prn, Obs: obs})
			return nil
		}
		if ok {
			c.emit(Event{Kind: EventObservable, Channel: c.id, PRN: c.prn, Obs: obs})
		}
	}
}

func (c *Channel) emit(ev Event) {
	if c.events == nil {
		return
	}
	c.events <- ev
}
