package presence

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Dispatcher is a Notifier that moves presence transitions off the registry's
// lock. A single goroutine records each change in the LastSeenStore and hands
// it to Forward, preserving the order the registry emitted them in.
type Dispatcher struct {
	ch      chan Change
	store   LastSeenStore
	forward func(context.Context, Change)
	dropped atomic.Int64
}

var _ Notifier = &Dispatcher{}

func NewDispatcher(buffer int, store LastSeenStore, forward func(context.Context, Change)) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	return &Dispatcher{
		ch:      make(chan Change, buffer),
		store:   store,
		forward: forward,
	}
}

func (d *Dispatcher) Notify(c Change) {
	select {
	case d.ch <- c:
	default:
		d.dropped.Add(1)
		log.Warn().Str("component", "presence").Str("user_id", c.UserID).Bool("online", c.Online).
			Msg("presence queue full, dropping change")
	}
}

// Dropped is the number of changes discarded because the queue was full.
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

// Run drains the queue until ctx is cancelled, then flushes what is left.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			d.flush(context.WithoutCancel(ctx))
			return nil
		case c := <-d.ch:
			d.handle(ctx, c)
		}
	}
}

func (d *Dispatcher) flush(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for {
		select {
		case c := <-d.ch:
			d.handle(ctx, c)
		default:
			return
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, c Change) {
	if d.store != nil {
		if err := d.store.Record(ctx, c); err != nil {
			log.Warn().Err(err).Str("component", "presence").Str("user_id", c.UserID).Msg("record presence failed")
		}
	}
	if d.forward != nil {
		d.forward(ctx, c)
	}
	log.Debug().Str("component", "presence").Str("user_id", c.UserID).Bool("online", c.Online).Msg("presence changed")
}
