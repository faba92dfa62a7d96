package crawler

import (
	"context"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	minGatePoll = 1 * time.Second
	maxGatePoll = 5 * time.Second
)

// Gate holds dispatch until the archive is reachable and there is somewhere to write:
// an explicit destination or at least one registered cache location
type Gate struct {
	conn           Connectivity // nil = always connected
	dests          Destinations // nil = none registered
	hasDestination bool
	minPoll        time.Duration
	maxPoll        time.Duration
	log            *logrus.Entry
}

// NewGate creates a Gate. Collaborators that also implement Notifier wake waiters
// as soon as they change; otherwise waiters poll with 1-5s jitter.
func NewGate(conn Connectivity, dests Destinations, hasDestination bool, log *logrus.Entry) *Gate {
	return &Gate{
		conn:           conn,
		dests:          dests,
		hasDestination: hasDestination,
		minPoll:        minGatePoll,
		maxPoll:        maxGatePoll,
		log:            log.WithField("component", "gate"),
	}
}

// WithDestination returns a copy of the gate for a crawl with or without an explicit destination
func (g *Gate) WithDestination(hasDestination bool) *Gate {
	cp := *g
	cp.hasDestination = hasDestination
	return &cp
}

// Ready reports whether a task may be dispatched now
func (g *Gate) Ready() bool {
	if g.conn != nil && !g.conn.Connected() {
		return false
	}
	return g.hasDestination || (g.dests != nil && g.dests.Len() > 0)
}

// Wait blocks until Ready holds or ctx ends
func (g *Gate) Wait(ctx context.Context) error {
	logged := false
	for !g.Ready() {
		if !logged {
			g.log.Debug("Dispatch waiting for connectivity or a cache directory")
			logged = true
		}
		// Fetch the change channels before sleeping so no transition is missed
		var connChanged, destsChanged <-chan struct{}
		if n, ok := g.conn.(Notifier); ok {
			connChanged = n.Changed()
		}
		if n, ok := g.dests.(Notifier); ok {
			destsChanged = n.Changed()
		}
		if g.Ready() {
			break
		}

		timer := time.NewTimer(g.jitter())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-connChanged:
		case <-destsChanged:
		case <-timer.C:
		}
		timer.Stop()
	}
	if logged {
		g.log.Debug("Dispatch gate open")
	}
	return nil
}

// jitter picks a poll interval uniformly in [minPoll, maxPoll]
func (g *Gate) jitter() time.Duration {
	span := g.maxPoll - g.minPoll
	if span <= 0 {
		return g.minPoll
	}
	return g.minPoll + time.Duration(rand.Int63n(int64(span)+1))
}
