// Package refresh renews the access credential of the current session.
//
// Any number of callers may ask for a renewal at the same time. The
// Coordinator issues a single renewal call for all of them and hands every
// caller the same outcome.
package refresh

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-logr/logr"

	oerrors "github.com/porthorian/planauth/pkg/errors"
	"github.com/porthorian/planauth/pkg/metrics"
	"github.com/porthorian/planauth/pkg/session"
)

var (
	ErrNilStore   = errors.New("refresh: session store is nil")
	ErrNilRenewer = errors.New("refresh: renewer is nil")

	// ErrNoRefreshCredential is returned when a renewal is demanded while no
	// session is held.
	ErrNoRefreshCredential = errors.New("refresh: no refresh credential available")
)

// Renewal is what the renewal endpoint hands back. RefreshCredential and
// User are empty when the endpoint does not rotate them.
type Renewal struct {
	AccessCredential  string
	RefreshCredential string
	User              session.UserSnapshot
}

type Renewer interface {
	Renew(ctx context.Context, refreshCredential string) (Renewal, error)
}

type RenewerFunc func(ctx context.Context, refreshCredential string) (Renewal, error)

func (f RenewerFunc) Renew(ctx context.Context, refreshCredential string) (Renewal, error) {
	return f(ctx, refreshCredential)
}

// RetryPolicy bounds how many renewal calls one renewal may make. Only
// transport failures are retried; a rejected refresh credential never is.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

func (p RetryPolicy) normalize() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Backoff < 0 {
		p.Backoff = 0
	}
	return p
}

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseInFlight
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseInFlight:
		return "in_flight"
	default:
		return "unknown"
	}
}

// RenewalState is a snapshot of the coordinator. Waiters counts every caller
// currently blocked on the in-flight renewal, including the one that
// started it.
type RenewalState struct {
	Phase   Phase
	Started time.Time
	Waiters int
}

type Config struct {
	Policy  RetryPolicy
	Logger  logr.Logger
	Metrics metrics.Recorder
}

type Coordinator struct {
	mu     sync.Mutex
	flight *flight

	store   *session.Store
	renewer Renewer
	policy  RetryPolicy
	logger  logr.Logger
	metrics metrics.Recorder
	now     func() time.Time
}

type flight struct {
	started time.Time
	nextID  uint64
	waiters map[uint64]chan error
}

func NewCoordinator(store *session.Store, renewer Renewer, config Config) (*Coordinator, error) {
	if store == nil {
		return nil, ErrNilStore
	}
	if renewer == nil {
		return nil, ErrNilRenewer
	}

	logger := config.Logger
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}

	return &Coordinator{
		store:   store,
		renewer: renewer,
		policy:  config.Policy.normalize(),
		logger:  logger,
		metrics: metrics.OrNoop(config.Metrics),
		now:     time.Now,
	}, nil
}

// State returns the current renewal state.
func (c *Coordinator) State() RenewalState {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.flight == nil {
		return RenewalState{Phase: PhaseIdle}
	}
	return RenewalState{
		Phase:   PhaseInFlight,
		Started: c.flight.started,
		Waiters: len(c.flight.waiters),
	}
}

// Renew joins the in-flight renewal, starting one if none is running, and
// blocks until it completes or ctx is done. A caller that gives up only
// leaves the waiter set; the renewal itself keeps going for the others.
func (c *Coordinator) Renew(ctx context.Context) error {
	c.mu.Lock()
	f := c.flight
	leader := f == nil
	if leader {
		f = &flight{
			started: c.now(),
			waiters: map[uint64]chan error{},
		}
		c.flight = f
	}
	id := f.nextID
	f.nextID++
	outcome := make(chan error, 1)
	f.waiters[id] = outcome
	c.mu.Unlock()

	if leader {
		c.metrics.RenewalStarted()
		go c.run(context.WithoutCancel(ctx), f)
	} else {
		c.metrics.RenewalJoined()
	}

	select {
	case err := <-outcome:
		return err
	case <-ctx.Done():
		c.mu.Lock()
		delete(f.waiters, id)
		c.mu.Unlock()
		return ctx.Err()
	}
}

func (c *Coordinator) run(ctx context.Context, f *flight) {
	err := c.renew(ctx)

	c.mu.Lock()
	waiters := f.waiters
	f.waiters = nil
	c.flight = nil
	c.mu.Unlock()

	elapsed := c.now().Sub(f.started)
	c.metrics.RenewalFinished(outcomeOf(err), elapsed)
	if err != nil {
		c.logger.Error(err, "renewal failed", "waiters", len(waiters), "elapsed", elapsed)
	} else {
		c.logger.V(1).Info("renewal completed", "waiters", len(waiters), "elapsed", elapsed)
	}

	for _, outcome := range waiters {
		outcome <- err
	}
}

func (c *Coordinator) renew(ctx context.Context) error {
	current, ok := c.store.Read()
	if !ok {
		return ErrNoRefreshCredential
	}

	renewal, err := c.call(ctx, current.RefreshCredential)
	if err != nil {
		return err
	}
	if renewal.AccessCredential == "" {
		return oerrors.New(oerrors.CodeResponse, "renewal response carried no access credential")
	}

	next := session.Session{
		AccessCredential:  renewal.AccessCredential,
		RefreshCredential: current.RefreshCredential,
		User:              current.User,
		IssuedAt:          c.now(),
	}
	if renewal.RefreshCredential != "" {
		next.RefreshCredential = renewal.RefreshCredential
	}
	if renewal.User != nil {
		next.User = renewal.User
	}

	swapped, err := c.store.CompareAndReplace(ctx, current.RefreshCredential, next)
	if err != nil {
		// The new session is already visible in memory.
		c.logger.Error(err, "renewed session was not persisted")
	}
	if swapped {
		return nil
	}

	if _, ok := c.store.Read(); ok {
		// A new login replaced the session while the renewal was running.
		c.logger.V(1).Info("discarding renewal for a session that was replaced")
		return nil
	}
	return oerrors.Wrap(oerrors.CodeAuthInvalid, "session ended during renewal", oerrors.ErrSessionEnded)
}

func (c *Coordinator) call(ctx context.Context, refreshCredential string) (Renewal, error) {
	var lastErr error
	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		renewal, err := c.renewer.Renew(ctx, refreshCredential)
		if err == nil {
			return renewal, nil
		}
		lastErr = err

		if !oerrors.IsCode(err, oerrors.CodeTransportFailure) || attempt == c.policy.MaxAttempts {
			break
		}

		c.logger.V(1).Info("retrying renewal after transport failure", "attempt", attempt, "error", err.Error())
		if c.policy.Backoff > 0 {
			timer := time.NewTimer(c.policy.Backoff)
			<-timer.C
		}
	}
	return Renewal{}, lastErr
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case oerrors.IsCode(err, oerrors.CodeRenewalRejected):
		return metrics.OutcomeRejected
	case oerrors.IsCode(err, oerrors.CodeTransportFailure):
		return metrics.OutcomeTransportFailure
	case oerrors.IsAuthInvalid(err):
		return metrics.OutcomeAuthInvalid
	default:
		return metrics.OutcomeFailure
	}
}
