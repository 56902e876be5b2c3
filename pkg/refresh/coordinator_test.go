package refresh

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"

	oerrors "github.com/porthorian/planauth/pkg/errors"
	"github.com/porthorian/planauth/pkg/metrics"
	"github.com/porthorian/planauth/pkg/session"
)

type blockingRenewer struct {
	calls    atomic.Int32
	release  chan struct{}
	renewal  Renewal
	err      error
	received chan string
}

func newBlockingRenewer(renewal Renewal, err error) *blockingRenewer {
	return &blockingRenewer{
		release:  make(chan struct{}),
		renewal:  renewal,
		err:      err,
		received: make(chan string, 16),
	}
}

func (r *blockingRenewer) Renew(ctx context.Context, refreshCredential string) (Renewal, error) {
	r.calls.Add(1)
	r.received <- refreshCredential
	<-r.release
	return r.renewal, r.err
}

func seededStore(t *testing.T) *session.Store {
	t.Helper()
	store := session.NewStore(nil, logr.Discard())
	err := store.Replace(context.Background(), session.Session{
		AccessCredential:  "access-old",
		RefreshCredential: "refresh-old",
		User:              session.UserSnapshot{"id": "42"},
		IssuedAt:          time.Now(),
	})
	if err != nil {
		t.Fatalf("seed store: %v", err)
	}
	return store
}

func newTestCoordinator(t *testing.T, store *session.Store, renewer Renewer, policy RetryPolicy) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(store, renewer, Config{Policy: policy})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	return c
}

func waitForWaiters(t *testing.T, c *Coordinator, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		state := c.State()
		if state.Phase == PhaseInFlight && state.Waiters == n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d waiters, state %+v", n, c.State())
}

func renewConcurrently(c *Coordinator, n int) []error {
	results := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.Renew(context.Background())
		}(i)
	}
	wg.Wait()
	return results
}

type countingRecorder struct {
	metrics.Noop
	started  atomic.Int32
	joined   atomic.Int32
	finished sync.Map
}

func (r *countingRecorder) RenewalStarted() { r.started.Add(1) }
func (r *countingRecorder) RenewalJoined()  { r.joined.Add(1) }
func (r *countingRecorder) RenewalFinished(outcome string, _ time.Duration) {
	r.finished.Store(outcome, true)
}

func TestNewCoordinatorRequiresCollaborators(t *testing.T) {
	if _, err := NewCoordinator(nil, RenewerFunc(nil), Config{}); !errors.Is(err, ErrNilStore) {
		t.Fatalf("expected ErrNilStore, got %v", err)
	}
	if _, err := NewCoordinator(session.NewStore(nil, logr.Discard()), nil, Config{}); !errors.Is(err, ErrNilRenewer) {
		t.Fatalf("expected ErrNilRenewer, got %v", err)
	}
}

func TestConcurrentDemandsShareOneRenewal(t *testing.T) {
	const callers = 10
	store := seededStore(t)
	renewer := newBlockingRenewer(Renewal{AccessCredential: "access-new"}, nil)
	c := newTestCoordinator(t, store, renewer, RetryPolicy{})

	done := make(chan []error, 1)
	go func() { done <- renewConcurrently(c, callers) }()

	waitForWaiters(t, c, callers)
	close(renewer.release)
	results := <-done

	for i, err := range results {
		if err != nil {
			t.Fatalf("caller %d: unexpected error %v", i, err)
		}
	}
	if got := renewer.calls.Load(); got != 1 {
		t.Fatalf("expected one renewal call, got %d", got)
	}
	if got := <-renewer.received; got != "refresh-old" {
		t.Fatalf("renewal used refresh credential %q", got)
	}

	current, ok := store.Read()
	if !ok {
		t.Fatal("expected session after renewal")
	}
	if current.AccessCredential != "access-new" {
		t.Fatalf("expected renewed access credential, got %q", current.AccessCredential)
	}
	if current.RefreshCredential != "refresh-old" || current.User.String("id") != "42" {
		t.Fatalf("expected refresh credential and user to be kept, got %+v", current)
	}
	if state := c.State(); state.Phase != PhaseIdle || state.Waiters != 0 {
		t.Fatalf("expected idle coordinator, got %+v", state)
	}
}

func TestFailedRenewalFansOutAndLeavesStore(t *testing.T) {
	const callers = 5
	store := seededStore(t)
	rejected := &oerrors.Error{Code: oerrors.CodeRenewalRejected, Message: "refresh rejected", Status: 401}
	renewer := newBlockingRenewer(Renewal{}, rejected)
	c := newTestCoordinator(t, store, renewer, RetryPolicy{MaxAttempts: 3})

	done := make(chan []error, 1)
	go func() { done <- renewConcurrently(c, callers) }()

	waitForWaiters(t, c, callers)
	close(renewer.release)
	results := <-done

	for i, err := range results {
		if !errors.Is(err, rejected) {
			t.Fatalf("caller %d: expected shared rejection, got %v", i, err)
		}
	}
	if got := renewer.calls.Load(); got != 1 {
		t.Fatalf("rejection must not be retried, got %d calls", got)
	}

	current, ok := store.Read()
	if !ok || current.AccessCredential != "access-old" {
		t.Fatalf("store must be untouched after failure, got %+v ok=%v", current, ok)
	}
}

func TestSequentialDemandsAreIndependent(t *testing.T) {
	store := seededStore(t)
	var calls atomic.Int32
	renewer := RenewerFunc(func(ctx context.Context, refreshCredential string) (Renewal, error) {
		calls.Add(1)
		return Renewal{AccessCredential: "access-next"}, nil
	})
	c := newTestCoordinator(t, store, renewer, RetryPolicy{})

	for i := 0; i < 3; i++ {
		if err := c.Renew(context.Background()); err != nil {
			t.Fatalf("renewal %d: %v", i, err)
		}
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected three renewal calls, got %d", got)
	}
}

func TestAbandonedWaiterLeavesOthersWaiting(t *testing.T) {
	store := seededStore(t)
	renewer := newBlockingRenewer(Renewal{AccessCredential: "access-new"}, nil)
	c := newTestCoordinator(t, store, renewer, RetryPolicy{})

	ctx, cancel := context.WithCancel(context.Background())
	abandoned := make(chan error, 1)
	go func() { abandoned <- c.Renew(ctx) }()
	waitForWaiters(t, c, 1)

	stayed := make(chan error, 1)
	go func() { stayed <- c.Renew(context.Background()) }()
	waitForWaiters(t, c, 2)

	cancel()
	if err := <-abandoned; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	waitForWaiters(t, c, 1)

	close(renewer.release)
	if err := <-stayed; err != nil {
		t.Fatalf("remaining waiter: %v", err)
	}
	if got := renewer.calls.Load(); got != 1 {
		t.Fatalf("expected one renewal call, got %d", got)
	}
	if current, _ := store.Read(); current.AccessCredential != "access-new" {
		t.Fatalf("renewal started by an abandoned caller must still apply, got %+v", current)
	}
}

func TestRenewalRotatesRefreshCredentialAndUser(t *testing.T) {
	store := seededStore(t)
	renewer := RenewerFunc(func(ctx context.Context, refreshCredential string) (Renewal, error) {
		return Renewal{
			AccessCredential:  "access-new",
			RefreshCredential: "refresh-new",
			User:              session.UserSnapshot{"id": "42", "nom": "Abdelkhalek"},
		}, nil
	})
	c := newTestCoordinator(t, store, renewer, RetryPolicy{})

	if err := c.Renew(context.Background()); err != nil {
		t.Fatalf("renew: %v", err)
	}
	current, _ := store.Read()
	if current.RefreshCredential != "refresh-new" || current.User.String("nom") != "Abdelkhalek" {
		t.Fatalf("expected rotated session, got %+v", current)
	}
}

func TestRenewWithoutSession(t *testing.T) {
	var calls atomic.Int32
	renewer := RenewerFunc(func(ctx context.Context, refreshCredential string) (Renewal, error) {
		calls.Add(1)
		return Renewal{AccessCredential: "x"}, nil
	})
	c := newTestCoordinator(t, session.NewStore(nil, logr.Discard()), renewer, RetryPolicy{})

	if err := c.Renew(context.Background()); !errors.Is(err, ErrNoRefreshCredential) {
		t.Fatalf("expected ErrNoRefreshCredential, got %v", err)
	}
	if calls.Load() != 0 {
		t.Fatal("renewer must not be called without a session")
	}
}

func TestRenewalRejectsEmptyAccessCredential(t *testing.T) {
	store := seededStore(t)
	renewer := RenewerFunc(func(ctx context.Context, refreshCredential string) (Renewal, error) {
		return Renewal{}, nil
	})
	c := newTestCoordinator(t, store, renewer, RetryPolicy{})

	if err := c.Renew(context.Background()); !oerrors.IsCode(err, oerrors.CodeResponse) {
		t.Fatalf("expected response error, got %v", err)
	}
	if current, _ := store.Read(); current.AccessCredential != "access-old" {
		t.Fatalf("store must be untouched, got %+v", current)
	}
}

func TestSessionEndedWhileRenewing(t *testing.T) {
	store := seededStore(t)
	renewer := newBlockingRenewer(Renewal{AccessCredential: "access-new"}, nil)
	c := newTestCoordinator(t, store, renewer, RetryPolicy{})

	result := make(chan error, 1)
	go func() { result <- c.Renew(context.Background()) }()
	waitForWaiters(t, c, 1)

	if err := store.Clear(context.Background()); err != nil {
		t.Fatalf("clear: %v", err)
	}
	close(renewer.release)

	err := <-result
	if !oerrors.IsAuthInvalid(err) {
		t.Fatalf("expected auth invalid, got %v", err)
	}
	if _, ok := store.Read(); ok {
		t.Fatal("an ended session must not be brought back by a late renewal")
	}
}

func TestRetryPolicyRetriesTransportFailures(t *testing.T) {
	store := seededStore(t)
	var calls atomic.Int32
	renewer := RenewerFunc(func(ctx context.Context, refreshCredential string) (Renewal, error) {
		if calls.Add(1) < 3 {
			return Renewal{}, oerrors.Wrap(oerrors.CodeTransportFailure, "dial", errors.New("connection refused"))
		}
		return Renewal{AccessCredential: "access-new"}, nil
	})
	c := newTestCoordinator(t, store, renewer, RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond})

	if err := c.Renew(context.Background()); err != nil {
		t.Fatalf("renew: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected three attempts, got %d", got)
	}
}

func TestDefaultRetryPolicyMakesOneAttempt(t *testing.T) {
	store := seededStore(t)
	var calls atomic.Int32
	renewer := RenewerFunc(func(ctx context.Context, refreshCredential string) (Renewal, error) {
		calls.Add(1)
		return Renewal{}, oerrors.Wrap(oerrors.CodeTransportFailure, "dial", errors.New("connection refused"))
	})
	c := newTestCoordinator(t, store, renewer, RetryPolicy{})

	if err := c.Renew(context.Background()); !oerrors.IsCode(err, oerrors.CodeTransportFailure) {
		t.Fatalf("expected transport failure, got %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
}

func TestCoordinatorRecordsMetrics(t *testing.T) {
	recorder := &countingRecorder{}
	store := seededStore(t)
	renewer := newBlockingRenewer(Renewal{AccessCredential: "access-new"}, nil)
	c, err := NewCoordinator(store, renewer, Config{Metrics: recorder})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}

	done := make(chan []error, 1)
	go func() { done <- renewConcurrently(c, 3) }()
	waitForWaiters(t, c, 3)
	close(renewer.release)
	<-done

	if got := recorder.started.Load(); got != 1 {
		t.Fatalf("expected one started renewal, got %d", got)
	}
	if got := recorder.joined.Load(); got != 2 {
		t.Fatalf("expected two joined waiters, got %d", got)
	}
	if _, ok := recorder.finished.Load(metrics.OutcomeSuccess); !ok {
		t.Fatal("expected a successful renewal to be recorded")
	}
}
