// Package planauth is a client for the study-planning API.
//
// Every call made through a Client carries the access credential of the
// current session. When the API answers that the credential expired, the
// client renews it once through the refresh credential and replays the
// call. Concurrent calls that hit the expiry together share one renewal.
// If the session cannot be renewed it is cleared and OnSessionEnded fires.
package planauth

import (
	"context"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"

	oerrors "github.com/porthorian/planauth/pkg/errors"
	"github.com/porthorian/planauth/pkg/metrics"
	"github.com/porthorian/planauth/pkg/refresh"
	"github.com/porthorian/planauth/pkg/session"
	"github.com/porthorian/planauth/pkg/storage"
	httptransport "github.com/porthorian/planauth/pkg/transport/http"
)

type Config struct {
	// BaseURL defaults to http://localhost:5001.
	BaseURL string
	// Timeout applies to every exchange. Defaults to 10s.
	Timeout    time.Duration
	Header     http.Header
	HTTPClient *http.Client
	// Transport replaces the HTTP transport built from the fields above.
	Transport httptransport.Transport

	// ExpiredStatus is the status that means the access credential expired.
	// Defaults to 401.
	ExpiredStatus int
	RefreshPath   string
	Renewal       refresh.RetryPolicy

	// Storage persists the session. When nil, Runtime.Storage decides.
	Storage storage.KeyValueStore
	Runtime RuntimeConfig

	Logger            logr.Logger
	Metrics           metrics.Recorder
	MetricsRegisterer prometheus.Registerer
	MetricsNamespace  string

	OnSessionEnded session.Listener
}

type Client struct {
	transport   httptransport.Transport
	store       *session.Store
	terminator  *session.Terminator
	coordinator *refresh.Coordinator
	dispatcher  *httptransport.Dispatcher
	interceptor *httptransport.Interceptor

	logger        logr.Logger
	closeResource func() error
}

func New(ctx context.Context, config Config) (*Client, error) {
	closeResource, resolved, err := config.initialize(ctx)
	if err != nil {
		return nil, err
	}

	logger := resolved.Logger
	store := session.NewStore(resolved.Storage, logger.WithName("session"))
	if _, err := store.Load(ctx); err != nil {
		_ = closeResource()
		return nil, err
	}

	terminator := session.NewTerminator(store, logger.WithName("session"), resolved.Metrics)
	terminator.Subscribe(resolved.OnSessionEnded)

	renewer := httptransport.NewEndpointRenewer(resolved.Transport, resolved.RefreshPath)
	coordinator, err := refresh.NewCoordinator(store, renewer, refresh.Config{
		Policy:  resolved.Renewal,
		Logger:  logger.WithName("refresh"),
		Metrics: resolved.Metrics,
	})
	if err != nil {
		_ = closeResource()
		return nil, err
	}

	dispatcher := httptransport.NewDispatcher(store, resolved.Transport, logger.WithName("dispatcher"))
	interceptor := httptransport.NewInterceptor(dispatcher, coordinator, terminator, httptransport.InterceptorConfig{
		ExpiredStatus: resolved.ExpiredStatus,
		Logger:        logger.WithName("interceptor"),
		Metrics:       resolved.Metrics,
	})

	return &Client{
		transport:     resolved.Transport,
		store:         store,
		terminator:    terminator,
		coordinator:   coordinator,
		dispatcher:    dispatcher,
		interceptor:   interceptor,
		logger:        logger,
		closeResource: closeResource,
	}, nil
}

// Do sends an authenticated request. Any response other than the expired
// status is returned with a nil error, whatever its status code.
func (c *Client) Do(ctx context.Context, req httptransport.Request) (*httptransport.Response, error) {
	return c.interceptor.Do(ctx, req)
}

// Session returns the current session, if any.
func (c *Client) Session() (session.Session, bool) {
	return c.store.Read()
}

// Authenticated reports whether a session is held.
func (c *Client) Authenticated() bool {
	_, ok := c.store.Read()
	return ok
}

// SetSession installs a session obtained elsewhere.
func (c *Client) SetSession(ctx context.Context, s session.Session) error {
	return c.store.Replace(ctx, s)
}

func (c *Client) OnSessionEnded(l session.Listener) {
	c.terminator.Subscribe(l)
}

func (c *Client) RenewalState() refresh.RenewalState {
	return c.coordinator.State()
}

func (c *Client) Close() error {
	if c == nil || c.closeResource == nil {
		return nil
	}

	err := c.closeResource()
	if err != nil {
		return oerrors.Wrap(oerrors.CodeUnknown, "failed to close client resources", err)
	}
	c.closeResource = nil
	return nil
}
