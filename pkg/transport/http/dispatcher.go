package httptransport

import (
	"context"

	"github.com/go-logr/logr"

	oerrors "github.com/porthorian/planauth/pkg/errors"
	"github.com/porthorian/planauth/pkg/session"
)

type SessionReader interface {
	Read() (session.Session, bool)
}

// Dispatcher attaches the current access credential and hands the request to
// the transport. It does not look at the response.
type Dispatcher struct {
	store     SessionReader
	transport Transport
	logger    logr.Logger
}

func NewDispatcher(store SessionReader, transport Transport, logger logr.Logger) *Dispatcher {
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}
	return &Dispatcher{
		store:     store,
		transport: transport,
		logger:    logger,
	}
}

func (d *Dispatcher) Send(ctx context.Context, req Request) (*Response, error) {
	resp, _, err := d.dispatch(ctx, req)
	return resp, err
}

// dispatch is Send that also returns the refresh credential of the session
// whose access credential was attached.
func (d *Dispatcher) dispatch(ctx context.Context, req Request) (*Response, string, error) {
	current, ok := d.store.Read()
	if !ok {
		return nil, "", oerrors.Wrap(oerrors.CodeUnauthenticated, "no active session", oerrors.ErrUnauthenticated)
	}

	req = req.clone()
	req.Header.Set(HeaderAuthorization, BearerPrefix+current.AccessCredential)

	d.logger.V(2).Info("dispatching request", "method", req.Method, "path", req.Path, "request_id", req.Header.Get(HeaderRequestID))
	resp, err := d.transport.Do(ctx, req)
	return resp, current.RefreshCredential, err
}
