package httptransport

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	oerrors "github.com/porthorian/planauth/pkg/errors"
	"github.com/porthorian/planauth/pkg/metrics"
)

// RenewalCoordinator is satisfied by *refresh.Coordinator.
type RenewalCoordinator interface {
	Renew(ctx context.Context) error
}

// SessionTerminator is satisfied by *session.Terminator.
type SessionTerminator interface {
	Terminate(ctx context.Context, refreshCredential string, reason error) bool
}

// PendingRequest is one logical call. Retried flips to true at most once,
// when the call is replayed after a renewal. Session is the refresh
// credential of the session the latest dispatch used; termination only ends
// that session.
type PendingRequest struct {
	ID      string
	Request Request
	Retried bool
	Session string
}

type callState int

const (
	stateStart callState = iota
	stateEvaluate
	stateRenewing
	stateSuccess
	stateTransportFailure
	stateAuthInvalid
)

type InterceptorConfig struct {
	// ExpiredStatus is the response status that means the access credential
	// expired. Defaults to 401.
	ExpiredStatus int
	Logger        logr.Logger
	Metrics       metrics.Recorder
}

type Interceptor struct {
	dispatcher    *Dispatcher
	coordinator   RenewalCoordinator
	terminator    SessionTerminator
	expiredStatus int
	logger        logr.Logger
	metrics       metrics.Recorder
}

func NewInterceptor(dispatcher *Dispatcher, coordinator RenewalCoordinator, terminator SessionTerminator, config InterceptorConfig) *Interceptor {
	expired := config.ExpiredStatus
	if expired == 0 {
		expired = http.StatusUnauthorized
	}
	logger := config.Logger
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}
	return &Interceptor{
		dispatcher:    dispatcher,
		coordinator:   coordinator,
		terminator:    terminator,
		expiredStatus: expired,
		logger:        logger,
		metrics:       metrics.OrNoop(config.Metrics),
	}
}

// Do runs one logical call. It returns the response for any status other
// than the expired status, including other errors, and fails with
// auth_invalid when the session could not be renewed or the replayed call
// was rejected again. Transport failures are returned unchanged.
func (i *Interceptor) Do(ctx context.Context, req Request) (*Response, error) {
	pending := &PendingRequest{
		ID:      uuid.NewString(),
		Request: req.clone(),
	}
	if id := pending.Request.Header.Get(HeaderRequestID); id != "" {
		pending.ID = id
	} else {
		pending.Request.Header.Set(HeaderRequestID, pending.ID)
	}

	var (
		resp *Response
		err  error
	)
	state := stateStart
	for {
		switch state {
		case stateStart:
			var used string
			resp, used, err = i.dispatcher.dispatch(ctx, pending.Request)
			if used != "" {
				pending.Session = used
			}
			switch {
			case err == nil:
				state = stateEvaluate
			case oerrors.IsCode(err, oerrors.CodeUnauthenticated) && pending.Retried:
				// A concurrent call ended the session between our renewal and replay.
				err = oerrors.Wrap(oerrors.CodeAuthInvalid, "session ended before replay", oerrors.ErrSessionEnded)
				state = stateAuthInvalid
			case oerrors.IsCode(err, oerrors.CodeUnauthenticated):
				i.metrics.RequestCompleted(metrics.OutcomeUnauthenticated)
				return nil, err
			default:
				state = stateTransportFailure
			}

		case stateEvaluate:
			switch {
			case resp.StatusCode != i.expiredStatus:
				state = stateSuccess
			case pending.Retried:
				err = &oerrors.Error{
					Code:    oerrors.CodeAuthInvalid,
					Message: "access credential rejected after renewal",
					Err:     oerrors.Response(resp.StatusCode, resp.ErrorMessage()),
					Status:  resp.StatusCode,
				}
				state = stateAuthInvalid
			default:
				i.logger.V(1).Info("access credential expired", "request_id", pending.ID, "path", pending.Request.Path)
				state = stateRenewing
			}

		case stateRenewing:
			if renewErr := i.coordinator.Renew(ctx); renewErr != nil {
				if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(renewErr, ctxErr) {
					i.metrics.RequestCompleted(metrics.OutcomeCanceled)
					return nil, renewErr
				}
				err = oerrors.Wrap(oerrors.CodeAuthInvalid, "session renewal failed", renewErr)
				state = stateAuthInvalid
				continue
			}
			pending.Retried = true
			i.metrics.RequestRetried()
			state = stateStart

		case stateSuccess:
			i.metrics.RequestCompleted(metrics.OutcomeSuccess)
			return resp, nil

		case stateTransportFailure:
			i.metrics.RequestCompleted(metrics.OutcomeTransportFailure)
			return nil, err

		case stateAuthInvalid:
			i.metrics.RequestCompleted(metrics.OutcomeAuthInvalid)
			if i.terminator.Terminate(context.WithoutCancel(ctx), pending.Session, err) {
				i.logger.Info("session terminated", "request_id", pending.ID, "reason", err.Error())
			}
			return nil, err
		}
	}
}
