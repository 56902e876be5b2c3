package httptransport

import (
	"context"
	"net/http"

	oerrors "github.com/porthorian/planauth/pkg/errors"
	"github.com/porthorian/planauth/pkg/refresh"
	"github.com/porthorian/planauth/pkg/session"
)

const DefaultRefreshPath = "/api/auth/refresh"

// EndpointRenewer exchanges a refresh credential for a new access credential
// at the API's refresh endpoint.
type EndpointRenewer struct {
	transport Transport
	path      string
}

var _ refresh.Renewer = (*EndpointRenewer)(nil)

func NewEndpointRenewer(transport Transport, path string) *EndpointRenewer {
	if path == "" {
		path = DefaultRefreshPath
	}
	return &EndpointRenewer{
		transport: transport,
		path:      path,
	}
}

type renewalBody struct {
	AccessToken  string               `json:"access_token"`
	RefreshToken string               `json:"refresh_token,omitempty"`
	User         session.UserSnapshot `json:"user,omitempty"`
}

func (r *EndpointRenewer) Renew(ctx context.Context, refreshCredential string) (refresh.Renewal, error) {
	req := Request{
		Method: http.MethodPost,
		Path:   r.path,
		Header: http.Header{},
		Body:   []byte("{}"),
	}
	req.Header.Set(HeaderAuthorization, BearerPrefix+refreshCredential)
	req.Header.Set(HeaderContentType, ContentTypeJSON)

	resp, err := r.transport.Do(ctx, req)
	if err != nil {
		return refresh.Renewal{}, err
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusUnprocessableEntity:
		message := resp.ErrorMessage()
		if message == "" {
			message = "refresh credential rejected"
		}
		return refresh.Renewal{}, &oerrors.Error{
			Code:    oerrors.CodeRenewalRejected,
			Message: message,
			Status:  resp.StatusCode,
		}
	}
	if err := resp.Err(); err != nil {
		return refresh.Renewal{}, err
	}

	var body renewalBody
	if err := resp.DecodeJSON(&body); err != nil {
		return refresh.Renewal{}, err
	}
	if body.AccessToken == "" {
		return refresh.Renewal{}, oerrors.New(oerrors.CodeResponse, "renewal response carried no access credential")
	}

	return refresh.Renewal{
		AccessCredential:  body.AccessToken,
		RefreshCredential: body.RefreshToken,
		User:              body.User,
	}, nil
}
