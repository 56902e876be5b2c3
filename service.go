package planauth

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	oerrors "github.com/porthorian/planauth/pkg/errors"
	"github.com/porthorian/planauth/pkg/session"
	httptransport "github.com/porthorian/planauth/pkg/transport/http"
	"github.com/porthorian/planauth/pkg/validate"
)

const (
	pathRegister   = "/api/auth/register"
	pathLogin      = "/api/auth/login"
	pathLogout     = "/api/auth/logout"
	pathMe         = "/api/auth/me"
	pathSubjects   = "/api/subjects"
	pathTasks      = "/api/tasks"
	pathUpload     = "/api/schedules/upload"
	pathGenerate   = "/api/planning/generate"
	pathPlannings  = "/api/planning"
	pathStatistics = "/api/statistics"
)

// Login validates form, authenticates and installs the new session.
func (c *Client) Login(ctx context.Context, form validate.LoginForm) (AuthResult, error) {
	if errs := validate.ValidateLogin(form); !errs.Valid() {
		return AuthResult{}, oerrors.InvalidInput(errs)
	}
	form.Email = validate.NormalizeEmail(form.Email)
	return c.authenticate(ctx, pathLogin, form)
}

// Register creates an account and installs its session.
func (c *Client) Register(ctx context.Context, form validate.RegistrationForm) (AuthResult, error) {
	if errs := validate.ValidateRegistration(form); !errs.Valid() {
		return AuthResult{}, oerrors.InvalidInput(errs)
	}
	form.Email = validate.NormalizeEmail(form.Email)
	return c.authenticate(ctx, pathRegister, form)
}

func (c *Client) authenticate(ctx context.Context, path string, payload any) (AuthResult, error) {
	req, err := httptransport.JSONRequest(http.MethodPost, path, payload)
	if err != nil {
		return AuthResult{}, err
	}
	resp, err := c.transport.Do(ctx, req)
	if err != nil {
		return AuthResult{}, err
	}
	if err := resp.Err(); err != nil {
		return AuthResult{}, err
	}

	var result AuthResult
	if err := resp.DecodeJSON(&result); err != nil {
		return AuthResult{}, err
	}
	if result.User == nil {
		result.User = session.UserSnapshot{}
	}

	err = c.store.Replace(ctx, session.Session{
		AccessCredential:  result.AccessToken,
		RefreshCredential: result.RefreshToken,
		User:              result.User,
		IssuedAt:          time.Now(),
	})
	if err != nil && !oerrors.IsCode(err, oerrors.CodeStorageUnavailable) {
		return AuthResult{}, oerrors.Wrap(oerrors.CodeResponse, "authentication response is incomplete", err)
	}
	if err != nil {
		c.logger.Error(err, "session is active but was not persisted")
	}

	c.logger.V(1).Info("session started", "path", path, "user_id", result.User.String("id"))
	return result, nil
}

// Logout tells the API the session is over and clears it locally whatever
// the API answers. It does not raise a session-ended signal.
func (c *Client) Logout(ctx context.Context) error {
	if _, ok := c.store.Read(); ok {
		resp, err := c.dispatcher.Send(ctx, httptransport.Request{Method: http.MethodPost, Path: pathLogout})
		switch {
		case err != nil:
			c.logger.V(1).Info("logout request failed", "error", err.Error())
		case !resp.Successful():
			c.logger.V(1).Info("logout request rejected", "status", resp.StatusCode)
		}
	}
	return c.store.Clear(ctx)
}

func (c *Client) CurrentUser(ctx context.Context) (session.UserSnapshot, error) {
	var body struct {
		User session.UserSnapshot `json:"user"`
	}
	if err := c.call(ctx, http.MethodGet, pathMe, nil, &body); err != nil {
		return nil, err
	}
	return body.User, nil
}

// UpdateProfile sends the changed fields and refreshes the session's user
// snapshot with the record the API returns.
func (c *Client) UpdateProfile(ctx context.Context, fields map[string]any) (session.UserSnapshot, error) {
	var body struct {
		User session.UserSnapshot `json:"user"`
	}
	if err := c.call(ctx, http.MethodPut, pathMe, fields, &body); err != nil {
		return nil, err
	}

	if current, ok := c.store.Read(); ok && body.User != nil {
		current.User = body.User
		if _, err := c.store.CompareAndReplace(ctx, current.RefreshCredential, current); err != nil {
			c.logger.Error(err, "failed to store updated profile")
		}
	}
	return body.User, nil
}

func (c *Client) Subjects(ctx context.Context) ([]Subject, error) {
	var out []Subject
	err := c.call(ctx, http.MethodGet, pathSubjects, nil, &out)
	return out, err
}

func (c *Client) CreateSubject(ctx context.Context, subject Subject) (Subject, error) {
	var out Subject
	err := c.call(ctx, http.MethodPost, pathSubjects, subject, &out)
	return out, err
}

func (c *Client) Tasks(ctx context.Context) ([]Task, error) {
	var out []Task
	err := c.call(ctx, http.MethodGet, pathTasks, nil, &out)
	return out, err
}

func (c *Client) CreateTask(ctx context.Context, task Task) (Task, error) {
	var out Task
	err := c.call(ctx, http.MethodPost, pathTasks, task, &out)
	return out, err
}

// UploadSchedule sends a timetable file as multipart form data.
func (c *Client) UploadSchedule(ctx context.Context, filename string, content io.Reader) (Schedule, error) {
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	part, err := form.CreateFormFile("file", filepath.Base(filename))
	if err != nil {
		return Schedule{}, fmt.Errorf("planauth: build upload: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return Schedule{}, fmt.Errorf("planauth: read upload: %w", err)
	}
	if err := form.Close(); err != nil {
		return Schedule{}, fmt.Errorf("planauth: build upload: %w", err)
	}

	req := httptransport.Request{
		Method: http.MethodPost,
		Path:   pathUpload,
		Header: http.Header{},
		Body:   buf.Bytes(),
	}
	req.Header.Set(httptransport.HeaderContentType, form.FormDataContentType())

	var out Schedule
	err = c.send(ctx, req, &out)
	return out, err
}

func (c *Client) GeneratePlanning(ctx context.Context, request PlanningRequest) (Planning, error) {
	var out Planning
	err := c.call(ctx, http.MethodPost, pathGenerate, request, &out)
	return out, err
}

func (c *Client) Plannings(ctx context.Context) ([]Planning, error) {
	var out []Planning
	err := c.call(ctx, http.MethodGet, pathPlannings, nil, &out)
	return out, err
}

func (c *Client) Statistics(ctx context.Context) (Statistics, error) {
	var out Statistics
	err := c.call(ctx, http.MethodGet, pathStatistics, nil, &out)
	return out, err
}

// Dashboard loads the user, subjects, tasks, plannings and statistics
// concurrently. The first failure cancels the rest.
func (c *Client) Dashboard(ctx context.Context) (Dashboard, error) {
	var d Dashboard
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() (err error) {
		d.User, err = c.CurrentUser(gctx)
		return err
	})
	g.Go(func() (err error) {
		d.Subjects, err = c.Subjects(gctx)
		return err
	})
	g.Go(func() (err error) {
		d.Tasks, err = c.Tasks(gctx)
		return err
	})
	g.Go(func() (err error) {
		d.Plannings, err = c.Plannings(gctx)
		return err
	})
	g.Go(func() (err error) {
		d.Statistics, err = c.Statistics(gctx)
		return err
	})

	if err := g.Wait(); err != nil {
		return Dashboard{}, err
	}
	return d, nil
}

func (c *Client) call(ctx context.Context, method, path string, payload, out any) error {
	req, err := httptransport.JSONRequest(method, path, payload)
	if err != nil {
		return err
	}
	return c.send(ctx, req, out)
}

func (c *Client) send(ctx context.Context, req httptransport.Request, out any) error {
	resp, err := c.interceptor.Do(ctx, req)
	if err != nil {
		return err
	}
	if err := resp.Err(); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return resp.DecodeJSON(out)
}
