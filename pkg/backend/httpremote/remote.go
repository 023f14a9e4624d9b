// Package httpremote is the client side of the relay server.
package httpremote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/arseneyr/speakerbox/pkg/backend"
	"github.com/arseneyr/speakerbox/pkg/model"
	"github.com/arseneyr/speakerbox/pkg/watch"
)

type Options struct {
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Logger     *slog.Logger
}

type Remote struct {
	baseURL *url.URL
	client  *http.Client
	dialer  *websocket.Dialer
	logger  *slog.Logger
	state   *watch.Value[backend.SignedInState]
}

var (
	_ backend.Remote   = (*Remote)(nil)
	_ backend.Notifier = (*Remote)(nil)
)

func New(baseURL string, opts Options) (*Remote, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse relay url: %w", err)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Remote{
		baseURL: u,
		client:  opts.HTTPClient,
		dialer:  opts.Dialer,
		logger:  opts.Logger,
		state:   watch.New(backend.SignedInState{Kind: backend.SignedOut}),
	}, nil
}

// SignIn pings the relay and marks user as signed in, or the remote as
// offline when the relay cannot be reached.
func (r *Remote) SignIn(ctx context.Context, user model.UserID) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL.JoinPath("healthz").String(), nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err == nil {
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			err = fmt.Errorf("unexpected status code: %d", resp.StatusCode)
		}
	}
	if err != nil {
		r.logger.Warn("relay unreachable", "err", err)
		r.state.Set(backend.SignedInState{Kind: backend.Offline})
		return fmt.Errorf("%w: %v", backend.ErrOffline, err)
	}
	r.state.Set(backend.SignedInAs(user))
	return nil
}

func (r *Remote) SignOut() {
	r.state.Set(backend.SignedInState{Kind: backend.SignedOut})
}

func (r *Remote) SignedIn() *watch.Value[backend.SignedInState] {
	return r.state
}

func (r *Remote) userURL(parts ...string) (*url.URL, error) {
	s := r.state.Get()
	switch {
	case s.IsSignedIn():
	case s.Kind == backend.Offline:
		return nil, backend.ErrOffline
	default:
		return nil, backend.ErrSignedOut
	}
	return r.baseURL.JoinPath(append([]string{"users", url.PathEscape(string(s.User))}, parts...)...), nil
}

func (r *Remote) do(req *http.Request) (*http.Response, error) {
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrOffline, err)
	}
	return resp, nil
}

func (r *Remote) GetState(ctx context.Context, key string) (backend.Entry, bool, error) {
	u, err := r.userURL("states", url.PathEscape(key))
	if err != nil {
		return backend.Entry{}, false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return backend.Entry{}, false, err
	}
	resp, err := r.do(req)
	if err != nil {
		return backend.Entry{}, false, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return backend.Entry{}, false, fmt.Errorf("failed to read body from get: %w", err)
		}
		return backend.Entry{Value: raw, Tag: unquote(resp.Header.Get("ETag"))}, true, nil
	case http.StatusNotFound:
		return backend.Entry{}, false, nil
	default:
		return backend.Entry{}, false, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
}

func unquote(tag string) string {
	return strings.Trim(strings.TrimPrefix(strings.TrimSpace(tag), "W/"), `"`)
}

func (r *Remote) SetState(ctx context.Context, key string, value []byte, tag string) (string, error) {
	u, err := r.userURL("states", url.PathEscape(key))
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u.String(), bytes.NewReader(value))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	switch tag {
	case backend.AnyTag:
	case "":
		req.Header.Set("If-None-Match", "*")
	default:
		req.Header.Set("If-Match", `"`+tag+`"`)
	}
	resp, err := r.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusCreated:
		return unquote(resp.Header.Get("ETag")), nil
	case http.StatusPreconditionFailed:
		return "", fmt.Errorf("%w: key %s", backend.ErrRetry, key)
	default:
		return "", fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
}

func (r *Remote) DeleteState(ctx context.Context, key string) error {
	u, err := r.userURL("states", url.PathEscape(key))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := r.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}

func (r *Remote) GetStateKeys(ctx context.Context) ([]string, error) {
	u, err := r.userURL("states")
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	var keys []string
	if err := json.NewDecoder(resp.Body).Decode(&keys); err != nil {
		return nil, fmt.Errorf("failed to decode keys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Changes opens the websocket change feed of the signed in user.
func (r *Remote) Changes(ctx context.Context) (<-chan backend.Notice, error) {
	u, err := r.userURL("watch")
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	conn, _, err := r.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}
	out := make(chan backend.Notice)
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	go func() {
		defer close(out)
		defer conn.Close()
		for {
			var n backend.Notice
			if err := conn.ReadJSON(&n); err != nil {
				if ctx.Err() == nil {
					r.logger.Warn("change feed closed", "err", err)
				}
				return
			}
			select {
			case out <- n:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
