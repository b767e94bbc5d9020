// Package matrix is a thin client for the parts of the Matrix
// client-server API the migration needs: listing the rooms of the
// destination space and creating rooms in it.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// Options configures a Client
type Options struct {
	Homeserver  string
	AccessToken string
	Timeout     time.Duration
	// MaxRetries bounds retries of a failed call; transport errors, 429 and
	// 5xx responses are retried.
	MaxRetries      uint64
	InitialInterval time.Duration
	Logger          zerolog.Logger
}

// Client calls one homeserver with one access token
type Client struct {
	http *resty.Client
	opts Options
	log  zerolog.Logger
}

// StatusError is a non-2xx response
type StatusError struct {
	Method  string
	Path    string
	Status  int
	ErrCode string
	Message string
}

func (e *StatusError) Error() string {
	if e.ErrCode != "" {
		return fmt.Sprintf("%s %s: %d %s: %s", e.Method, e.Path, e.Status, e.ErrCode, e.Message)
	}
	return fmt.Sprintf("%s %s: %d", e.Method, e.Path, e.Status)
}

func (e *StatusError) retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// BaseURL normalizes a homeserver given as a bare host or a URL
func BaseURL(homeserver string) string {
	base := strings.TrimRight(homeserver, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}
	return base
}

// New returns a Client. Homeserver and AccessToken are required.
func New(opts Options) (*Client, error) {
	if opts.Homeserver == "" {
		return nil, errors.New("homeserver is required")
	}
	if opts.AccessToken == "" {
		return nil, errors.New("access token is required")
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.InitialInterval == 0 {
		opts.InitialInterval = 500 * time.Millisecond
	}

	c := resty.New().
		SetBaseURL(BaseURL(opts.Homeserver)).
		SetHeader("Content-Type", "application/json").
		SetAuthToken(opts.AccessToken).
		SetTimeout(opts.Timeout)

	return &Client{
		http: c,
		opts: opts,
		log:  opts.Logger.With().Str("component", "matrix").Logger(),
	}, nil
}

// do sends one request, retrying with exponential backoff
func (c *Client) do(ctx context.Context, method, path string, build func(*resty.Request)) (*resty.Response, error) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.opts.InitialInterval
	exp.Multiplier = 2
	exp.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, c.opts.MaxRetries), ctx)

	var resp *resty.Response
	attempt := 0
	op := func() error {
		attempt++
		req := c.http.R().SetContext(ctx)
		if build != nil {
			build(req)
		}
		var err error
		resp, err = req.Execute(method, path)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			c.log.Warn().Err(err).Str("path", path).Int("attempt", attempt).Msg("request failed")
			return err
		}
		if resp.IsSuccess() {
			return nil
		}

		body := resp.Body()
		serr := &StatusError{
			Method:  method,
			Path:    path,
			Status:  resp.StatusCode(),
			ErrCode: gjson.GetBytes(body, "errcode").String(),
			Message: gjson.GetBytes(body, "error").String(),
		}
		if !serr.retryable() {
			return backoff.Permanent(serr)
		}
		c.log.Warn().Int("status", serr.Status).Str("path", path).Int("attempt", attempt).Msg("retrying request")
		return serr
	}

	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return resp, nil
}

// JoinedRooms lists the rooms the token's user has joined
func (c *Client) JoinedRooms(ctx context.Context) ([]string, error) {
	resp, err := c.do(ctx, http.MethodGet, "/_matrix/client/v3/joined_rooms", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list joined rooms: %w", err)
	}
	var rooms []string
	for _, r := range gjson.GetBytes(resp.Body(), "joined_rooms").Array() {
		rooms = append(rooms, r.String())
	}
	return rooms, nil
}

// RoomState returns the raw current state of a room, a JSON array of events
func (c *Client) RoomState(ctx context.Context, roomID string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, "/_matrix/client/v3/rooms/{roomId}/state", func(r *resty.Request) {
		r.SetPathParam("roomId", roomID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read state of %s: %w", roomID, err)
	}
	return resp.Body(), nil
}

// SpaceExists reports whether the space room is visible to the client
func (c *Client) SpaceExists(ctx context.Context, spaceID string) (bool, error) {
	_, err := c.do(ctx, http.MethodGet, "/_matrix/client/v3/rooms/{roomId}/state/m.room.create", func(r *resty.Request) {
		r.SetPathParam("roomId", spaceID)
	})
	var serr *StatusError
	switch {
	case err == nil:
		return true, nil
	case errors.As(err, &serr) && (serr.Status == http.StatusNotFound || serr.Status == http.StatusForbidden):
		return false, nil
	default:
		return false, fmt.Errorf("failed to check space %s: %w", spaceID, err)
	}
}

// CreateRoomRequest describes a room to create inside a space
type CreateRoomRequest struct {
	Name        string
	Topic       string
	SpaceID     string
	RoomVersion string
}

// CreateRoom creates a public room linked to its space and returns its id
func (c *Client) CreateRoom(ctx context.Context, req CreateRoomRequest) (string, error) {
	version := req.RoomVersion
	if version == "" {
		version = "10"
	}
	initialState := []map[string]any{{
		"type":      "m.space.parent",
		"state_key": req.SpaceID,
		"content":   map[string]any{"canonical": true},
	}}
	if req.Topic != "" {
		initialState = append(initialState, map[string]any{
			"type":      "m.room.topic",
			"state_key": "",
			"content":   map[string]any{"topic": req.Topic},
		})
	}
	payload := map[string]any{
		"name":          req.Name,
		"preset":        "public_chat",
		"room_version":  version,
		"initial_state": initialState,
	}

	resp, err := c.do(ctx, http.MethodPost, "/_matrix/client/v3/createRoom", func(r *resty.Request) {
		r.SetBody(payload)
	})
	if err != nil {
		return "", fmt.Errorf("failed to create room %q: %w", req.Name, err)
	}
	roomID := gjson.GetBytes(resp.Body(), "room_id").String()
	if roomID == "" {
		return "", fmt.Errorf("create room %q: response has no room_id", req.Name)
	}
	return roomID, nil
}
