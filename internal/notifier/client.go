package notifier

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"

	apperrors "github.com/openclaw/kiosk-pairing-go/internal/errors"
	"github.com/openclaw/kiosk-pairing-go/internal/model"
)

const (
	requestTimeout = 10 * time.Second
	issueAttempts  = 5
)

// ErrStreamClosed is returned by Stream when the server ends the response.
var ErrStreamClosed = errors.New("event stream closed by server")

// Client talks to the pairing server with a tenant API token. It serves as
// both the EventSource and the StatusPoller of a Watcher.
type Client struct {
	baseURL string
	token   string
	// api carries a timeout; stream does not, since SSE responses stay open.
	api    *http.Client
	stream *http.Client

	retryInitial time.Duration
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		api:     &http.Client{Timeout: requestTimeout},
		stream:  &http.Client{},

		retryInitial: 500 * time.Millisecond,
	}
}

// NewWatcher returns a Watcher fed by this client.
func (c *Client) NewWatcher(opts Options) *Watcher {
	return NewWatcher(c, c, opts)
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("pairing server returned %d %s: %s", e.Status, e.Code, e.Message)
}

func (e *APIError) appError() *apperrors.AppError {
	return apperrors.New(apperrors.ErrorCode(e.Code), e.Message)
}

// Terminal reports whether the code behind the request is used up, so the
// operator needs a new code rather than another attempt.
func (e *APIError) Terminal() bool {
	return e.appError().Terminal() || e.Status == http.StatusConflict || e.Status == http.StatusGone
}

// Retryable reports whether the same request may succeed later.
func (e *APIError) Retryable() bool {
	return e.appError().Retryable() || e.Status == http.StatusTooManyRequests || e.Status == http.StatusServiceUnavailable
}

type issueRequest struct {
	KioskID string `json:"kioskId,omitempty"`
}

type issueResponse struct {
	Code      string    `json:"code"`
	KioskID   string    `json:"kioskId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// IssueCode asks for a fresh code for kioskID and returns the Waiting state
// to hand to Watch. An empty kioskID lets the server pick one.
func (c *Client) IssueCode(ctx context.Context, kioskID string) (State, error) {
	body, err := json.Marshal(issueRequest{KioskID: kioskID})
	if err != nil {
		return State{}, fmt.Errorf("marshal issue request: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/v1/activation-codes", bytes.NewReader(body))
	if err != nil {
		return State{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	var out issueResponse
	if err := c.do(req, &out); err != nil {
		return State{}, err
	}
	return Waiting(out.KioskID, out.Code, out.ExpiresAt), nil
}

// IssueCodeWithRetry is IssueCode that retries rate limiting and transient
// server failures with exponential backoff. Any other error, including a
// terminal one, is returned at once.
func (c *Client) IssueCodeWithRetry(ctx context.Context, kioskID string) (State, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryInitial

	state, err := backoff.Retry(ctx, func() (State, error) {
		state, err := c.IssueCode(ctx, kioskID)
		if err == nil {
			return state, nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Retryable() {
			return State{}, err
		}
		return State{}, backoff.Permanent(err)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(issueAttempts),
		backoff.WithNotify(func(err error, wait time.Duration) {
			log.Warn().Err(err).Str("kioskId", kioskID).Dur("retryIn", wait).Msg("issue failed, retrying")
		}),
	)
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return State{}, perm.Err
		}
		return State{}, err
	}
	return state, nil
}

// KioskStatus returns nil without error when the server does not know the
// kiosk yet.
func (c *Client) KioskStatus(ctx context.Context, kioskID string) (*model.KioskStatus, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/kiosks/"+url.PathEscape(kioskID), nil)
	if err != nil {
		return nil, err
	}

	var status model.KioskStatus
	if err := c.do(req, &status); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &status, nil
}

// Stream opens the kiosks topic and calls handle for every pairing event
// until the connection drops or ctx ends. A non-negative afterSeq is sent as
// Last-Event-ID so the server replays what was missed while disconnected.
func (c *Client) Stream(ctx context.Context, afterSeq int64, handle func(model.PairingEvent)) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/events?topic=kiosks", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if afterSeq >= 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(afterSeq, 10))
	}

	resp, err := c.stream.Do(req)
	if err != nil {
		return fmt.Errorf("open event stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}

	log.Debug().Int64("afterSeq", afterSeq).Msg("event stream connected")

	if err := readEvents(resp.Body, handle); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("read event stream: %w", err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return ErrStreamClosed
}

// readEvents parses text/event-stream frames. Only the pairing event types
// are handed on; connected frames and comments are skipped.
func readEvents(r io.Reader, handle func(model.PairingEvent)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 64*1024)

	var eventType, lastID string
	var data strings.Builder

	dispatch := func() {
		defer func() {
			eventType, lastID = "", ""
			data.Reset()
		}()
		if data.Len() == 0 {
			return
		}
		switch model.EventType(eventType) {
		case model.EventActivated, model.EventExpired, model.EventRevoked:
		default:
			return
		}
		var ev model.PairingEvent
		if err := json.Unmarshal([]byte(data.String()), &ev); err != nil {
			log.Warn().Err(err).Str("event", eventType).Msg("skipping malformed pairing event")
			return
		}
		if ev.Type == "" {
			ev.Type = model.EventType(eventType)
		}
		if ev.Seq == 0 {
			ev.Seq, _ = strconv.ParseInt(lastID, 10, 64)
		}
		handle(ev)
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			dispatch()
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id:"):
			lastID = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	return scanner.Err()
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.api.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = json.Unmarshal(body, apiErr)
	return apiErr
}
