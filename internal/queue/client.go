// Package queue is a client for the platform job queue REST API.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"jobrunner/internal/apperrors"
	"jobrunner/internal/job"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Log messages appended by operator actions.
const (
	killLogMessage  = "Internal error. Please resubmit the job\n"
	resetLogMessage = "reset status to 'submitted'\n"
)

// defaultLogEndpoint is used when the schema does not list a log resource.
const defaultLogEndpoint = "/api/v2/log"

// ListState selects the jobs returned by List.
type ListState string

// Listable queue states
const (
	ListSubmitted ListState = "submitted"
	ListRunning   ListState = "running"
)

// errBreakerOpen is returned while the queue is considered unavailable.
var errBreakerOpen = errors.New("circuit breaker open after repeated failures")

// Config holds the queue client settings.
type Config struct {
	Endpoint   string // API root, answering with the resource schema
	Username   string
	Token      string
	Platform   string // hardware platform whose queue is served
	HTTPClient *http.Client

	MaxRetries      uint64        // retries of idempotent requests (default: 3)
	InitialInterval time.Duration // first retry delay (default: 500ms)
	Breaker         BreakerConfig
}

// Client talks to the job queue on behalf of one hardware platform.
type Client struct {
	httpClient *http.Client
	endpoint   string
	jobServer  string            // scheme://host the resource URIs are relative to
	resources  map[string]string // resource name -> list endpoint
	platform   string
	auth       string

	maxRetries      uint64
	initialInterval time.Duration
	breaker         *breaker
}

// New creates a client and loads the API schema from the endpoint.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, apperrors.Validation("queue.endpoint", "queue endpoint is required")
	}
	if cfg.Platform == "" {
		return nil, apperrors.Validation("queue.platform", "hardware platform is required")
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, apperrors.Validation("queue.endpoint", fmt.Sprintf("invalid queue endpoint %q", cfg.Endpoint))
	}

	c := &Client{
		httpClient:      cfg.HTTPClient,
		endpoint:        cfg.Endpoint,
		jobServer:       u.Scheme + "://" + u.Host,
		platform:        cfg.Platform,
		auth:            "ApiKey " + cfg.Username + ":" + cfg.Token,
		maxRetries:      cfg.MaxRetries,
		initialInterval: cfg.InitialInterval,
		breaker:         newBreaker(cfg.Breaker),
	}
	if c.httpClient == nil {
		c.httpClient = http.DefaultClient
	}
	if c.maxRetries == 0 {
		c.maxRetries = 3
	}
	if c.initialInterval <= 0 {
		c.initialInterval = 500 * time.Millisecond
	}

	if err := c.loadSchema(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) loadSchema(ctx context.Context) error {
	var schema map[string]struct {
		ListEndpoint string `json:"list_endpoint"`
	}
	if err := c.get(ctx, "queue.schema", c.endpoint, &schema); err != nil {
		return fmt.Errorf("failed to load queue API schema: %w", err)
	}

	c.resources = make(map[string]string, len(schema))
	for name, entry := range schema {
		c.resources[name] = strings.TrimRight(entry.ListEndpoint, "/")
	}
	for _, required := range []string{"queue", "dataitem"} {
		if c.resources[required] == "" {
			return apperrors.Internal("queue.schema", fmt.Errorf("schema has no %q resource", required))
		}
	}
	slog.Debug("Loaded queue API schema", "resources", len(c.resources))
	return nil
}

// FetchNext returns the oldest submitted job for the platform, or nil when the queue is empty.
func (c *Client) FetchNext(ctx context.Context) (*job.Job, error) {
	u := c.jobServer + c.resources["queue"] + "/submitted/next/" + url.PathEscape(c.platform) + "/"

	var raw json.RawMessage
	if err := c.get(ctx, "queue.next", u, &raw); err != nil {
		return nil, err
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, apperrors.Internal("queue.next", err)
	}
	if _, empty := probe["warning"]; empty {
		return nil, nil
	}

	var j job.Job
	if err := json.Unmarshal(raw, &j); err != nil {
		return nil, apperrors.Internal("queue.next", err)
	}
	return &j, nil
}

// Get returns a job by ID.
func (c *Client) Get(ctx context.Context, id int64) (*job.Job, error) {
	u := c.jobServer + c.resources["queue"] + "/" + strconv.FormatInt(id, 10)
	var j job.Job
	if err := c.get(ctx, "queue.get", u, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// Update replaces the remote job with j, then appends j.Log to the remote log and
// clears it. The log is sent separately because the queue appends rather than replaces it.
// A failed log call returns an error wrapping job.ErrLogNotSent.
func (c *Client) Update(ctx context.Context, j *job.Job) error {
	if j.ResourceURI == "" {
		return apperrors.Validation("resource_uri", fmt.Sprintf("job %d has no resource URI", j.ID))
	}

	if err := c.send(ctx, "queue.update", http.MethodPut, c.jobServer+j.ResourceURI, j, nil); err != nil {
		return err
	}

	if j.Log == "" {
		return nil
	}
	body := map[string]string{"content": j.Log}
	if err := c.send(ctx, "queue.log", http.MethodPut, c.logURL(j.ID), body, nil); err != nil {
		return fmt.Errorf("%w: %w", job.ErrLogNotSent, err)
	}
	j.Log = ""
	return nil
}

// Kill sets a submitted or running job to error and logs message for the user.
// Other jobs are left untouched and an apperrors.ErrPrecondition error is returned.
func (c *Client) Kill(ctx context.Context, j *job.Job, message string) error {
	if !j.Status.Active() {
		return apperrors.Precondition("job", strconv.FormatInt(j.ID, 10),
			fmt.Sprintf("cannot kill a job with status %s", j.Status))
	}
	j.Status = job.StatusError
	j.Log += killLogMessage + message
	return c.Update(ctx, j)
}

// Reset puts a job back into the submitted state, for jobs stuck after a backend problem.
func (c *Client) Reset(ctx context.Context, j *job.Job) error {
	j.Status = job.StatusSubmitted
	j.Log += resetLogMessage
	return c.Update(ctx, j)
}

// List returns the platform's jobs in the given state: full records when verbose,
// otherwise only their resource URIs.
func (c *Client) List(ctx context.Context, state ListState, verbose bool) ([]*job.Job, []string, error) {
	if state != ListSubmitted && state != ListRunning {
		return nil, nil, apperrors.Validation("state", fmt.Sprintf("cannot list jobs in state %q", state))
	}
	u := c.jobServer + c.resources["queue"] + "/" + string(state) + "/?hardware_platform=" + url.QueryEscape(c.platform)

	var page struct {
		Objects []*job.Job `json:"objects"`
	}
	if err := c.get(ctx, "queue.list", u, &page); err != nil {
		return nil, nil, err
	}

	if verbose {
		return page.Objects, nil, nil
	}
	uris := make([]string, 0, len(page.Objects))
	for _, j := range page.Objects {
		uris = append(uris, j.ResourceURI)
	}
	return nil, uris, nil
}

// CreateDataItem registers a file URL and returns the new data item's URI.
func (c *Client) CreateDataItem(ctx context.Context, fileURL string) (string, error) {
	var created struct {
		ResourceURI string `json:"resource_uri"`
	}
	var location string
	err := c.send(ctx, "queue.dataitem", http.MethodPost, c.jobServer+c.resources["dataitem"],
		map[string]string{"url": fileURL}, func(resp *http.Response) error {
			location = resp.Header.Get("Location")
			if location != "" {
				return nil
			}
			return json.NewDecoder(resp.Body).Decode(&created)
		})
	if err != nil {
		return "", err
	}
	if location != "" {
		return location, nil
	}
	return created.ResourceURI, nil
}

// Ready checks that the queue API answers.
func (c *Client) Ready(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, "queue.ready", nil)
}

func (c *Client) logURL(id int64) string {
	base := c.resources["log"]
	if base == "" {
		base = defaultLogEndpoint
	}
	return c.jobServer + base + "/" + strconv.FormatInt(id, 10)
}

// get performs an idempotent GET with retries and decodes the JSON response into out.
func (c *Client) get(ctx context.Context, op, u string, out any) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.initialInterval
	retry := backoff.WithMaxRetries(backoff.WithContext(policy, ctx), c.maxRetries)

	return backoff.RetryNotify(func() error {
		req, err := c.newRequest(ctx, http.MethodGet, u, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		err = c.do(req, op, func(resp *http.Response) error {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return backoff.Permanent(apperrors.Internal(op, fmt.Errorf("invalid response: %w", err)))
			}
			return nil
		})
		if err != nil && (!apperrors.Retryable(err) || errors.Is(err, errBreakerOpen)) {
			return backoff.Permanent(err)
		}
		return err
	}, retry, func(err error, wait time.Duration) {
		slog.Warn("Queue request failed, retrying", "op", op, "error", err, "wait", wait)
	})
}

// send performs a single non-idempotent request with a JSON body.
func (c *Client) send(ctx context.Context, op, method, u string, body any, handle func(*http.Response) error) error {
	data, err := json.Marshal(body)
	if err != nil {
		return apperrors.Internal(op, err)
	}
	req, err := c.newRequest(ctx, method, u, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, op, handle)
}

func (c *Client) newRequest(ctx context.Context, method, u string, body io.Reader) (*http.Request, error) {
	if body == nil {
		body = http.NoBody
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, apperrors.Internal("queue.request", err)
	}
	req.Header.Set("Authorization", c.auth)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// do sends the request through the circuit breaker and turns error responses into
// classified errors. handle, if set, reads a successful response.
func (c *Client) do(req *http.Request, op string, handle func(*http.Response) error) error {
	if !c.breaker.allow() {
		return apperrors.Unavailable(op, errBreakerOpen)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if req.Context().Err() == nil {
			c.breaker.recordFailure()
		}
		return apperrors.Unavailable(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := apperrors.FromHTTPStatus(op, resp.StatusCode, errorMessage(resp.Body))
		if resp.StatusCode >= 500 {
			c.breaker.recordFailure()
		} else {
			c.breaker.recordSuccess()
		}
		return err
	}
	c.breaker.recordSuccess()

	if handle == nil {
		return nil
	}
	return handle(resp)
}

// errorMessage extracts the error text of a failed response: the error_message or
// error field of a JSON body, or else the raw body.
func errorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 64<<10))
	if err != nil {
		return ""
	}

	var fields struct {
		ErrorMessage string `json:"error_message"`
		Error        string `json:"error"`
	}
	if json.Unmarshal(data, &fields) == nil {
		if fields.ErrorMessage != "" {
			return fields.ErrorMessage
		}
		if fields.Error != "" {
			return fields.Error
		}
	}
	return strings.TrimSpace(string(data))
}
