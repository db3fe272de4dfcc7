package debrid

import (
	"context"
	"fmt"
	"io/ioutil"
	"net/http"
	"strings"
	"time"

	retry "github.com/avast/retry-go/v4"
	"go.uber.org/zap"

	"github.com/doingodswork/vortex-stremio/pkg/ratelimit"
)

// StatusError is a non-2xx answer from a debrid service.
type StatusError struct {
	Code int
	Body string
	URL  string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("bad HTTP response status: %v (request to '%v')", e.Code, e.URL)
	}
	return fmt.Sprintf("bad HTTP response status: %v (request to '%v'; response body: '%s')", e.Code, e.URL, e.Body)
}

// Retryable reports whether a later attempt can succeed: the service asked us
// to slow down, or failed on its side. Other 4xx answers mean the request
// itself is wrong and repeating it just burns the rate limit.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// Caller sends the HTTP requests of all debrid clients. It enforces the
// service rate limits and retries transient failures with exponential
// backoff: 5 attempts, first retry after 2s, delay doubling per attempt.
// Retried attempts wait for the rate limiter like first attempts do.
type Caller struct {
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	logger     *zap.Logger
}

func NewCaller(httpClient *http.Client, limiter *ratelimit.Limiter, logger *zap.Logger) *Caller {
	return &Caller{
		httpClient: httpClient,
		limiter:    limiter,
		logger:     logger,
	}
}

// NewLimiter returns a rate limiter with the scopes debrid services meter:
// 250 requests per minute overall, and 1 per second on torrent endpoints.
func NewLimiter(logger *zap.Logger) *ratelimit.Limiter {
	limiter := ratelimit.New(logger)
	limiter.SetRule(ratelimit.ScopeGlobal, 250, time.Minute)
	limiter.SetRule(ratelimit.ScopeTorrent, 1, time.Second)
	return limiter
}

// Do builds and sends a request, returning the response body.
// build is called once per attempt, so request bodies are re-created instead
// of being re-read. Responses other than 200, 201 and 204 come back as a
// *StatusError.
func (c *Caller) Do(ctx context.Context, build func() (*http.Request, error)) ([]byte, error) {
	var resBody []byte
	err := retry.Do(
		func() error {
			req, err := build()
			if err != nil {
				return retry.Unrecoverable(err)
			}
			if err = c.limiter.Wait(ctx, ratelimit.ScopeGlobal); err != nil {
				return retry.Unrecoverable(err)
			}
			// Torrent endpoints have their own, much stricter limit.
			if strings.Contains(req.URL.Path, "torrents") {
				if err = c.limiter.Wait(ctx, ratelimit.ScopeTorrent); err != nil {
					return retry.Unrecoverable(err)
				}
			}

			res, err := c.httpClient.Do(req)
			if err != nil {
				// Connection level failure, worth retrying.
				return err
			}
			defer res.Body.Close()

			if res.StatusCode != http.StatusOK &&
				res.StatusCode != http.StatusCreated &&
				res.StatusCode != http.StatusNoContent {
				body, _ := ioutil.ReadAll(res.Body)
				statusErr := &StatusError{Code: res.StatusCode, Body: string(body), URL: req.URL.String()}
				if statusErr.Retryable() {
					return statusErr
				}
				return retry.Unrecoverable(statusErr)
			}

			resBody, err = ioutil.ReadAll(res.Body)
			if err != nil {
				return fmt.Errorf("Couldn't read response body: %v", err)
			}
			return nil
		},
		retry.Attempts(5),
		retry.Delay(2*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(attempt uint, err error) {
			c.logger.Debug("Retrying debrid request",
				zap.Uint("attempt", attempt+1),
				zap.Error(err))
		}),
	)
	return resBody, err
}
