package didapi

import (
	"context"
	"math/rand/v2"
	"net/http"
	"time"
)

const (
	defaultAttempts = 3
	defaultMinDelay = time.Second
	defaultMaxDelay = 2 * time.Second
)

// doWithRetry sends the request built by newReq up to c.attempts times.
// Transport errors and non-2xx responses are retried after a random delay in
// [minDelay, maxDelay). The last response or error is returned unchanged; a
// non-2xx response is still returned with a nil error.
func (c *Client) doWithRetry(ctx context.Context, op string, newReq func() (*http.Request, error)) (*http.Response, error) {
	var (
		resp *http.Response
		err  error
	)
	for i := 0; i < c.attempts; i++ {
		var req *http.Request
		req, err = newReq()
		if err != nil {
			return nil, err
		}

		resp, err = c.http.Do(req)
		if err == nil && isSuccess(resp.StatusCode) {
			return resp, nil
		}
		if i == c.attempts-1 {
			break
		}

		delay := c.backoff()
		if err != nil {
			c.logger.Warn("Remote call failed, retrying",
				"op", op,
				"attempt", i+1,
				"delay", delay,
				"error", err)
		} else {
			c.logger.Warn("Remote call returned non-success status, retrying",
				"op", op,
				"attempt", i+1,
				"delay", delay,
				"status", resp.StatusCode)
			drain(resp)
		}

		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	return resp, err
}

func (c *Client) backoff() time.Duration {
	if c.maxDelay <= c.minDelay {
		return c.minDelay
	}
	return c.minDelay + rand.N(c.maxDelay-c.minDelay)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
