package chv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

const (
	httpTimeout = 30 * time.Second
	maxRetries  = 3
	baseBackoff = 100 * time.Millisecond
)

// apiError is a non-204 answer from the hypervisor API. The status code
// decides retryability.
type apiError struct {
	Code    int
	Message string
}

func (e *apiError) Error() string { return e.Message }

// socketHTTPClient dials the per-VM Unix socket regardless of the host in
// the request URL.
func socketHTTPClient(socketPath string) *http.Client {
	return &http.Client{
		Timeout: httpTimeout,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
	}
}

// doPUT issues one PUT against the VM's API socket. Cloud Hypervisor
// answers every successful control verb with 204, so anything else becomes
// an apiError.
func doPUT(ctx context.Context, socketPath, path string, body []byte) error {
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, "http://localhost"+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request %s: %w", path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := socketHTTPClient(socketPath).Do(req)
	if err != nil {
		return fmt.Errorf("PUT %s: %w", path, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusNoContent {
		rb, _ := io.ReadAll(resp.Body)
		return &apiError{
			Code:    resp.StatusCode,
			Message: fmt.Sprintf("PUT %s → %d: %s", path, resp.StatusCode, rb),
		}
	}
	return nil
}

// checkSocket probes whether the API socket accepts connections yet.
func checkSocket(socketPath string) error {
	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		return err
	}
	return conn.Close()
}

// doWithRetry runs fn up to maxRetries+1 times with doubling backoff.
// Only transient failures are retried; a definite API rejection comes back
// immediately.
func doWithRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isRetryable(lastErr) || attempt >= maxRetries {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(baseBackoff * time.Duration(1<<attempt)):
		}
	}
}

// isRetryable treats connection-level failures and 5xx/429 as transient.
// The API socket appears a moment before the daemon is ready to serve, so
// early requests can still fail.
func isRetryable(err error) bool {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae.Code >= 500 || ae.Code == http.StatusTooManyRequests
	}
	return true
}
