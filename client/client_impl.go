package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// getReq generates an HTTP request
// - ctx is the context of the request
// - method is the HTTP method
// - relativePath is the relative path of the request
// - query is the query parameters
// - body is the request body, nil if no body to send
func (c *AdminClient) getReq(ctx context.Context, method, relativePath string, query url.Values, body []byte) (*http.Request, error) {
	targetUrl := (&url.URL{
		Scheme:   c.scheme,
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     path.Join("/", relativePath),
		RawQuery: query.Encode(),
	}).String()

	var bodyReader io.Reader
	if len(body) > 0 {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, targetUrl, bodyReader)
	if err != nil {
		return nil, err
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// do sends the request and decodes the response into out when the status
// is one of expected. Transport errors and 5xx are retried when retryable.
func (c *AdminClient) do(ctx context.Context, method, relativePath string, query url.Values, body []byte,
	retryable bool, out interface{}, expected ...int) (int, error) {
	retryCount := 0
RETRY:
	req, err := c.getReq(ctx, method, relativePath, query, body)
	if err != nil {
		return 0, &APIError{
			Type:   RequestErr,
			Reason: err.Error(),
		}
	}
	resp, err := c.httpCli.Do(req)
	if err != nil {
		if retryable && retryCount < c.retry && ctx.Err() == nil {
			time.Sleep(time.Duration(c.backOff) * time.Millisecond)
			retryCount++
			goto RETRY
		}
		return 0, &APIError{
			Type:   RequestErr,
			Reason: err.Error(),
		}
	}
	defer resp.Body.Close()
	if !isExpected(resp.StatusCode, expected) {
		if resp.StatusCode >= 500 && retryable && retryCount < c.retry {
			time.Sleep(time.Duration(c.backOff) * time.Millisecond)
			retryCount++
			resp.Body.Close()
			goto RETRY
		}
		return resp.StatusCode, parseResponseError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, &APIError{
			Type:       ResponseErr,
			StatusCode: resp.StatusCode,
			Reason:     err.Error(),
			RequestID:  resp.Header.Get("X-Request-ID"),
		}
	}
	return resp.StatusCode, nil
}

func isExpected(code int, expected []int) bool {
	for _, e := range expected {
		if code == e {
			return true
		}
	}
	return false
}

func parseResponseError(resp *http.Response) *APIError {
	apiErr := &APIError{
		Type:       ResponseErr,
		StatusCode: resp.StatusCode,
		RequestID:  resp.Header.Get("X-Request-ID"),
	}
	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		apiErr.Reason = fmt.Sprintf("Invalid response: %s", err)
		return apiErr
	}
	var errData struct {
		Error    string    `json:"error"`
		Problems []Problem `json:"problems"`
	}
	if err := json.Unmarshal(respBytes, &errData); err != nil {
		apiErr.Reason = fmt.Sprintf("[%d]Invalid JSON: %s", resp.StatusCode, err)
		return apiErr
	}
	apiErr.Reason = fmt.Sprintf("[%d]%s", resp.StatusCode, errData.Error)
	apiErr.Problems = errData.Problems
	return apiErr
}
