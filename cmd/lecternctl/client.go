package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/nemanja-m/lectern/internal/coordinator/api/rest"
)

// apiError is a non-2xx answer from the coordinator.
type apiError struct {
	Status int
	Body   rest.ErrorResponse
}

func (e *apiError) Error() string {
	if e.Body.Message != "" {
		return fmt.Sprintf("%s (%d): %s", e.Body.Error, e.Status, e.Body.Message)
	}
	if e.Body.Error != "" {
		return fmt.Sprintf("%s (%d)", e.Body.Error, e.Status)
	}
	return fmt.Sprintf("request failed with status %d", e.Status)
}

type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAPIClient(addr, token string, timeout time.Duration) *apiClient {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &apiClient{
		baseURL: strings.TrimRight(addr, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *apiClient) get(ctx context.Context, path string, query url.Values, out any) error {
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	return c.do(ctx, http.MethodGet, path, nil, out)
}

// do sends body as JSON and decodes the answer into out when out is non-nil.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &apiError{Status: resp.StatusCode}
		_ = json.Unmarshal(data, &apiErr.Body)
		return apiErr
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
