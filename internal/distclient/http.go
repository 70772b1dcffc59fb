// Package distclient speaks the distributed compile protocol to the scheduler
// and build servers.
package distclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cuongbtq/buildstash/internal/api/dto"
	"github.com/cuongbtq/buildstash/internal/dist"
)

// transport is shared by the scheduler and server clients.
type transport struct {
	baseURL string
	token   string
	http    *http.Client
}

func newTransport(baseURL, token string, httpClient *http.Client) transport {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return transport{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
	}
}

// do sends the request and decodes a JSON response into out. Failures are
// mapped back onto the dist sentinels.
func (t transport) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %s %s: %w", dist.ErrTimeout, method, path, ctx.Err())
		}
		return fmt.Errorf("%w: %s %s: %v", dist.ErrUnreachable, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: failed to decode %s response: %v", dist.ErrProtocolViolation, path, err)
	}
	return nil
}

func (t transport) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}
	return t.do(ctx, method, path, contentType, body, out)
}

func decodeError(resp *http.Response) error {
	var e dto.ErrorResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &e); err != nil || e.Error == "" {
		e.Error = strings.TrimSpace(string(data))
	}

	if resp.StatusCode == http.StatusNotFound && e.Kind != "" {
		return fmt.Errorf("%w: %s", dist.ErrJobNotFound, e.Error)
	}
	if sentinel := dist.ErrorForKind(e.Kind); sentinel != nil {
		return fmt.Errorf("%w: %s", sentinel, e.Error)
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: unauthorized: %s", dist.ErrUnreachable, e.Error)
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return fmt.Errorf("%w: HTTP %d: %s", dist.ErrUnreachable, resp.StatusCode, e.Error)
	}
	return errors.New("HTTP " + resp.Status + ": " + e.Error)
}
