package renderer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	v1 "avatarpipe/internal/contracts/renderer/v1"
	"avatarpipe/internal/ports"
)

// HTTPClient delegates rendering to a renderer service that shares the media
// volume with the worker.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Minute},
	}
}

func (c *HTTPClient) Render(ctx context.Context, req ports.RenderRequest) (string, error) {
	out, err := clipPath(req)
	if err != nil {
		return "", err
	}

	var res v1.RenderResponse
	if err := c.post(ctx, "/render", v1.RenderRequest{
		JobID:      req.JobID,
		Segment:    req.Segment,
		AudioPath:  absPath(req.AudioPath),
		Gender:     req.Gender,
		ActionID:   req.ActionID,
		OutputPath: out,
	}, &res); err != nil {
		return "", err
	}
	if res.ClipPath != "" {
		return res.ClipPath, nil
	}
	return out, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, spec, dst any) error {
	body, err := json.Marshal(spec)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("renderer http %d: %s", res.StatusCode, bytes.TrimSpace(raw))
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	// Non-JSON bodies are accepted; the output path is then assumed.
	_ = json.Unmarshal(raw, dst)
	return nil
}
