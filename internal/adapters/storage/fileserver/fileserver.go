// Package fileserver uploads clips to an HTTP file server as multipart form
// posts.
package fileserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const DefaultTimeout = 120 * time.Second

// maxResponse bounds how much of a response body is read.
const maxResponse = 1 << 20

type Client struct {
	url       string
	token     string
	subfolder string
	http      *http.Client
}

func New(url, token, subfolder string) *Client {
	return &Client{
		url:       url,
		token:     token,
		subfolder: subfolder,
		http:      &http.Client{Timeout: DefaultTimeout},
	}
}

// Upload posts the file as field "file" with the subfolder as
// "subrootfolder" and returns the URL the server reports.
func (c *Client) Upload(ctx context.Context, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	pr, pw := io.Pipe()
	defer pr.Close()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeForm(mw, f, filepath.Base(localPath), c.subfolder))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, pr)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponse))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("file server returned %d: %s", resp.StatusCode, snippet(body))
	}

	u := ParseResponse(body)
	if u == "" {
		return "", fmt.Errorf("file server returned no url")
	}
	return u, nil
}

func writeForm(mw *multipart.Writer, f io.Reader, name, subfolder string) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	h.Set("Content-Type", "video/mp4")
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return err
	}
	if subfolder != "" {
		if err := mw.WriteField("subrootfolder", subfolder); err != nil {
			return err
		}
	}
	return mw.Close()
}

// ParseResponse extracts the uploaded file URL. JSON objects are searched for
// url, fileUrl or path, at the top level and then under data; a JSON string
// is used as is; anything else is taken as plain text.
func ParseResponse(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return ""
	}

	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		return strings.Trim(trimmed, `"`)
	}

	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case map[string]any:
		if u := pick(t); u != "" {
			return u
		}
		if data, ok := t["data"].(map[string]any); ok {
			return pick(data)
		}
	}
	return ""
}

func pick(m map[string]any) string {
	for _, k := range []string{"url", "fileUrl", "path"} {
		if s, ok := m[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}
