package fileserver

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResponse(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"url key", `{"url":"https://f/a.mp4"}`, "https://f/a.mp4"},
		{"fileUrl key", `{"fileUrl":"https://f/b.mp4"}`, "https://f/b.mp4"},
		{"path key", `{"path":"/uploads/c.mp4"}`, "/uploads/c.mp4"},
		{"nested data", `{"ok":true,"data":{"fileUrl":"https://f/d.mp4"}}`, "https://f/d.mp4"},
		{"top level wins", `{"url":"https://f/top.mp4","data":{"url":"https://f/nested.mp4"}}`, "https://f/top.mp4"},
		{"json string", `"https://f/e.mp4"`, "https://f/e.mp4"},
		{"plain text", "https://f/f.mp4\n", "https://f/f.mp4"},
		{"no url", `{"ok":true}`, ""},
		{"empty", "  ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseResponse([]byte(tt.body)))
		})
	}
}

func writeClip(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "001.mp4")
	require.NoError(t, os.WriteFile(p, []byte("clip-bytes"), 0o644))
	return p
}

func TestClient_Upload(t *testing.T) {
	var gotAuth, gotFolder, gotName, gotContent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, r.ParseMultipartForm(1<<20))
		gotFolder = r.FormValue("subrootfolder")
		f, h, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		gotName = h.Filename
		b, _ := io.ReadAll(f)
		gotContent = string(b)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"url":"https://files.example/001.mp4"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", "avatar_pipe")
	u, err := c.Upload(context.Background(), writeClip(t))
	require.NoError(t, err)

	assert.Equal(t, "https://files.example/001.mp4", u)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "avatar_pipe", gotFolder)
	assert.Equal(t, "001.mp4", gotName)
	assert.Equal(t, "clip-bytes", gotContent)
}

func TestClient_UploadNoToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte("https://files.example/x.mp4"))
	}))
	defer srv.Close()

	u, err := New(srv.URL, "", "").Upload(context.Background(), writeClip(t))
	require.NoError(t, err)
	assert.Equal(t, "https://files.example/x.mp4", u)
	assert.Empty(t, gotAuth)
}

func TestClient_UploadErrors(t *testing.T) {
	t.Run("non 200", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "quota exceeded", http.StatusInsufficientStorage)
		}))
		defer srv.Close()

		_, err := New(srv.URL, "", "").Upload(context.Background(), writeClip(t))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "507")
	})

	t.Run("created is not ok", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"url":"https://f/a.mp4"}`))
		}))
		defer srv.Close()

		_, err := New(srv.URL, "", "").Upload(context.Background(), writeClip(t))
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := New("http://127.0.0.1:1", "", "").Upload(context.Background(), filepath.Join(t.TempDir(), "nope.mp4"))
		assert.Error(t, err)
	})

	t.Run("no url", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"ok":true}`))
		}))
		defer srv.Close()

		_, err := New(srv.URL, "", "").Upload(context.Background(), writeClip(t))
		assert.Error(t, err)
	})
}
