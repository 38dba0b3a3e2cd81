package storage

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"avatarpipe/internal/adapters/storage/fileserver"
	"avatarpipe/internal/config"
	"avatarpipe/internal/pkg/logger"
)

// urlUploader publishes a local file and returns its URL.
type urlUploader interface {
	Upload(ctx context.Context, localPath string) (string, error)
}

// Uploader implements ports.Uploader. Every failure is logged and degrades to
// an empty URL, so callers fall back to the local path.
type Uploader struct {
	backend string
	up      urlUploader
	log     *logger.Logger
}

// NewUploader selects the backend named by UPLOAD_BACKEND. provider is only
// used by the storage backend and must be set for it.
func NewUploader(cfg *config.Config, provider Provider, log *logger.Logger) (*Uploader, error) {
	if log == nil {
		log = logger.NewDefault()
	}
	u := &Uploader{backend: cfg.UploadBackend, log: log.WithComponent("uploader")}

	switch cfg.UploadBackend {
	case "fileserver":
		u.up = fileserver.New(cfg.FileServerURL, cfg.FileServerToken, cfg.UploadSubfolder)
	case "storage":
		if provider == nil {
			return nil, fmt.Errorf("upload backend storage needs a provider")
		}
		u.up = NewProviderUploader(provider, cfg.MediaRoot, cfg.UploadSubfolder, cfg.SignedURLTTL)
	case "none", "":
		u.backend = "none"
	default:
		return nil, fmt.Errorf("unknown upload backend: %s", cfg.UploadBackend)
	}
	return u, nil
}

func (u *Uploader) Upload(ctx context.Context, localPath string) string {
	if u.up == nil {
		return ""
	}
	start := time.Now()
	url, err := u.up.Upload(ctx, localPath)
	if err != nil {
		u.log.Warn("upload failed, keeping local path",
			"backend", u.backend,
			"path", localPath,
			"error", err.Error(),
		)
		return ""
	}
	u.log.Debug("uploaded",
		"backend", u.backend,
		"path", localPath,
		"url", url,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return url
}

// ProviderUploader puts files through a storage provider and resolves their
// URL with GetSignedURL.
type ProviderUploader struct {
	provider  Provider
	mediaRoot string
	prefix    string
	ttl       time.Duration
}

func NewProviderUploader(p Provider, mediaRoot, prefix string, ttl time.Duration) *ProviderUploader {
	return &ProviderUploader{provider: p, mediaRoot: mediaRoot, prefix: prefix, ttl: ttl}
}

// ObjectKey maps a file under the media root to prefix/<path relative to the
// root>; files outside the root keep only their base name.
func (u *ProviderUploader) ObjectKey(localPath string) string {
	rel := filepath.Base(localPath)
	if u.mediaRoot != "" {
		if r, err := filepath.Rel(u.mediaRoot, localPath); err == nil && !strings.HasPrefix(r, "..") {
			rel = filepath.ToSlash(r)
		}
	}
	return path.Join(u.prefix, rel)
}

func (u *ProviderUploader) Upload(ctx context.Context, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return "", err
	}

	contentType := contentTypeOf(localPath)

	out, err := u.provider.PutObject(ctx, PutObjectInput{
		ObjectKey:   u.ObjectKey(localPath),
		ContentType: contentType,
		Reader:      f,
		Size:        st.Size(),
	})
	if err != nil {
		return "", err
	}

	signed, err := u.provider.GetSignedURL(ctx, out.ObjectKey, u.ttl)
	if err != nil {
		return "", err
	}
	if signed.URL == "" {
		return "", fmt.Errorf("%s provider has no public url for %s", u.provider.Provider(), out.ObjectKey)
	}
	return signed.URL, nil
}

var mediaTypes = map[string]string{
	".mp4":   "video/mp4",
	".wav":   "audio/wav",
	".jsonl": "application/x-ndjson",
}

func contentTypeOf(p string) string {
	ext := strings.ToLower(filepath.Ext(p))
	if t, ok := mediaTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}
