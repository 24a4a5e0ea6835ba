// Package media downloads and decrypts images attached to callbacks so they
// can be referenced in the text sent upstream.
package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/singleflight"
)

// ImagePlaceholder stands in for an image in the upstream prompt.
const ImagePlaceholder = "[图片]"

const (
	defaultMaxBytes = 20 << 20
	defaultTimeout  = 30 * time.Second
)

var ErrTooLarge = errors.New("media exceeds size limit")

// Decrypter reverses the platform's media encryption.
type Decrypter interface {
	DecryptMedia(raw []byte) ([]byte, error)
}

type ResolverConfig struct {
	Dir       string
	MaxBytes  int64
	Client    *http.Client
	Decrypter Decrypter
	Logger    *slog.Logger
}

// Resolver stores each distinct image once, named by the SHA-256 of its
// decrypted bytes. Concurrent requests for the same URL share one download.
type Resolver struct {
	dir       string
	maxBytes  int64
	client    *http.Client
	decrypter Decrypter
	logger    *slog.Logger
	group     singleflight.Group
}

func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.Dir == "" {
		return nil, errors.New("media dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: defaultTimeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Resolver{
		dir:       cfg.Dir,
		maxBytes:  cfg.MaxBytes,
		client:    cfg.Client,
		decrypter: cfg.Decrypter,
		logger:    cfg.Logger.With("component", "media"),
	}, nil
}

// Resolve downloads url, decrypts it and returns the stored file path.
func (r *Resolver) Resolve(ctx context.Context, url string) (string, error) {
	v, err, shared := r.group.Do(url, func() (any, error) {
		return r.fetch(ctx, url)
	})
	if err != nil {
		return "", err
	}
	if shared {
		r.logger.Debug("shared media download", "url", url)
	}
	return v.(string), nil
}

// Placeholder renders the prompt text for an image. Failures degrade to the
// bare placeholder so the message still reaches the upstream.
func (r *Resolver) Placeholder(ctx context.Context, url string) string {
	if url == "" {
		return ImagePlaceholder
	}
	path, err := r.Resolve(ctx, url)
	if err != nil {
		r.logger.Warn("image unavailable", "err", err)
		return ImagePlaceholder
	}
	return ImagePlaceholder + " " + path
}

func (r *Resolver) fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download: HTTP %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBytes+1))
	if err != nil {
		return "", fmt.Errorf("download: %w", err)
	}
	if int64(len(raw)) > r.maxBytes {
		return "", ErrTooLarge
	}

	data := raw
	if r.decrypter != nil {
		if data, err = r.decrypter.DecryptMedia(raw); err != nil {
			return "", fmt.Errorf("decrypt media: %w", err)
		}
	}

	sum := sha256.Sum256(data)
	path := filepath.Join(r.dir, hex.EncodeToString(sum[:])+extension(data))
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	tmp, err := os.CreateTemp(r.dir, ".download-*")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	r.logger.Info("image stored", "path", path, "bytes", len(data))
	return path, nil
}

var extensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
	"image/bmp":  ".bmp",
}

func extension(data []byte) string {
	if ext, ok := extensions[http.DetectContentType(data)]; ok {
		return ext
	}
	return ".bin"
}
