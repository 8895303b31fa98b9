package images

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// progressSteps is how many progress lines a download logs at most.
const progressSteps = 20

// Cache resolves images by id from a cache directory and downloads missing
// ones from their manifest location.
type Cache struct {
	Dir    string
	Client *http.Client
	Logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewCache returns a resolver caching under dir. A nil client selects a
// default with a generous timeout.
func NewCache(dir string, client *http.Client, logger *slog.Logger) *Cache {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Minute}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		Dir:    dir,
		Client: client,
		Logger: logger.With("component", "images.cache"),
		locks:  make(map[string]*sync.Mutex),
	}
}

func (c *Cache) lockFor(id string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[id]
	if !ok {
		l = &sync.Mutex{}
		c.locks[id] = l
	}
	return l
}

func (c *Cache) FindDisk(ctx context.Context, m Manifest) (Image, error) {
	if err := validID(m.ID); err != nil {
		return Image{}, err
	}
	path := filepath.Join(c.Dir, m.ID)

	l := c.lockFor(m.ID)
	l.Lock()
	defer l.Unlock()

	if _, err := os.Stat(path); err == nil {
		c.Logger.Debug("image found in cache", "image_id", m.ID)
		return Image{ID: m.ID, Path: path}, nil
	}
	if strings.TrimSpace(m.Location) == "" {
		return Image{}, fmt.Errorf("%w: %s not cached and no location given", ErrNotFound, m.ID)
	}
	if err := c.download(ctx, m, path); err != nil {
		return Image{}, err
	}
	return Image{ID: m.ID, Path: path}, nil
}

func (c *Cache) FindKernel(ctx context.Context, m Manifest) (Image, error) {
	return c.FindDisk(ctx, m)
}

func (c *Cache) FindRootfs(ctx context.Context, m Manifest) (Image, error) {
	return c.FindDisk(ctx, m)
}

// download streams the image to a temporary file next to path and renames it
// into place once complete and verified.
func (c *Cache) download(ctx context.Context, m Manifest, path string) error {
	logger := c.Logger.With("image_id", m.ID, "location", m.Location)
	logger.Info("downloading image")

	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return fmt.Errorf("images: ensure cache dir: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.Location, nil)
	if err != nil {
		return fmt.Errorf("images: build request for %s: %w", m.ID, err)
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return fmt.Errorf("images: download %s: %w", m.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s at %s", ErrNotFound, m.ID, m.Location)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("images: download %s: unexpected status %s", m.ID, resp.Status)
	}

	tmp, err := os.CreateTemp(c.Dir, m.ID+".download-*")
	if err != nil {
		return fmt.Errorf("images: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpPath)
		}
	}()

	digest := sha256.New()
	progress := &progressWriter{logger: logger, total: resp.ContentLength}
	written, err := io.Copy(io.MultiWriter(tmp, digest, progress), resp.Body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("images: write %s: %w", m.ID, err)
	}

	if err := verify(digest, m.Checksum); err != nil {
		return fmt.Errorf("%w: %s", err, m.ID)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("images: move %s into cache: %w", m.ID, err)
	}
	committed = true
	logger.Info("image downloaded", "path", path, "bytes", written)
	return nil
}

func verify(digest hash.Hash, want string) error {
	want = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(want, "sha256:")))
	if want == "" {
		return nil
	}
	got := hex.EncodeToString(digest.Sum(nil))
	if got != want {
		return fmt.Errorf("%w: got %s want %s", ErrChecksumMismatch, got, want)
	}
	return nil
}

// progressWriter logs download progress in coarse steps.
type progressWriter struct {
	logger *slog.Logger
	total  int64
	read   int64
}

func (p *progressWriter) Write(b []byte) (int, error) {
	step := p.total / progressSteps
	if step <= 0 {
		step = 10_000_000 / progressSteps
	}
	before := p.read / step
	p.read += int64(len(b))
	if p.read/step != before {
		p.logger.Info("download progress", "read_bytes", p.read, "total_bytes", p.total)
	}
	return len(b), nil
}

var _ Resolver = (*Cache)(nil)
