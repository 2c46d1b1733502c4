// Package covers maintains the idempotent cache of book cover images,
// keyed by sanitized book title.
package covers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/sync/singleflight"
	"google.golang.org/api/iterator"
)

const keyPrefix = "cover-"

// ErrNotCached indicates no cover has been stored for a title.
var ErrNotCached = errors.New("cover not cached")

// Cache stores cover images in a local directory or a Cloud Storage bucket.
// Presence of an entry is the entire cache signal: a title with an entry is
// never downloaded again, even if the cover URL changes.
type Cache struct {
	client     *storage.Client
	httpClient *http.Client
	logger     *slog.Logger
	localPath  string
	bucket     string
	group      singleflight.Group
}

// New creates a cover cache. If localPath is non-empty the local backend is
// used and client/bucket are ignored.
func New(client *storage.Client, bucket, localPath string, httpClient *http.Client, logger *slog.Logger) *Cache {
	return &Cache{
		client:     client,
		httpClient: httpClient,
		logger:     logger,
		localPath:  localPath,
		bucket:     bucket,
	}
}

// Key converts a book title into a storage-safe cache key. Titles are
// site-controlled text and must never reach the filesystem unfiltered.
// Returns "" when nothing safe remains.
func Key(title string) string {
	title = strings.Join(strings.Fields(title), " ")

	var b strings.Builder
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			// Drop everything else, including path separators
		}
	}

	key := strings.Trim(b.String(), " .")
	if key == "" {
		return ""
	}
	if len(key) > 128 {
		key = strings.TrimRight(key[:128], " .")
	}
	return keyPrefix + key + ".jpg"
}

// Has reports whether a cover is already cached for title.
func (c *Cache) Has(ctx context.Context, title string) bool {
	key := Key(title)
	if key == "" {
		return false
	}
	return c.exists(ctx, key)
}

// Ensure makes sure a cover for title is cached, downloading imageURL at
// most once per title. Concurrent misses for the same title are collapsed
// into a single download.
func (c *Cache) Ensure(ctx context.Context, title, imageURL string) error {
	key := Key(title)
	if key == "" {
		return fmt.Errorf("title %q produces no usable cache key", title)
	}

	_, err, _ := c.group.Do(key, func() (any, error) {
		if c.exists(ctx, key) {
			c.logger.Debug("Cover already cached", "key", key, "title", title)
			return nil, nil
		}

		data, err := c.download(ctx, imageURL)
		if err != nil {
			return nil, fmt.Errorf("download cover: %w", err)
		}

		if err := c.put(ctx, key, data); err != nil {
			return nil, fmt.Errorf("store cover: %w", err)
		}

		c.logger.Info("Cover cached", "key", key, "title", title, "bytes", len(data))
		return nil, nil
	})
	return err
}

// Open returns a reader over the cached cover for title, plus the entry's
// filename for use as an upload name.
func (c *Cache) Open(ctx context.Context, title string) (io.ReadCloser, string, error) {
	key := Key(title)
	if key == "" {
		return nil, "", fmt.Errorf("title %q produces no usable cache key", title)
	}

	// Local filesystem storage
	if c.localPath != "" {
		f, err := os.Open(filepath.Join(c.localPath, key))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, "", ErrNotCached
			}
			return nil, "", fmt.Errorf("open cached cover: %w", err)
		}
		return f, key, nil
	}

	r, err := c.client.Bucket(c.bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, "", ErrNotCached
		}
		return nil, "", fmt.Errorf("open storage reader: %w", err)
	}
	return r, key, nil
}

// Keys lists all cached cover entries, for diagnostics.
func (c *Cache) Keys(ctx context.Context) ([]string, error) {
	// Local filesystem storage
	if c.localPath != "" {
		entries, err := os.ReadDir(c.localPath)
		if err != nil {
			return nil, fmt.Errorf("read cover directory: %w", err)
		}
		var keys []string
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasPrefix(entry.Name(), keyPrefix) {
				continue
			}
			keys = append(keys, entry.Name())
		}
		return keys, nil
	}

	it := c.client.Bucket(c.bucket).Objects(ctx, &storage.Query{Prefix: keyPrefix})

	var keys []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}
		keys = append(keys, attrs.Name)
	}
	return keys, nil
}

func (c *Cache) exists(ctx context.Context, key string) bool {
	// Local filesystem storage
	if c.localPath != "" {
		_, err := os.Stat(filepath.Join(c.localPath, key))
		return err == nil
	}

	_, err := c.client.Bucket(c.bucket).Object(key).Attrs(ctx)
	return err == nil
}

// download fetches the image fully into memory before anything is written,
// so a failed transfer never leaves a partial entry.
func (c *Cache) download(ctx context.Context, imageURL string) ([]byte, error) {
	var data []byte

	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}

			startTime := time.Now()
			resp, err := c.httpClient.Do(req)
			if err != nil {
				c.logger.Warn("Cover download failed, will retry", "url", imageURL, "error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					c.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			if resp.StatusCode != http.StatusOK {
				c.logger.Warn("Cover download returned non-OK status, will retry", "status_code", resp.StatusCode)
				return fmt.Errorf("HTTP %d", resp.StatusCode)
			}

			data, err = io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("read image body: %w", err)
			}

			c.logger.Info("Cover downloaded",
				"url", imageURL,
				"bytes", len(data),
				"duration_ms", time.Since(startTime).Milliseconds())
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying cover download after error", "attempt", n, "error", err)
		}),
	)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (c *Cache) put(ctx context.Context, key string, data []byte) error {
	// Local filesystem storage: write to a temp file and rename so readers
	// only ever see missing-or-complete entries.
	if c.localPath != "" {
		tmp, err := os.CreateTemp(c.localPath, key+".tmp-*")
		if err != nil {
			return fmt.Errorf("create temp file: %w", err)
		}
		tmpName := tmp.Name()

		if _, err := tmp.Write(data); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
			return fmt.Errorf("write temp file: %w", err)
		}
		if err := tmp.Close(); err != nil {
			_ = os.Remove(tmpName)
			return fmt.Errorf("close temp file: %w", err)
		}
		if err := os.Rename(tmpName, filepath.Join(c.localPath, key)); err != nil {
			_ = os.Remove(tmpName)
			return fmt.Errorf("rename temp file: %w", err)
		}
		return nil
	}

	// Cloud Storage with retry logic for reliability
	err := retry.Do(
		func() error {
			w := c.client.Bucket(c.bucket).Object(key).NewWriter(ctx)
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					c.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			c.logger.Info("Retrying cover store after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("store after retries: %w", err)
	}
	return nil
}
