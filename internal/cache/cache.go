// Package cache downloads remote media files once and replays them from
// local disk, keeping per-resource metadata (type, validators) in redis so
// cached copies can be revalidated against the origin.
package cache

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// ErrUnsupportedFormat is returned when the origin serves a MIME type that
// the media server cannot play from disk.
var ErrUnsupportedFormat = errors.New("cache: unsupported resource format")

var mimeTypes = map[string]string{
	"audio/mpeg":  "mp3",
	"audio/x-wav": "wav",
	"audio/wav":   "wav",
}

const keySet = "resource_key"

// ResourceCache stores media files under a local directory and their
// metadata in redis.
type ResourceCache struct {
	rdb  *redis.Client
	path string
	http *http.Client
	log  *logrus.Entry
}

// New opens the cache. The directory is created when missing.
func New(redisAddr string, redisDB int, path string, log *logrus.Entry) (*ResourceCache, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("cache dir: %w", err)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ResourceCache{
		rdb:  redis.NewClient(&redis.Options{Addr: redisAddr, DB: redisDB}),
		path: path,
		http: &http.Client{Timeout: 30 * time.Second},
		log:  log,
	}, nil
}

// Close releases the redis connection.
func (c *ResourceCache) Close() error { return c.rdb.Close() }

// ResourceKey derives the stable cache key for a URL.
func ResourceKey(url string) string {
	sum := md5.Sum([]byte(url))
	return base64.URLEncoding.EncodeToString(sum[:])
}

func metaKey(resourceKey string) string {
	return keySet + ":" + resourceKey
}

type meta struct {
	resourceType string
	etag         string
	lastModified string
}

func (c *ResourceCache) getMeta(ctx context.Context, key string) (*meta, error) {
	member, err := c.rdb.SIsMember(ctx, keySet, key).Result()
	if err != nil || !member {
		return nil, err
	}
	vals, err := c.rdb.HMGet(ctx, metaKey(key), "resource_type", "etag", "last_modified").Result()
	if err != nil {
		return nil, err
	}
	m := &meta{}
	if s, ok := vals[0].(string); ok {
		m.resourceType = s
	}
	if s, ok := vals[1].(string); ok {
		m.etag = s
	}
	if s, ok := vals[2].(string); ok {
		m.lastModified = s
	}
	return m, nil
}

func (c *ResourceCache) putMeta(ctx context.Context, key string, m *meta) error {
	if err := c.rdb.SAdd(ctx, keySet, key).Err(); err != nil {
		return err
	}
	return c.rdb.HSet(ctx, metaKey(key),
		"resource_type", m.resourceType,
		"etag", m.etag,
		"last_modified", m.lastModified).Err()
}

// Delete removes a resource's metadata.
func (c *ResourceCache) Delete(ctx context.Context, resourceKey string) error {
	if err := c.rdb.SRem(ctx, keySet, resourceKey).Err(); err != nil {
		return err
	}
	return c.rdb.Del(ctx, metaKey(resourceKey)).Err()
}

// download fetches the URL to disk and records its metadata. Returns the
// local file path.
func (c *ResourceCache) download(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("cache: fetch %s: status %d", url, resp.StatusCode)
	}
	contentType, _, _ := strings.Cut(resp.Header.Get("Content-Type"), ";")
	ext, ok := mimeTypes[strings.TrimSpace(contentType)]
	if !ok {
		return "", ErrUnsupportedFormat
	}

	key := ResourceKey(url)
	local := filepath.Join(c.path, key+"."+ext)
	f, err := os.Create(local)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(local)
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}

	err = c.putMeta(ctx, key, &meta{
		resourceType: ext,
		etag:         resp.Header.Get("ETag"),
		lastModified: resp.Header.Get("Last-Modified"),
	})
	if err != nil {
		c.log.WithError(err).Warn("cache metadata write failed")
	}
	return local, nil
}

// changed checks the origin with the stored validators. Without validators
// the cached copy is trusted.
func (c *ResourceCache) changed(ctx context.Context, url string, m *meta) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	switch {
	case m.etag != "":
		req.Header.Set("If-None-Match", m.etag)
	case m.lastModified != "":
		req.Header.Set("If-Modified-Since", m.lastModified)
	default:
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode != http.StatusNotModified
}

// Get resolves a URL to a playable local path, downloading or revalidating
// as needed. On unsupported formats the error is returned so the caller can
// fall back to streaming from source.
func (c *ResourceCache) Get(ctx context.Context, url string) (string, error) {
	key := ResourceKey(url)
	m, err := c.getMeta(ctx, key)
	if err != nil {
		return "", err
	}
	if m == nil {
		c.log.WithField("url", url).Info("resource not cached, downloading")
		return c.download(ctx, url)
	}
	if c.changed(ctx, url, m) {
		c.log.WithField("url", url).Info("resource changed at origin, refreshing")
		return c.download(ctx, url)
	}
	return filepath.Join(c.path, key+"."+m.resourceType), nil
}

// ShoutURL rewrites an http/https/ftp URL into the media server's streaming
// pseudo-scheme, the fallback when no cache is configured or the format is
// unsupported.
func ShoutURL(url string) string {
	lower := strings.ToLower(url)
	for _, prefix := range []string{"http://", "https://", "ftp://"} {
		if strings.HasPrefix(lower, prefix) {
			return "shout://" + url[len(prefix):]
		}
	}
	return url
}

// Resolve is the playback resolution used by verbs: local paths pass
// through, remote URLs go through the cache when one is present, otherwise
// they are rewritten for streaming.
func Resolve(ctx context.Context, c *ResourceCache, rawURL string) string {
	lower := strings.ToLower(rawURL)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") && !strings.HasPrefix(lower, "ftp://") {
		return rawURL
	}
	if c == nil {
		return ShoutURL(rawURL)
	}
	local, err := c.Get(ctx, rawURL)
	if err != nil {
		logrus.WithError(err).WithField("url", rawURL).Error("cache lookup failed, streaming from source")
		return ShoutURL(rawURL)
	}
	return local
}
