// Package content resolves asset content URLs to local files: HTTP
// downloads, s3:// objects and local paths, with an on-disk cache and
// frame extraction for videos.
package content

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/labelport/labelport/internal/observability"
)

var errLocalContent = errors.New("local file content is not allowed")

// FetchError reports a failed download.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 && e.Err == nil {
		return fmt.Sprintf("fetch %s: HTTP %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsRetryable returns true for server errors and transport failures.
func (e *FetchError) IsRetryable() bool {
	return e.StatusCode == 0 || e.StatusCode >= 500
}

// CachePolicy controls whether downloads are kept between exports.
type CachePolicy struct {
	Enabled  bool
	MaxBytes int64
}

type FetcherConfig struct {
	CacheDir string
	Policy   CachePolicy
	// Index is optional; without it cached files are found by name only
	// and never evicted.
	Index CacheIndex

	// ContentRepositoryURL is the prefix of URLs served by the platform.
	// Requests to it carry the API key.
	ContentRepositoryURL string
	APIKey               string

	// AllowLocal lets absolute paths and file:// URLs be read from the
	// local disk. Content URLs coming from the platform must not set it.
	AllowLocal bool

	HTTPClient *http.Client
	Objects    ObjectStore
	Extractor  FrameExtractor
	Logger     *slog.Logger
}

// Fetcher turns asset content URLs into local files.
type Fetcher struct {
	cfg FetcherConfig
	mu  sync.Mutex
	now func() time.Time
}

func NewFetcher(cfg FetcherConfig) (*Fetcher, error) {
	if cfg.CacheDir == "" {
		return nil, fmt.Errorf("cache dir is required")
	}
	if err := os.MkdirAll(cfg.CacheDir, 0755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Fetcher{cfg: cfg, now: time.Now}, nil
}

// IsServing reports whether the platform itself serves this URL.
func (f *Fetcher) IsServing(rawURL string) bool {
	prefix := strings.TrimRight(f.cfg.ContentRepositoryURL, "/")
	return prefix != "" && (rawURL == prefix || strings.HasPrefix(rawURL, prefix+"/"))
}

// Fetch writes the content at rawURL to dst, going through the cache when
// it is enabled. dst is written atomically.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, dst string) error {
	ctx, span := observability.StartSpan(ctx, "content.fetch")
	defer span.End()

	if local, ok := f.localPath(rawURL); ok {
		return copyFile(local, dst)
	}

	if f.cfg.Policy.Enabled {
		cached, err := f.Path(ctx, rawURL)
		if err != nil {
			return err
		}
		return copyFile(cached, dst)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	_, err := f.download(ctx, rawURL, dst)
	return err
}

// Path returns a local file holding the content at rawURL, downloading
// it into the cache on a miss.
func (f *Fetcher) Path(ctx context.Context, rawURL string) (string, error) {
	if local, ok := f.localPath(rawURL); ok {
		if _, err := os.Stat(local); err != nil {
			return "", &FetchError{URL: rawURL, StatusCode: http.StatusNotFound, Err: err}
		}
		return local, nil
	}

	key := cacheKey(rawURL)
	target := filepath.Join(f.cfg.CacheDir, key+extension(rawURL))

	if hit, ok := f.lookup(ctx, key, target); ok {
		return hit, nil
	}

	size, err := f.download(ctx, rawURL, target)
	if err != nil {
		return "", err
	}

	if f.cfg.Index != nil {
		now := f.now()
		entry := &CacheEntry{Key: key, URL: rawURL, Path: target, Size: size, FetchedAt: now, LastUsedAt: now}
		if err := f.cfg.Index.Put(ctx, entry); err != nil {
			f.cfg.Logger.Warn("failed to index cached content", "key", key, "error", err)
		}
		f.evict(ctx, key)
	}
	return target, nil
}

func (f *Fetcher) lookup(ctx context.Context, key, target string) (string, bool) {
	if f.cfg.Index == nil {
		if _, err := os.Stat(target); err == nil {
			return target, true
		}
		return "", false
	}

	entry, err := f.cfg.Index.Get(ctx, key)
	if err != nil {
		f.cfg.Logger.Warn("cache index lookup failed", "key", key, "error", err)
		return "", false
	}
	if entry == nil {
		return "", false
	}
	if _, err := os.Stat(entry.Path); err != nil {
		// File removed behind our back; treat as a miss.
		_ = f.cfg.Index.Delete(ctx, key)
		return "", false
	}
	if err := f.cfg.Index.Touch(ctx, key, f.now()); err != nil {
		f.cfg.Logger.Warn("cache touch failed", "key", key, "error", err)
	}
	return entry.Path, true
}

// evict trims the cache to the policy's byte budget, least recently used
// first. The entry identified by keep is never evicted.
func (f *Fetcher) evict(ctx context.Context, keep string) {
	if f.cfg.Policy.MaxBytes <= 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	total, err := f.cfg.Index.TotalSize(ctx)
	if err != nil || total <= f.cfg.Policy.MaxBytes {
		return
	}

	entries, err := f.cfg.Index.LeastRecentlyUsed(ctx, 0)
	if err != nil {
		f.cfg.Logger.Warn("cache eviction listing failed", "error", err)
		return
	}
	var freed int64
	for _, e := range entries {
		if total-freed <= f.cfg.Policy.MaxBytes {
			break
		}
		if e.Key == keep {
			continue
		}
		if err := os.Remove(e.Path); err != nil && !os.IsNotExist(err) {
			f.cfg.Logger.Warn("failed to remove cached file", "path", e.Path, "error", err)
			continue
		}
		if err := f.cfg.Index.Delete(ctx, e.Key); err != nil {
			f.cfg.Logger.Warn("failed to drop cache entry", "key", e.Key, "error", err)
			continue
		}
		freed += e.Size
	}
	if freed > 0 {
		f.cfg.Logger.Info("evicted cached content",
			"freed", humanize.Bytes(uint64(freed)),
			"budget", humanize.Bytes(uint64(f.cfg.Policy.MaxBytes)),
		)
	}
}

// download writes rawURL to dst through a temp file in the same directory.
func (f *Fetcher) download(ctx context.Context, rawURL, dst string) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".download-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	n, err := f.copyTo(ctx, rawURL, tmp)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return 0, fmt.Errorf("move download into place: %w", err)
	}

	f.cfg.Logger.Debug("downloaded content", "url", redact(rawURL), "bytes", n)
	return n, nil
}

func (f *Fetcher) copyTo(ctx context.Context, rawURL string, w io.Writer) (int64, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, &FetchError{URL: rawURL, Err: err}
	}

	switch u.Scheme {
	case "http", "https":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return 0, &FetchError{URL: rawURL, Err: err}
		}
		if f.IsServing(rawURL) && f.cfg.APIKey != "" {
			req.Header.Set("Authorization", "X-API-Key: "+f.cfg.APIKey)
		}
		resp, err := f.cfg.HTTPClient.Do(req)
		if err != nil {
			return 0, &FetchError{URL: redact(rawURL), Err: err}
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return 0, &FetchError{URL: redact(rawURL), StatusCode: resp.StatusCode}
		}
		n, err := io.Copy(w, resp.Body)
		if err != nil {
			return n, &FetchError{URL: redact(rawURL), Err: err}
		}
		return n, nil

	case "s3":
		if f.cfg.Objects == nil {
			return 0, &FetchError{URL: rawURL, Err: fmt.Errorf("s3 content requires an object storage endpoint")}
		}
		bucket, key, err := ParseS3URL(rawURL)
		if err != nil {
			return 0, &FetchError{URL: rawURL, Err: err}
		}
		return f.cfg.Objects.GetObject(ctx, bucket, key, w)

	case "", "file":
		return 0, &FetchError{URL: rawURL, StatusCode: http.StatusForbidden, Err: errLocalContent}

	default:
		return 0, &FetchError{URL: rawURL, Err: fmt.Errorf("unsupported scheme %q", u.Scheme)}
	}
}

// ExtractFrames writes the first len(dsts) frames of the video at
// videoURL to dsts, in order.
func (f *Fetcher) ExtractFrames(ctx context.Context, videoURL string, dsts []string) error {
	if f.cfg.Extractor == nil {
		return fmt.Errorf("no frame extractor configured")
	}
	ctx, span := observability.StartSpan(ctx, "content.extract_frames")
	defer span.End()

	video, cleanup, err := f.videoFile(ctx, videoURL)
	if err != nil {
		return err
	}
	defer cleanup()

	outDir, err := os.MkdirTemp(f.cfg.CacheDir, ".frames-*")
	if err != nil {
		return fmt.Errorf("create frame dir: %w", err)
	}
	defer os.RemoveAll(outDir)

	frames, err := f.cfg.Extractor.ExtractFrames(ctx, video, outDir, len(dsts))
	if err != nil {
		return fmt.Errorf("extract frames of %s: %w", redact(videoURL), err)
	}
	if len(frames) < len(dsts) {
		return fmt.Errorf("video %s has %d frames, %d needed", redact(videoURL), len(frames), len(dsts))
	}
	sort.Strings(frames)

	for i, dst := range dsts {
		if err := copyFile(frames[i], dst); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fetcher) videoFile(ctx context.Context, videoURL string) (string, func(), error) {
	if local, ok := f.localPath(videoURL); ok {
		return local, func() {}, nil
	}
	if f.cfg.Policy.Enabled {
		p, err := f.Path(ctx, videoURL)
		return p, func() {}, err
	}
	tmp := filepath.Join(f.cfg.CacheDir, ".video-"+cacheKey(videoURL)+extension(videoURL))
	if _, err := f.download(ctx, videoURL, tmp); err != nil {
		return "", nil, err
	}
	return tmp, func() { os.Remove(tmp) }, nil
}

func cacheKey(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return hex.EncodeToString(sum[:])
}

// extension returns the lower-cased extension of the URL path, if short
// enough to be a real one.
func extension(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	ext := strings.ToLower(path.Ext(p))
	if len(ext) < 2 || len(ext) > 6 {
		return ""
	}
	return ext
}

// Extension is the file extension to give content fetched from rawURL,
// falling back to def.
func Extension(rawURL, def string) string {
	if ext := extension(rawURL); ext != "" {
		return ext
	}
	return def
}

// localPath returns the file behind an absolute path or file:// URL when
// local content is allowed.
func (f *Fetcher) localPath(rawURL string) (string, bool) {
	if !f.cfg.AllowLocal {
		return "", false
	}
	if strings.HasPrefix(rawURL, "file://") {
		u, err := url.Parse(rawURL)
		if err != nil {
			return "", false
		}
		return u.Path, true
	}
	if filepath.IsAbs(rawURL) {
		return rawURL, true
	}
	return "", false
}

// redact drops the query string, which often carries signed credentials.
func redact(rawURL string) string {
	if i := strings.IndexByte(rawURL, '?'); i >= 0 {
		return rawURL[:i]
	}
	return rawURL
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return &FetchError{URL: src, StatusCode: http.StatusNotFound, Err: err}
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".copy-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, dst)
}
