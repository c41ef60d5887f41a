// Package assets downloads account icons referenced by records into a local
// per-day folder, fetching each distinct reference once per run.
package assets

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"lineprov/internal/logging"
	"lineprov/internal/records"

	"github.com/minio/minio-go/v7"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// ErrEmptyRef is returned for a blank media reference.
var ErrEmptyRef = errors.New("empty media reference")

var imageName = regexp.MustCompile(`(?i)/([^/]+\.(jpg|jpeg|png|gif|webp))`)

const (
	defaultConcurrency = 4
	defaultTimeout     = 30 * time.Second
)

// Download is the outcome for one record's reference.
type Download struct {
	Row    int
	Ref    string
	Path   string
	Reused bool
	Err    error
}

// ObjectGetter fetches s3:// references. *minio.Client satisfies it.
type ObjectGetter interface {
	FGetObject(ctx context.Context, bucket, object, filePath string, opts minio.GetObjectOptions) error
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Retriever) { r.http = c }
}

// WithObjectStore enables s3://bucket/key references.
func WithObjectStore(s ObjectGetter) Option {
	return func(r *Retriever) { r.s3 = s }
}

// WithConcurrency bounds parallel downloads.
func WithConcurrency(n int) Option {
	return func(r *Retriever) {
		if n > 0 {
			r.limit = n
		}
	}
}

// WithClock sets the clock used for the day folder.
func WithClock(now func() time.Time) Option {
	return func(r *Retriever) { r.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Retriever) { r.log = l }
}

// Retriever localizes media references under baseDir/YYYY-MM-DD.
type Retriever struct {
	baseDir string
	http    *http.Client
	s3      ObjectGetter
	limit   int
	now     func() time.Time
	log     *zap.Logger

	group singleflight.Group

	mu    sync.Mutex
	seq   map[string]int    // normalized ref -> file sequence
	paths map[string]string // normalized ref -> local path
}

// New creates a Retriever saving under baseDir.
func New(baseDir string, opts ...Option) *Retriever {
	r := &Retriever{
		baseDir: baseDir,
		http:    &http.Client{Timeout: defaultTimeout},
		limit:   defaultConcurrency,
		now:     time.Now,
		seq:     map[string]int{},
		paths:   map[string]string{},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = logging.Or(r.log, logging.CategoryAssets)
	return r
}

// DayDir is the folder downloads land in today.
func (r *Retriever) DayDir() string {
	return filepath.Join(r.baseDir, r.now().Format("2006-01-02"))
}

// RetrieveAll fetches every record's reference. Records without a reference
// are left out; identical references (after normalization) share one file.
func (r *Retriever) RetrieveAll(ctx context.Context, recs []records.Record) (map[int]string, []Download) {
	var downloads []Download
	seen := map[string]bool{}
	for _, rec := range recs {
		ref := strings.TrimSpace(rec.MediaRef)
		if ref == "" {
			continue
		}
		key := NormalizeURL(ref)
		downloads = append(downloads, Download{Row: rec.Row, Ref: ref, Reused: seen[key] || r.cached(key)})
		seen[key] = true
		r.reserve(ref)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.limit)
	for i := range downloads {
		d := &downloads[i]
		g.Go(func() error {
			d.Path, d.Err = r.retrieve(gctx, d.Ref)
			return nil
		})
	}
	_ = g.Wait()

	paths := make(map[int]string, len(downloads))
	for _, d := range downloads {
		if d.Err != nil {
			r.log.Warn("icon download failed", zap.Int("row", d.Row), zap.String("ref", d.Ref), zap.Error(d.Err))
			continue
		}
		paths[d.Row] = d.Path
	}
	return paths, downloads
}

// Retrieve fetches a single reference.
func (r *Retriever) Retrieve(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", ErrEmptyRef
	}
	r.reserve(ref)
	return r.retrieve(ctx, ref)
}

func (r *Retriever) lookup(key string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.paths[key]
	return p, ok
}

func (r *Retriever) cached(key string) bool {
	_, ok := r.lookup(key)
	return ok
}

// reserve assigns the next file sequence to a new reference so numbering
// follows input order.
func (r *Retriever) reserve(ref string) {
	key := NormalizeURL(ref)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seq[key]; !ok {
		r.seq[key] = len(r.seq) + 1
	}
}

func (r *Retriever) retrieve(ctx context.Context, ref string) (string, error) {
	key := NormalizeURL(ref)

	if p, ok := r.lookup(key); ok {
		return p, nil
	}
	r.mu.Lock()
	seq := r.seq[key]
	r.mu.Unlock()

	v, err, _ := r.group.Do(key, func() (any, error) {
		if p, ok := r.lookup(key); ok {
			return p, nil
		}
		dest := filepath.Join(r.DayDir(), fmt.Sprintf("%03d_%s", seq, FileName(ref)))
		if err := r.fetch(ctx, ref, dest); err != nil {
			return "", err
		}
		r.mu.Lock()
		r.paths[key] = dest
		r.mu.Unlock()
		r.log.Debug("icon saved", zap.String("ref", ref), zap.String("path", dest))
		return dest, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (r *Retriever) fetch(ctx context.Context, ref, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}
	if bucket, object, ok := parseS3(ref); ok {
		if r.s3 == nil {
			return fmt.Errorf("%s: object storage not configured", ref)
		}
		if err := r.s3.FGetObject(ctx, bucket, object, dest, minio.GetObjectOptions{}); err != nil {
			return fmt.Errorf("get %s: %w", ref, err)
		}
		return nil
	}
	return r.fetchHTTP(ctx, ConvertDropboxURL(ref), dest)
}

func (r *Retriever) fetchHTTP(ctx context.Context, src, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("download %s: status %d", src, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", dest, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}

// ConvertDropboxURL turns a Dropbox share link into a direct download link.
// Other URLs are returned unchanged.
func ConvertDropboxURL(u string) string {
	if !strings.Contains(u, "dropbox.com") {
		return u
	}
	u = strings.Replace(u, "www.dropbox.com", "dl.dropboxusercontent.com", 1)
	u = strings.Replace(u, "?dl=0", "?dl=1", 1)
	switch {
	case strings.Contains(u, "&dl=0"):
		u = strings.Replace(u, "&dl=0", "&dl=1", 1)
	case !strings.Contains(u, "dl=0") && !strings.Contains(u, "dl=1"):
		if strings.Contains(u, "?") {
			u += "&dl=1"
		} else {
			u += "?dl=1"
		}
	}
	return u
}

// FileName picks a file name from the reference, falling back to a short
// hash of it.
func FileName(ref string) string {
	if m := imageName.FindStringSubmatch(ref); m != nil {
		return m[1]
	}
	sum := md5.Sum([]byte(ref))
	return "image_" + hex.EncodeToString(sum[:])[:8] + ".jpg"
}

// NormalizeURL drops the query and lowercases, for duplicate detection.
func NormalizeURL(ref string) string {
	if i := strings.IndexByte(ref, '?'); i >= 0 {
		ref = ref[:i]
	}
	return strings.ToLower(ref)
}

func parseS3(ref string) (bucket, object string, ok bool) {
	u, err := url.Parse(ref)
	if err != nil || u.Scheme != "s3" || u.Host == "" {
		return "", "", false
	}
	object = strings.TrimPrefix(path.Clean("/"+u.Path), "/")
	if object == "" || object == "." {
		return "", "", false
	}
	return u.Host, object, true
}
