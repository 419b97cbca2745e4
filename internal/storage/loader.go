package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/klauspost/compress/gzip"
	"github.com/timmy/sqpsync/internal/resilience"
)

var (
	// ErrDocumentNotFound is returned when a locator points at nothing.
	ErrDocumentNotFound = errors.New("report document not found")
	// ErrDocumentTooLarge is returned when a document exceeds the size ceiling.
	ErrDocumentTooLarge = errors.New("report document exceeds size limit")
	// ErrPathTraversal is returned for local locators that escape the storage root.
	ErrPathTraversal = errors.New("path escapes storage root")
	// ErrFetchTimeout is returned when a fetch does not finish within its timeout.
	ErrFetchTimeout = errors.New("report document fetch timed out")
	// ErrUnsupportedLocator is returned for locators no backend can serve.
	ErrUnsupportedLocator = errors.New("unsupported document locator")
)

// LoaderOptions configures a DocumentLoader.
type LoaderOptions struct {
	LocalRoot string        // local locators must resolve inside this directory
	Objects   ObjectStorage // serves s3:// locators; may be nil
	Bucket    string        // bucket Objects serves
	MaxBytes  int64
	Timeout   time.Duration
	HTTP      *resty.Client // nil uses a default client
}

// DocumentLoader reads report documents from any locator the pipeline records:
// local paths, s3://bucket/key and http(s) URLs. Gzip content is decompressed.
type DocumentLoader struct {
	root     string
	objects  ObjectStorage
	bucket   string
	maxBytes int64
	timeout  time.Duration
	http     *resty.Client
}

// NewDocumentLoader creates a DocumentLoader.
func NewDocumentLoader(opts LoaderOptions) *DocumentLoader {
	root := opts.LocalRoot
	if root != "" {
		if abs, err := filepath.Abs(root); err == nil {
			root = abs
		}
	}
	client := opts.HTTP
	if client == nil {
		client = resty.New()
	}
	return &DocumentLoader{
		root:     root,
		objects:  opts.Objects,
		bucket:   opts.Bucket,
		maxBytes: opts.MaxBytes,
		timeout:  opts.Timeout,
		http:     client,
	}
}

// Fetch returns the decompressed content behind locator. Input errors (not found, too
// large, traversal, unsupported) are marked permanent; a timeout is marked transient.
func (l *DocumentLoader) Fetch(ctx context.Context, locator string) ([]byte, error) {
	locator = strings.TrimSpace(locator)
	if locator == "" {
		return nil, resilience.Permanent(fmt.Errorf("%w: empty locator", ErrDocumentNotFound))
	}
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	var data []byte
	var err error
	switch {
	case strings.HasPrefix(locator, "s3://"):
		data, err = l.fetchObject(ctx, locator)
	case strings.HasPrefix(locator, "https://"), strings.HasPrefix(locator, "http://"):
		data, err = l.fetchHTTP(ctx, locator)
	default:
		data, err = l.fetchLocal(ctx, locator)
	}
	if err == nil {
		data, err = l.decompress(data)
	}
	return data, classify(ctx, locator, err)
}

func classify(ctx context.Context, locator string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		return resilience.Transient(fmt.Errorf("%w: %s", ErrFetchTimeout, locator))
	case errors.Is(err, ErrDocumentNotFound), errors.Is(err, ErrDocumentTooLarge),
		errors.Is(err, ErrPathTraversal), errors.Is(err, ErrUnsupportedLocator):
		return resilience.Permanent(err)
	}
	return err
}

func (l *DocumentLoader) fetchLocal(ctx context.Context, locator string) ([]byte, error) {
	p := strings.TrimPrefix(locator, "file://")
	resolved, err := l.resolveLocal(p)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(resolved)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, resolved)
	}
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrDocumentNotFound, resolved)
	}
	if err := l.checkSize(info.Size()); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(resolved)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return l.readLimited(f)
}

// resolveLocal rejects ".." segments outright and, with a root, anything outside it.
func (l *DocumentLoader) resolveLocal(p string) (string, error) {
	for _, seg := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return "", fmt.Errorf("%w: %s", ErrPathTraversal, p)
		}
	}
	if l.root == "" {
		return filepath.Clean(p), nil
	}
	if filepath.IsAbs(p) {
		return confine(l.root, mustRel(l.root, p))
	}
	return confine(l.root, p)
}

func mustRel(root, p string) string {
	rel, err := filepath.Rel(root, filepath.Clean(p))
	if err != nil {
		return p
	}
	return rel
}

// confine joins key under root and fails if the result leaves root.
func confine(root, key string) (string, error) {
	full := filepath.Join(root, filepath.FromSlash(key))
	rel, err := filepath.Rel(root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, key)
	}
	return full, nil
}

func (l *DocumentLoader) fetchObject(ctx context.Context, locator string) ([]byte, error) {
	u, err := url.Parse(locator)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedLocator, locator)
	}
	if l.objects == nil || (l.bucket != "" && u.Host != l.bucket) {
		return nil, fmt.Errorf("%w: no storage configured for bucket %s", ErrUnsupportedLocator, u.Host)
	}
	key := strings.TrimPrefix(u.Path, "/")

	size, err := l.objects.Size(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := l.checkSize(size); err != nil {
		return nil, err
	}
	body, err := l.objects.Download(ctx, key)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return l.readLimited(body)
}

func (l *DocumentLoader) fetchHTTP(ctx context.Context, locator string) ([]byte, error) {
	resp, err := l.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(locator)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", redact(locator), err)
	}
	body := resp.RawBody()
	defer body.Close()

	switch code := resp.StatusCode(); {
	case code == 404 || code == 410:
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, redact(locator))
	case code < 200 || code > 299:
		return nil, &HTTPError{StatusCode: code, URL: redact(locator)}
	}
	if err := l.checkSize(resp.RawResponse.ContentLength); err != nil {
		return nil, err
	}
	return l.readLimited(body)
}

func (l *DocumentLoader) checkSize(n int64) error {
	if l.maxBytes > 0 && n > l.maxBytes {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrDocumentTooLarge, n, l.maxBytes)
	}
	return nil
}

// readLimited reads at most maxBytes, failing rather than truncating.
func (l *DocumentLoader) readLimited(r io.Reader) ([]byte, error) {
	if l.maxBytes <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, l.maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > l.maxBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrDocumentTooLarge, l.maxBytes)
	}
	return data, nil
}

func (l *DocumentLoader) decompress(data []byte) ([]byte, error) {
	if len(data) < 2 || data[0] != 0x1f || data[1] != 0x8b {
		return data, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open gzip document: %w", err)
	}
	defer zr.Close()
	out, err := l.readLimited(zr)
	if err != nil {
		return nil, fmt.Errorf("decompress document: %w", err)
	}
	return out, nil
}

// HTTPError is a non-2xx response from a document URL.
type HTTPError struct {
	StatusCode int
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
}

// HTTPStatus exposes the status code to retry classification.
func (e *HTTPError) HTTPStatus() int { return e.StatusCode }

// redact drops the query string, which carries presigned credentials.
func redact(locator string) string {
	if i := strings.IndexByte(locator, '?'); i >= 0 {
		return locator[:i]
	}
	return locator
}
