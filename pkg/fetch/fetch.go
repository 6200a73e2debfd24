// Package fetch downloads source archives, verifies them against their
// pinned SHA-256 and unpacks them into a work directory.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v3"

	"github.com/openfroyo/keg/pkg/formula"
)

// Error is a fetch failure with an optional hint for the user.
type Error struct {
	URL       string
	Operation string
	Err       error
	Hint      string
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s failed: %s", e.URL, e.Operation, e.Err)
	if e.Hint != "" {
		msg += " (" + e.Hint + ")"
	}
	return msg
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPClient is the subset of *http.Client used for downloads.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Result describes a fetched and unpacked source.
type Result struct {
	// Archive is the verified archive in the cache.
	Archive string `json:"archive"`

	// SourceDir is the unpacked source tree. When the archive has a single
	// top-level directory, SourceDir is that directory.
	SourceDir string `json:"source_dir"`

	SHA256 string `json:"sha256"`

	// Cached is set when the archive was already in the cache.
	Cached bool `json:"cached"`
}

// Fetcher downloads into a content-addressed cache.
type Fetcher struct {
	// CacheDir holds verified archives by hash.
	CacheDir string

	Client HTTPClient

	// MaxSize bounds downloads in bytes. Zero means no limit.
	MaxSize int64

	// Timeout bounds a single download. Zero means no extra timeout.
	Timeout time.Duration

	// Progress, when set, receives a progress bar.
	Progress io.Writer

	Logger zerolog.Logger
}

// New creates a Fetcher caching under cacheDir.
func New(cacheDir string, logger zerolog.Logger) *Fetcher {
	return &Fetcher{
		CacheDir: cacheDir,
		Client:   http.DefaultClient,
		Logger:   logger,
	}
}

// Fetch makes src available under workDir. The archive is downloaded only
// when the cache has no verified copy.
func (f *Fetcher) Fetch(ctx context.Context, src formula.Source, workDir string) (*Result, error) {
	want := strings.ToLower(src.SHA256)
	archive, cached, err := f.archive(ctx, src.URL, want)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, &Error{URL: src.URL, Operation: "unpack", Err: err}
	}
	root, err := Unpack(archive, workDir, archiveName(src.URL))
	if err != nil {
		return nil, &Error{URL: src.URL, Operation: "unpack", Err: err}
	}

	f.Logger.Info().
		Str("url", src.URL).
		Str("sha256", want).
		Bool("cached", cached).
		Str("source_dir", root).
		Msg("Source fetched")

	return &Result{Archive: archive, SourceDir: root, SHA256: want, Cached: cached}, nil
}

// archive returns the path of a verified archive in the cache.
func (f *Fetcher) archive(ctx context.Context, rawURL, want string) (string, bool, error) {
	objDir := filepath.Join(f.CacheDir, "objects")
	if err := os.MkdirAll(objDir, 0o755); err != nil {
		return "", false, &Error{URL: rawURL, Operation: "cache", Err: err}
	}
	obj := filepath.Join(objDir, want)

	if got, err := hashFile(obj); err == nil {
		if got == want {
			return obj, true, nil
		}
		f.Logger.Warn().Str("object", obj).Msg("Removing corrupt cache entry")
		_ = os.Remove(obj)
	}

	tmp, err := os.CreateTemp(objDir, ".download-*")
	if err != nil {
		return "", false, &Error{URL: rawURL, Operation: "cache", Err: err}
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	err = f.download(ctx, rawURL, io.MultiWriter(tmp, h))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", false, err
	}

	got := hex.EncodeToString(h.Sum(nil))
	if got != want {
		return "", false, &Error{
			URL:       rawURL,
			Operation: "verify",
			Err:       fmt.Errorf("checksum mismatch: expected %s, got %s", want, got),
			Hint:      "the upstream archive changed; update sha256 in the formula",
		}
	}

	if err := os.Rename(tmp.Name(), obj); err != nil {
		return "", false, &Error{URL: rawURL, Operation: "cache", Err: err}
	}
	return obj, false, nil
}

func (f *Fetcher) download(ctx context.Context, rawURL string, w io.Writer) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return &Error{URL: rawURL, Operation: "fetch", Err: err}
	}

	var body io.ReadCloser
	var size int64 = -1
	switch u.Scheme {
	case "file":
		fh, err := os.Open(u.Path)
		if err != nil {
			return &Error{URL: rawURL, Operation: "fetch", Err: err, Hint: "check that the local archive exists"}
		}
		if info, err := fh.Stat(); err == nil {
			size = info.Size()
		}
		body = fh

	case "http", "https":
		if f.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, f.Timeout)
			defer cancel()
		}
		client := f.Client
		if client == nil {
			client = http.DefaultClient
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return &Error{URL: rawURL, Operation: "fetch", Err: fmt.Errorf("creating request: %w", err)}
		}
		resp, err := client.Do(req)
		if err != nil {
			return &Error{URL: rawURL, Operation: "fetch", Err: err, Hint: "check network connectivity and URL"}
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return &Error{URL: rawURL, Operation: "fetch", Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
		}
		size = resp.ContentLength
		body = resp.Body

	default:
		return &Error{URL: rawURL, Operation: "fetch", Err: fmt.Errorf("unsupported scheme %q", u.Scheme)}
	}
	defer body.Close()

	if f.MaxSize > 0 && size > f.MaxSize {
		return &Error{URL: rawURL, Operation: "fetch", Err: fmt.Errorf("archive exceeds max size %d bytes", f.MaxSize)}
	}

	var r io.Reader = body
	if f.MaxSize > 0 {
		r = io.LimitReader(body, f.MaxSize+1)
	}
	if f.Progress != nil {
		bar := progressbar.NewOptions64(size,
			progressbar.OptionSetWriter(f.Progress),
			progressbar.OptionSetDescription("downloading "+archiveName(rawURL)),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWidth(40),
			progressbar.OptionThrottle(100*time.Millisecond),
		)
		defer bar.Finish()
		w = io.MultiWriter(w, bar)
	}

	n, err := io.Copy(w, r)
	if err != nil {
		return &Error{URL: rawURL, Operation: "fetch", Err: fmt.Errorf("reading body: %w", err)}
	}
	if f.MaxSize > 0 && n > f.MaxSize {
		return &Error{URL: rawURL, Operation: "fetch", Err: fmt.Errorf("archive exceeds max size %d bytes", f.MaxSize)}
	}
	return nil
}

func archiveName(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil {
		if name := path.Base(u.Path); name != "" && name != "." && name != "/" {
			return name
		}
	}
	return "source"
}

func hashFile(p string) (string, error) {
	fh, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer fh.Close()

	h := sha256.New()
	if _, err := io.Copy(h, fh); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
