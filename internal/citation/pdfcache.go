package citation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

const (
	cacheEnvVar         = "KBCHAT_CACHE_DIR"
	cacheSubdir         = "kbchat/citations"
	cacheTTL            = 24 * time.Hour
	downloadHTTPTimeout = 90 * time.Second
)

// pdfCache keeps cited documents on disk, keyed by URL without its query so
// re-signed links of one document share a file.
type pdfCache struct {
	dir    string
	client *http.Client
	log    *zap.Logger
}

// docMeta is the validator state stored next to a cached document.
type docMeta struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	FetchedAt    time.Time `json:"fetched_at"`
	Size         int64     `json:"size"`
}

// cachedDoc names the three files backing one document.
type cachedDoc struct {
	pdf  string
	meta string
	part string
}

func defaultCacheDir() string {
	if dir := os.Getenv(cacheEnvVar); dir != "" {
		return dir
	}
	base, err := os.UserCacheDir()
	if err != nil {
		base = filepath.Join(os.TempDir(), "kbchat-cache")
	}
	return filepath.Join(base, cacheSubdir)
}

func newPDFCache(dir string, client *http.Client, logger *zap.Logger) (*pdfCache, error) {
	if dir == "" {
		dir = defaultCacheDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create citation cache: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: downloadHTTPTimeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &pdfCache{dir: dir, client: client, log: logger.Named("pdfcache")}, nil
}

func (c *pdfCache) entry(docURL string) cachedDoc {
	base := filepath.Join(c.dir, cacheKey(docURL))
	return cachedDoc{pdf: base + ".pdf", meta: base + ".json", part: base + ".part"}
}

// Fetch returns a local path for docURL. A fresh copy is served as is, a
// stale one is revalidated, and a stale copy still wins over a failed
// download.
func (c *pdfCache) Fetch(ctx context.Context, docURL string) (string, error) {
	doc := c.entry(docURL)

	var cached fs.FileInfo
	if info, err := os.Stat(doc.pdf); err == nil && info.Size() > 0 {
		if time.Since(info.ModTime()) < cacheTTL {
			return doc.pdf, nil
		}
		cached = info
	}

	meta, _ := doc.loadMeta()
	err := c.download(ctx, docURL, doc, meta, cached != nil)
	if err == nil {
		return doc.pdf, nil
	}
	if cached != nil {
		c.log.Warn("revalidation failed, serving stale copy", zap.String("path", doc.pdf), zap.Error(err))
		return doc.pdf, nil
	}
	return "", err
}

func (c *pdfCache) download(ctx context.Context, docURL string, doc cachedDoc, meta docMeta, haveCopy bool) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, docURL, nil)
	if err != nil {
		return err
	}
	if haveCopy {
		setHeaderIf(req, "If-None-Match", meta.ETag)
		setHeaderIf(req, "If-Modified-Since", meta.LastModified)
	}
	resumeFrom := doc.partialSize()
	if resumeFrom > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumeFrom))
		validator := meta.ETag
		if validator == "" {
			validator = meta.LastModified
		}
		setHeaderIf(req, "If-Range", validator)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotModified:
		if !haveCopy {
			// Conditional headers were never sent; retry once unconditionally.
			return c.download(ctx, docURL, doc, docMeta{}, false)
		}
		now := time.Now()
		_ = os.Chtimes(doc.pdf, now, now)
		meta.FetchedAt = now.UTC()
		return doc.saveMeta(meta)
	case http.StatusOK, http.StatusPartialContent:
		appendPart := resp.StatusCode == http.StatusPartialContent && resumeFrom > 0
		if err := doc.commit(resp.Body, appendPart); err != nil {
			return err
		}
		c.log.Debug("cached cited document", zap.String("url", stripQuery(docURL)), zap.Bool("resumed", appendPart))
		return doc.saveMeta(metaFromResponse(resp, doc.pdf))
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("document download failed: %s (%s)", resp.Status, body)
	}
}

func setHeaderIf(req *http.Request, key, value string) {
	if value != "" {
		req.Header.Set(key, value)
	}
}

func metaFromResponse(resp *http.Response, path string) docMeta {
	meta := docMeta{
		URL:          stripQuery(resp.Request.URL.String()),
		ETag:         resp.Header.Get("Etag"),
		LastModified: resp.Header.Get("Last-Modified"),
		FetchedAt:    time.Now().UTC(),
	}
	if info, err := os.Stat(path); err == nil {
		meta.Size = info.Size()
	}
	return meta
}

func (d cachedDoc) partialSize() int64 {
	info, err := os.Stat(d.part)
	if err != nil {
		return 0
	}
	return info.Size()
}

// commit writes body into the partial file and moves it into place.
func (d cachedDoc) commit(body io.Reader, appendPart bool) error {
	mode := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if appendPart {
		mode = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(d.part, mode, 0o644)
	if err != nil {
		return err
	}
	_, copyErr := io.Copy(f, body)
	closeErr := f.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(d.part), err)
	}
	return os.Rename(d.part, d.pdf)
}

func (d cachedDoc) loadMeta() (docMeta, error) {
	var meta docMeta
	data, err := os.ReadFile(d.meta)
	if err != nil {
		return meta, err
	}
	err = json.Unmarshal(data, &meta)
	return meta, err
}

func (d cachedDoc) saveMeta(meta docMeta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(d.meta, data, 0o644)
}

func cacheKey(docURL string) string {
	sum := sha256.Sum256([]byte(stripQuery(docURL)))
	return hex.EncodeToString(sum[:16])
}

func stripQuery(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
