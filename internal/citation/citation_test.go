package citation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	calls   atomic.Int32
	release chan struct{}
	fail    atomic.Bool
}

func (s *fakeSource) CitationURL(ctx context.Context, token, projectID, messageID, citationID string) (string, error) {
	s.calls.Add(1)
	if s.release != nil {
		<-s.release
	}
	if s.fail.Load() {
		return "", errors.New("service unavailable")
	}
	return fmt.Sprintf("https://files.example.com/%s/%s.pdf?sig=%s", projectID, citationID, token), nil
}

type staticToken string

func (t staticToken) Token() string { return string(t) }

func TestConcurrentResolvesShareOneCall(t *testing.T) {
	t.Parallel()

	source := &fakeSource{release: make(chan struct{})}
	r := NewResolver(Config{Client: source, Tokens: staticToken("tok")})

	const callers = 8
	var wg sync.WaitGroup
	results := make([]Target, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = r.Resolve(context.Background(), "p1", "m1", "c1")
		}(i)
	}
	require.Eventually(t, func() bool { return source.calls.Load() == 1 }, time.Second, time.Millisecond)
	// give the other callers time to join the in-flight call
	time.Sleep(20 * time.Millisecond)
	close(source.release)
	wg.Wait()

	require.EqualValues(t, 1, source.calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, results[0], results[i])
	}
	require.Equal(t, "https://files.example.com/p1/c1.pdf?sig=tok", results[0].URL)

	_, err := r.Resolve(context.Background(), "p1", "m1", "c1")
	require.NoError(t, err)
	require.EqualValues(t, 1, source.calls.Load(), "cached target must not refetch")
}

func TestFailuresAreNotCached(t *testing.T) {
	t.Parallel()

	source := &fakeSource{}
	source.fail.Store(true)
	r := NewResolver(Config{Client: source})

	_, err := r.Resolve(context.Background(), "p1", "m1", "c1")
	require.Error(t, err)
	_, ok := r.Cached("c1")
	require.False(t, ok)

	source.fail.Store(false)
	target, err := r.Resolve(context.Background(), "p1", "m1", "c1")
	require.NoError(t, err)
	require.Equal(t, "c1", target.CitationID)
	require.EqualValues(t, 2, source.calls.Load())
}

func TestResetDropsCache(t *testing.T) {
	t.Parallel()

	source := &fakeSource{}
	r := NewResolver(Config{Client: source})
	_, err := r.Resolve(context.Background(), "p1", "m1", "c1")
	require.NoError(t, err)
	r.Reset()
	_, ok := r.Cached("c1")
	require.False(t, ok)
	_, err = r.Resolve(context.Background(), "p1", "m1", "c1")
	require.NoError(t, err)
	require.EqualValues(t, 2, source.calls.Load())
}

func TestCallerCancellationDoesNotAbortSharedCall(t *testing.T) {
	t.Parallel()

	source := &fakeSource{release: make(chan struct{})}
	r := NewResolver(Config{Client: source})

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := r.Resolve(ctx, "p1", "m1", "c1")
		errs <- err
	}()
	require.Eventually(t, func() bool { return source.calls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errs, context.Canceled)

	close(source.release)
	require.Eventually(t, func() bool {
		_, ok := r.Cached("c1")
		return ok
	}, time.Second, time.Millisecond)
}

func newTestCache(t *testing.T, handler http.HandlerFunc) (*pdfCache, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	cache, err := newPDFCache(t.TempDir(), server.Client(), nil)
	if err != nil {
		t.Fatalf("newPDFCache: %v", err)
	}
	return cache, server
}

func TestPDFCacheReusesFreshFileAcrossSignatures(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	cache, server := newTestCache(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Etag", `"v1"`)
		_, _ = w.Write([]byte("%PDF-1.4\nHello"))
	})
	ctx := context.Background()

	path, err := cache.Fetch(ctx, server.URL+"/doc.pdf?sig=one")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	path2, err := cache.Fetch(ctx, server.URL+"/doc.pdf?sig=two")
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if path != path2 {
		t.Fatalf("paths differ: %s vs %s", path, path2)
	}
	if hits.Load() != 1 {
		t.Fatalf("cache miss triggered download, total hits %d", hits.Load())
	}
}

func TestPDFCacheRevalidatesStaleFile(t *testing.T) {
	t.Parallel()

	var conditional atomic.Bool
	cache, server := newTestCache(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			conditional.Store(true)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("Etag", `"v1"`)
		_, _ = w.Write([]byte("%PDF-1.4\nBody"))
	})
	ctx := context.Background()

	path, err := cache.Fetch(ctx, server.URL+"/doc.pdf")
	if err != nil {
		t.Fatalf("initial fetch: %v", err)
	}
	old := time.Now().Add(-(cacheTTL + time.Hour))
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	if _, err := cache.Fetch(ctx, server.URL+"/doc.pdf"); err != nil {
		t.Fatalf("conditional fetch: %v", err)
	}
	if !conditional.Load() {
		t.Fatal("expected a conditional request for the stale file")
	}
	data, _ := os.ReadFile(path)
	if string(data) != "%PDF-1.4\nBody" {
		t.Fatalf("304 must keep the cached body, got %q", data)
	}
}

func TestPDFCacheResumesPartialDownload(t *testing.T) {
	t.Parallel()

	var rangeHeader atomic.Value
	cache, server := newTestCache(t, func(w http.ResponseWriter, r *http.Request) {
		rangeHeader.Store(r.Header.Get("Range"))
		w.Header().Set("Etag", `"resume"`)
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte("world"))
	})
	docURL := server.URL + "/doc.pdf"
	doc := cache.entry(docURL)
	pdfPath, partPath := doc.pdf, doc.part
	if err := os.WriteFile(partPath, []byte("hello "), 0o644); err != nil {
		t.Fatalf("write partial: %v", err)
	}
	if err := doc.saveMeta(docMeta{ETag: `"resume"`}); err != nil {
		t.Fatalf("write meta: %v", err)
	}

	path, err := cache.Fetch(context.Background(), docURL)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if path != pdfPath {
		t.Fatalf("unexpected path: %s", path)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "hello world" {
		t.Fatalf("resume failed, got %q", data)
	}
	if got := rangeHeader.Load(); got != fmt.Sprintf("bytes=%d-", len("hello ")) {
		t.Fatalf("expected range header, got %v", got)
	}
	if _, err := os.Stat(partPath); !os.IsNotExist(err) {
		t.Fatalf("partial file should be removed, err=%v", err)
	}
}

func TestPDFCacheReportsDownloadFailure(t *testing.T) {
	t.Parallel()

	cache, server := newTestCache(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	})
	_, err := cache.Fetch(context.Background(), server.URL+"/doc.pdf")
	if err == nil || !strings.Contains(err.Error(), "410") {
		t.Fatalf("expected download failure, got %v", err)
	}
}

func TestPreviewRejectsNonPDF(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>not a pdf</html>"))
	}))
	t.Cleanup(server.Close)

	previewer, err := NewPreviewer(t.TempDir(), server.Client(), nil)
	require.NoError(t, err)
	_, err = previewer.Preview(context.Background(), Target{CitationID: "c1", URL: server.URL + "/doc.pdf"}, 1)
	require.ErrorContains(t, err, "failed to open pdf")
}

func TestCacheKeyIgnoresQuery(t *testing.T) {
	t.Parallel()
	a := cacheKey("https://example.com/doc.pdf?X-Amz-Signature=1")
	b := cacheKey("https://example.com/doc.pdf?X-Amz-Signature=2")
	if a != b || a == "" || strings.Contains(a, "/") {
		t.Fatalf("unexpected keys %q %q", a, b)
	}
}
