package citation

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/ledongthuc/pdf"
	"go.uber.org/zap"
)

const maxPreviewChars = 4000

// Preview is the extracted text of one cited page.
type Preview struct {
	Target     Target
	Path       string
	Page       int
	TotalPages int
	Text       string
	Truncated  bool
}

// Previewer downloads cited documents into the disk cache and extracts the
// text of the cited page.
type Previewer struct {
	cache *pdfCache
}

// NewPreviewer builds a Previewer caching under dir, or the user cache dir
// ($KBCHAT_CACHE_DIR overrides) when dir is empty.
func NewPreviewer(dir string, client *http.Client, logger *zap.Logger) (*Previewer, error) {
	cache, err := newPDFCache(dir, client, logger)
	if err != nil {
		return nil, err
	}
	return &Previewer{cache: cache}, nil
}

// Preview fetches target and returns the plain text of page (1-based).
func (p *Previewer) Preview(ctx context.Context, target Target, page int) (Preview, error) {
	path, err := p.cache.Fetch(ctx, target.URL)
	if err != nil {
		return Preview{}, fmt.Errorf("fetch cited document: %w", err)
	}

	file, reader, err := pdf.Open(path)
	if err != nil {
		return Preview{}, fmt.Errorf("failed to open pdf: %w", err)
	}
	defer file.Close()

	total := reader.NumPage()
	if page < 1 || page > total {
		return Preview{}, fmt.Errorf("page %d out of range (document has %d pages)", page, total)
	}
	pg := reader.Page(page)
	if pg.V.IsNull() {
		return Preview{}, fmt.Errorf("page %d is empty", page)
	}
	raw, err := pg.GetPlainText(nil)
	if err != nil {
		return Preview{}, fmt.Errorf("failed to extract pdf text: %w", err)
	}

	text := strings.Join(strings.Fields(raw), " ")
	preview := Preview{Target: target, Path: path, Page: page, TotalPages: total, Text: text}
	if runes := []rune(text); len(runes) > maxPreviewChars {
		preview.Text = string(runes[:maxPreviewChars])
		preview.Truncated = true
	}
	return preview, nil
}
