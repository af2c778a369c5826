package upc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"upc-tracker/providers"

	"github.com/ledongthuc/pdf"
	"go.uber.org/zap"
)

// maxDocumentSize begrenzt den Download einzelner Entscheidungen.
const maxDocumentSize = 64 << 20

// DocumentFetcher lädt Entscheidungs-PDFs herunter.
type DocumentFetcher struct {
	Client *http.Client
	Logger *zap.Logger
}

// NewDocumentFetcher erstellt einen neuen DocumentFetcher.
func NewDocumentFetcher(client *http.Client, logger *zap.Logger) *DocumentFetcher {
	return &DocumentFetcher{Client: client, Logger: logger}
}

// FetchDocument lädt die Rohbytes des Dokuments unter url.
func (f *DocumentFetcher) FetchDocument(ctx context.Context, url string) ([]byte, error) {
	f.Logger.Info("Downloading document", zap.String("url", url))
	body, err := get(ctx, f.Client, url)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, maxDocumentSize+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	if len(data) > maxDocumentSize {
		return nil, fmt.Errorf("%w: document %s exceeds %d bytes", providers.ErrMalformed, url, maxDocumentSize)
	}
	return data, nil
}

// PDFExtractor extrahiert Klartext aus PDF-Dokumenten, eine Zeichenkette pro Seite.
type PDFExtractor struct {
	Logger *zap.Logger
}

// NewPDFExtractor erstellt einen neuen PDFExtractor.
func NewPDFExtractor(logger *zap.Logger) *PDFExtractor {
	return &PDFExtractor{Logger: logger}
}

// ExtractText liest alle Seiten. Seiten, deren Text nicht lesbar ist, werden übersprungen.
// Der PDF-Parser kann bei defekten Dateien paniken; das wird in einen Parse-Fehler umgewandelt.
func (e *PDFExtractor) ExtractText(data []byte) (pages []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			pages = nil
			err = fmt.Errorf("%w: pdf parser panic: %v", providers.ErrMalformed, r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: open pdf: %v", providers.ErrMalformed, err)
	}

	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := e.pageText(page)
		if err != nil {
			e.Logger.Warn("Failed to extract text from PDF page", zap.Int("page", i), zap.Error(err))
			continue
		}
		pages = append(pages, text)
	}
	return pages, nil
}

func (e *PDFExtractor) pageText(page pdf.Page) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("page panic: %v", r)
		}
	}()
	return page.GetPlainText(nil)
}
