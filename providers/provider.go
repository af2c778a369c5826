package providers

import (
	"context"
	"errors"
)

// ErrMalformed kennzeichnet Antworten, die erreichbar waren, aber nicht geparst werden konnten.
// Alle anderen Fehler eines Providers gelten als Transportfehler.
var ErrMalformed = errors.New("malformed response")

// Row ist eine rohe Zeile der Entscheidungsliste: Zelltexte plus alle enthaltenen Links.
type Row struct {
	Cells []string `json:"cells"`
	Links []string `json:"links"`
}

// ListingProvider liefert die Zeilen einer Seite der öffentlichen Entscheidungsliste.
type ListingProvider interface {
	// FetchPage lädt Seite page (0-basiert) und gibt die geparsten Zeilen zurück.
	FetchPage(ctx context.Context, page int) ([]Row, error)
}

// DocumentProvider lädt die Rohbytes eines Quelldokuments.
type DocumentProvider interface {
	FetchDocument(ctx context.Context, url string) ([]byte, error)
}

// TextExtractor wandelt Dokument-Bytes in Text um, eine Zeichenkette pro Seite.
type TextExtractor interface {
	ExtractText(data []byte) ([]string, error)
}
