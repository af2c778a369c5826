package services

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"upc-tracker/models"
	"upc-tracker/providers"
)

const (
	// minRowCells ist die Mindestanzahl Zellen einer echten Entscheidungszeile.
	minRowCells = 5
	// Registernummer steht in Zelle 1, bei manchen Einträgen erst in Zelle 2.
	identityFirstCell = 1
	identityLastCell  = 2
)

var (
	nodePattern = regexp.MustCompile(`/node/(\d+)`)

	placeholders = map[string]bool{"": true, "n/a": true, "-": true}

	dateLayouts = []string{
		"2006-01-02",
		"02.01.2006",
		"2.1.2006",
		"2 January 2006",
		"02 January 2006",
		"2 Jan 2006",
		"January 2, 2006",
		"02/01/2006",
	}
)

// RecordNormalizer wandelt rohe Listenzeilen in Decision-Kandidaten um. Reine Transformation ohne I/O.
type RecordNormalizer struct {
	base       *url.URL
	localeMark *regexp.Regexp
}

// NewRecordNormalizer erstellt einen Normalizer. Relative Links werden gegen baseURL aufgelöst,
// locale (z.B. "en") markiert die bevorzugte Sprachfassung eines Dokuments.
func NewRecordNormalizer(baseURL, locale string) (*RecordNormalizer, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	n := &RecordNormalizer{base: base}
	if locale != "" {
		n.localeMark = regexp.MustCompile(`(?i)(^|[/_.\-])` + regexp.QuoteMeta(locale) + `([/_.\-]|$)`)
	}
	return n, nil
}

// Normalize liefert die Entscheidung zur Zeile oder false, wenn die Zeile keine Entscheidung ist
// (Kopfzeile, zu wenige Zellen, keine verwertbare Registernummer).
func (n *RecordNormalizer) Normalize(row providers.Row) (*models.Decision, bool) {
	if len(row.Cells) < minRowCells {
		return nil, false
	}

	number := identityKey(row.Cells)
	if number == "" {
		return nil, false
	}

	d := &models.Decision{
		Number:       number,
		Date:         cellOrUnknown(row.Cells, 0),
		Court:        cellOrUnknown(row.Cells, 2),
		TypeOfAction: cellOrUnknown(row.Cells, 3),
		Parties:      cellOrUnknown(row.Cells, 4),
	}
	d.DecidedOn = ParseDecisionDate(d.Date)

	pdfURL, node := n.scanLinks(row.Links)
	if pdfURL != "" {
		d.PDFURL = &pdfURL
	}
	if node != "" {
		d.Node = &node
	}
	return d, true
}

// identityKey sucht im festen Zellenfenster die erste Nicht-Platzhalter-Zelle.
func identityKey(cells []string) string {
	last := identityLastCell
	if last > len(cells)-1 {
		last = len(cells) - 1
	}
	for i := identityFirstCell; i <= last; i++ {
		text := strings.TrimSpace(cells[i])
		if placeholders[strings.ToLower(text)] {
			continue
		}
		return text
	}
	return ""
}

func cellOrUnknown(cells []string, i int) string {
	if i >= len(cells) {
		return models.UnknownValue
	}
	if text := strings.TrimSpace(cells[i]); text != "" {
		return text
	}
	return models.UnknownValue
}

// scanLinks wählt den Dokument-Link und die node-ID aus den Links einer Zeile.
func (n *RecordNormalizer) scanLinks(links []string) (pdfURL, node string) {
	pdfHasLocale := false
	for _, href := range links {
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			continue
		}
		abs := n.base.ResolveReference(ref)

		if strings.EqualFold(path.Ext(abs.Path), ".pdf") {
			hasLocale := n.localeMark != nil && n.localeMark.MatchString(abs.Path)
			if pdfURL == "" || (hasLocale && !pdfHasLocale) {
				pdfURL = abs.String()
				pdfHasLocale = hasLocale
			}
		}

		// die letzte Detailseite gewinnt
		if m := nodePattern.FindStringSubmatch(abs.Path); m != nil {
			node = m[1]
		}
	}
	return pdfURL, node
}

// ParseDecisionDate versucht das Datum einer Listenzeile zu lesen; nil bei unbekanntem Format.
func ParseDecisionDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" || s == models.UnknownValue {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}
