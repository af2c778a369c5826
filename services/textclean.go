package services

import (
	"math"
	"regexp"
	"strings"
	"unicode"

	"go.uber.org/zap"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// minHeaderFooterPages: unterhalb dieser Seitenzahl ist Wiederholung kein Kopf-/Fußzeilen-Indiz.
const minHeaderFooterPages = 3

var (
	hyphenationRE = regexp.MustCompile(`(?m)([\p{L}\p{N}])-(?:\r?\n)([\p{Ll}])`)
	pageNumberRE  = regexp.MustCompile(`^(?:[Pp]age\s*)?\d+(?:\s*(?:/|of)\s*\d+)?$`)
	blankRunRE    = regexp.MustCompile(`[\t\f\v \x{00A0}]+`)
	multiBreakRE  = regexp.MustCompile(`\n{3,}`)

	ligatures = strings.NewReplacer(
		"ﬁ", "fi",
		"ﬂ", "fl",
		"ﬀ", "ff",
		"ﬃ", "ffi",
		"ﬄ", "ffl",
		"ﬆ", "st",
	)
)

// CleanOptions steuern die Heuristiken der Textbereinigung
type CleanOptions struct {
	NormalizeUnicode      bool
	FixHyphenation        bool
	CollapseWhitespace    bool
	HeaderFooterDetection bool
	HeaderFooterThreshold float64
}

// DefaultCleanOptions aktiviert alle Heuristiken.
func DefaultCleanOptions() CleanOptions {
	return CleanOptions{
		NormalizeUnicode:      true,
		FixHyphenation:        true,
		CollapseWhitespace:    true,
		HeaderFooterDetection: true,
		HeaderFooterThreshold: 0.6,
	}
}

// CleanStats enthält Kennzahlen zur Bereinigung
type CleanStats struct {
	Pages          int
	HyphenFixes    int
	HeadersRemoved int
	FootersRemoved int
	Retained       int
}

// TextCleaner macht aus seitenweisem PDF-Text einen durchsuchbaren Volltext.
// Zeilen mit Referenzcodes werden nie entfernt.
type TextCleaner struct {
	logger  *zap.Logger
	opts    CleanOptions
	protect *ReferenceExtractor
}

func NewTextCleaner(logger *zap.Logger, opts CleanOptions) *TextCleaner {
	if opts.HeaderFooterThreshold <= 0 {
		opts.HeaderFooterThreshold = 0.6
	}
	return &TextCleaner{logger: logger, opts: opts, protect: NewReferenceExtractor()}
}

// Clean bereinigt die Seiten und fügt sie mit Leerzeilen zusammen. Ohne Text wird "" geliefert.
func (c *TextCleaner) Clean(pages []string) (string, CleanStats) {
	stats := CleanStats{Pages: len(pages)}

	headerCounts, footerCounts := map[string]int{}, map[string]int{}
	detect := c.opts.HeaderFooterDetection && len(pages) >= minHeaderFooterPages
	if detect {
		headerCounts, footerCounts = detectHeaderFooterLines(pages)
	}
	threshold := int(math.Ceil(c.opts.HeaderFooterThreshold * float64(len(pages))))

	cleaned := make([]string, 0, len(pages))
	for _, raw := range pages {
		text := raw
		if c.opts.NormalizeUnicode {
			text = normalizeUnicode(text)
		}
		if c.opts.FixHyphenation {
			var n int
			text, n = fixHyphenation(text)
			stats.HyphenFixes += n
		}

		lines := splitLines(text)
		headers := markEdgeLines(lines, edgeIndexes(lines, 3, false), headerCounts, threshold, detect)
		footers := markEdgeLines(lines, edgeIndexes(lines, 3, true), footerCounts, threshold, detect)

		var kept []string
		for i, l := range lines {
			isHeader, isFooter := headers[i], footers[i]
			if (isHeader || isFooter) && c.protect.Extract(l) != "" {
				stats.Retained++
				kept = append(kept, l)
				continue
			}
			if isHeader {
				stats.HeadersRemoved++
				continue
			}
			if isFooter {
				stats.FootersRemoved++
				continue
			}
			kept = append(kept, l)
		}
		text = strings.Join(kept, "\n")

		if c.opts.CollapseWhitespace {
			text = collapseWhitespace(text)
		}
		if text = strings.TrimSpace(text); text != "" {
			cleaned = append(cleaned, text)
		}
	}

	full := strings.Join(cleaned, "\n\n")
	if c.logger != nil && stats.Retained > 0 {
		c.logger.Debug("Kopf-/Fußzeilen mit Referenzcode behalten", zap.Int("lines", stats.Retained))
	}
	return full, stats
}

// markEdgeLines markiert wiederkehrende Rand- und Seitenzahlzeilen. Gleicher Text im
// Seiteninneren bleibt stehen, daher wird nach Zeilenindex markiert.
func markEdgeLines(lines []string, edge []int, counts map[string]int, threshold int, detect bool) map[int]bool {
	marked := make(map[int]bool)
	for _, i := range edge {
		key := strings.TrimSpace(lines[i])
		if isLikelyPageNumber(key) || (detect && counts[key] >= threshold) {
			marked[i] = true
		}
	}
	return marked
}

// detectHeaderFooterLines zählt die Top/Bottom-Zeilen über alle Seiten
func detectHeaderFooterLines(pages []string) (map[string]int, map[string]int) {
	headerCounts := map[string]int{}
	footerCounts := map[string]int{}
	for _, text := range pages {
		lines := splitLines(text)
		for _, i := range edgeIndexes(lines, 3, false) {
			headerCounts[strings.TrimSpace(lines[i])]++
		}
		for _, i := range edgeIndexes(lines, 3, true) {
			footerCounts[strings.TrimSpace(lines[i])]++
		}
	}
	return headerCounts, footerCounts
}

// normalizeUnicode ersetzt Ligaturen und normalisiert nach NFC
func normalizeUnicode(s string) string {
	s = ligatures.Replace(s)
	normalized, _, err := transform.String(norm.NFC, s)
	if err != nil {
		return s
	}
	return normalized
}

// fixHyphenation verbindet am Zeilenende getrennte Wörter: "Ver-\nfahren" wird "Verfahren"
func fixHyphenation(s string) (string, int) {
	count := len(hyphenationRE.FindAllStringIndex(s, -1))
	if count == 0 {
		return s, 0
	}
	return hyphenationRE.ReplaceAllString(s, "$1$2"), count
}

func collapseWhitespace(s string) string {
	s = blankRunRE.ReplaceAllString(s, " ")
	s = multiBreakRE.ReplaceAllString(s, "\n\n")
	lines := splitLines(s)
	for i := range lines {
		lines[i] = strings.TrimRightFunc(lines[i], unicode.IsSpace)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func isLikelyPageNumber(s string) bool {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return false
	}
	return pageNumberRE.MatchString(trimmed)
}

func splitLines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.Split(s, "\n")
}

// edgeIndexes liefert die Indizes der ersten bzw. letzten n nichtleeren Zeilen
func edgeIndexes(lines []string, n int, fromEnd bool) []int {
	var out []int
	for k := 0; k < len(lines) && len(out) < n; k++ {
		i := k
		if fromEnd {
			i = len(lines) - 1 - k
		}
		if strings.TrimSpace(lines[i]) == "" {
			continue
		}
		out = append(out, i)
	}
	return out
}
