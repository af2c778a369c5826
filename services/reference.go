package services

import (
	"regexp"
	"strings"
)

// ReferencePrefix ist der Namensraum aller kanonischen UPC-Referenzen.
const ReferencePrefix = "UPC_"

// ReferenceRule ist ein Muster samt Kanonisierung. Regeln werden in Reihenfolge geprüft.
type ReferenceRule struct {
	Name         string
	Pattern      *regexp.Regexp
	Canonicalize func(match string) string
}

// ensurePrefix ergänzt fehlendes "UPC_".
func ensurePrefix(match string) string {
	if strings.HasPrefix(match, ReferencePrefix) {
		return match
	}
	return ReferencePrefix + match
}

// DefaultReferenceRules liefert die Regeln für die Divisionen des UPC, spezifische zuerst.
// Neue Divisionen werden durch Anhängen weiterer Regeln ergänzt.
func DefaultReferenceRules() []ReferenceRule {
	return []ReferenceRule{
		{Name: "upc_cfi", Pattern: regexp.MustCompile(`UPC_CFI_\d+/20\d{2}`), Canonicalize: ensurePrefix},
		{Name: "upc_coa", Pattern: regexp.MustCompile(`UPC_CoA_\d+/20\d{2}`), Canonicalize: ensurePrefix},
		{Name: "cfi", Pattern: regexp.MustCompile(`CFI_\d+/20\d{2}`), Canonicalize: ensurePrefix},
		{Name: "coa", Pattern: regexp.MustCompile(`CoA_\d+/20\d{2}`), Canonicalize: ensurePrefix},
	}
}

// ReferenceExtractor findet die eigene Referenz einer Entscheidung in deren Volltext.
type ReferenceExtractor struct {
	rules []ReferenceRule
}

// NewReferenceExtractor erstellt einen Extractor; ohne Regeln gelten die Standardregeln.
func NewReferenceExtractor(rules ...ReferenceRule) *ReferenceExtractor {
	if len(rules) == 0 {
		rules = DefaultReferenceRules()
	}
	return &ReferenceExtractor{rules: rules}
}

// Extract gibt den ersten Treffer der ersten passenden Regel zurück, kanonisiert.
// Die Regelpriorität geht vor der Position im Text: ein späterer spezifischer Treffer
// schlägt einen früheren generischen. Ohne Treffer wird "" geliefert.
func (e *ReferenceExtractor) Extract(text string) string {
	if text == "" {
		return ""
	}
	for _, rule := range e.rules {
		match := rule.Pattern.FindString(text)
		if match == "" {
			continue
		}
		if rule.Canonicalize != nil {
			return rule.Canonicalize(match)
		}
		return match
	}
	return ""
}
