package models

import (
	"time"
)

// UnknownValue ersetzt fehlende Metadaten einer Entscheidung.
const UnknownValue = "Unknown"

// DetailBaseURL ist die Basis für öffentliche Detailseiten (node-IDs).
const DetailBaseURL = "https://www.unified-patent-court.org/en/node/"

// Decision repräsentiert eine veröffentlichte Entscheidung des UPC samt Volltext und Zitierungen.
type Decision struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Registernummer, einziger Schlüssel für Upserts
	Number string `json:"number" gorm:"uniqueIndex;not null"`

	Date         string     `json:"date" gorm:"not null;default:'Unknown'"`
	DecidedOn    *time.Time `json:"decided_on,omitempty" gorm:"index"`
	Court        string     `json:"court" gorm:"index;not null;default:'Unknown'"`
	TypeOfAction string     `json:"type_of_action" gorm:"index;not null;default:'Unknown'"`
	Parties      string     `json:"parties" gorm:"not null;default:'Unknown'"`

	PDFURL *string `json:"pdf_url,omitempty" gorm:"column:pdf_url"`
	Node   *string `json:"node,omitempty"`
	S3Link string  `json:"s3_link,omitempty"`

	FullText          string `json:"-" gorm:"column:fulltext;type:text"`
	DecisionReference string `json:"decision_reference" gorm:"index;default:''"`
	NumberCitations   int    `json:"number_citations" gorm:"not null;default:0"`
}

// TableName gibt explizit den Tabellennamen an.
func (Decision) TableName() string {
	return "upc_decisions"
}

// DetailURL liefert den Link zur öffentlichen Detailseite oder "".
func (d *Decision) DetailURL() string {
	if d.Node == nil || *d.Node == "" {
		return ""
	}
	return DetailBaseURL + *d.Node
}

// HasDocument meldet, ob ein Dokument-Link vorhanden ist.
func (d *Decision) HasDocument() bool {
	return d.PDFURL != nil && *d.PDFURL != ""
}
