package models

import (
	"time"

	"gorm.io/datatypes"
)

// PipelineRun protokolliert einen Durchlauf von Ingestion und Zitationsberechnung.
type PipelineRun struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`

	StartedAt  time.Time `json:"started_at" gorm:"index"`
	FinishedAt time.Time `json:"finished_at"`

	PagesFetched int    `json:"pages_fetched"`
	RowsSeen     int    `json:"rows_seen"`
	NewDecisions int    `json:"new_decisions"`
	Skipped      int    `json:"skipped"`
	Rejected     int    `json:"rejected"`
	StopReason   string `json:"stop_reason" gorm:"index"`
	Aborted      bool   `json:"aborted"`

	// Fehlerzähler je Grund, z.B. {"transport": 2, "parse": 1}
	Failures datatypes.JSON `json:"failures" gorm:"type:json"`

	CitationScanned int `json:"citation_scanned"`
	TotalCitations  int `json:"total_citations"`
}

// TableName gibt explizit den Tabellennamen an.
func (PipelineRun) TableName() string {
	return "pipeline_runs"
}
