package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"upc-tracker/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrDecisionNotFound wird geliefert, wenn keine Entscheidung zur Registernummer existiert.
var ErrDecisionNotFound = errors.New("decision not found")

// upsertColumns sind alle veränderlichen Spalten, die ein erneutes Einlesen überschreibt.
// created_at und number_citations bleiben unberührt.
var upsertColumns = []string{
	"date", "decided_on", "court", "type_of_action", "parties",
	"pdf_url", "node", "s3_link", "fulltext", "decision_reference", "updated_at",
}

// groupableColumns begrenzt CountBy auf bekannte Spalten.
var groupableColumns = map[string]bool{
	"court":          true,
	"type_of_action": true,
}

// ReferenceEntry ist eine Entscheidung, die am Zitations-Durchlauf teilnimmt.
type ReferenceEntry struct {
	Number            string
	DecisionReference string
}

// GroupCount ist ein Eintrag einer Gruppierung (z.B. Anzahl je Gericht).
type GroupCount struct {
	Label string `json:"label"`
	Total int64  `json:"total"`
}

// Summary enthält die Gesamtkennzahlen des Bestands.
type Summary struct {
	TotalDecisions int64 `json:"total_decisions"`
	WithReference  int64 `json:"decisions_with_ref"`
	CitedDecisions int64 `json:"cited_decisions"`
	TotalCitations int64 `json:"total_citations"`
}

// DecisionStore kapselt den Zugriff auf die Entscheidungstabelle.
// Jeder Aufruf holt sich über WithContext eine eigene Verbindung aus dem Pool
// und gibt sie am Ende wieder frei; es gibt keine aufrufübergreifende Transaktion.
type DecisionStore struct {
	db *gorm.DB
}

// NewDecisionStore erstellt einen neuen Store.
func NewDecisionStore(db *gorm.DB) *DecisionStore {
	return &DecisionStore{db: db}
}

// Exists meldet, ob eine Entscheidung mit dieser Registernummer gespeichert ist.
func (s *DecisionStore) Exists(ctx context.Context, number string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.Decision{}).
		Where("number = ?", number).
		Limit(1).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("exists %q: %w", number, err)
	}
	return count > 0, nil
}

// Upsert legt die Entscheidung an oder ersetzt alle veränderlichen Felder.
func (s *DecisionStore) Upsert(ctx context.Context, d *models.Decision) error {
	if d.Number == "" {
		return fmt.Errorf("upsert: empty decision number")
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "number"}},
		DoUpdates: clause.AssignmentColumns(upsertColumns),
	}).Create(d).Error
	if err != nil {
		return fmt.Errorf("upsert %q: %w", d.Number, err)
	}
	return nil
}

// Get lädt eine Entscheidung anhand der Registernummer.
func (s *DecisionStore) Get(ctx context.Context, number string) (*models.Decision, error) {
	var d models.Decision
	if err := s.db.WithContext(ctx).Where("number = ?", number).First(&d).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrDecisionNotFound, number)
		}
		return nil, fmt.Errorf("get %q: %w", number, err)
	}
	return &d, nil
}

// AllWithReferenceCode liefert alle Entscheidungen mit nicht-leerer Referenz.
func (s *DecisionStore) AllWithReferenceCode(ctx context.Context) ([]ReferenceEntry, error) {
	var entries []ReferenceEntry
	err := s.db.WithContext(ctx).
		Model(&models.Decision{}).
		Select("number, decision_reference").
		Where("decision_reference <> ''").
		Order("id").
		Scan(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("list referenced decisions: %w", err)
	}
	return entries, nil
}

// CountOccurrences zählt die Entscheidungen außer excludingNumber, deren Volltext
// needle wörtlich (case-sensitiv) enthält. LIKE scheidet aus, da "_" dort ein
// Platzhalter ist und UPC-Referenzen Unterstriche enthalten.
func (s *DecisionStore) CountOccurrences(ctx context.Context, excludingNumber, needle string) (int64, error) {
	if needle == "" {
		return 0, nil
	}
	q := s.db.WithContext(ctx).
		Model(&models.Decision{}).
		Where("number <> ?", excludingNumber).
		Where("fulltext IS NOT NULL")
	if s.db.Dialector.Name() == "postgres" {
		q = q.Where("strpos(fulltext, ?) > 0", needle)
	} else {
		q = q.Where("instr(fulltext, ?) > 0", needle)
	}
	var count int64
	if err := q.Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count occurrences of %q: %w", needle, err)
	}
	return count, nil
}

// SetCitationCount schreibt die berechnete Zitationszahl zurück.
func (s *DecisionStore) SetCitationCount(ctx context.Context, number string, count int) error {
	res := s.db.WithContext(ctx).
		Model(&models.Decision{}).
		Where("number = ?", number).
		Updates(map[string]any{
			"number_citations": count,
			"updated_at":       time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("set citation count %q: %w", number, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrDecisionNotFound, number)
	}
	return nil
}

// ResetUnreferenced setzt die Zitationszahl von Entscheidungen ohne Referenz auf 0,
// z.B. nach einem erneuten Einlesen, das keine Referenz mehr gefunden hat.
func (s *DecisionStore) ResetUnreferenced(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).
		Model(&models.Decision{}).
		Where("decision_reference = '' OR decision_reference IS NULL").
		Where("number_citations <> 0").
		Updates(map[string]any{
			"number_citations": 0,
			"updated_at":       time.Now(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("reset unreferenced counts: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// TopCited liefert die meistzitierten Entscheidungen, bei Gleichstand die neueren zuerst.
func (s *DecisionStore) TopCited(ctx context.Context, limit int) ([]models.Decision, error) {
	var decisions []models.Decision
	q := s.db.WithContext(ctx).
		Where("decision_reference <> ''").
		Order("number_citations DESC").
		Order("decided_on IS NULL").
		Order("decided_on DESC").
		Order("date DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&decisions).Error; err != nil {
		return nil, fmt.Errorf("top cited: %w", err)
	}
	return decisions, nil
}

// CountBy gruppiert die Entscheidungen nach court oder type_of_action.
func (s *DecisionStore) CountBy(ctx context.Context, column string) ([]GroupCount, error) {
	if !groupableColumns[column] {
		return nil, fmt.Errorf("count by: column %q not groupable", column)
	}
	var groups []GroupCount
	err := s.db.WithContext(ctx).
		Model(&models.Decision{}).
		Select(column + " AS label, COUNT(*) AS total").
		Group(column).
		Order("total DESC").
		Order("label ASC").
		Scan(&groups).Error
	if err != nil {
		return nil, fmt.Errorf("count by %s: %w", column, err)
	}
	return groups, nil
}

// Summary berechnet die Gesamtkennzahlen in einer Abfrage.
func (s *DecisionStore) Summary(ctx context.Context) (Summary, error) {
	var sum Summary
	err := s.db.WithContext(ctx).
		Model(&models.Decision{}).
		Select(`COUNT(*) AS total_decisions,
			COALESCE(SUM(CASE WHEN decision_reference <> '' THEN 1 ELSE 0 END), 0) AS with_reference,
			COALESCE(SUM(CASE WHEN number_citations > 0 THEN 1 ELSE 0 END), 0) AS cited_decisions,
			COALESCE(SUM(number_citations), 0) AS total_citations`).
		Scan(&sum).Error
	if err != nil {
		return Summary{}, fmt.Errorf("summary: %w", err)
	}
	return sum, nil
}

// ListMetadata lädt nur die Spalten, die für Monats- und Parteienstatistiken nötig sind.
func (s *DecisionStore) ListMetadata(ctx context.Context) ([]models.Decision, error) {
	var decisions []models.Decision
	err := s.db.WithContext(ctx).
		Select("id", "number", "date", "decided_on", "parties").
		Order("id").
		Find(&decisions).Error
	if err != nil {
		return nil, fmt.Errorf("list metadata: %w", err)
	}
	return decisions, nil
}

// SaveRun speichert das Protokoll eines Pipeline-Durchlaufs.
func (s *DecisionStore) SaveRun(ctx context.Context, run *models.PipelineRun) error {
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("save pipeline run: %w", err)
	}
	return nil
}

// LatestRuns liefert die letzten n Durchläufe, neueste zuerst.
func (s *DecisionStore) LatestRuns(ctx context.Context, n int) ([]models.PipelineRun, error) {
	var runs []models.PipelineRun
	if err := s.db.WithContext(ctx).Order("started_at DESC").Limit(n).Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("latest runs: %w", err)
	}
	return runs, nil
}
