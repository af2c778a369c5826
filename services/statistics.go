package services

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"upc-tracker/models"
	"upc-tracker/storage"

	"go.uber.org/zap"
)

const (
	statsTopCited   = 20
	statsMonths     = 12
	statsTopParties = 10
	// kürzere Namen sind meist Abkürzungen oder Artefakte der Aufteilung
	minPartyNameLen = 6
	partySeparator  = " v. "
)

var isoMonthRE = regexp.MustCompile(`^\d{4}-\d{2}`)

// StatsStore liefert die Rohdaten für die Statistik.
type StatsStore interface {
	Summary(ctx context.Context) (storage.Summary, error)
	CountBy(ctx context.Context, column string) ([]storage.GroupCount, error)
	TopCited(ctx context.Context, limit int) ([]models.Decision, error)
	ListMetadata(ctx context.Context) ([]models.Decision, error)
}

// CitedEntry ist eine Zeile der Liste meistzitierter Entscheidungen.
type CitedEntry struct {
	Number      string `json:"number"`
	DecisionRef string `json:"decision_ref"`
	Citations   int    `json:"citations"`
	Parties     string `json:"parties"`
	Court       string `json:"court"`
}

// Statistics ist die Eingabe der Statistik-Renderer.
type Statistics struct {
	GeneratedAt time.Time `json:"generated_at"`
	storage.Summary

	CourtStats        []storage.GroupCount `json:"court_stats"`
	ActionStats       []storage.GroupCount `json:"action_stats"`
	MonthlyStats      []storage.GroupCount `json:"monthly_stats"`
	TopCited          []CitedEntry         `json:"top_cited"`
	MostActiveParties []storage.GroupCount `json:"most_active_parties"`
}

// StatsService berechnet Übersichtszahlen über den gesamten Bestand.
type StatsService struct {
	store  StatsStore
	logger *zap.Logger
}

func NewStatsService(store StatsStore, logger *zap.Logger) *StatsService {
	return &StatsService{store: store, logger: logger}
}

// Generate berechnet alle Kennzahlen.
func (s *StatsService) Generate(ctx context.Context) (*Statistics, error) {
	summary, err := s.store.Summary(ctx)
	if err != nil {
		return nil, err
	}
	courts, err := s.store.CountBy(ctx, "court")
	if err != nil {
		return nil, err
	}
	actions, err := s.store.CountBy(ctx, "type_of_action")
	if err != nil {
		return nil, err
	}
	top, err := s.store.TopCited(ctx, statsTopCited)
	if err != nil {
		return nil, err
	}
	meta, err := s.store.ListMetadata(ctx)
	if err != nil {
		return nil, fmt.Errorf("load metadata: %w", err)
	}

	stats := &Statistics{
		GeneratedAt:       time.Now().UTC(),
		Summary:           summary,
		CourtStats:        courts,
		ActionStats:       actions,
		MonthlyStats:      monthlyCounts(meta, statsMonths),
		TopCited:          citedEntries(top),
		MostActiveParties: activeParties(meta, statsTopParties),
	}
	s.logger.Debug("Statistik erzeugt",
		zap.Int64("decisions", summary.TotalDecisions),
		zap.Int("months", len(stats.MonthlyStats)))
	return stats, nil
}

func citedEntries(decisions []models.Decision) []CitedEntry {
	entries := make([]CitedEntry, 0, len(decisions))
	for _, d := range decisions {
		if d.NumberCitations <= 0 {
			continue
		}
		entries = append(entries, CitedEntry{
			Number:      d.Number,
			DecisionRef: d.DecisionReference,
			Citations:   d.NumberCitations,
			Parties:     d.Parties,
			Court:       d.Court,
		})
	}
	return entries
}

// decisionMonth liefert "YYYY-MM" oder "", wenn das Datum unbekannt ist.
func decisionMonth(d models.Decision) string {
	if d.DecidedOn != nil {
		return d.DecidedOn.Format("2006-01")
	}
	if isoMonthRE.MatchString(d.Date) {
		return d.Date[:7]
	}
	return ""
}

// monthlyCounts zählt Entscheidungen je Monat, neueste zuerst, höchstens limit Monate.
func monthlyCounts(decisions []models.Decision, limit int) []storage.GroupCount {
	counts := map[string]int64{}
	for _, d := range decisions {
		if month := decisionMonth(d); month != "" {
			counts[month]++
		}
	}
	months := make([]storage.GroupCount, 0, len(counts))
	for month, total := range counts {
		months = append(months, storage.GroupCount{Label: month, Total: total})
	}
	sort.Slice(months, func(i, j int) bool { return months[i].Label > months[j].Label })
	if len(months) > limit {
		months = months[:limit]
	}
	return months
}

// activeParties zählt Parteinamen aus "A v. B", häufigste zuerst.
func activeParties(decisions []models.Decision, limit int) []storage.GroupCount {
	counts := map[string]int64{}
	for _, d := range decisions {
		if !strings.Contains(d.Parties, partySeparator) {
			continue
		}
		for _, part := range strings.Split(d.Parties, partySeparator) {
			name := strings.TrimSpace(part)
			if utf8.RuneCountInString(name) >= minPartyNameLen {
				counts[name]++
			}
		}
	}
	parties := make([]storage.GroupCount, 0, len(counts))
	for name, total := range counts {
		parties = append(parties, storage.GroupCount{Label: name, Total: total})
	}
	sort.Slice(parties, func(i, j int) bool {
		if parties[i].Total != parties[j].Total {
			return parties[i].Total > parties[j].Total
		}
		return parties[i].Label < parties[j].Label
	})
	if len(parties) > limit {
		parties = parties[:limit]
	}
	return parties
}
