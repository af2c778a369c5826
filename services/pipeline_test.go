package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"upc-tracker/config"
	"upc-tracker/models"
	"upc-tracker/providers"
	"upc-tracker/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const testBaseURL = "https://www.unified-patent-court.org"

func newTestStore(t *testing.T) *storage.DecisionStore {
	t.Helper()
	db, err := storage.Open(&config.Config{DBDriver: "sqlite", SQLitePath: "file::memory:"})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, storage.Migrate(db))
	return storage.NewDecisionStore(db)
}

type fakeListing struct {
	pages map[int][]providers.Row
	errs  map[int]error
	calls []int
}

func (f *fakeListing) FetchPage(_ context.Context, page int) ([]providers.Row, error) {
	f.calls = append(f.calls, page)
	if err := f.errs[page]; err != nil {
		return nil, err
	}
	return f.pages[page], nil
}

type fakeDocuments struct {
	docs  map[string]string
	errs  map[string]error
	calls []string
}

func (f *fakeDocuments) FetchDocument(_ context.Context, url string) ([]byte, error) {
	f.calls = append(f.calls, url)
	if err := f.errs[url]; err != nil {
		return nil, err
	}
	doc, ok := f.docs[url]
	if !ok {
		return nil, fmt.Errorf("no document at %s", url)
	}
	return []byte(doc), nil
}

// textExtractor behandelt die Bytes als einseitigen Text; "garbage" ist unlesbar.
type textExtractor struct{}

func (textExtractor) ExtractText(data []byte) ([]string, error) {
	if string(data) == "garbage" {
		return nil, fmt.Errorf("%w: not a pdf", providers.ErrMalformed)
	}
	return []string{string(data)}, nil
}

type fakeArchive struct {
	err    error
	stored []string
}

func (f *fakeArchive) StoreDocument(_ context.Context, number string, _ []byte) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.stored = append(f.stored, number)
	return "https://s3.example.org/decisions/" + storage.DocumentKey(number), nil
}

func listingRow(number, pdfPath string) providers.Row {
	row := providers.Row{Cells: []string{"14 May 2024", number, "Munich LD", "Infringement Action", "Alpha v. Beta"}}
	if pdfPath != "" {
		row.Links = []string{"/en/node/1", pdfPath}
	}
	return row
}

type pipelineFixture struct {
	store    *storage.DecisionStore
	listing  *fakeListing
	docs     *fakeDocuments
	archive  *fakeArchive
	pipeline *PipelineService
	deps     PipelineDeps
	maxPages int
}

func newPipelineFixture(t *testing.T, maxPages int, logger *zap.Logger, withArchive bool) *pipelineFixture {
	t.Helper()
	if logger == nil {
		logger = zap.NewNop()
	}
	normalizer, err := NewRecordNormalizer(testBaseURL, "en")
	require.NoError(t, err)

	f := &pipelineFixture{
		store:   newTestStore(t),
		listing: &fakeListing{pages: map[int][]providers.Row{}, errs: map[int]error{}},
		docs:    &fakeDocuments{docs: map[string]string{}, errs: map[string]error{}},
	}
	deps := PipelineDeps{
		Store:      f.store,
		Listing:    f.listing,
		Documents:  f.docs,
		Extractor:  textExtractor{},
		Normalizer: normalizer,
		Logger:     logger,
	}
	if withArchive {
		f.archive = &fakeArchive{}
		deps.Archive = f.archive
	}
	f.deps, f.maxPages = deps, maxPages
	f.pipeline = NewPipelineService(deps, maxPages, 0)
	return f
}

// withStore baut die Pipeline über einem anderen Store neu auf.
func (f *pipelineFixture) withStore(store PipelineStore) {
	deps := f.deps
	deps.Store = store
	f.pipeline = NewPipelineService(deps, f.maxPages, 0)
}

// failingStore lässt Exists bzw. Upsert für einzelne Registernummern scheitern.
type failingStore struct {
	*storage.DecisionStore
	existsFails map[string]bool
	upsertFails map[string]bool
}

func (s *failingStore) Exists(ctx context.Context, number string) (bool, error) {
	if s.existsFails[number] {
		return false, errors.New("connection refused")
	}
	return s.DecisionStore.Exists(ctx, number)
}

func (s *failingStore) Upsert(ctx context.Context, d *models.Decision) error {
	if s.upsertFails[d.Number] {
		return errors.New("disk full")
	}
	return s.DecisionStore.Upsert(ctx, d)
}

func TestRunEndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t, 10, nil, false)

	f.listing.pages[0] = []providers.Row{
		{Cells: []string{"Date", "Registry"}},
		listingRow("ACT_100/2023", "/docs/cfi1.pdf"),
		listingRow("ACT_200/2024", "/docs/cfi2.pdf"),
		listingRow("ORD_300/2024", ""),
	}
	f.listing.pages[1] = []providers.Row{listingRow("ACT_100/2023", "/docs/cfi1.pdf")}
	f.docs.docs[testBaseURL+"/docs/cfi1.pdf"] = "Decision UPC_CFI_1/2023 of the Munich LD"
	f.docs.docs[testBaseURL+"/docs/cfi2.pdf"] = "UPC_CFI_2/2024 judgment, following UPC_CFI_1/2023"

	report, err := f.pipeline.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1}, f.listing.calls)
	assert.Equal(t, StopNoNewDecisions, report.StopReason)
	assert.Equal(t, 2, report.PagesFetched)
	assert.Equal(t, 5, report.RowsSeen)
	assert.Equal(t, 3, report.NewDecisions)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 1, report.Rejected)
	assert.False(t, report.Aborted)
	assert.Equal(t, 2, report.Citations.Scanned)
	assert.Equal(t, 1, report.Citations.TotalCitations)

	cfi1, err := f.store.Get(ctx, "ACT_100/2023")
	require.NoError(t, err)
	assert.Equal(t, "UPC_CFI_1/2023", cfi1.DecisionReference)
	assert.Equal(t, 1, cfi1.NumberCitations)
	require.NotNil(t, cfi1.Node)
	assert.Equal(t, "1", *cfi1.Node)

	cfi2, err := f.store.Get(ctx, "ACT_200/2024")
	require.NoError(t, err)
	assert.Equal(t, "UPC_CFI_2/2024", cfi2.DecisionReference)
	assert.Zero(t, cfi2.NumberCitations)

	ord, err := f.store.Get(ctx, "ORD_300/2024")
	require.NoError(t, err)
	assert.Empty(t, ord.FullText)
	assert.Empty(t, ord.DecisionReference)
	assert.Zero(t, ord.NumberCitations)

	runs, err := f.store.LatestRuns(ctx, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, string(StopNoNewDecisions), runs[0].StopReason)
	assert.Equal(t, 3, runs[0].NewDecisions)
	assert.Equal(t, 1, runs[0].TotalCitations)
}

func TestRunStopsBeforeNextPageWhenNothingIsNew(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t, 10, nil, false)
	require.NoError(t, f.store.Upsert(ctx, &models.Decision{Number: "ACT_1/2024"}))
	require.NoError(t, f.store.Upsert(ctx, &models.Decision{Number: "ACT_2/2024"}))

	f.listing.pages[0] = []providers.Row{listingRow("ACT_1/2024", "/a.pdf"), listingRow("ACT_2/2024", "/b.pdf")}
	f.listing.pages[1] = []providers.Row{listingRow("ACT_3/2024", "/c.pdf")}

	report, err := f.pipeline.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, []int{0}, f.listing.calls)
	assert.Empty(t, f.docs.calls)
	assert.Equal(t, StopNoNewDecisions, report.StopReason)
	assert.Equal(t, 2, report.Skipped)
	assert.Zero(t, report.NewDecisions)
}

func TestRunDocumentFailuresStillStoreDecision(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zapcore.WarnLevel)
	f := newPipelineFixture(t, 1, zap.New(core), false)

	f.listing.pages[0] = []providers.Row{
		listingRow("ACT_1/2024", "/down.pdf"),
		listingRow("ACT_2/2024", "/garbage.pdf"),
	}
	f.docs.errs[testBaseURL+"/down.pdf"] = errors.New("connection reset")
	f.docs.docs[testBaseURL+"/garbage.pdf"] = "garbage"

	report, err := f.pipeline.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, report.NewDecisions)
	assert.Equal(t, 1, report.Failures[ReasonTransport])
	assert.Equal(t, 1, report.Failures[ReasonParse])
	assert.Equal(t, StopMaxPages, report.StopReason)

	for _, number := range []string{"ACT_1/2024", "ACT_2/2024"} {
		d, err := f.store.Get(ctx, number)
		require.NoError(t, err)
		assert.Empty(t, d.FullText)
		assert.Empty(t, d.DecisionReference)
		require.NotNil(t, d.PDFURL)
	}

	failures := logs.FilterMessage("Schritt fehlgeschlagen")
	require.Equal(t, 2, failures.Len())
	assert.Equal(t, "document", failures.All()[0].ContextMap()["stage"])
	assert.Equal(t, "extract", failures.All()[1].ContextMap()["stage"])
}

func TestRunAbortsWhenFirstPageUnreachable(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t, 10, nil, false)
	require.NoError(t, f.store.Upsert(ctx, &models.Decision{Number: "OLD", DecisionReference: "UPC_CFI_9/2023"}))
	require.NoError(t, f.store.SetCitationCount(ctx, "OLD", 7))
	f.listing.errs[0] = errors.New("dial tcp: connection refused")

	report, err := f.pipeline.Run(ctx)
	require.Error(t, err)

	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, ReasonTransport, stepErr.Reason)
	assert.True(t, report.Aborted)

	// kein Zitations-Durchlauf nach Abbruch
	old, err := f.store.Get(ctx, "OLD")
	require.NoError(t, err)
	assert.Equal(t, 7, old.NumberCitations)

	runs, err := f.store.LatestRuns(ctx, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.True(t, runs[0].Aborted)
}

func TestRunMalformedFirstPageStopsWithoutAbort(t *testing.T) {
	f := newPipelineFixture(t, 10, nil, false)
	f.listing.errs[0] = fmt.Errorf("%w: no decisions table", providers.ErrMalformed)

	report, err := f.pipeline.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StopPageFailed, report.StopReason)
	assert.Equal(t, 1, report.Failures[ReasonParse])
	assert.False(t, report.Aborted)
}

func TestRunLaterPageFailureStopsTraversal(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t, 10, nil, false)
	f.listing.pages[0] = []providers.Row{listingRow("ACT_1/2024", "/a.pdf"), listingRow("ACT_2/2024", "/b.pdf")}
	f.listing.errs[1] = errors.New("timeout")
	f.docs.docs[testBaseURL+"/a.pdf"] = "UPC_CFI_1/2024 text"
	f.docs.docs[testBaseURL+"/b.pdf"] = "UPC_CFI_2/2024 refers to UPC_CFI_1/2024"

	report, err := f.pipeline.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1}, f.listing.calls)
	assert.Equal(t, StopPageFailed, report.StopReason)
	assert.Equal(t, 1, report.Failures[ReasonTransport])

	d, err := f.store.Get(ctx, "ACT_1/2024")
	require.NoError(t, err)
	assert.Equal(t, 1, d.NumberCitations)
}

func TestRunHonoursMaxPages(t *testing.T) {
	f := newPipelineFixture(t, 2, nil, false)
	for page := 0; page < 5; page++ {
		f.listing.pages[page] = []providers.Row{listingRow(fmt.Sprintf("ACT_%d/2024", page), "")}
	}

	report, err := f.pipeline.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, f.listing.calls)
	assert.Equal(t, StopMaxPages, report.StopReason)
	assert.Equal(t, 2, report.NewDecisions)
}

func TestRunEmptyListing(t *testing.T) {
	f := newPipelineFixture(t, 10, nil, false)

	report, err := f.pipeline.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StopNoRows, report.StopReason)
	assert.Equal(t, 1, report.PagesFetched)
}

func TestRunArchivesDocuments(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t, 1, nil, true)
	f.listing.pages[0] = []providers.Row{listingRow("ACT_1/2024", "/a.pdf")}
	f.docs.docs[testBaseURL+"/a.pdf"] = "UPC_CFI_1/2024"

	_, err := f.pipeline.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"ACT_1/2024"}, f.archive.stored)
	d, err := f.store.Get(ctx, "ACT_1/2024")
	require.NoError(t, err)
	assert.Equal(t, "https://s3.example.org/decisions/decisions/ACT_1_2024.pdf", d.S3Link)
	assert.Equal(t, "UPC_CFI_1/2024", d.DecisionReference)
}

func TestRunArchiveFailureDoesNotAffectIngestion(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t, 1, nil, true)
	f.archive.err = errors.New("bucket gone")
	f.listing.pages[0] = []providers.Row{listingRow("ACT_1/2024", "/a.pdf")}
	f.docs.docs[testBaseURL+"/a.pdf"] = "UPC_CFI_1/2024"

	report, err := f.pipeline.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.NewDecisions)
	assert.Empty(t, report.Failures)

	d, err := f.store.Get(ctx, "ACT_1/2024")
	require.NoError(t, err)
	assert.Empty(t, d.S3Link)
	assert.Equal(t, "UPC_CFI_1/2024", d.DecisionReference)
}

func TestRunRejectsConcurrentRun(t *testing.T) {
	f := newPipelineFixture(t, 1, nil, false)
	f.pipeline.mu.Lock()
	defer f.pipeline.mu.Unlock()

	_, err := f.pipeline.Run(context.Background())
	assert.ErrorIs(t, err, ErrRunInProgress)
	assert.Empty(t, f.listing.calls)
}

func TestRunWaitsBetweenFetches(t *testing.T) {
	normalizer, err := NewRecordNormalizer(testBaseURL, "en")
	require.NoError(t, err)
	listing := &fakeListing{pages: map[int][]providers.Row{0: {listingRow("ACT_1/2024", "/a.pdf")}}}
	docs := &fakeDocuments{docs: map[string]string{testBaseURL + "/a.pdf": "text"}}
	p := NewPipelineService(PipelineDeps{
		Store:      newTestStore(t),
		Listing:    listing,
		Documents:  docs,
		Extractor:  textExtractor{},
		Normalizer: normalizer,
	}, 10, 30*time.Millisecond)

	start := time.Now()
	_, err = p.Run(context.Background())
	require.NoError(t, err)

	// Seite 0, Dokument, Seite 1: zwei Wartezeiten
	assert.GreaterOrEqual(t, time.Since(start), 55*time.Millisecond)
	assert.Equal(t, []int{0, 1}, listing.calls)
}

func TestRunCancelledContext(t *testing.T) {
	f := newPipelineFixture(t, 10, nil, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := f.pipeline.Run(ctx)
	require.Error(t, err)
	assert.True(t, report.Aborted)
	assert.Empty(t, f.listing.calls)
}

func TestRunUpsertFailureAbandonsOnlyThatRow(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zapcore.WarnLevel)
	f := newPipelineFixture(t, 1, zap.New(core), false)
	f.withStore(&failingStore{DecisionStore: f.store, upsertFails: map[string]bool{"ACT_1/2024": true}})
	f.listing.pages[0] = []providers.Row{listingRow("ACT_1/2024", ""), listingRow("ACT_2/2024", "")}

	report, err := f.pipeline.Run(ctx)
	require.NoError(t, err)
	assert.False(t, report.Aborted)
	assert.Equal(t, 1, report.NewDecisions)
	assert.Equal(t, 1, report.Failures[ReasonStore])
	assert.Equal(t, StopMaxPages, report.StopReason)

	_, err = f.store.Get(ctx, "ACT_1/2024")
	assert.ErrorIs(t, err, storage.ErrDecisionNotFound)
	_, err = f.store.Get(ctx, "ACT_2/2024")
	assert.NoError(t, err)

	failures := logs.FilterMessage("Schritt fehlgeschlagen")
	require.Equal(t, 1, failures.Len())
	assert.Equal(t, "upsert", failures.All()[0].ContextMap()["stage"])
	assert.Equal(t, "ACT_1/2024", failures.All()[0].ContextMap()["key"])
}

func TestRunExistsFailureSkipsRow(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t, 1, nil, false)
	f.withStore(&failingStore{DecisionStore: f.store, existsFails: map[string]bool{"ACT_1/2024": true}})
	f.listing.pages[0] = []providers.Row{listingRow("ACT_1/2024", "/a.pdf"), listingRow("ACT_2/2024", "")}
	f.docs.docs[testBaseURL+"/a.pdf"] = "UPC_CFI_1/2024"

	report, err := f.pipeline.Run(ctx)
	require.NoError(t, err)
	assert.False(t, report.Aborted)
	assert.Equal(t, 1, report.NewDecisions)
	assert.Zero(t, report.Skipped)
	assert.Equal(t, 1, report.Failures[ReasonStore])
	assert.Empty(t, f.docs.calls)

	_, err = f.store.Get(ctx, "ACT_1/2024")
	assert.ErrorIs(t, err, storage.ErrDecisionNotFound)
	_, err = f.store.Get(ctx, "ACT_2/2024")
	assert.NoError(t, err)
}

func TestRunStoreOutageIsNotReportedAsEndOfData(t *testing.T) {
	f := newPipelineFixture(t, 10, nil, false)
	f.withStore(&failingStore{DecisionStore: f.store, existsFails: map[string]bool{"ACT_1/2024": true, "ACT_2/2024": true}})
	f.listing.pages[0] = []providers.Row{listingRow("ACT_1/2024", ""), listingRow("ACT_2/2024", "")}
	f.listing.pages[1] = []providers.Row{listingRow("ACT_3/2024", "")}

	report, err := f.pipeline.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StopStoreFailed, report.StopReason)
	assert.Equal(t, 2, report.Failures[ReasonStore])
	assert.Equal(t, []int{0}, f.listing.calls)
}

func TestRecomputeCitationsWaitsForRunLock(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t, 1, nil, false)
	require.NoError(t, f.store.Upsert(ctx, &models.Decision{Number: "A", DecisionReference: "UPC_CFI_1/2024", FullText: "UPC_CFI_1/2024"}))
	require.NoError(t, f.store.Upsert(ctx, &models.Decision{Number: "B", FullText: "follows UPC_CFI_1/2024"}))
	require.NoError(t, f.store.SetCitationCount(ctx, "A", 5))

	f.pipeline.mu.Lock()
	_, err := f.pipeline.RecomputeCitations(ctx)
	f.pipeline.mu.Unlock()
	assert.ErrorIs(t, err, ErrRunInProgress)

	a, err := f.store.Get(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, 5, a.NumberCitations)

	result, err := f.pipeline.RecomputeCitations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.TotalCitations)
	a, err = f.store.Get(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, 1, a.NumberCitations)
}
