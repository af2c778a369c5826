package upc

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"upc-tracker/providers"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
)

// ErrNoTable wird geliefert, wenn eine Listenseite keine Entscheidungstabelle enthält.
var ErrNoTable = fmt.Errorf("%w: no decisions table", providers.ErrMalformed)

// listingFilter entspricht den Filtern der öffentlichen Suchmaske (alle Divisionen, alle Typen).
var listingFilter = map[string]string{
	"registry_number":           "",
	"judgemet_reference":        "",
	"judgement_type":            "All",
	"party_name":                "",
	"court_type":                "All",
	"division_1":                "125",
	"division_2":                "126",
	"division_3":                "139",
	"division_4":                "223",
	"keywords":                  "",
	"headnotes":                 "",
	"proceedings_lang":          "All",
	"judgement_date_from[date]": "",
	"judgement_date_to[date]":   "",
	"location_id":               "All",
}

// ListingFetcher lädt und parst die paginierte Entscheidungsliste.
type ListingFetcher struct {
	DecisionsURL string
	Client       *http.Client
	Logger       *zap.Logger
}

// NewListingFetcher erstellt einen neuen Fetcher für die Entscheidungsliste.
func NewListingFetcher(decisionsURL string, client *http.Client, logger *zap.Logger) *ListingFetcher {
	return &ListingFetcher{DecisionsURL: decisionsURL, Client: client, Logger: logger}
}

// PageURL baut die URL für Seite page inklusive Filterparametern.
func (f *ListingFetcher) PageURL(page int) (string, error) {
	u, err := url.Parse(f.DecisionsURL)
	if err != nil {
		return "", fmt.Errorf("parse decisions url: %w", err)
	}
	q := u.Query()
	for k, v := range listingFilter {
		q.Set(k, v)
	}
	q.Set("page", strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// FetchPage lädt Seite page und gibt deren Tabellenzeilen zurück.
func (f *ListingFetcher) FetchPage(ctx context.Context, page int) ([]providers.Row, error) {
	pageURL, err := f.PageURL(page)
	if err != nil {
		return nil, err
	}
	f.Logger.Info("Fetching listing page", zap.Int("page", page))

	body, err := get(ctx, f.Client, pageURL)
	if err != nil {
		return nil, fmt.Errorf("fetch page %d: %w", page, err)
	}
	defer body.Close()

	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, fmt.Errorf("%w: page %d: %v", providers.ErrMalformed, page, err)
	}
	return ParseListing(doc)
}

// ParseListing extrahiert die Zeilen aus der Entscheidungstabelle eines Dokuments.
func ParseListing(doc *goquery.Document) ([]providers.Row, error) {
	table := doc.Find("table.views-table").First()
	if table.Length() == 0 {
		table = doc.Find("table").First()
	}
	if table.Length() == 0 {
		return nil, ErrNoTable
	}

	var trs *goquery.Selection
	if table.Find("tbody").Length() > 0 {
		trs = table.Find("tbody tr")
	} else {
		// ohne tbody ist die erste Zeile der Tabellenkopf
		all := table.Find("tr")
		if all.Length() <= 1 {
			return nil, nil
		}
		trs = all.Slice(1, goquery.ToEnd)
	}

	rows := make([]providers.Row, 0, trs.Length())
	trs.Each(func(_ int, tr *goquery.Selection) {
		tds := tr.Find("td")
		if tds.Length() == 0 {
			// Kopfzeilen (nur th); der HTML-Parser legt auch ohne Markup ein tbody an
			return
		}
		var row providers.Row
		tds.Each(func(_ int, td *goquery.Selection) {
			row.Cells = append(row.Cells, strings.Join(strings.Fields(td.Text()), " "))
			td.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
				if href, ok := a.Attr("href"); ok && strings.TrimSpace(href) != "" {
					row.Links = append(row.Links, strings.TrimSpace(href))
				}
			})
		})
		rows = append(rows, row)
	})
	return rows, nil
}
