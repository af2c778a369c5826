package upc

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// userAgent imitiert einen gewöhnlichen Browser; die UPC-Seite liefert sonst teils leere Tabellen.
const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"

// CustomTransport fügt jeder Anfrage einen User-Agent-Header hinzu.
type CustomTransport struct {
	Transport http.RoundTripper
}

func (t *CustomTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("User-Agent", userAgent)
	return t.Transport.RoundTrip(req)
}

// NewHTTPClient erstellt den HTTP-Client für alle Anfragen an die UPC-Website.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &CustomTransport{
			Transport: http.DefaultTransport,
		},
	}
}

// StatusError meldet eine Antwort mit unerwartetem HTTP-Status.
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: bad status %d", e.URL, e.Status)
}

// get führt einen GET aus und gibt den Body bei Status 200 zurück; der Aufrufer schließt ihn.
func get(ctx context.Context, client *http.Client, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &StatusError{URL: url, Status: resp.StatusCode}
	}
	return resp.Body, nil
}
