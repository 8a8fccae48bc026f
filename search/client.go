package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"rental-watcher/models"
)

const googleEndpoint = "https://www.googleapis.com/customsearch/v1"

// Result is one ranked hit from the search API.
type Result struct {
	Title   string
	Snippet string
	URL     string
	Rank    int // 0-based position in the response
}

// Client issues queries against a web-search API.
type Client interface {
	Search(ctx context.Context, query string) ([]Result, error)
}

// GoogleClient talks to the Google Custom Search JSON API. The per-key
// quota is shared by every worker, so all requests pass through one
// rate limiter.
type GoogleClient struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	apiKey     string
	engineID   string
	endpoint   string
	numResults int
}

// NewGoogleClient creates a rate-limited search client.
func NewGoogleClient(apiKey, engineID string, qps float64, timeout time.Duration) *GoogleClient {
	return &GoogleClient{
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(qps), 1),
		apiKey:     apiKey,
		engineID:   engineID,
		endpoint:   googleEndpoint,
		numResults: 5,
	}
}

type searchResponse struct {
	Items []struct {
		Title   string `json:"title"`
		Snippet string `json:"snippet"`
		Link    string `json:"link"`
	} `json:"items"`
}

// Search runs one query and returns the ranked results. A 429 from the API
// surfaces as EnrichmentError(QuotaExceeded); transport and decode failures
// as EnrichmentError(NetworkError).
func (c *GoogleClient) Search(ctx context.Context, query string) ([]Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &models.EnrichmentError{Kind: models.KindNetworkError, Query: query, Err: err}
	}

	params := url.Values{}
	params.Set("key", c.apiKey)
	params.Set("cx", c.engineID)
	params.Set("q", query)
	params.Set("num", fmt.Sprintf("%d", c.numResults))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, &models.EnrichmentError{Kind: models.KindNetworkError, Query: query, Err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &models.EnrichmentError{Kind: models.KindNetworkError, Query: query, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &models.EnrichmentError{Kind: models.KindQuotaExceeded, Query: query}
	case resp.StatusCode != http.StatusOK:
		return nil, &models.EnrichmentError{
			Kind:  models.KindNetworkError,
			Query: query,
			Err:   fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}

	var body searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &models.EnrichmentError{Kind: models.KindNetworkError, Query: query, Err: err}
	}

	results := make([]Result, 0, len(body.Items))
	for i, item := range body.Items {
		results = append(results, Result{
			Title:   item.Title,
			Snippet: item.Snippet,
			URL:     item.Link,
			Rank:    i,
		})
	}
	return results, nil
}
