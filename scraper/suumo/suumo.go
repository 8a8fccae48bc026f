package suumo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/chromedp/chromedp"

	"rental-watcher/config"
	"rental-watcher/models"
	"rental-watcher/utils"
)

// Scraper drives a headless browser against SUUMO rental search pages and
// extracts RawListings. Fetching is read-only on the site side, so re-running
// is always safe.
type Scraper struct {
	cfg        *config.Config
	logger     *utils.Logger
	pool       *utils.WorkerPool
	visitedURL *utils.KeySet
	retry      *utils.RetryConfig

	mu       sync.Mutex
	listings []*models.RawListing
	itemErrs []error
}

// New creates a ready-to-use Scraper.
func New(cfg *config.Config, logger *utils.Logger) *Scraper {
	return &Scraper{
		cfg:        cfg,
		logger:     logger,
		pool:       utils.NewWorkerPool(cfg.MaxConcurrency, cfg.RateLimitMs),
		visitedURL: utils.NewKeySet(),
		retry: &utils.RetryConfig{
			MaxAttempts: cfg.MaxRetries,
			BaseDelay:   2 * time.Second,
			Logger:      logger,
		},
	}
}

// Fetch walks the configured number of search pages and returns the raw
// listings plus per-card errors. The returned error is non-nil only for
// whole-stage failures (browser/session cannot deliver even the first page).
func (s *Scraper) Fetch(ctx context.Context) ([]*models.RawListing, []error, error) {
	s.logger.Info("[suumo] Starting fetch — target: %d pages, %d listings/page",
		s.cfg.PagesToScrape, s.cfg.ListingsPerPage)

	chromeBin := findChromeBinary(s.cfg.ChromeBin)
	s.logger.Info("[suumo] Using browser binary: %s", chromeBin)

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.WindowSize(1920, 1080),
		chromedp.UserAgent("Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 "+
			"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"),
	)
	if chromeBin != "" {
		opts = append(opts, chromedp.ExecPath(chromeBin))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()

	// Suppress chromedp log noise
	silentCtx, cancelSilent := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(string, ...interface{}) {}))
	defer cancelSilent()
	allocCtx = silentCtx

	currentURL := s.cfg.TargetURL
	for page := 1; page <= s.cfg.PagesToScrape; page++ {
		s.logger.Info("[suumo] Fetching page %d — URL: %s", page, currentURL)

		pageListings, nextURL, err := s.fetchPage(allocCtx, currentURL, page)
		if err != nil {
			if page == 1 {
				// Whole-stage failure: the session could not deliver anything.
				return nil, s.itemErrs, err
			}
			s.logger.Error("[suumo] Page %d failed: %v", page, err)
			s.recordItemErr(err)
			break
		}

		if len(pageListings) == 0 {
			s.logger.Warn("[suumo] Page %d returned 0 listings — stopping", page)
			break
		}

		s.fillMissingDetails(allocCtx, pageListings)

		s.mu.Lock()
		s.listings = append(s.listings, pageListings...)
		s.mu.Unlock()

		s.logger.Info("[suumo] Page %d done — collected %d listings so far", page, len(s.listings))

		if nextURL == "" || page >= s.cfg.PagesToScrape {
			break
		}

		currentURL = nextURL
		time.Sleep(time.Duration(s.cfg.RateLimitMs) * time.Millisecond)
	}

	s.logger.Info("[suumo] Fetch complete — %d listings, %d card errors",
		len(s.listings), len(s.itemErrs))
	return s.listings, s.itemErrs, nil
}

// fetchPage loads one search-results page, renders it, and parses the cards.
func (s *Scraper) fetchPage(allocCtx context.Context, pageURL string, pageNum int) ([]*models.RawListing, string, error) {
	var pageListings []*models.RawListing
	var nextURL string

	err := s.retry.Do(allocCtx, fmt.Sprintf("fetch-page-%d", pageNum), func() error {
		html, err := s.renderPage(allocCtx, pageURL)
		if err != nil {
			return err
		}

		cards, next, err := parseListHTML(html, pageURL, s.cfg.ListingsPerPage)
		if err != nil {
			return err
		}

		s.logger.Debug("[suumo] Page %d — found %d cards", pageNum, len(cards))

		pageListings = pageListings[:0]
		for _, c := range cards {
			if c.URL != "" && !s.visitedURL.Add(c.URL) {
				s.logger.Debug("[suumo] Skipping duplicate: %s", c.URL)
				continue
			}

			listing, err := cardToListing(c, time.Now())
			if err != nil {
				s.logger.Warn("[suumo] Dropping card: %v", err)
				s.recordItemErr(err)
				continue
			}
			pageListings = append(pageListings, listing)
		}

		nextURL = next
		return nil
	})

	return pageListings, nextURL, err
}

// renderPage navigates, waits for the JS-rendered cards, and returns the DOM.
func (s *Scraper) renderPage(allocCtx context.Context, pageURL string) (string, error) {
	ctx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	ctx, cancelTimeout := context.WithTimeout(ctx, time.Duration(s.cfg.FetchTimeoutSec)*time.Second)
	defer cancelTimeout()

	var html string
	err := chromedp.Run(ctx,
		chromedp.Navigate(pageURL),
		chromedp.Sleep(4*time.Second),
		chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight / 2)`, nil),
		chromedp.Sleep(2*time.Second),
		chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight)`, nil),
		chromedp.Sleep(2*time.Second),
		chromedp.OuterHTML("html", &html),
	)
	if err != nil {
		return "", navErr(pageURL, err)
	}
	return html, nil
}

// fillMissingDetails visits detail pages for listings whose card lacked an
// address or size, through the bounded worker pool.
func (s *Scraper) fillMissingDetails(allocCtx context.Context, listings []*models.RawListing) {
	for _, listing := range listings {
		l := listing
		if l.SourceURL == "" || (l.Address != "" && l.SizeSqm > 0) {
			continue
		}

		s.pool.Submit(func() {
			detail, err := s.fetchDetail(allocCtx, l.SourceURL)
			if err != nil {
				s.logger.Warn("[suumo] Detail page failed for %s: %v", l.SourceURL, err)
				s.recordItemErr(err)
				return
			}

			if l.Address == "" && detail.Address != "" {
				l.Address = detail.Address
			}
			if l.SizeSqm == 0 && detail.Size != "" {
				l.SizeSqm = parseSizeSqm(detail.Size)
			}
			if l.Layout == "" && detail.Layout != "" {
				l.Layout = normalizeLayout(detail.Layout)
			}
			if l.PostedDate.IsZero() && detail.Posted != "" {
				l.PostedDate = parsePostedDate(detail.Posted)
			}

			s.logger.Debug("[suumo] Detail filled: %s", l.BuildingName)
		})
	}
	s.pool.Wait()
}

func (s *Scraper) fetchDetail(allocCtx context.Context, pageURL string) (*detailFields, error) {
	var detail *detailFields

	err := s.retry.Do(allocCtx, "detail-page", func() error {
		ctx, cancel := chromedp.NewContext(allocCtx)
		defer cancel()

		ctx, cancelTimeout := context.WithTimeout(ctx, time.Duration(s.cfg.FetchTimeoutSec)*time.Second)
		defer cancelTimeout()

		var html string
		err := chromedp.Run(ctx,
			chromedp.Navigate(pageURL),
			chromedp.Sleep(2*time.Second),
			chromedp.OuterHTML("html", &html),
		)
		if err != nil {
			return navErr(pageURL, err)
		}

		detail, err = parseDetailHTML(html, pageURL)
		return err
	})

	return detail, err
}

func (s *Scraper) recordItemErr(err error) {
	s.mu.Lock()
	s.itemErrs = append(s.itemErrs, err)
	s.mu.Unlock()
}

func navErr(pageURL string, err error) error {
	kind := models.KindNavigationError
	if errors.Is(err, context.DeadlineExceeded) {
		kind = models.KindTimeout
	}
	return &models.FetchError{Kind: kind, URL: pageURL, Err: err}
}

// findChromeBinary locates the Chrome/Chromium binary.
func findChromeBinary(configured string) string {
	if configured != "" {
		return configured
	}
	if bin := os.Getenv("CHROME_BIN"); bin != "" {
		return bin
	}

	names := []string{"google-chrome-stable", "google-chrome", "chromium", "chromium-browser"}
	for _, name := range names {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}

	paths := []string{
		"/usr/bin/google-chrome-stable",
		"/usr/bin/google-chrome",
		"/usr/bin/chromium-browser",
		"/usr/bin/chromium",
		"/snap/bin/chromium",
		"/opt/google/chrome/google-chrome",
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	return ""
}
