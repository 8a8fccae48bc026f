package suumo

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/text/width"

	"rental-watcher/models"
)

// cardSchema is the strict shape every extracted card must satisfy before it
// becomes a RawListing. Violations surface as FetchError(ParseError) for
// that card only.
var cardSchema = jsonschema.MustCompileString("listing-card.json", `{
	"type": "object",
	"required": ["name", "url", "rent"],
	"properties": {
		"name":    {"type": "string", "minLength": 1},
		"url":     {"type": "string", "pattern": "^https?://"},
		"rent":    {"type": "string", "minLength": 1},
		"address": {"type": "string"},
		"size":    {"type": "string"},
		"layout":  {"type": "string"},
		"posted":  {"type": "string"}
	}
}`)

// card is one listing card as extracted from the search-results DOM, still
// raw strings.
type card struct {
	Name    string
	URL     string
	Address string
	Rent    string
	Size    string
	Layout  string
	Posted  string
}

func (c *card) validate() error {
	doc := map[string]interface{}{
		"name":    c.Name,
		"url":     c.URL,
		"rent":    c.Rent,
		"address": c.Address,
		"size":    c.Size,
		"layout":  c.Layout,
		"posted":  c.Posted,
	}
	if err := cardSchema.Validate(doc); err != nil {
		return &models.FetchError{Kind: models.KindParseError, URL: c.URL, Err: err}
	}
	return nil
}

// parseListHTML extracts up to limit listing cards and the next-page URL
// from a rendered search-results page.
func parseListHTML(html, pageURL string, limit int) ([]*card, string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, "", &models.FetchError{Kind: models.KindParseError, URL: pageURL, Err: err}
	}

	var cards []*card
	doc.Find("div.cassetteitem").EachWithBreak(func(_ int, item *goquery.Selection) bool {
		c := &card{
			Name:    sanitizeText(item.Find(".cassetteitem_content-title").First().Text()),
			Address: sanitizeText(item.Find("li.cassetteitem_detail-col1").First().Text()),
		}

		// First unit row of the building's unit table.
		row := item.Find("table.cassetteitem_other tr.js-cassette_link").First()
		c.Rent = sanitizeText(row.Find("span.cassetteitem_other-emphasis").First().Text())
		c.Size = sanitizeText(row.Find("span.cassetteitem_menseki").First().Text())
		c.Layout = sanitizeText(row.Find("span.cassetteitem_madori").First().Text())

		if href, ok := row.Find("a[href]").First().Attr("href"); ok {
			c.URL = resolveURL(pageURL, href)
		}

		cards = append(cards, c)
		return len(cards) < limit
	})

	nextURL := ""
	doc.Find("div.pagination a, p.pagination-parts a").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		if strings.Contains(a.Text(), "次へ") {
			if href, ok := a.Attr("href"); ok {
				nextURL = resolveURL(pageURL, href)
			}
			return false
		}
		return true
	})

	return cards, nextURL, nil
}

// detailFields are the values pulled off a listing's detail page when the
// card alone was incomplete.
type detailFields struct {
	Address string
	Layout  string
	Size    string
	Posted  string
}

// parseDetailHTML reads the label/value table of a detail page: find the
// <th> carrying the label, take the adjacent <td>.
func parseDetailHTML(html, pageURL string) (*detailFields, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, &models.FetchError{Kind: models.KindParseError, URL: pageURL, Err: err}
	}

	return &detailFields{
		Address: tdByLabel(doc, "住所", "所在地"),
		Layout:  tdByLabel(doc, "間取り", "間取"),
		Size:    tdByLabel(doc, "専有面積", "面積"),
		Posted:  tdByLabel(doc, "情報更新日", "掲載日"),
	}, nil
}

func tdByLabel(doc *goquery.Document, labels ...string) string {
	var out string
	doc.Find("th").EachWithBreak(func(_ int, th *goquery.Selection) bool {
		label := sanitizeText(th.Text())
		for _, want := range labels {
			if label == want {
				out = sanitizeText(th.Next().Text())
				return false
			}
		}
		return true
	})
	return out
}

// cardToListing validates a card and normalizes it into a typed RawListing.
func cardToListing(c *card, extractedAt time.Time) (*models.RawListing, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}

	rent := parseRentYen(c.Rent)
	if rent <= 0 {
		return nil, &models.FetchError{
			Kind: models.KindParseError,
			URL:  c.URL,
			Err:  fmt.Errorf("unparseable rent %q", c.Rent),
		}
	}

	return &models.RawListing{
		SourceURL:    c.URL,
		BuildingName: c.Name,
		Address:      c.Address,
		RentYen:      rent,
		SizeSqm:      parseSizeSqm(c.Size),
		Layout:       normalizeLayout(c.Layout),
		PostedDate:   parsePostedDate(c.Posted),
		ExtractedAt:  extractedAt,
	}, nil
}

var (
	rentManRegexp  = regexp.MustCompile(`([\d.]+)\s*万`)
	rentYenRegexp  = regexp.MustCompile(`([\d]+)\s*円`)
	sizeRegexp     = regexp.MustCompile(`([\d.]+)\s*m2`)
	layoutRegexp   = regexp.MustCompile(`(?i)(\d+)\s*(LDK|DK|K|R)`)
	postedRegexp   = regexp.MustCompile(`(\d{4})年(\d{1,2})月(\d{1,2})日`)
	postedISORegex = regexp.MustCompile(`(\d{4})/(\d{1,2})/(\d{1,2})`)
)

// parseRentYen converts a raw rent string to yen. Handles 万円 amounts,
// plain 円 amounts, full-width digits, and thousands separators.
// "8.5万円" → 85000, "98,000円" → 98000.
func parseRentYen(raw string) float64 {
	s := strings.ReplaceAll(width.Narrow.String(raw), ",", "")

	if m := rentManRegexp.FindStringSubmatch(s); len(m) == 2 {
		v, err := strconv.ParseFloat(m[1], 64)
		if err == nil {
			return v * 10000
		}
	}
	if m := rentYenRegexp.FindStringSubmatch(s); len(m) == 2 {
		v, err := strconv.ParseFloat(m[1], 64)
		if err == nil {
			return v
		}
	}
	return 0
}

// parseSizeSqm converts an area string to square metres, absorbing the unit
// variants the site emits (㎡, m², m2).
func parseSizeSqm(raw string) float64 {
	s := width.Narrow.String(raw)
	s = strings.ReplaceAll(s, "㎡", "m2")
	s = strings.ReplaceAll(s, "m²", "m2")
	s = strings.ReplaceAll(s, "m^2", "m2")

	if m := sizeRegexp.FindStringSubmatch(s); len(m) == 2 {
		v, err := strconv.ParseFloat(m[1], 64)
		if err == nil {
			return v
		}
	}
	return 0
}

// normalizeLayout unifies layout strings: full-width digits folded, type
// uppercased. "２ＬＤＫ" → "2LDK", "ワンルーム" stays as-is.
func normalizeLayout(raw string) string {
	s := width.Narrow.String(sanitizeText(raw))
	if m := layoutRegexp.FindStringSubmatch(s); len(m) == 3 {
		return m[1] + strings.ToUpper(m[2])
	}
	return s
}

// parsePostedDate parses "2026年8月20日" or "2026/8/20"; zero time when the
// site shows nothing usable.
func parsePostedDate(raw string) time.Time {
	s := width.Narrow.String(raw)
	for _, re := range []*regexp.Regexp{postedRegexp, postedISORegex} {
		if m := re.FindStringSubmatch(s); len(m) == 4 {
			y, _ := strconv.Atoi(m[1])
			mo, _ := strconv.Atoi(m[2])
			d, _ := strconv.Atoi(m[3])
			return time.Date(y, time.Month(mo), d, 0, 0, 0, 0, time.UTC)
		}
	}
	return time.Time{}
}

// sanitizeText strips tabs/newlines and collapses runs of whitespace,
// including full-width spaces.
func sanitizeText(s string) string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return unicode.IsSpace(r)
	})
	return strings.Join(fields, " ")
}

func resolveURL(base, href string) string {
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	b, err := url.Parse(base)
	if err != nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return b.ResolveReference(ref).String()
}
