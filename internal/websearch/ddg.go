package websearch

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/researchd/internal/apperr"
	"github.com/fyrsmithlabs/researchd/internal/config"
	"github.com/fyrsmithlabs/researchd/internal/extract"
	"github.com/fyrsmithlabs/researchd/internal/logging"
)

const browserUserAgent = "Mozilla/5.0 (X11; Linux x86_64; rv:128.0) Gecko/20100101 Firefox/128.0"

// ddgProvider scrapes DuckDuckGo's HTML results page. No API key, so a
// conservative rate limit is applied to every outbound request.
type ddgProvider struct {
	cfg       config.WebSearchConfig
	log       *logging.Logger
	client    *http.Client
	limiter   *rate.Limiter
	searchURL string
}

var _ Provider = (*ddgProvider)(nil)

func newDDGProvider(cfg config.WebSearchConfig, log *logging.Logger) *ddgProvider {
	if log == nil {
		log = logging.NewNop()
	}
	limit := cfg.RatePerSecond
	if limit <= 0 {
		limit = 2
	}
	return &ddgProvider{
		cfg:       cfg,
		log:       log,
		client:    &http.Client{Timeout: cfg.Timeout.Duration()},
		limiter:   rate.NewLimiter(rate.Limit(limit), 1),
		searchURL: "https://html.duckduckgo.com/html/",
	}
}

func (p *ddgProvider) Available() bool { return true }

func (p *ddgProvider) get(ctx context.Context, rawURL string) (*http.Response, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, apperr.Wrap(apperr.DeadlineExceeded, err, "rate limit wait")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.Validation, err, "building request")
	}
	req.Header.Set("User-Agent", browserUserAgent)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperr.Wrap(apperr.DeadlineExceeded, err, "fetching %s", rawURL)
		}
		return nil, apperr.Wrap(apperr.Transient, err, "fetching %s", rawURL)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		kind := apperr.Internal
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			kind = apperr.Transient
		}
		return nil, apperr.E(kind, "fetching %s: status %d", rawURL, resp.StatusCode)
	}
	return resp, nil
}

// Search queries the HTML endpoint and parses result anchors.
func (p *ddgProvider) Search(ctx context.Context, query string) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, apperr.E(apperr.Validation, "query cannot be empty")
	}
	resp, err := p.get(ctx, p.searchURL+"?q="+url.QueryEscape(query))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "parsing search results")
	}

	var results []Result
	doc.Find(".result").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		anchor := s.Find(".result__a").First()
		href, ok := anchor.Attr("href")
		if !ok {
			return true
		}
		target := unwrapRedirect(href)
		if !validTargetURL(target) {
			return true
		}
		results = append(results, Result{
			Title:   strings.TrimSpace(anchor.Text()),
			URL:     target,
			Snippet: strings.TrimSpace(s.Find(".result__snippet").First().Text()),
		})
		return len(results) < p.cfg.MaxResults
	})

	p.log.Debug(ctx, "web search",
		zap.String("query", query),
		zap.Int("results", len(results)))
	return results, nil
}

// unwrapRedirect resolves DuckDuckGo's /l/?uddg= redirect links to the
// destination URL. Non-redirect links pass through, scheme-relative links
// get https.
func unwrapRedirect(href string) string {
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if strings.HasSuffix(u.Host, "duckduckgo.com") && strings.HasPrefix(u.Path, "/l/") {
		if target := u.Query().Get("uddg"); target != "" {
			return target
		}
	}
	return href
}

func validTargetURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Fetch downloads one page, capped at the configured byte limit, and
// extracts readable text.
func (p *ddgProvider) Fetch(ctx context.Context, pageURL string) (*Page, error) {
	if !validTargetURL(pageURL) {
		return nil, apperr.E(apperr.Validation, "invalid url %q", pageURL)
	}
	resp, err := p.get(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	maxBytes := p.cfg.MaxFetchBytes
	if maxBytes <= 0 {
		maxBytes = 2 * 1024 * 1024
	}
	res, err := extract.ExtractHTML(http.MaxBytesReader(nil, resp.Body, maxBytes))
	if err != nil {
		return nil, err
	}
	return &Page{URL: pageURL, Title: res.Title, Content: res.Text}, nil
}

// Crawl fetches startURL and follows same-host links breadth-first.
func (p *ddgProvider) Crawl(ctx context.Context, startURL string) ([]Page, error) {
	start, err := url.Parse(startURL)
	if err != nil || !validTargetURL(startURL) {
		return nil, apperr.E(apperr.Validation, "invalid url %q", startURL)
	}
	maxDepth := p.cfg.CrawlMaxDepth
	if maxDepth < 0 {
		maxDepth = 0
	}
	maxPages := p.cfg.CrawlMaxPages
	if maxPages <= 0 {
		maxPages = 1
	}

	type queued struct {
		url   string
		depth int
	}
	queue := []queued{{url: normalizeURL(start), depth: 0}}
	visited := map[string]struct{}{}
	var pages []Page

	for len(queue) > 0 && len(pages) < maxPages {
		item := queue[0]
		queue = queue[1:]
		if _, seen := visited[item.url]; seen {
			continue
		}
		visited[item.url] = struct{}{}

		page, links, err := p.fetchWithLinks(ctx, item.url)
		if err != nil {
			if apperr.Is(err, apperr.DeadlineExceeded) {
				return pages, err
			}
			p.log.Warn(ctx, "crawl fetch failed", zap.String("url", item.url), zap.Error(err))
			continue
		}
		pages = append(pages, *page)

		if item.depth >= maxDepth {
			continue
		}
		for _, link := range links {
			u, err := url.Parse(link)
			if err != nil {
				continue
			}
			resolved := start.ResolveReference(u)
			if resolved.Host != start.Host || (resolved.Scheme != "http" && resolved.Scheme != "https") {
				continue
			}
			norm := normalizeURL(resolved)
			if _, seen := visited[norm]; !seen {
				queue = append(queue, queued{url: norm, depth: item.depth + 1})
			}
		}
	}
	return pages, nil
}

// fetchWithLinks is Fetch plus anchor extraction for crawling.
func (p *ddgProvider) fetchWithLinks(ctx context.Context, pageURL string) (*Page, []string, error) {
	resp, err := p.get(ctx, pageURL)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	maxBytes := p.cfg.MaxFetchBytes
	if maxBytes <= 0 {
		maxBytes = 2 * 1024 * 1024
	}
	doc, err := goquery.NewDocumentFromReader(http.MaxBytesReader(nil, resp.Body, maxBytes))
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.Validation, err, "parsing page")
	}

	var links []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		if href, ok := s.Attr("href"); ok && href != "" && !strings.HasPrefix(href, "#") {
			links = append(links, href)
		}
	})

	title := strings.TrimSpace(doc.Find("title").First().Text())
	doc.Find("script, style, noscript, nav, header, footer, aside, form").Remove()
	var parts []string
	doc.Find("h1, h2, h3, h4, p, li, pre, code, table").Each(func(_ int, s *goquery.Selection) {
		if s.ParentsFiltered("h1, h2, h3, h4, p, li, pre, code, table").Length() > 0 {
			return
		}
		if text := strings.TrimSpace(s.Text()); text != "" {
			parts = append(parts, text)
		}
	})

	return &Page{URL: pageURL, Title: title, Content: strings.Join(parts, "\n\n")}, links, nil
}

// normalizeURL strips fragments and trailing slashes so the visited set
// deduplicates equivalent addresses.
func normalizeURL(u *url.URL) string {
	c := *u
	c.Fragment = ""
	c.Path = strings.TrimSuffix(c.Path, "/")
	return c.String()
}
