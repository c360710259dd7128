// Package websearch provides web search and page fetching for the deep
// research agent. The default provider scrapes DuckDuckGo's HTML endpoint;
// the "none" provider keeps research local-only.
package websearch

import (
	"context"

	"github.com/fyrsmithlabs/researchd/internal/apperr"
	"github.com/fyrsmithlabs/researchd/internal/config"
	"github.com/fyrsmithlabs/researchd/internal/logging"
)

// Result is one search engine hit.
type Result struct {
	Title   string
	URL     string
	Snippet string
}

// Page is a fetched and text-extracted web page.
type Page struct {
	URL     string
	Title   string
	Content string
}

// Provider searches the web and fetches pages.
type Provider interface {
	// Search returns up to the configured number of results for a query.
	Search(ctx context.Context, query string) ([]Result, error)
	// Fetch downloads one page and extracts its readable text.
	Fetch(ctx context.Context, pageURL string) (*Page, error)
	// Crawl fetches a page and follows same-domain links breadth-first up
	// to the configured depth and page count.
	Crawl(ctx context.Context, startURL string) ([]Page, error)
	// Available reports whether real web access is configured.
	Available() bool
}

// New creates a provider from configuration.
func New(cfg config.WebSearchConfig, log *logging.Logger) (Provider, error) {
	if log == nil {
		log = logging.NewNop()
	}
	switch cfg.Provider {
	case "ddg":
		return newDDGProvider(cfg, log), nil
	case "none", "":
		return noneProvider{}, nil
	default:
		return nil, apperr.E(apperr.Validation, "unknown websearch provider %q", cfg.Provider)
	}
}

// noneProvider disables web access.
type noneProvider struct{}

func (noneProvider) Search(context.Context, string) ([]Result, error) {
	return nil, apperr.E(apperr.Unsupported, "web search not configured")
}

func (noneProvider) Fetch(context.Context, string) (*Page, error) {
	return nil, apperr.E(apperr.Unsupported, "web fetch not configured")
}

func (noneProvider) Crawl(context.Context, string) ([]Page, error) {
	return nil, apperr.E(apperr.Unsupported, "web crawl not configured")
}

func (noneProvider) Available() bool { return false }
