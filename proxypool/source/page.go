package source

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"proxyprobe/internal/probe"
	"proxyprobe/internal/shared/logger"
	"proxyprobe/internal/shared/types"
	"proxyprobe/proxypool/model"
	"proxyprobe/proxypool/parser"
)

// PageSource fetches a published proxy list. Plain text bodies are parsed
// line by line; HTML pages are scanned for table rows whose first two cells
// are host and port, following rel="next" links up to MaxPages pages.
type PageSource struct {
	URL           string
	DefaultScheme probe.Scheme
	MaxPages      int
	UserAgent     string
}

func (s *PageSource) Name() string { return s.URL }

func (s *PageSource) Fetch(ctx context.Context) ([]*model.Record, error) {
	l := logger.WithComponent("ProxyPool/Source")
	l.Info().Str("source", s.Name()).Msg("Starting fetch...")

	ua := s.UserAgent
	if ua == "" {
		ua = types.DefaultUserAgent
	}
	maxPages := s.MaxPages
	if maxPages <= 0 {
		maxPages = 1
	}
	c := colly.NewCollector(colly.UserAgent(ua), colly.MaxDepth(maxPages))
	c.SetRequestTimeout(20 * time.Second)

	var (
		mu        sync.Mutex
		records   []*model.Record
		seen      = make(map[string]bool)
		fetchErr  error
		pageCount int
	)
	add := func(recs ...*model.Record) {
		mu.Lock()
		defer mu.Unlock()
		for _, r := range recs {
			if !seen[r.ID] {
				seen[r.ID] = true
				records = append(records, r)
			}
		}
	}

	c.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
		}
	})
	c.OnResponse(func(r *colly.Response) {
		pageCount++
		if strings.Contains(r.Headers.Get("Content-Type"), "html") {
			return
		}
		recs, errs := parser.Parse(bytes.NewReader(r.Body), s.DefaultScheme, s.Name())
		if len(errs) > 0 {
			l.Debug().Int("bad_lines", len(errs)).Str("url", r.Request.URL.String()).Msg("Some lines were not proxies.")
		}
		add(recs...)
	})
	c.OnHTML("table tr", func(e *colly.HTMLElement) {
		cells := e.DOM.Find("td")
		if cells.Length() < 2 {
			return
		}
		if rec := s.fromRow(cells); rec != nil {
			add(rec)
		}
	})
	c.OnHTML(`a[rel="next"]`, func(e *colly.HTMLElement) {
		e.Request.Visit(e.Attr("href"))
	})
	c.OnError(func(r *colly.Response, err error) {
		l.Error().Err(err).Int("status_code", r.StatusCode).Str("url", r.Request.URL.String()).Msg("Fetch request failed.")
		fetchErr = err
	})

	if err := c.Visit(s.URL); err != nil {
		return nil, fmt.Errorf("visit %s: %w", s.URL, err)
	}
	c.Wait()

	if len(records) == 0 && fetchErr != nil {
		return nil, fetchErr
	}
	l.Info().Str("source", s.Name()).Int("pages", pageCount).Int("count", len(records)).Msg("Fetch finished.")
	return records, nil
}

// fromRow builds a record from a table row: host, port, and optionally a
// cell naming the protocol.
func (s *PageSource) fromRow(cells *goquery.Selection) *model.Record {
	host := strings.TrimSpace(cells.Eq(0).Text())
	port, err := strconv.ParseUint(strings.TrimSpace(cells.Eq(1).Text()), 10, 16)
	if err != nil || net.ParseIP(host) == nil {
		return nil
	}
	scheme := s.DefaultScheme
	cells.Slice(2, cells.Length()).EachWithBreak(func(_ int, cell *goquery.Selection) bool {
		if sc, err := probe.ParseScheme(strings.TrimSpace(cell.Text())); err == nil {
			scheme = sc
			return false
		}
		return true
	})
	t, err := probe.NewTarget(scheme, host, uint16(port), nil, nil)
	if err != nil {
		return nil
	}
	return model.NewRecord(t, s.Name())
}
