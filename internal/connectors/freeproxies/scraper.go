// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

package freeproxies

import (
	"cmp"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"github.com/rs/zerolog"
)

// Column names of a source table.
const (
	ColumnHost     = "host"
	ColumnPort     = "port"
	ColumnAddress  = "address"
	ColumnProtocol = "protocol"
	ColumnCountry  = "country"
)

const (
	defaultSelector  = "table tbody tr"
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"
)

var defaultColumns = []string{ColumnHost, ColumnPort}

// entry is one proxy found on a page.
type entry struct {
	Protocol string
	Host     string
	Port     int
	Country  string
	Source   string
}

func (e entry) key() string {
	return fmt.Sprintf("%s-%s-%d", e.Protocol, e.Host, e.Port)
}

// scrape visits src and reads one proxy per table row.
func scrape(ctx context.Context, log zerolog.Logger, src Source, userAgent string, timeout time.Duration) ([]entry, error) {
	c := colly.NewCollector(
		colly.UserAgent(cmp.Or(userAgent, defaultUserAgent)),
		colly.StdlibContext(ctx),
		colly.AllowURLRevisit(),
	)
	c.SetRequestTimeout(timeout)

	columns := src.Columns
	if len(columns) == 0 {
		columns = defaultColumns
	}

	var out []entry
	c.OnHTML(cmp.Or(src.Selector, defaultSelector), func(e *colly.HTMLElement) {
		row, ok := parseRow(e.DOM.Find("td"), columns, src)
		if !ok {
			log.Trace().Str("source", src.URL).Int("row", e.Index).Msg("Skipping row")
			return
		}
		out = append(out, row)
	})

	log.Debug().Str("source", src.URL).Msg("Scraping page")

	if err := c.Visit(src.URL); err != nil {
		return nil, fmt.Errorf("error scraping %s: %w", src.URL, err)
	}
	c.Wait()

	log.Debug().Str("source", src.URL).Int("count", len(out)).Msg("Scrape finished")

	return out, nil
}

func parseRow(cells *goquery.Selection, columns []string, src Source) (entry, bool) {
	e := entry{
		Protocol: cmp.Or(src.Protocol, "http"),
		Source:   src.URL,
	}

	for i, col := range columns {
		text := strings.TrimSpace(cells.Eq(i).Text())

		switch col {
		case ColumnHost:
			e.Host = text
		case ColumnPort:
			e.Port, _ = strconv.Atoi(text)
		case ColumnAddress:
			host, port, err := net.SplitHostPort(text)
			if err != nil {
				return entry{}, false
			}
			e.Host = host
			e.Port, _ = strconv.Atoi(port)
		case ColumnProtocol:
			p, ok := normalizeProtocol(text)
			if !ok {
				return entry{}, false
			}
			e.Protocol = p
		case ColumnCountry:
			if len(text) == 2 {
				e.Country = strings.ToLower(text)
			}
		}
	}

	if net.ParseIP(e.Host) == nil || e.Port < 1 || e.Port > 65535 {
		return entry{}, false
	}

	return e, true
}

func normalizeProtocol(s string) (string, bool) {
	switch strings.ToLower(s) {
	case "http", "https":
		return "http", true
	case "socks5", "socks", "socks4/5":
		return "socks5", true
	default:
		return "", false
	}
}
