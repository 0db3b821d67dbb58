package scraper

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"proxypulse/internal/shared/logger"
	"proxypulse/proxypool/model"
)

// DefaultRowSelector 匹配大多数免费代理列表页面的表格行。
const DefaultRowSelector = "table tbody tr"

// TableScraper 抓取以 HTML 表格形式发布的代理列表：第一列是 IP，第二列是端口，
// 其余列中如果出现协议名（http/https/socks4/socks5）则用作条目类型。
type TableScraper struct {
	client      *http.Client
	url         string
	rowSelector string
	defaultType model.Protocol
}

// NewTableScraper 创建一个新的实例
func NewTableScraper(pageURL, rowSelector string, defaultType model.Protocol, timeout time.Duration) *TableScraper {
	if rowSelector == "" {
		rowSelector = DefaultRowSelector
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &TableScraper{
		client:      &http.Client{Timeout: timeout},
		url:         pageURL,
		rowSelector: rowSelector,
		defaultType: defaultType,
	}
}

func (s *TableScraper) Name() string {
	if u, err := url.Parse(s.url); err == nil && u.Host != "" {
		return u.Host
	}
	return s.url
}

func (s *TableScraper) Scrape(ctx context.Context) ([]model.ProxyEntry, error) {
	l := logger.WithComponent("ProxyPool/Scraper")
	l.Info().Str("source", s.Name()).Msg("Starting scrape...")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", s.Name(), err)
	}
	req.Header.Set("User-Agent", defaultUserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch page for %s: %w", s.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("received non-200 status code (%d) from %s", resp.StatusCode, s.Name())
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML for %s: %w", s.Name(), err)
	}

	var proxies []model.ProxyEntry
	doc.Find(s.rowSelector).Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		ip := strings.TrimSpace(cells.Eq(0).Text())
		portStr := strings.TrimSpace(cells.Eq(1).Text())
		if ip == "" || portStr == "" || !validHost(ip) {
			return
		}

		port, err := parsePort(portStr)
		if err != nil {
			l.Warn().Str("ip", ip).Str("port", portStr).Msg("Failed to parse port, skipping.")
			return
		}

		typ := s.defaultType
		if typ == "" {
			typ = model.ProtoHTTP
		}
		cells.Slice(2, goquery.ToEnd).EachWithBreak(func(_ int, cell *goquery.Selection) bool {
			if p, ok := protocolCell(cell.Text()); ok {
				typ = p
				return false
			}
			return true
		})

		proxies = append(proxies, model.ProxyEntry{
			Host:   ip,
			Port:   port,
			Type:   typ,
			Source: s.Name(),
		})
	})

	l.Info().Int("count", len(proxies)).Str("source", s.Name()).Msg("Scrape finished.")
	return proxies, nil
}

// protocolCell 识别表格里的协议列，例如 "HTTP"、"SOCKS5"、"https"。
func protocolCell(text string) (model.Protocol, bool) {
	t := strings.ToLower(strings.TrimSpace(text))
	switch t {
	case "http", "https", "socks4", "socks5":
		return model.Protocol(t), true
	case "socks":
		return model.ProtoSOCKS5, true
	}
	return "", false
}
