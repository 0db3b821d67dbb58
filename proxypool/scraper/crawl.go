package scraper

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"proxypulse/internal/shared/logger"
	"proxypulse/proxypool/model"
)

// CrawlScraper 从一组起始页开始抓取，提取页面中所有 ip:port，
// 并沿 rel="next" 分页链接继续，最多访问 maxPages 个页面。
type CrawlScraper struct {
	name        string
	startURLs   []string
	maxPages    int
	delay       time.Duration
	timeout     time.Duration
	defaultType model.Protocol
}

// NewCrawlScraper 创建一个新的 CrawlScraper 实例。
func NewCrawlScraper(name string, startURLs []string, maxPages int, defaultType model.Protocol, timeout time.Duration) *CrawlScraper {
	if maxPages <= 0 {
		maxPages = 4
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	if defaultType == "" {
		defaultType = model.ProtoHTTP
	}
	return &CrawlScraper{
		name:        name,
		startURLs:   startURLs,
		maxPages:    maxPages,
		timeout:     timeout,
		defaultType: defaultType,
	}
}

// SetDelay 设置两次请求之间的间隔，避免对目标服务器造成过大压力。
func (s *CrawlScraper) SetDelay(d time.Duration) { s.delay = d }

// Name 返回抓取器的名称。
func (s *CrawlScraper) Name() string {
	return s.name
}

// Scrape 执行抓取操作。
func (s *CrawlScraper) Scrape(ctx context.Context) ([]model.ProxyEntry, error) {
	l := logger.WithComponent("ProxyPool/Scraper")
	l.Info().Str("source", s.Name()).Msg("Starting scrape...")

	// 每次抓取使用新的 collector，回调不会在多次抓取之间累积
	c := colly.NewCollector(colly.UserAgent(defaultUserAgent))
	c.SetRequestTimeout(s.timeout)
	if s.delay > 0 {
		_ = c.Limit(&colly.LimitRule{DomainGlob: "*", Delay: s.delay})
	}

	var (
		mu        sync.Mutex // 保护 proxies、visited 和 scrapeErr
		proxies   []model.ProxyEntry
		seen      = make(map[string]struct{})
		visited   int
		scrapeErr error
	)

	c.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if visited >= s.maxPages {
			r.Abort()
			return
		}
		visited++
		l.Debug().Str("url", r.URL.String()).Msg("Visiting page...")
	})

	c.OnResponse(func(r *colly.Response) {
		matches := hostPortRe.FindAllSubmatch(r.Body, -1)
		if len(matches) == 0 {
			l.Warn().Str("url", r.Request.URL.String()).Msg("No ip:port pairs found in response body.")
			return
		}

		mu.Lock()
		defer mu.Unlock()
		for _, m := range matches {
			ip := string(m[1])
			if !validHost(ip) {
				continue
			}
			port, err := parsePort(string(m[2]))
			if err != nil {
				continue
			}
			key := ip + ":" + string(m[2])
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			proxies = append(proxies, model.ProxyEntry{
				Host:   ip,
				Port:   port,
				Type:   s.defaultType,
				Source: s.Name(),
			})
		}
	})

	c.OnHTML(`a[rel="next"]`, func(e *colly.HTMLElement) {
		_ = e.Request.Visit(e.Attr("href"))
	})

	c.OnError(func(r *colly.Response, err error) {
		l.Error().Err(err).Int("status_code", r.StatusCode).Str("url", r.Request.URL.String()).Msg("Scrape request failed.")
		mu.Lock()
		if scrapeErr == nil {
			scrapeErr = err
		}
		mu.Unlock()
	})

	for _, u := range s.startURLs {
		if err := c.Visit(u); err != nil && !errors.Is(err, colly.ErrAlreadyVisited) {
			l.Debug().Err(err).Str("url", u).Msg("Visit skipped.")
		}
	}
	c.Wait() // 等待所有排队的 Visit 请求完成

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// 部分页面失败时保留已抓到的结果
	if len(proxies) == 0 && scrapeErr != nil {
		return nil, scrapeErr
	}

	l.Info().Int("count", len(proxies)).Str("source", s.Name()).Msg("Scrape finished.")
	return proxies, nil
}
