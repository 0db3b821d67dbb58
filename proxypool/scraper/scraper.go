package scraper

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"proxypulse/internal/shared/logger"
	"proxypulse/proxypool/model"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/108.0.0.0 Safari/537.36"

// Scraper 接口定义了从代理源抓取代理信息的行为。
type Scraper interface {
	// Scrape 执行抓取操作，并返回抓到的条目。
	// 实现者应只负责抓取和初步解析，不进行验证。
	Scrape(ctx context.Context) ([]model.ProxyEntry, error)

	// Name 返回抓取器的名称，用于日志记录。
	Name() string
}

// hostPortRe 匹配页面文本中的 ip:port。
var hostPortRe = regexp.MustCompile(`\b(\d{1,3}(?:\.\d{1,3}){3}):(\d{2,5})\b`)

// ParseLine 解析一行导入文本。支持 host:port、host:port:user:pass
// 以及 type://[user:pass@]host:port 三种写法；空行和 # 注释返回 ok=false。
func ParseLine(line string, defaultType model.Protocol) (model.ProxyEntry, bool, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return model.ProxyEntry{}, false, nil
	}
	if defaultType == "" {
		defaultType = model.ProtoHTTP
	}

	if strings.Contains(line, "://") {
		u, err := url.Parse(line)
		if err != nil {
			return model.ProxyEntry{}, false, fmt.Errorf("invalid proxy url %q: %w", line, err)
		}
		port, err := parsePort(u.Port())
		if err != nil || u.Hostname() == "" {
			return model.ProxyEntry{}, false, fmt.Errorf("invalid proxy url %q: missing host or port", line)
		}
		e := model.ProxyEntry{Host: u.Hostname(), Port: port, Type: model.ParseProtocol(u.Scheme)}
		if u.User != nil {
			e.Username = u.User.Username()
			e.Password, _ = u.User.Password()
		}
		return e, true, nil
	}

	parts := strings.Split(line, ":")
	switch len(parts) {
	case 2, 4:
	default:
		return model.ProxyEntry{}, false, fmt.Errorf("invalid proxy line %q", line)
	}
	port, err := parsePort(parts[1])
	if err != nil || parts[0] == "" {
		return model.ProxyEntry{}, false, fmt.Errorf("invalid proxy line %q: bad port", line)
	}
	e := model.ProxyEntry{Host: parts[0], Port: port, Type: defaultType}
	if len(parts) == 4 {
		e.Username, e.Password = parts[2], parts[3]
	}
	return e, true, nil
}

// ParseList 逐行解析导入文本，返回成功解析的条目和出错行的数量。
func ParseList(text string, defaultType model.Protocol) ([]model.ProxyEntry, int) {
	var (
		out     []model.ProxyEntry
		invalid int
	)
	for _, line := range strings.Split(text, "\n") {
		e, ok, err := ParseLine(line, defaultType)
		if err != nil {
			invalid++
			continue
		}
		if ok {
			out = append(out, e)
		}
	}
	return out, invalid
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if port <= 0 || port > 65535 {
		return 0, fmt.Errorf("port %d out of range", port)
	}
	return port, nil
}

func validHost(h string) bool {
	return net.ParseIP(h) != nil
}

// FetchAll 并发执行所有抓取器并合并结果，按 host/port/type 去重。
// 单个抓取器失败只记录日志，除非全部失败。
func FetchAll(ctx context.Context, scrapers []Scraper) ([]model.ProxyEntry, error) {
	l := logger.WithComponent("ProxyPool/Scraper")

	results := make([][]model.ProxyEntry, len(scrapers))
	errs := make([]error, len(scrapers))

	g, gctx := errgroup.WithContext(ctx)
	for i, s := range scrapers {
		g.Go(func() error {
			entries, err := s.Scrape(gctx)
			if err != nil {
				l.Warn().Err(err).Str("source", s.Name()).Msg("Scrape failed.")
				errs[i] = err
				return nil
			}
			for j := range entries {
				entries[j].Source = s.Name()
			}
			results[i] = entries
			return nil
		})
	}
	_ = g.Wait()

	seen := make(map[string]struct{})
	var merged []model.ProxyEntry
	failed := 0
	for i := range scrapers {
		if errs[i] != nil {
			failed++
			continue
		}
		for _, e := range results[i] {
			key := fmt.Sprintf("%s:%d-%s", e.Host, e.Port, e.Type)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			merged = append(merged, e)
		}
	}

	if len(scrapers) > 0 && failed == len(scrapers) {
		return nil, fmt.Errorf("all %d sources failed, first error: %w", failed, errs[0])
	}
	l.Info().Int("sources", len(scrapers)).Int("failed", failed).Int("count", len(merged)).Msg("Scrape round finished.")
	return merged, nil
}
