package app

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"proxypulse/internal/shared/logger"
	"proxypulse/proxypool"
	"proxypulse/proxypool/model"
	"proxypulse/proxypool/scraper"
)

// ImportReport 汇总一次导入的结果。
type ImportReport struct {
	Added      int      `json:"added"`
	Duplicates int      `json:"duplicates"`
	Invalid    int      `json:"invalid"`
	IDs        []uint64 `json:"ids,omitempty"`
}

// Proxies 返回符合过滤条件的代理。
func (e *Engine) Proxies(f proxypool.Filter) []model.ProxyEntry {
	return e.registry.Filter(f)
}

// Proxy 返回单个代理。
func (e *Engine) Proxy(id uint64) (model.ProxyEntry, bool) {
	return e.registry.Get(id)
}

// AddProxy 校验并加入一个代理，同地址同类型的代理只能存在一个。
func (e *Engine) AddProxy(entry model.ProxyEntry) (model.ProxyEntry, error) {
	entry, err := e.prepareEntry(entry)
	if err != nil {
		return model.ProxyEntry{}, err
	}
	id, ok := e.registry.AddUnique(entry)
	if !ok {
		return model.ProxyEntry{}, fmt.Errorf("%s %s: %w", entry.Type, entry.Address(), ErrDuplicate)
	}
	added, _ := e.registry.Get(id)

	l := logger.WithComponent("Engine")
	l.Info().Uint64("proxy_id", id).Str("address", added.Address()).Str("type", string(added.Type)).Msg("Added proxy to pool.")
	e.saveAsync()
	return added, nil
}

func (e *Engine) prepareEntry(entry model.ProxyEntry) (model.ProxyEntry, error) {
	entry.Host = strings.TrimSpace(entry.Host)
	if entry.Host == "" {
		return entry, fmt.Errorf("host is required")
	}
	if strings.ContainsAny(entry.Host, " /") || (strings.Contains(entry.Host, ":") && net.ParseIP(entry.Host) == nil) {
		return entry, fmt.Errorf("invalid host %q", entry.Host)
	}
	if entry.Port <= 0 || entry.Port > 65535 {
		return entry, fmt.Errorf("invalid port %d", entry.Port)
	}
	entry.ID = 0
	entry.Type = model.ParseProtocol(strings.ToLower(string(entry.Type)))
	entry.Status = model.StatusPending
	entry.Ping, entry.Speed = 0, 0
	entry.LastTested = time.Time{}
	if entry.Source == "" {
		entry.Source = "manual"
	}
	return entry, nil
}

// RemoveProxy 从池中删除一个代理，并清除它的健康指标。
func (e *Engine) RemoveProxy(id uint64) error {
	if !e.registry.Remove(id) {
		return fmt.Errorf("proxy %d: %w", id, ErrNotFound)
	}
	e.monitor.Forget(id)

	l := logger.WithComponent("Engine")
	l.Info().Uint64("proxy_id", id).Msg("Removed proxy from pool.")
	e.saveAsync()
	return nil
}

// ImportText 导入多行文本，每行一个代理。
func (e *Engine) ImportText(text string, defaultType model.Protocol) ImportReport {
	entries, invalid := scraper.ParseList(text, defaultType)
	for i := range entries {
		entries[i].Source = "import"
	}
	report := e.importEntries(entries)
	report.Invalid += invalid
	return report
}

// ImportFromSources 从所有配置的抓取源获取代理并导入。
func (e *Engine) ImportFromSources(ctx context.Context) (ImportReport, error) {
	if len(e.sources) == 0 {
		return ImportReport{}, fmt.Errorf("no sources configured")
	}
	entries, err := scraper.FetchAll(ctx, e.sources)
	if err != nil {
		return ImportReport{}, err
	}
	return e.importEntries(entries), nil
}

func (e *Engine) importEntries(entries []model.ProxyEntry) ImportReport {
	var report ImportReport
	for _, entry := range entries {
		entry, err := e.prepareEntry(entry)
		if err != nil {
			report.Invalid++
			continue
		}
		id, ok := e.registry.AddUnique(entry)
		if !ok {
			report.Duplicates++
			continue
		}
		report.IDs = append(report.IDs, id)
		report.Added++
	}

	l := logger.WithComponent("Engine")
	l.Info().Int("added", report.Added).Int("duplicates", report.Duplicates).Int("invalid", report.Invalid).Msg("Import finished.")
	if report.Added > 0 {
		e.saveAsync()
		e.publishStatus()
	}
	return report
}

// Save 把代理池写入存储。未配置存储时什么也不做。
func (e *Engine) Save() error {
	if e.storage == nil {
		return nil
	}
	e.saveLock.Lock()
	defer e.saveLock.Unlock()
	return e.storage.Save(e.registry.All())
}

func (e *Engine) saveAsync() {
	if e.storage == nil {
		return
	}
	e.asyncMu.Lock()
	defer e.asyncMu.Unlock()
	if e.stopping {
		return
	}
	e.waitGroup.Add(1)
	go func() {
		defer e.waitGroup.Done()
		if err := e.Save(); err != nil {
			l := logger.WithComponent("Engine")
			l.Error().Err(err).Msg("Failed to save pool.")
		}
	}()
}
