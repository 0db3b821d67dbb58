package storage

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"proxypulse/internal/shared/logger"
	"proxypulse/proxypool/model"
)

const (
	delimiter = "|"
	numFields = 14 // ID|Host|Port|Type|Username|Password|Status|Ping|Speed|Country|Anonymity|Source|AddedAt|LastTested
)

// Storage persists pool entries between runs.
type Storage interface {
	Load() ([]model.ProxyEntry, error)
	Save(entries []model.ProxyEntry) error
}

// FileStorage keeps one entry per line in a plain text file.
type FileStorage struct {
	filePath string
	mu       sync.RWMutex
}

// NewFileStorage creates a FileStorage for the given path.
func NewFileStorage(filePath string) *FileStorage {
	return &FileStorage{
		filePath: filePath,
	}
}

// Load reads every well-formed line. A missing file is an empty pool.
func (fs *FileStorage) Load() ([]model.ProxyEntry, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	l := logger.WithComponent("Pool/Storage")

	file, err := os.Open(fs.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			l.Info().Str("path", fs.filePath).Msg("Pool file not found, starting with an empty pool.")
			return []model.ProxyEntry{}, nil
		}
		return nil, fmt.Errorf("open pool file: %w", err)
	}
	defer file.Close()

	entries := make([]model.ProxyEntry, 0)
	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Split(line, delimiter)
		if len(fields) != numFields {
			l.Warn().Int("line", lineNum).Int("expected", numFields).Int("got", len(fields)).Msg("Skipping malformed line in pool file.")
			continue
		}

		p, err := parseEntry(fields)
		if err != nil {
			l.Warn().Int("line", lineNum).Err(err).Msg("Failed to parse pool entry, skipping.")
			continue
		}
		entries = append(entries, p)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read pool file: %w", err)
	}

	l.Info().Int("count", len(entries)).Msg("Loaded pool from file.")
	return entries, nil
}

// Save writes entries in the order given.
func (fs *FileStorage) Save(entries []model.ProxyEntry) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	var sb strings.Builder
	for _, p := range entries {
		sb.WriteString(formatEntry(p))
		sb.WriteString("\n")
	}

	tmp := fs.filePath + ".tmp"
	if err := os.WriteFile(tmp, []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("write pool file: %w", err)
	}
	if err := os.Rename(tmp, fs.filePath); err != nil {
		return fmt.Errorf("replace pool file: %w", err)
	}

	l := logger.WithComponent("Pool/Storage")
	l.Debug().Int("count", len(entries)).Msg("Saved pool to file.")
	return nil
}

// clean keeps the delimiter out of free-text fields.
func clean(s string) string {
	return strings.ReplaceAll(s, delimiter, " ")
}

func formatEntry(p model.ProxyEntry) string {
	return strings.Join([]string{
		strconv.FormatUint(p.ID, 10),
		clean(p.Host),
		strconv.Itoa(p.Port),
		string(p.Type),
		clean(p.Username),
		clean(p.Password),
		string(p.Status),
		strconv.FormatInt(p.Ping, 10),
		strconv.FormatFloat(p.Speed, 'f', 3, 64),
		clean(p.Country),
		clean(p.Anonymity),
		clean(p.Source),
		unixOrZero(p.AddedAt),
		unixOrZero(p.LastTested),
	}, delimiter)
}

func unixOrZero(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.Unix(), 10)
}

func parseEntry(fields []string) (model.ProxyEntry, error) {
	id, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return model.ProxyEntry{}, fmt.Errorf("invalid id: %w", err)
	}
	port, err := strconv.Atoi(fields[2])
	if err != nil {
		return model.ProxyEntry{}, fmt.Errorf("invalid port: %w", err)
	}
	ping, err := strconv.ParseInt(fields[7], 10, 64)
	if err != nil {
		return model.ProxyEntry{}, fmt.Errorf("invalid ping: %w", err)
	}
	speed, err := strconv.ParseFloat(fields[8], 64)
	if err != nil {
		return model.ProxyEntry{}, fmt.Errorf("invalid speed: %w", err)
	}
	addedUnix, err := strconv.ParseInt(fields[12], 10, 64)
	if err != nil {
		return model.ProxyEntry{}, fmt.Errorf("invalid added_at: %w", err)
	}
	testedUnix, err := strconv.ParseInt(fields[13], 10, 64)
	if err != nil {
		return model.ProxyEntry{}, fmt.Errorf("invalid last_tested: %w", err)
	}

	status := model.Status(fields[6])
	switch status {
	case model.StatusAlive, model.StatusDead, model.StatusPending:
	default:
		// a test interrupted by shutdown never finished
		status = model.StatusPending
	}

	p := model.ProxyEntry{
		ID:        id,
		Host:      fields[1],
		Port:      port,
		Type:      model.ParseProtocol(fields[3]),
		Username:  fields[4],
		Password:  fields[5],
		Status:    status,
		Ping:      ping,
		Speed:     speed,
		Country:   fields[9],
		Anonymity: fields[10],
		Source:    fields[11],
	}
	if addedUnix > 0 {
		p.AddedAt = time.Unix(addedUnix, 0)
	}
	if testedUnix > 0 {
		p.LastTested = time.Unix(testedUnix, 0)
	}
	return p, nil
}
