package model

import (
	"net"
	"strconv"
	"time"
)

// Protocol is the proxy protocol an entry speaks.
type Protocol string

const (
	ProtoHTTP   Protocol = "http"
	ProtoHTTPS  Protocol = "https"
	ProtoSOCKS4 Protocol = "socks4"
	ProtoSOCKS5 Protocol = "socks5"
)

// ParseProtocol maps user input onto a known protocol. Unknown values fall
// back to http, the same default the importers use.
func ParseProtocol(s string) Protocol {
	switch Protocol(s) {
	case ProtoHTTPS, ProtoSOCKS4, ProtoSOCKS5:
		return Protocol(s)
	case "socks":
		return ProtoSOCKS5
	default:
		return ProtoHTTP
	}
}

// Status is the lifecycle state of a pool entry.
//
//	pending -> testing -> {alive, dead}
//	alive | dead -> testing (re-test)
type Status string

const (
	StatusPending Status = "pending"
	StatusTesting Status = "testing"
	StatusAlive   Status = "alive"
	StatusDead    Status = "dead"
)

// ProxyEntry is one proxy endpoint known to the pool. The registry owns the
// canonical copy; everything handed out to callers is a value copy.
type ProxyEntry struct {
	ID       uint64   `json:"id"`
	Host     string   `json:"host"`
	Port     int      `json:"port"`
	Type     Protocol `json:"type"`
	Username string   `json:"username,omitempty"`
	Password string   `json:"password,omitempty"`

	Status Status `json:"status"`

	// Metrics. Country and Anonymity are opaque tags for filtering.
	Ping      int64   `json:"ping"`  // ms, 0 when untested or failed
	Speed     float64 `json:"speed"` // throughput estimate, req/s of the last benchmark
	Country   string  `json:"country,omitempty"`
	Anonymity string  `json:"anonymity,omitempty"`

	Source     string    `json:"source,omitempty"`
	AddedAt    time.Time `json:"added_at"`
	LastTested time.Time `json:"last_tested,omitempty"`
}

// Address returns host:port.
func (p ProxyEntry) Address() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// HasAuth reports whether credentials are configured.
func (p ProxyEntry) HasAuth() bool {
	return p.Username != "" || p.Password != ""
}
