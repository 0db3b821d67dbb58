package probe

import (
	"context"
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"

	"proxypulse/internal/shared/logger"
)

// GeoResolver maps a proxy host to an ISO country code.
type GeoResolver interface {
	Country(ctx context.Context, host string) (string, error)
}

// MaxMindResolver answers from a local GeoLite2/GeoIP2 country database.
type MaxMindResolver struct {
	reader   *geoip2.Reader
	resolver *net.Resolver
}

// OpenMaxMind opens the database at path.
func OpenMaxMind(path string) (*MaxMindResolver, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geo database: %w", err)
	}
	l := logger.WithComponent("Probe/Geo")
	l.Info().Str("path", path).Msg("Geo database loaded.")
	return &MaxMindResolver{reader: reader, resolver: net.DefaultResolver}, nil
}

// Country resolves host if it is a name and looks up the first address.
func (m *MaxMindResolver) Country(ctx context.Context, host string) (string, error) {
	ip := net.ParseIP(host)
	if ip == nil {
		addrs, err := m.resolver.LookupIP(ctx, "ip", host)
		if err != nil {
			return "", fmt.Errorf("resolve %s: %w", host, err)
		}
		if len(addrs) == 0 {
			return "", fmt.Errorf("resolve %s: no addresses", host)
		}
		ip = addrs[0]
	}

	record, err := m.reader.Country(ip)
	if err != nil {
		return "", fmt.Errorf("geo lookup %s: %w", ip, err)
	}
	return record.Country.IsoCode, nil
}

func (m *MaxMindResolver) Close() error {
	return m.reader.Close()
}
