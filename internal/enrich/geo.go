package enrich

import (
	"context"
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"

	"telemetry-pipeline/internal/telemetry/domain"
)

// GeoLocator resolves a source address to a location. A nil *domain.Geo with a nil error means the
// address is not locatable.
type GeoLocator interface {
	Lookup(ctx context.Context, ip string) (*domain.Geo, error)
}

// MaxMindLocator reads a MaxMind GeoIP2/GeoLite2 City database.
type MaxMindLocator struct {
	reader *geoip2.Reader
}

// OpenMaxMind opens the City database at path. Call Close when done.
func OpenMaxMind(path string) (*MaxMindLocator, error) {
	r, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("enrich: open geoip db: %w", err)
	}
	return &MaxMindLocator{reader: r}, nil
}

// Lookup skips private, loopback, link-local and unspecified addresses without touching the database.
func (l *MaxMindLocator) Lookup(ctx context.Context, ip string) (*domain.Geo, error) {
	addr := Routable(ip)
	if addr == nil {
		return nil, nil
	}
	type result struct {
		rec *geoip2.City
		err error
	}
	ch := make(chan result, 1)
	go func() {
		rec, err := l.reader.City(addr)
		ch <- result{rec, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("enrich: geoip lookup: %w", res.err)
		}
		return cityToGeo(res.rec), nil
	}
}

func (l *MaxMindLocator) Close() error {
	if l == nil || l.reader == nil {
		return nil
	}
	return l.reader.Close()
}

func cityToGeo(c *geoip2.City) *domain.Geo {
	if c == nil || c.Country.IsoCode == "" {
		return nil
	}
	g := &domain.Geo{
		Country:   c.Country.IsoCode,
		City:      c.City.Names["en"],
		Latitude:  c.Location.Latitude,
		Longitude: c.Location.Longitude,
		Timezone:  c.Location.TimeZone,
	}
	if len(c.Subdivisions) > 0 {
		g.Region = c.Subdivisions[0].IsoCode
	}
	return g
}

// Routable parses ip and returns it only when it is a public unicast address.
func Routable(ip string) net.IP {
	addr := net.ParseIP(ip)
	if addr == nil {
		return nil
	}
	if addr.IsLoopback() || addr.IsPrivate() || addr.IsUnspecified() ||
		addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() || addr.IsMulticast() {
		return nil
	}
	return addr
}
