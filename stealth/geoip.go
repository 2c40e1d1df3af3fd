package stealth

import (
	"errors"
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
)

var errNoLocation = errors.New("no location for address")

// GeoIPResolver resolves proxy hosts against a MaxMind GeoLite2 City
// database.
type GeoIPResolver struct {
	db     *geoip2.Reader
	lookup func(host string) ([]net.IP, error)
}

// OpenGeoIP opens the database at path.
func OpenGeoIP(path string) (*GeoIPResolver, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip database: %w", err)
	}
	return &GeoIPResolver{db: db, lookup: net.LookupIP}, nil
}

// Timezone returns the IANA timezone recorded for host. Loopback and
// private addresses (a local proxy forwarder) have no location.
func (r *GeoIPResolver) Timezone(host string) (string, error) {
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := r.lookup(host)
		if err != nil {
			return "", fmt.Errorf("resolve %s: %w", host, err)
		}
		if len(ips) == 0 {
			return "", fmt.Errorf("resolve %s: %w", host, errNoLocation)
		}
		ip = ips[0]
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() {
		return "", fmt.Errorf("%s: %w", ip, errNoLocation)
	}

	record, err := r.db.City(ip)
	if err != nil {
		return "", fmt.Errorf("geoip lookup %s: %w", ip, err)
	}
	if record.Location.TimeZone == "" {
		return "", fmt.Errorf("%s: %w", ip, errNoLocation)
	}
	return record.Location.TimeZone, nil
}

// Close releases the database.
func (r *GeoIPResolver) Close() error {
	return r.db.Close()
}
