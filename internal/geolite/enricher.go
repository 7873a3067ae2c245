// Package geolite provides offline GeoIP lookups for forensic enrichment.
// Lookups degrade to "N/A" when the MaxMind database file is absent; the
// engine never depends on geo data for a blocking decision.
package geolite

import (
	"fmt"
	"net"
	"regexp"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/oschwald/geoip2-golang"
	"golang.org/x/sync/singleflight"
)

const UnknownCountry = "N/A"

var (
	datacenterRegex = regexp.MustCompile(`(?i)(amazon|google|microsoft|digitalocean|linode|hetzner|ovh|vultr|ibm|alibaba|tencent|cloudflare|rackspace|hostinger|upcloud|azure|gcp|aws)`)

	dnsCacheTTL = 12 * time.Hour
)

type dnsCacheEntry struct {
	names   []string
	expires time.Time
}

// Enricher answers country and hosting-type questions about attacker IPs.
type Enricher struct {
	countryDB *geoip2.Reader

	dnsCache       sync.Map
	dnsLookupGroup singleflight.Group
}

// Open loads the country database from disk. A missing or unreadable file
// yields a functional enricher that reports UnknownCountry.
func Open(dbPath string) *Enricher {
	e := &Enricher{}
	if dbPath == "" {
		return e
	}
	reader, err := geoip2.Open(dbPath)
	if err != nil {
		log.Warn("geolite database unavailable, enrichment degraded", "path", dbPath, "error", err)
		return e
	}
	e.countryDB = reader
	return e
}

func (e *Enricher) Close() {
	if e.countryDB != nil {
		e.countryDB.Close()
	}
}

func (e *Enricher) CountryCode(ipAddress string) string {
	if e.countryDB == nil {
		return UnknownCountry
	}
	ip := net.ParseIP(ipAddress)
	if ip == nil {
		return UnknownCountry
	}
	record, err := e.countryDB.Country(ip)
	if err != nil || record.Country.IsoCode == "" {
		return UnknownCountry
	}
	return record.Country.IsoCode
}

// HostType guesses whether the address belongs to a datacenter by its
// reverse DNS name. Failed lookups are cached as empty so repeat offenders
// do not hammer the resolver.
func (e *Enricher) HostType(ipAddress string) string {
	names := e.cachedDNS(ipAddress)
	for _, name := range names {
		if datacenterRegex.MatchString(name) {
			return "datacenter"
		}
	}
	if len(names) > 0 {
		return "residential"
	}
	return "unknown"
}

// Describe renders a one-line forensic summary for notifier follow-ups.
func (e *Enricher) Describe(ipAddress string) string {
	country := e.CountryCode(ipAddress)
	hostType := e.HostType(ipAddress)
	names := e.cachedDNS(ipAddress)
	host := ""
	if len(names) > 0 {
		host = names[0]
	}
	if host == "" {
		return fmt.Sprintf("country=%s type=%s", country, hostType)
	}
	return fmt.Sprintf("country=%s type=%s rdns=%s", country, hostType, host)
}

func (e *Enricher) cachedDNS(ip string) []string {
	now := time.Now()
	if entry, ok := e.dnsCache.Load(ip); ok {
		cached := entry.(dnsCacheEntry)
		if now.Before(cached.expires) {
			return cached.names
		}
	}

	result, _, _ := e.dnsLookupGroup.Do(ip, func() (interface{}, error) {
		names, err := net.LookupAddr(ip)
		if err != nil {
			return []string{}, nil
		}
		return names, nil
	})
	names := result.([]string)
	e.dnsCache.Store(ip, dnsCacheEntry{names: names, expires: now.Add(dnsCacheTTL)})
	return names
}
