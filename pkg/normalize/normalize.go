// Package normalize turns raw scraped rows into validated BlacklistRecord
// values: IP syntax/range checks, country alias mapping, date parsing, and
// default fill.
package normalize

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/jclee-lab/blacklist-sub003/pkg/model"
	"github.com/jclee-lab/blacklist-sub003/pkg/source"
)

const (
	defaultConfidence = 85
	defaultCategory   = "threat_intel"
	defaultReason     = "REGTECH Excel Import"

	// BatchSize is the size of the record batches handed to the Store.
	BatchSize = 100
)

var countryAliases = map[string]string{
	"KOREA": "KR",
	"한국":    "KR",
	"대한민국":  "KR",
	"미국":    "US",
	"USA":   "US",
	"UNITED STATES": "US",
	"CHINA": "CN",
	"중국":    "CN",
	"JAPAN": "JP",
	"일본":    "JP",
	"RUSSIA": "RU",
	"러시아":   "RU",
}

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"2006.01.02",
}

// RowResult is the outcome of normalizing one raw row: either a usable
// record, or a rejection reason. A single bad row never aborts the batch.
type RowResult struct {
	Record  model.BlacklistRecord
	Skipped bool
	Reason  string
}

// Normalizer converts source.Row values into model.BlacklistRecord values
// for one collection service. Config carries the service's
// CollectionCredential.Config map, consulted for per-source overrides
// (§9's confidence-heuristics open question: "default_confidence").
type Normalizer struct {
	Service string
	Config  map[string]string
}

// New creates a Normalizer for service. cfg is the service's
// CollectionCredential.Config map (may be nil) consulted for per-source
// overrides, e.g. cfg["default_confidence"].
func New(service string, cfg map[string]string) *Normalizer {
	return &Normalizer{Service: service, Config: cfg}
}

// NormalizeRow validates and fills defaults for a single raw row.
func (n *Normalizer) NormalizeRow(row source.Row) RowResult {
	ip := strings.TrimSpace(row.IP)
	if !ValidIP(ip) {
		return RowResult{Skipped: true, Reason: "invalid or disallowed IP: " + row.IP}
	}

	rec := model.BlacklistRecord{
		IP:         ip,
		Source:     n.Service,
		Reason:     firstNonEmpty(row.Reason, defaultReason),
		Category:   firstNonEmpty(row.Category, defaultCategory),
		Confidence: n.confidenceOrDefault(row.Confidence),
		LastSeen:   time.Now().UTC(),
	}

	if c := NormalizeCountry(row.Country); c != "" {
		rec.Country = &c
	}

	if d, ok := ParseDate(row.DetectionDate); ok {
		rec.DetectionDate = &d
	}
	if d, ok := ParseDate(row.RemovalDate); ok {
		rec.RemovalDate = &d
	}

	rec.Active = ActiveFor(rec.RemovalDate)

	return RowResult{Record: rec}
}

// NormalizeBatch normalizes every row, splitting the usable ones into
// batches of BatchSize, and returns the skipped rows separately so the
// caller can report partial success.
func (n *Normalizer) NormalizeBatch(rows []source.Row) (batches [][]model.BlacklistRecord, skipped []RowResult) {
	var records []model.BlacklistRecord

	for _, row := range rows {
		result := n.NormalizeRow(row)
		if result.Skipped {
			skipped = append(skipped, result)
			continue
		}
		records = append(records, result.Record)
	}

	for start := 0; start < len(records); start += BatchSize {
		end := start + BatchSize
		if end > len(records) {
			end = len(records)
		}
		batches = append(batches, records[start:end])
	}

	return batches, skipped
}

// ValidIP reports whether s is a syntactically valid public IPv4/IPv6
// address — RFC1918, loopback, and 0.0.0.0/8 ranges are rejected.
func ValidIP(s string) bool {
	ip := net.ParseIP(s)
	if ip == nil {
		return false
	}

	if v4 := ip.To4(); v4 != nil {
		if v4[0] == 0 {
			return false // 0.0.0.0/8
		}
		if v4.IsLoopback() || v4.IsPrivate() {
			return false
		}
		return true
	}

	return !ip.IsLoopback() && !ip.IsPrivate()
}

// NormalizeCountry uppercases and maps known aliases to ISO-3166-1 alpha-2;
// unknown values are truncated to 2 characters. Empty input returns "".
func NormalizeCountry(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}

	upper := strings.ToUpper(trimmed)
	if alias, ok := countryAliases[upper]; ok {
		return alias
	}
	if alias, ok := countryAliases[trimmed]; ok {
		return alias
	}

	runes := []rune(upper)
	if len(runes) > 2 {
		runes = runes[:2]
	}
	return string(runes)
}

// ParseDate accepts YYYY-MM-DD, YYYY/MM/DD, and YYYY.MM.DD, returning the
// parsed UTC date. Unparseable or empty input returns ok=false.
func ParseDate(raw string) (time.Time, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}, false
	}

	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, trimmed); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// ActiveFor reports whether a record with the given removal date should be
// active: false only when removal is set and strictly before today.
func ActiveFor(removalDate *time.Time) bool {
	if removalDate == nil {
		return true
	}
	today := time.Now().UTC().Truncate(24 * time.Hour)
	return !removalDate.Before(today)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// confidenceOrDefault parses row.Confidence, falling back to the service's
// configured default_confidence override when present, else the package
// default of 85.
func (n *Normalizer) confidenceOrDefault(raw string) int {
	if raw != "" {
		if v, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil && v >= 0 && v <= 100 {
			return v
		}
	}

	if n.Config != nil {
		if override, ok := n.Config["default_confidence"]; ok {
			if v, err := strconv.Atoi(strings.TrimSpace(override)); err == nil && v >= 0 && v <= 100 {
				return v
			}
		}
	}

	return defaultConfidence
}
