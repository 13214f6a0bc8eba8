// Package locale infers a user's country from the dial-code prefix of their phone number.
package locale

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/models"
	"github.com/BTreeMap/ReplyPipe/internal/util"
)

//go:embed codes.json
var defaultTable []byte

// Entry is one row of the country table.
type Entry struct {
	Name               string `json:"name"`
	Code               string `json:"code"`
	DialCode           string `json:"dial_code"`
	MobileNumberLength *int   `json:"mobile_number_length,omitempty"`
}

// prefix is the dial code as it appears at the start of a digits-only number.
func (e Entry) prefix() string {
	return strings.ReplaceAll(e.DialCode, "-", "")
}

// Resolver maps phone numbers to LocaleRecords. It is safe for concurrent use.
type Resolver struct {
	entries []Entry
	now     func() time.Time
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithClock overrides the time source used for DetectedAt.
func WithClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) { r.now = now }
}

// NewResolver builds a resolver over entries. Longer dial codes are tried first;
// entries with equal-length codes keep their table order.
func NewResolver(entries []Entry, opts ...ResolverOption) *Resolver {
	sorted := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.prefix() == "" {
			slog.Debug("Resolver: skipping entry without dial code", "country", e.Name)
			continue
		}
		sorted = append(sorted, e)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].prefix()) > len(sorted[j].prefix())
	})
	r := &Resolver{entries: sorted, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Len reports how many usable entries the resolver holds.
func (r *Resolver) Len() int {
	return len(r.entries)
}

// Resolve strips every non-digit from raw and returns the locale of the longest
// matching dial code. It reports false for empty input or when nothing matches.
func (r *Resolver) Resolve(raw string) (*models.LocaleRecord, bool) {
	clean := util.Digits(raw)
	if clean == "" {
		return nil, false
	}
	for _, e := range r.entries {
		if !strings.HasPrefix(clean, e.prefix()) {
			continue
		}
		return &models.LocaleRecord{
			CountryName:        e.Name,
			CountryCode:        e.Code,
			DialCode:           e.DialCode,
			PhoneNumber:        raw,
			CleanPhone:         clean,
			MobileNumberLength: e.MobileNumberLength,
			DetectedAt:         r.now().UTC(),
		}, true
	}
	return nil, false
}

// ParseTable decodes a JSON country table.
func ParseTable(data []byte) ([]Entry, error) {
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse locale table: %w", err)
	}
	return entries, nil
}

// LoadTable reads the country table at path, or the embedded default table when
// path is empty. A missing or invalid file is logged and yields an empty table,
// so the resolver degrades to never matching instead of stopping the process.
func LoadTable(path string) []Entry {
	data := defaultTable
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			slog.Error("LoadTable: could not read locale table", "path", path, "error", err)
			return nil
		}
		data = b
	}
	entries, err := ParseTable(data)
	if err != nil {
		slog.Error("LoadTable: could not parse locale table", "path", path, "error", err)
		return nil
	}
	slog.Debug("LoadTable: locale table loaded", "path", path, "entries", len(entries))
	return entries
}
