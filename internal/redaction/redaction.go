// Package redaction detects and removes personally identifiable information from free text and
// structured event payloads. It is pure and safe for concurrent use; the ingestion side applies it to
// every event before storage and the device SDK may apply it before upload.
package redaction

import (
	"regexp"
	"sort"
	"strings"

	"telemetry-pipeline/internal/telemetry/domain"
)

// Marker replaces every redacted span and every value under a sensitive key.
// It must never match any detection pattern, which keeps Redact idempotent.
const Marker = "[REDACTED]"

// Kind names a class of PII.
type Kind string

const (
	KindEmail      Kind = "email"
	KindPhone      Kind = "phone"
	KindCreditCard Kind = "credit_card"
	KindSSN        Kind = "ssn"
	KindIPv4       Kind = "ipv4"
)

// Match is one detected span. Start and End are byte offsets into the scanned text, End exclusive.
type Match struct {
	Kind  Kind
	Text  string
	Start int
	End   int
}

type detector struct {
	kind Kind
	re   *regexp.Regexp
}

// detectors are listed in precedence order; ties on start offset keep this order.
var detectors = []detector{
	{KindEmail, regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)},
	{KindPhone, regexp.MustCompile(`\b(?:\+?\d{1,3}[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`)},
	{KindCreditCard, regexp.MustCompile(`\b\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{1,4}\b`)},
	{KindSSN, regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{KindIPv4, regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)},
}

// sensitiveKeys are lowercase substrings; a map key containing any of them is redacted wholesale.
var sensitiveKeys = []string{
	"email",
	"phone",
	"ssn",
	"credit",
	"card",
	"password",
	"token",
	"secret",
	"address",
	"name",
}

// Detect returns every PII span in text ordered by start offset, then by detector precedence.
// Overlapping spans from different detectors are all reported.
func Detect(text string) []Match {
	var out []Match
	for _, d := range detectors {
		for _, loc := range d.re.FindAllStringIndex(text, -1) {
			out = append(out, Match{Kind: d.kind, Text: text[loc[0]:loc[1]], Start: loc[0], End: loc[1]})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// ContainsPII reports whether Detect would find anything in text.
func ContainsPII(text string) bool {
	for _, d := range detectors {
		if d.re.MatchString(text) {
			return true
		}
	}
	return false
}

// Redact replaces every detected span with Marker. Replacements run from the highest start offset to
// the lowest so earlier offsets stay valid; overlapping spans collapse into one replacement. Passes
// repeat until nothing matches, so Redact(Redact(x)) == Redact(x).
func Redact(text string) string {
	for {
		matches := Detect(text)
		if len(matches) == 0 {
			return text
		}
		text = apply(text, merge(matches))
	}
}

type span struct{ start, end int }

// merge folds overlapping or touching matches into disjoint spans sorted by start.
func merge(matches []Match) []span {
	spans := make([]span, 0, len(matches))
	for _, m := range matches {
		if n := len(spans); n > 0 && m.Start <= spans[n-1].end {
			if m.End > spans[n-1].end {
				spans[n-1].end = m.End
			}
			continue
		}
		spans = append(spans, span{m.Start, m.End})
	}
	return spans
}

func apply(text string, spans []span) string {
	for i := len(spans) - 1; i >= 0; i-- {
		s := spans[i]
		text = text[:s.start] + Marker + text[s.end:]
	}
	return text
}

// IsSensitiveKey reports whether key names a field whose value is always redacted.
func IsSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

// RedactValue redacts a structured value. Map entries under a sensitive key become Marker whatever
// their type; other strings go through Redact; lists and maps recurse; numbers, bools and null pass
// through unchanged.
func RedactValue(v domain.Value) domain.Value {
	switch v.Kind() {
	case domain.KindString:
		s, _ := v.AsString()
		return domain.String(Redact(s))
	case domain.KindList:
		items, _ := v.AsList()
		out := make([]domain.Value, len(items))
		for i, item := range items {
			out[i] = RedactValue(item)
		}
		return domain.List(out...)
	case domain.KindMap:
		fields, _ := v.AsMap()
		return domain.Map(RedactFields(fields))
	default:
		return v
	}
}

// RedactFields applies RedactValue semantics to a top-level field map and returns a new map.
func RedactFields(fields map[string]domain.Value) map[string]domain.Value {
	if fields == nil {
		return nil
	}
	out := make(map[string]domain.Value, len(fields))
	for k, f := range fields {
		if IsSensitiveKey(k) {
			out[k] = domain.String(Marker)
			continue
		}
		out[k] = RedactValue(f)
	}
	return out
}

// RedactEvent rewrites e in place: data is redacted structurally, device info strings and the user id
// through Redact. The session id is an opaque routing key and is left intact.
func RedactEvent(e *domain.TelemetryEvent) {
	if e == nil {
		return
	}
	e.UserID = Redact(e.UserID)
	e.Data = RedactFields(e.Data)
	e.DeviceInfo.Platform = Redact(e.DeviceInfo.Platform)
	e.DeviceInfo.OSVersion = Redact(e.DeviceInfo.OSVersion)
	e.DeviceInfo.DeviceModel = Redact(e.DeviceInfo.DeviceModel)
	e.DeviceInfo.AppVersion = Redact(e.DeviceInfo.AppVersion)
}

// RedactProcessed rewrites a processed event in place, including the derived enrichment strings.
func RedactProcessed(p *domain.ProcessedEvent) {
	if p == nil {
		return
	}
	RedactEvent(&p.TelemetryEvent)
	if g := p.Enriched.Geo; g != nil {
		g.Country = Redact(g.Country)
		g.Region = Redact(g.Region)
		g.City = Redact(g.City)
		g.Timezone = Redact(g.Timezone)
	}
	if ua := p.Enriched.UserAgent; ua != nil {
		ua.Browser = Redact(ua.Browser)
		ua.BrowserVersion = Redact(ua.BrowserVersion)
		ua.OS = Redact(ua.OS)
		ua.Platform = Redact(ua.Platform)
	}
}
