// Package extract turns the plain-text body of a dispatch-alert email into
// a structured alarm record using the configured pattern rule set.
//
// Extraction is a pure transform over the body text: no I/O beyond
// diagnostic logging, no state carried between calls. Every field rule is
// compiled independently; a rule that fails to compile disables only that
// one field.
package extract

import (
	"regexp"
	"strings"

	"github.com/firedispatch/mailwatch/config"
	"github.com/firedispatch/mailwatch/logger"
	"github.com/firedispatch/mailwatch/pkg/metrics"
)

// PagerEntry is one matched pager address. Code is zero-padded to the
// configured width.
type PagerEntry struct {
	Trigger string
	Code    string
	SubCode string
}

// AlarmData is the structured extraction output for one message. Fields
// that did not match any line are empty strings.
type AlarmData struct {
	IncidentNumber string
	Keyword        string
	Street         string
	HouseNumber    string
	City           string
	District       string
	ObjectName     string
	Coordinates    string
	Note           string
	Pagers         []PagerEntry
}

// fieldRule is one independently compiled field matcher. A nil re means the
// configured pattern did not compile; the field stays empty.
type fieldRule struct {
	name      string
	re        *regexp.Regexp
	wholeBody bool                      // match against the full body instead of line by line
	warnEmpty bool                      // warn when extraction leaves this field empty
	assign    func(*AlarmData, string) // writes the captured value
}

// Rules is the compiled pattern rule set, shared by all sites.
type Rules struct {
	fields []fieldRule
	pagers []config.PagerEntry
	width  int
}

// CompileRules compiles the configured field patterns. Patterns that fail
// to compile are reported and skipped; extraction then leaves those fields
// permanently empty.
func CompileRules(p config.PatternsConfig) *Rules {
	defs := []struct {
		name      string
		pattern   string
		wholeBody bool
		warnEmpty bool
		assign    func(*AlarmData, string)
	}{
		{"incident_number", p.IncidentNumber, false, true, func(d *AlarmData, v string) { d.IncidentNumber = v }},
		{"keyword", p.Keyword, false, true, func(d *AlarmData, v string) { d.Keyword = v }},
		{"street", p.Street, false, true, func(d *AlarmData, v string) { d.Street = v }},
		{"house_number", p.HouseNumber, false, true, func(d *AlarmData, v string) { d.HouseNumber = v }},
		{"city", p.City, false, true, func(d *AlarmData, v string) { d.City = v }},
		{"district", p.District, false, true, func(d *AlarmData, v string) { d.District = v }},
		{"object_name", p.ObjectName, false, true, func(d *AlarmData, v string) { d.ObjectName = v }},
		{"coordinates", p.Coordinates, false, false, func(d *AlarmData, v string) { d.Coordinates = v }},
		// The note may span line breaks, so it is matched against the whole body.
		{"note", p.Note, true, false, func(d *AlarmData, v string) { d.Note = v }},
	}

	rules := &Rules{
		pagers: p.Pagers,
		width:  p.GetPagerCodeWidth(),
	}
	for _, def := range defs {
		rule := fieldRule{
			name:      def.name,
			wholeBody: def.wholeBody,
			warnEmpty: def.warnEmpty,
			assign:    def.assign,
		}
		if def.pattern != "" {
			re, err := regexp.Compile(def.pattern)
			if err != nil {
				logger.Error("field pattern is not a valid regular expression, field disabled",
					"field", def.name, "error", err)
			} else if re.NumSubexp() < 1 {
				logger.Error("field pattern has no capture group, field disabled",
					"field", def.name)
			} else {
				rule.re = re
			}
		}
		rules.fields = append(rules.fields, rule)
	}
	return rules
}

// Extract runs the rule set over one message body and returns the alarm
// record. Line endings are normalized first; per-line field rules follow
// last-match-wins, the pager scan follows longest-match-wins per line.
func (r *Rules) Extract(site, body string) AlarmData {
	var result AlarmData

	// IMAP delivers CRLF line endings; the patterns assume bare LF.
	body = strings.ReplaceAll(body, "\r", "")
	lines := strings.Split(body, "\n")

	for _, line := range lines {
		for _, rule := range r.fields {
			if rule.re == nil || rule.wholeBody {
				continue
			}
			if caps := rule.re.FindStringSubmatch(line); caps != nil {
				rule.assign(&result, caps[1])
			}
		}
	}

	for _, rule := range r.fields {
		if rule.re == nil || !rule.wholeBody {
			continue
		}
		if caps := rule.re.FindStringSubmatch(body); caps != nil {
			rule.assign(&result, caps[1])
		}
	}

	for _, line := range lines {
		result.Pagers = append(result.Pagers, r.matchPagers(line)...)
	}
	if len(result.Pagers) > 0 {
		metrics.PagerMatchesTotal.WithLabelValues(site).Add(float64(len(result.Pagers)))
	}

	// The keyword arrives with decorative slashes in some dispatch systems.
	result.Keyword = strings.ReplaceAll(result.Keyword, "/", "")

	result.IncidentNumber = strings.TrimSpace(result.IncidentNumber)
	result.Keyword = strings.TrimSpace(result.Keyword)
	result.Street = strings.TrimSpace(result.Street)
	result.HouseNumber = strings.TrimSpace(result.HouseNumber)
	result.City = strings.TrimSpace(result.City)
	result.District = strings.TrimSpace(result.District)
	result.ObjectName = strings.TrimSpace(result.ObjectName)
	result.Coordinates = strings.TrimSpace(result.Coordinates)
	result.Note = strings.TrimSpace(result.Note)

	r.warnEmptyFields(site, &result)

	return result
}

// matchPagers scans one line for pager trigger phrases. Within the line, a
// match whose trigger is a strict substring of another matched trigger is
// dropped so that a general and a more specific code never page together.
func (r *Rules) matchPagers(line string) []PagerEntry {
	var matched []config.PagerEntry
	for _, entry := range r.pagers {
		if strings.Contains(line, entry.Trigger) {
			matched = append(matched, entry)
		}
	}
	if len(matched) == 0 {
		return nil
	}

	var surviving []PagerEntry
	for i, entry := range matched {
		suppressed := false
		for j, other := range matched {
			if i == j || other.Trigger == entry.Trigger {
				continue
			}
			if strings.Contains(other.Trigger, entry.Trigger) {
				suppressed = true
				break
			}
		}
		if suppressed {
			continue
		}
		surviving = append(surviving, PagerEntry{
			Trigger: entry.Trigger,
			Code:    zeroPad(entry.Code, r.width),
			SubCode: entry.SubCode,
		})
	}
	return surviving
}

// zeroPad left-pads a pager code with zeros to the configured width.
func zeroPad(code string, width int) string {
	if len(code) >= width {
		return code
	}
	return strings.Repeat("0", width-len(code)) + code
}

// warnEmptyFields reports fields the rule set could not fill. Diagnostic
// only; a partial record is still dispatched.
func (r *Rules) warnEmptyFields(site string, d *AlarmData) {
	values := map[string]string{
		"incident_number": d.IncidentNumber,
		"keyword":         d.Keyword,
		"street":          d.Street,
		"house_number":    d.HouseNumber,
		"city":            d.City,
		"district":        d.District,
		"object_name":     d.ObjectName,
	}
	for _, rule := range r.fields {
		if !rule.warnEmpty {
			continue
		}
		if values[rule.name] == "" {
			logger.Warn("extraction left field empty", "site", site, "field", rule.name)
			metrics.ExtractionEmptyFieldsTotal.WithLabelValues(rule.name).Inc()
		}
	}
}
