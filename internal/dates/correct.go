package dates

import (
	"fmt"
	"time"
)

// Correction records one field rewrite for observability and tests.
type Correction struct {
	Field    string `json:"field"`
	OldValue string `json:"old_value"`
	NewValue string `json:"new_value"`
	Reason   string `json:"reason"`
}

// Thresholds for the correction policy.
const (
	// materialDifference is how far a parsed date must diverge from the
	// proposed one before the parsed date wins.
	materialDifference = 60 * time.Second

	// staleAfter is how far in the past a proposed date may sit before
	// it is considered stale.
	staleAfter = 7 * 24 * time.Hour

	// highConfidence gates rule 1: only parses above this replace a
	// syntactically valid proposed date.
	highConfidence = 0.85

	// defaultEventLength derives an end time from a corrected start.
	defaultEventLength = time.Hour
)

// Fields the corrector recognizes, per tool parameter conventions.
const (
	fieldDueDate   = "due_date"
	fieldStartTime = "start_time"
	fieldEndTime   = "end_time"
)

// CorrectParams fixes date-bearing parameters of one proposed tool call
// in place, using dates parsed from the user's own words as the source
// of truth. Parsed dates are authoritative because they carry verified
// timezone math; LLM-proposed dates frequently anchor "tomorrow" to the
// wrong calendar day.
//
// For paired start/end fields the first parsed date maps to start and
// the second to end; a missing end is derived as start plus one hour and
// re-derived whenever start itself was corrected.
func CorrectParams(params map[string]any, parsed []ParsedDate, now time.Time, loc *time.Location) []Correction {
	if loc == nil {
		loc = time.UTC
	}
	var report []Correction

	if _, ok := params[fieldDueDate]; ok {
		report = append(report, correctField(params, fieldDueDate, Best(parsed), now, loc)...)
	}

	_, hasStart := params[fieldStartTime]
	_, hasEnd := params[fieldEndTime]
	if !hasStart && !hasEnd {
		return report
	}

	var startParse, endParse *ParsedDate
	if len(parsed) > 0 {
		startParse = &parsed[0]
	}
	if len(parsed) > 1 {
		endParse = &parsed[1]
	}

	startCorrections := correctField(params, fieldStartTime, startParse, now, loc)
	report = append(report, startCorrections...)

	start, startOK := paramTime(params, fieldStartTime)

	if endParse != nil {
		report = append(report, correctField(params, fieldEndTime, endParse, now, loc)...)
		// A corrected start with a kept end must not invert the event.
		if end, ok := paramTime(params, fieldEndTime); ok && startOK && !end.After(start) {
			report = append(report, rederiveEnd(params, start, "end not after start")...)
		}
		return report
	}

	if !startOK {
		return report
	}

	end, endOK := paramTime(params, fieldEndTime)
	switch {
	case len(startCorrections) > 0:
		// Start moved; a stale end paired with a corrected start must
		// not produce a zero- or negative-duration event.
		report = append(report, rederiveEnd(params, start, "start was corrected")...)
	case !endOK:
		report = append(report, rederiveEnd(params, start, "end missing or invalid")...)
	case !end.After(start):
		report = append(report, rederiveEnd(params, start, "end not after start")...)
	case end.Before(now.Add(-staleAfter)):
		report = append(report, rederiveEnd(params, start, "end is stale")...)
	}

	return report
}

// correctField applies the priority-ordered policy to a single field:
//
//  1. high-confidence parsed date materially different from the proposal
//     → parsed wins;
//  2. valid, non-stale proposal → keep;
//  3. any parsed date → use it, preserving the proposed time-of-day when
//     the parse defaulted to midnight;
//  4. otherwise → tomorrow at the proposed time-of-day.
func correctField(params map[string]any, field string, pd *ParsedDate, now time.Time, loc *time.Location) []Correction {
	old, _ := params[field].(string)
	proposed, proposedOK := paramTime(params, field)

	set := func(t time.Time, reason string) []Correction {
		newVal := t.UTC().Format(time.RFC3339)
		if newVal == old {
			return nil
		}
		params[field] = newVal
		return []Correction{{Field: field, OldValue: old, NewValue: newVal, Reason: reason}}
	}

	// Rule 1: authoritative parse beats a materially different proposal.
	if pd != nil && pd.Confidence > highConfidence && proposedOK {
		if diff := absDuration(pd.Time.Sub(proposed)); diff > materialDifference {
			return set(pd.Time, fmt.Sprintf("parsed %q differs from proposed by %s", pd.Phrase, diff.Truncate(time.Second)))
		}
		return nil
	}

	// Rule 2: a valid proposal that is not badly in the past stands.
	if proposedOK && !proposed.Before(now.Add(-staleAfter)) {
		return nil
	}

	// Rule 3: fall back to whatever was parsed.
	if pd != nil {
		t := pd.Time
		if !pd.HasTime && proposedOK {
			// The parse defaulted to midnight; keep the proposed clock time.
			p := proposed.In(loc)
			t = time.Date(t.Year(), t.Month(), t.Day(), p.Hour(), p.Minute(), p.Second(), 0, loc)
		}
		reason := fmt.Sprintf("proposed date invalid or stale; using parsed %q", pd.Phrase)
		return set(t, reason)
	}

	// Rule 4: nothing parsed, proposal unusable — default to tomorrow.
	local := now.In(loc)
	hour, minute := 9, 0
	if proposedOK {
		p := proposed.In(loc)
		hour, minute = p.Hour(), p.Minute()
	}
	tomorrow := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc).AddDate(0, 0, 1)
	return set(tomorrow, "proposed date invalid or stale; defaulting to tomorrow")
}

func rederiveEnd(params map[string]any, start time.Time, why string) []Correction {
	old, _ := params[fieldEndTime].(string)
	newVal := start.Add(defaultEventLength).UTC().Format(time.RFC3339)
	if newVal == old {
		return nil
	}
	params[fieldEndTime] = newVal
	return []Correction{{
		Field:    fieldEndTime,
		OldValue: old,
		NewValue: newVal,
		Reason:   "re-derived from start: " + why,
	}}
}

func paramTime(params map[string]any, field string) (time.Time, bool) {
	s, ok := params[field].(string)
	if !ok || s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
