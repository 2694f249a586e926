// Package dates parses natural-language date phrases into timezone-correct
// absolute instants and corrects hallucinated dates in proposed tool-call
// parameters. All relative phrases resolve against the user's local
// calendar day, never the server's UTC day.
package dates

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Kind classifies how a phrase anchored its date.
type Kind string

const (
	KindRelative Kind = "relative"
	KindAbsolute Kind = "absolute"
)

// ParsedDate is a timezone-resolved instant extracted from free text.
// Produced fresh per user message and consumed immediately by the
// correction step; never persisted.
type ParsedDate struct {
	Phrase     string
	Time       time.Time
	Kind       Kind
	Confidence float64
	HasTime    bool // an explicit clock time was part of the phrase
}

// Confidence tiers. Certainty increases with the number of explicit
// components present in the phrase.
const (
	confYearDayTime = 0.95
	confDayTime     = 0.9
	confDayOnly     = 0.7
	confTimeOnly    = 0.5
)

type span struct{ start, end int }

func (s span) overlaps(o span) bool { return s.start < o.end && o.start < s.end }

type dayAnchor struct {
	span
	phrase  string
	year    int
	month   time.Month
	day     int
	kind    Kind
	hasYear bool
}

type timeMatch struct {
	span
	phrase string
	hour   int
	minute int
}

var (
	reDayAfterTomorrow = regexp.MustCompile(`(?i)\bday after tomorrow\b`)
	reRelativeDay      = regexp.MustCompile(`(?i)\b(today|tonight|tomorrow)\b`)
	reWeekday          = regexp.MustCompile(`(?i)\b(?:(next|this)\s+)?(monday|tuesday|wednesday|thursday|friday|saturday|sunday)\b`)
	reInOffset         = regexp.MustCompile(`(?i)\bin\s+(\d+)\s*(minutes?|mins?|hours?|hrs?|days?|weeks?)\b`)
	reISODate          = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	reMonthDay         = regexp.MustCompile(`(?i)\b(jan(?:uary)?|feb(?:ruary)?|mar(?:ch)?|apr(?:il)?|may|jun(?:e)?|jul(?:y)?|aug(?:ust)?|sep(?:tember)?|oct(?:ober)?|nov(?:ember)?|dec(?:ember)?)\s+(\d{1,2})(?:st|nd|rd|th)?(?:,?\s+(\d{4}))?\b`)
	reDayMonth         = regexp.MustCompile(`(?i)\b(\d{1,2})(?:st|nd|rd|th)?\s+(?:of\s+)?(jan(?:uary)?|feb(?:ruary)?|mar(?:ch)?|apr(?:il)?|may|jun(?:e)?|jul(?:y)?|aug(?:ust)?|sep(?:tember)?|oct(?:ober)?|nov(?:ember)?|dec(?:ember)?)\b(?:,?\s+(\d{4}))?`)
	reSlashDate        = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})(?:/(\d{2,4}))?\b`)

	reClock    = regexp.MustCompile(`(?i)\b(\d{1,2}):(\d{2})(?::\d{2})?\s*(am|pm)?\b`)
	reHourAmPm = regexp.MustCompile(`(?i)\b(\d{1,2})\s*(am|pm)\b`)
	reNoonMid  = regexp.MustCompile(`(?i)\b(noon|midnight)\b`)
)

var monthsByPrefix = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March,
	"apr": time.April, "may": time.May, "jun": time.June,
	"jul": time.July, "aug": time.August, "sep": time.September,
	"oct": time.October, "nov": time.November, "dec": time.December,
}

var weekdaysByName = map[string]time.Weekday{
	"monday": time.Monday, "tuesday": time.Tuesday, "wednesday": time.Wednesday,
	"thursday": time.Thursday, "friday": time.Friday, "saturday": time.Saturday,
	"sunday": time.Sunday,
}

// Parse extracts date phrases from text, resolving relative ones against
// now as seen in loc. Results are ordered by position in the text.
func Parse(text string, loc *time.Location, now time.Time) []ParsedDate {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)

	var consumed []span
	claim := func(s span) bool {
		for _, c := range consumed {
			if s.overlaps(c) {
				return false
			}
		}
		consumed = append(consumed, s)
		return true
	}

	anchors := findDayAnchors(text, local, claim)
	times := findTimeMatches(text, claim)

	// "in N hours" style offsets are complete instants on their own.
	var results []positioned
	for _, m := range reInOffset.FindAllStringSubmatchIndex(text, -1) {
		s := span{m[0], m[1]}
		if !claim(s) {
			continue
		}
		n, _ := strconv.Atoi(text[m[2]:m[3]])
		unit := strings.ToLower(text[m[4]:m[5]])
		pd := ParsedDate{
			Phrase: text[m[0]:m[1]],
			Kind:   KindRelative,
		}
		switch {
		case strings.HasPrefix(unit, "min"):
			pd.Time = local.Add(time.Duration(n) * time.Minute)
			pd.HasTime = true
			pd.Confidence = confDayTime
		case strings.HasPrefix(unit, "h"):
			pd.Time = local.Add(time.Duration(n) * time.Hour)
			pd.HasTime = true
			pd.Confidence = confDayTime
		case strings.HasPrefix(unit, "day"):
			pd.Time = local.AddDate(0, 0, n)
			pd.HasTime = true
			pd.Confidence = confDayOnly
		default: // weeks
			pd.Time = local.AddDate(0, 0, 7*n)
			pd.HasTime = true
			pd.Confidence = confDayOnly
		}
		results = append(results, positioned{pd, s.start})
	}

	// Pair each day anchor with the nearest unclaimed time phrase.
	used := make([]bool, len(times))
	for _, a := range anchors {
		tIdx := nearestTime(a, times, used)

		hour, minute := 0, 0
		hasTime := false
		phrase := a.phrase
		if tIdx >= 0 {
			used[tIdx] = true
			hour, minute = times[tIdx].hour, times[tIdx].minute
			hasTime = true
			if times[tIdx].start > a.end {
				phrase = a.phrase + " " + times[tIdx].phrase
			} else {
				phrase = times[tIdx].phrase + " " + a.phrase
			}
		} else if strings.EqualFold(a.phrase, "tonight") {
			// "tonight" implies an evening hour without an explicit clock time.
			hour = 20
		}

		pd := ParsedDate{
			Phrase:  phrase,
			Time:    time.Date(a.year, a.month, a.day, hour, minute, 0, 0, loc),
			Kind:    a.kind,
			HasTime: hasTime,
		}
		switch {
		case a.hasYear && hasTime:
			pd.Confidence = confYearDayTime
		case hasTime:
			pd.Confidence = confDayTime
		default:
			pd.Confidence = confDayOnly
		}
		results = append(results, positioned{pd, a.start})
	}

	// Leftover time phrases resolve to today, rolling to tomorrow when
	// the instant has already passed.
	for i, tm := range times {
		if used[i] {
			continue
		}
		t := time.Date(local.Year(), local.Month(), local.Day(), tm.hour, tm.minute, 0, 0, loc)
		if t.Before(local) {
			t = t.AddDate(0, 0, 1)
		}
		results = append(results, positioned{ParsedDate{
			Phrase:     tm.phrase,
			Time:       t,
			Kind:       KindRelative,
			Confidence: confTimeOnly,
			HasTime:    true,
		}, tm.start})
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].pos < results[j].pos })

	out := make([]ParsedDate, 0, len(results))
	for _, r := range results {
		out = append(out, r.pd)
	}
	return out
}

// positioned pairs a parse with its source offset for ordering.
type positioned struct {
	pd  ParsedDate
	pos int
}

func findDayAnchors(text string, local time.Time, claim func(span) bool) []dayAnchor {
	var anchors []dayAnchor
	y, mo, d := local.Date()

	add := func(s span, phrase string, t time.Time, kind Kind, hasYear bool) {
		if !claim(s) {
			return
		}
		ay, am, ad := t.Date()
		anchors = append(anchors, dayAnchor{
			span: s, phrase: phrase,
			year: ay, month: am, day: ad,
			kind: kind, hasYear: hasYear,
		})
	}

	for _, m := range reDayAfterTomorrow.FindAllStringIndex(text, -1) {
		add(span{m[0], m[1]}, text[m[0]:m[1]], local.AddDate(0, 0, 2), KindRelative, false)
	}

	for _, m := range reISODate.FindAllStringSubmatchIndex(text, -1) {
		year, _ := strconv.Atoi(text[m[2]:m[3]])
		month, _ := strconv.Atoi(text[m[4]:m[5]])
		day, _ := strconv.Atoi(text[m[6]:m[7]])
		if month < 1 || month > 12 || day < 1 || day > 31 {
			continue
		}
		t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, local.Location())
		add(span{m[0], m[1]}, text[m[0]:m[1]], t, KindAbsolute, true)
	}

	monthDay := func(m []int, monthIdx, dayIdx, yearIdx int) {
		month, ok := monthsByPrefix[strings.ToLower(text[m[monthIdx]:m[monthIdx+1]])[:3]]
		if !ok {
			return
		}
		day, _ := strconv.Atoi(text[m[dayIdx]:m[dayIdx+1]])
		if day < 1 || day > 31 {
			return
		}
		year := y
		hasYear := false
		if m[yearIdx] >= 0 {
			year, _ = strconv.Atoi(text[m[yearIdx]:m[yearIdx+1]])
			hasYear = true
		}
		t := time.Date(year, month, day, 0, 0, 0, 0, local.Location())
		// A yearless date already past rolls to next year.
		if !hasYear && t.Before(time.Date(y, mo, d, 0, 0, 0, 0, local.Location())) {
			t = t.AddDate(1, 0, 0)
		}
		add(span{m[0], m[1]}, text[m[0]:m[1]], t, KindAbsolute, hasYear)
	}

	for _, m := range reMonthDay.FindAllStringSubmatchIndex(text, -1) {
		monthDay(m, 2, 4, 6)
	}
	for _, m := range reDayMonth.FindAllStringSubmatchIndex(text, -1) {
		monthDay(m, 4, 2, 6)
	}

	for _, m := range reSlashDate.FindAllStringSubmatchIndex(text, -1) {
		month, _ := strconv.Atoi(text[m[2]:m[3]])
		day, _ := strconv.Atoi(text[m[4]:m[5]])
		if month < 1 || month > 12 || day < 1 || day > 31 {
			continue
		}
		year := y
		hasYear := false
		if m[6] >= 0 {
			year, _ = strconv.Atoi(text[m[6]:m[7]])
			if year < 100 {
				year += 2000
			}
			hasYear = true
		}
		t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, local.Location())
		if !hasYear && t.Before(time.Date(y, mo, d, 0, 0, 0, 0, local.Location())) {
			t = t.AddDate(1, 0, 0)
		}
		add(span{m[0], m[1]}, text[m[0]:m[1]], t, KindAbsolute, hasYear)
	}

	for _, m := range reRelativeDay.FindAllStringIndex(text, -1) {
		word := strings.ToLower(text[m[0]:m[1]])
		t := local
		if word == "tomorrow" {
			t = local.AddDate(0, 0, 1)
		}
		add(span{m[0], m[1]}, text[m[0]:m[1]], t, KindRelative, false)
	}

	for _, m := range reWeekday.FindAllStringSubmatchIndex(text, -1) {
		prefix := ""
		if m[2] >= 0 {
			prefix = strings.ToLower(text[m[2]:m[3]])
		}
		target, ok := weekdaysByName[strings.ToLower(text[m[4]:m[5]])]
		if !ok {
			continue
		}
		delta := (int(target) - int(local.Weekday()) + 7) % 7
		// "this friday" spoken on a Friday means today; bare or "next"
		// means the coming occurrence.
		if delta == 0 && prefix != "this" {
			delta = 7
		}
		// "next friday" means the occurrence in the following week.
		if prefix == "next" && delta < 7 {
			delta += 7
		}
		add(span{m[0], m[1]}, text[m[0]:m[1]], local.AddDate(0, 0, delta), KindRelative, false)
	}

	sort.Slice(anchors, func(i, j int) bool { return anchors[i].start < anchors[j].start })
	return anchors
}

func findTimeMatches(text string, claim func(span) bool) []timeMatch {
	var times []timeMatch

	add := func(s span, phrase string, hour, minute int) {
		if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
			return
		}
		if !claim(s) {
			return
		}
		times = append(times, timeMatch{span: s, phrase: phrase, hour: hour, minute: minute})
	}

	for _, m := range reClock.FindAllStringSubmatchIndex(text, -1) {
		hour, _ := strconv.Atoi(text[m[2]:m[3]])
		minute, _ := strconv.Atoi(text[m[4]:m[5]])
		if m[6] >= 0 {
			// A meridiem only makes sense on a 12-hour clock value.
			if hour < 1 || hour > 12 {
				continue
			}
			hour = to24Hour(hour, strings.ToLower(text[m[6]:m[7]]))
		}
		add(span{m[0], m[1]}, text[m[0]:m[1]], hour, minute)
	}

	for _, m := range reHourAmPm.FindAllStringSubmatchIndex(text, -1) {
		hour, _ := strconv.Atoi(text[m[2]:m[3]])
		if hour < 1 || hour > 12 {
			continue
		}
		add(span{m[0], m[1]}, text[m[0]:m[1]], to24Hour(hour, strings.ToLower(text[m[4]:m[5]])), 0)
	}

	for _, m := range reNoonMid.FindAllStringIndex(text, -1) {
		word := strings.ToLower(text[m[0]:m[1]])
		hour := 12
		if word == "midnight" {
			hour = 0
		}
		add(span{m[0], m[1]}, text[m[0]:m[1]], hour, 0)
	}

	sort.Slice(times, func(i, j int) bool { return times[i].start < times[j].start })
	return times
}

// nearestTime finds an unclaimed time phrase close enough to the anchor
// to belong to it: within 24 characters after ("tomorrow at 3pm") or 12
// before ("3pm tomorrow").
func nearestTime(a dayAnchor, times []timeMatch, used []bool) int {
	best, bestDist := -1, 1<<31-1
	for i, tm := range times {
		if used[i] {
			continue
		}
		var dist int
		switch {
		case tm.start >= a.end:
			dist = tm.start - a.end
			if dist > 24 {
				continue
			}
		case tm.end <= a.start:
			dist = a.start - tm.end
			if dist > 12 {
				continue
			}
		default:
			continue
		}
		if dist < bestDist {
			best, bestDist = i, dist
		}
	}
	return best
}

func to24Hour(hour int, meridiem string) int {
	hour = hour % 12
	if meridiem == "pm" {
		hour += 12
	}
	return hour
}

// Best returns the highest-confidence parse, preferring earlier phrases
// on ties. Returns nil when no dates were parsed.
func Best(parsed []ParsedDate) *ParsedDate {
	var best *ParsedDate
	for i := range parsed {
		if best == nil || parsed[i].Confidence > best.Confidence {
			best = &parsed[i]
		}
	}
	return best
}
