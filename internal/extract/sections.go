package extract

import (
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/incident-harvester/internal/incident"
)

// Fragment is the partial record produced by one section extractor. The
// set of fragment types is closed; each fills only its own fields.
type Fragment interface {
	apply(r *incident.Record)
}

type (
	headerPart          struct{ date string }
	locationPart        incident.Location
	gunsPart            []incident.Gun
	characteristicsPart []string
	notesPart           string
	participantsPart    []incident.Participant
	sourcesPart         []string
)

func (p headerPart) apply(r *incident.Record)          { r.Date = p.date }
func (p locationPart) apply(r *incident.Record)        { r.Location = incident.Location(p) }
func (p gunsPart) apply(r *incident.Record)            { r.Guns = p }
func (p characteristicsPart) apply(r *incident.Record) { r.Characteristics = p }
func (p notesPart) apply(r *incident.Record)           { r.Notes = string(p) }
func (p participantsPart) apply(r *incident.Record)    { r.Participants = p }
func (p sourcesPart) apply(r *incident.Record)         { r.Sources = p }

type sectionExtractor func(sel *goquery.Selection, sc *scope) Fragment

var extractors = map[Section]sectionExtractor{
	SectionGuns:            gunsFragment,
	SectionCharacteristics: characteristicsFragment,
	SectionNotes:           notesFragment,
	SectionParticipants:    participantsFragment,
	SectionSources:         sourcesFragment,
}

var dateLayouts = []string{
	"January 2, 2006",
	"Jan 2, 2006",
	"2006-01-02",
	"01/02/2006",
}

// headerFragment reads the incident date from the last <h1>, falling back to
// the Location block's <h3>. Recognised dates are normalised to ISO.
func headerFragment(doc *goquery.Document, loc *goquery.Selection, sc *scope) Fragment {
	var candidates []string
	if h1 := doc.Find("h1"); h1.Length() > 0 {
		candidates = append(candidates, cleanText(h1.Last().Text()))
	}
	if loc != nil {
		if h3 := within(loc, "h3"); h3.Length() > 0 {
			candidates = append(candidates, cleanText(h3.First().Text()))
		}
	}
	for _, c := range candidates {
		if d, ok := parseDate(c); ok {
			return headerPart{date: d}
		}
	}
	// Unparseable: keep the first token, preferring the Location <h3> over a
	// page-title <h1>. Text without digits is a title, not a date.
	for i := len(candidates) - 1; i >= 0; i-- {
		if fields := strings.Fields(candidates[i]); len(fields) > 0 && strings.ContainsAny(candidates[i], "0123456789") {
			sc.issue("date", "unrecognized date format")
			return headerPart{date: fields[0]}
		}
	}
	sc.issue("date", "missing date")
	return headerPart{}
}

func parseDate(text string) (string, bool) {
	fields := strings.Fields(text)
	for _, n := range []int{3, 1} {
		if len(fields) < n {
			continue
		}
		prefix := strings.Join(fields[:n], " ")
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, prefix); err == nil {
				return t.Format("2006-01-02"), true
			}
		}
	}
	return "", false
}

const geolocationPrefix = "geolocation:"

// locationFragment reads the Location block's spans relative to the
// geolocation line: city/state precedes it, the address precedes that and
// anything earlier is the free-text description.
func locationFragment(sel *goquery.Selection, sc *scope) Fragment {
	var spans []string
	within(sel, "span").Each(func(_ int, s *goquery.Selection) {
		if text := cleanText(s.Text()); text != "" {
			spans = append(spans, text)
		}
	})
	if len(spans) == 0 {
		sc.issue("spans", "location block has no spans")
		return locationPart{}
	}

	var loc incident.Location
	geo := -1
	for i := len(spans) - 1; i >= 0; i-- {
		if strings.HasPrefix(strings.ToLower(spans[i]), geolocationPrefix) {
			geo = i
			break
		}
	}
	anchor := geo
	if geo < 0 {
		sc.issue("lat", "missing geolocation")
		sc.issue("lon", "missing geolocation")
		anchor = len(spans)
	} else {
		loc.Lat, loc.Lon = parseGeolocation(spans[geo], sc)
	}

	if anchor-1 >= 0 {
		loc.City, loc.State = parseCityState(spans[anchor-1], sc)
	} else {
		sc.issue("city", "missing city/state")
	}
	if anchor-2 >= 0 {
		loc.Address = spans[anchor-2]
	} else {
		sc.issue("address", "missing address")
	}
	if anchor-2 > 0 {
		loc.Description = strings.Join(spans[:anchor-2], " ")
	}
	return locationPart(loc)
}

func parseGeolocation(text string, sc *scope) (string, string) {
	coords := strings.TrimSpace(text[len(geolocationPrefix):])
	lat, lon, ok := strings.Cut(coords, ",")
	lat, lon = strings.TrimSpace(lat), strings.TrimSpace(lon)
	if !ok || lat == "" || lon == "" {
		sc.issue("lat", "malformed geolocation")
		return lat, lon
	}
	return lat, lon
}

func parseCityState(text string, sc *scope) (string, string) {
	idx := strings.LastIndex(text, ",")
	if idx < 0 {
		sc.issue("state", "malformed city/state")
		return text, ""
	}
	return strings.TrimSpace(text[:idx]), strings.TrimSpace(text[idx+1:])
}

func gunsFragment(sel *goquery.Selection, sc *scope) Fragment {
	var guns gunsPart
	for _, entry := range entries(sel, sc) {
		guns = append(guns, incident.Gun{
			Type:   entry["type"],
			Stolen: entry["stolen"],
		})
	}
	return guns
}

func participantsFragment(sel *goquery.Selection, sc *scope) Fragment {
	var people participantsPart
	for _, entry := range entries(sel, sc) {
		people = append(people, incident.Participant{
			Type:     entry["type"],
			Status:   entry["status"],
			Name:     entry["name"],
			Age:      entry["age"],
			AgeGroup: entry["age_group"],
			Gender:   entry["gender"],
		})
	}
	return people
}

func characteristicsFragment(sel *goquery.Selection, sc *scope) Fragment {
	var out characteristicsPart
	sc.limit(within(sel, "li"), "items").Each(func(_ int, li *goquery.Selection) {
		if text := cleanText(li.Text()); text != "" {
			out = append(out, text)
		}
	})
	return out
}

func notesFragment(sel *goquery.Selection, sc *scope) Fragment {
	var parts []string
	sc.limit(within(sel, "p"), "paragraphs").Each(func(_ int, p *goquery.Selection) {
		if text := cleanText(p.Text()); text != "" {
			parts = append(parts, text)
		}
	})
	if len(parts) == 0 {
		body := sel.Clone()
		body.Find("h2").Remove()
		if text := cleanText(body.Text()); text != "" {
			parts = append(parts, text)
		}
	}
	if len(parts) == 0 {
		sc.issue("notes", "empty notes section")
	}
	return notesPart(strings.Join(parts, " "))
}

func sourcesFragment(sel *goquery.Selection, sc *scope) Fragment {
	var out sourcesPart
	sc.limit(within(sel, "li"), "items").Each(func(_ int, li *goquery.Selection) {
		if href, ok := li.Find("a[href]").First().Attr("href"); ok && strings.TrimSpace(href) != "" {
			out = append(out, strings.TrimSpace(href))
			return
		}
		if text := cleanText(li.Text()); strings.HasPrefix(text, "http") {
			out = append(out, text)
			return
		}
		sc.issue("sources", "item without link")
	})
	return out
}

// entries parses each <ul> in the section as one entry of label: value
// items. A section without lists is read as a single entry.
func entries(sel *goquery.Selection, sc *scope) []map[string]string {
	lists := within(sel, "ul")
	if lists.Length() == 0 {
		if items := within(sel, "li"); items.Length() > 0 {
			return []map[string]string{labeledItems(items, sc)}
		}
		sc.issue("entries", "section has no list items")
		return nil
	}
	var out []map[string]string
	sc.limit(lists, "entries").Each(func(_ int, ul *goquery.Selection) {
		if entry := labeledItems(ul.Find("li"), sc); len(entry) > 0 {
			out = append(out, entry)
		}
	})
	return out
}

// labeledItems tokenizes "Label: value" items. Labels are lower-cased with
// spaces turned to underscores; a repeated label accumulates its values
// joined by RepeatSep.
func labeledItems(items *goquery.Selection, sc *scope) map[string]string {
	entry := make(map[string]string)
	sc.limit(items, "items").Each(func(_ int, li *goquery.Selection) {
		text := cleanText(li.Text())
		label, value, ok := strings.Cut(text, ":")
		if !ok {
			if text != "" {
				sc.issue("items", "unlabeled item")
			}
			return
		}
		key := normalizeLabel(label)
		value = strings.TrimSpace(value)
		if key == "" {
			return
		}
		if prev, seen := entry[key]; seen {
			entry[key] = prev + RepeatSep + value
			return
		}
		entry[key] = value
	})
	return entry
}

func normalizeLabel(label string) string {
	key := strings.ToLower(strings.TrimSpace(label))
	key = strings.Join(strings.Fields(key), "_")
	return strings.TrimPrefix(key, "participant_")
}
