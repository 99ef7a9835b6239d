// Package extract turns a record page into a fixed-shape incident.Record.
//
// The header and Location block are always read. Every other section is
// optional: Detect finds which <h2> labels are present and one extractor per
// present section returns a Fragment that is applied to the record. Sections
// that are absent leave their fields empty so every record encodes to the
// same column count. Shape problems never abort a record; they surface as
// Issues and the affected field keeps its default.
package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/incident-harvester/internal/incident"
)

// Section is a known <h2> label on a record page.
type Section string

// Known sections.
const (
	SectionHeader          Section = "Header"
	SectionLocation        Section = "Location"
	SectionGuns            Section = "Guns Involved"
	SectionCharacteristics Section = "Incident Characteristics"
	SectionNotes           Section = "Notes"
	SectionParticipants    Section = "Participants"
	SectionSources         Section = "Sources"
)

// optionalSections lists the dispatch order for optional sections.
var optionalSections = []Section{
	SectionGuns,
	SectionCharacteristics,
	SectionNotes,
	SectionParticipants,
	SectionSources,
}

// DefaultMaxItems bounds the list items read per section.
const DefaultMaxItems = 200

// RepeatSep joins the values of a label repeated inside one list entry,
// such as two statuses for one participant. It must differ from the
// column separator that joins entries, so every entry stays one value.
const RepeatSep = "; "

// Issue is a parse-shape fault: the page was fetched but a sub-element was
// missing or malformed, so Field was default-filled.
type Issue struct {
	Section Section
	Field   string
	Reason  string
}

func (i Issue) Error() string {
	return fmt.Sprintf("%s.%s: %s", i.Section, i.Field, i.Reason)
}

// PresenceSet is the set of section labels found on a page.
type PresenceSet map[Section]struct{}

// Has reports whether s was found.
func (p PresenceSet) Has(s Section) bool {
	_, ok := p[s]
	return ok
}

// Sections lists the present sections in dispatch order.
func (p PresenceSet) Sections() []Section {
	out := make([]Section, 0, len(p))
	for _, s := range append([]Section{SectionLocation}, optionalSections...) {
		if p.Has(s) {
			out = append(out, s)
		}
	}
	return out
}

// Result is the outcome of extracting one page.
type Result struct {
	Record   incident.Record
	Sections PresenceSet
	Issues   []Issue
}

// Extractor parses record pages. The zero value is not usable; use New.
type Extractor struct {
	maxItems int
}

// New builds an Extractor reading at most maxItems list items per section
// (DefaultMaxItems when non-positive).
func New(maxItems int) *Extractor {
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}
	return &Extractor{maxItems: maxItems}
}

// Extract parses body into a record for id. The error is non-nil only when
// the document cannot be parsed as HTML at all.
func (e *Extractor) Extract(id incident.RecordID, body []byte) (Result, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("parse document %d: %w", id, err)
	}
	return e.ExtractDocument(id, doc), nil
}

// ExtractDocument runs the section dispatch over an already parsed page.
func (e *Extractor) ExtractDocument(id incident.RecordID, doc *goquery.Document) Result {
	containers := sectionContainers(doc)
	res := Result{
		Record:   incident.Record{ID: id},
		Sections: make(PresenceSet, len(containers)),
	}
	for s := range containers {
		res.Sections[s] = struct{}{}
	}
	sc := &scope{maxItems: e.maxItems}

	sc.section = SectionHeader
	headerFragment(doc, containers[SectionLocation], sc).apply(&res.Record)

	sc.section = SectionLocation
	if loc, ok := containers[SectionLocation]; ok {
		locationFragment(loc, sc).apply(&res.Record)
	} else {
		sc.issue("container", "location section missing")
	}

	for _, s := range optionalSections {
		sel, ok := containers[s]
		if !ok {
			continue
		}
		sc.section = s
		extractors[s](sel, sc).apply(&res.Record)
	}

	res.Record.Tally()
	res.Issues = sc.issues
	return res
}

// Detect reports which known sections a page carries.
func Detect(doc *goquery.Document) PresenceSet {
	containers := sectionContainers(doc)
	set := make(PresenceSet, len(containers))
	for s := range containers {
		set[s] = struct{}{}
	}
	return set
}

// sectionContainers maps each known <h2> label to the nodes of its section:
// the heading's parent when it holds only that heading, otherwise the
// siblings up to the next <h2>. The first occurrence of a label wins.
func sectionContainers(doc *goquery.Document) map[Section]*goquery.Selection {
	known := make(map[string]Section, len(optionalSections)+1)
	for _, s := range append([]Section{SectionLocation}, optionalSections...) {
		known[strings.ToLower(string(s))] = s
	}
	out := make(map[Section]*goquery.Selection)
	doc.Find("h2").Each(func(_ int, h2 *goquery.Selection) {
		label := strings.ToLower(cleanText(h2.Text()))
		s, ok := known[label]
		if !ok {
			return
		}
		if _, seen := out[s]; seen {
			return
		}
		parent := h2.Parent()
		if parent.ChildrenFiltered("h2").Length() > 1 {
			out[s] = h2.NextUntil("h2")
			return
		}
		out[s] = parent
	})
	return out
}

// within selects nodes matching selector among sel and its descendants.
func within(sel *goquery.Selection, selector string) *goquery.Selection {
	return sel.Filter(selector).AddSelection(sel.Find(selector))
}

// scope carries per-page extraction state shared by the section extractors.
type scope struct {
	section  Section
	maxItems int
	issues   []Issue
}

func (s *scope) issue(field, reason string) {
	s.issues = append(s.issues, Issue{Section: s.section, Field: field, Reason: reason})
}

// limit returns at most maxItems nodes of sel and records an issue when
// items were dropped.
func (s *scope) limit(sel *goquery.Selection, field string) *goquery.Selection {
	if sel.Length() <= s.maxItems {
		return sel
	}
	s.issue(field, fmt.Sprintf("truncated %d items to %d", sel.Length(), s.maxItems))
	return sel.Slice(0, s.maxItems)
}

// cleanText collapses internal whitespace.
func cleanText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
