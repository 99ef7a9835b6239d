package checkpoint

import (
	"strconv"
	"strings"

	"github.com/JakeFAU/incident-harvester/internal/incident"
)

// Encoder renders a header line and one line per record, without the
// trailing newline. Every line of one encoder has the same column count.
type Encoder interface {
	Header() string
	Row(rec incident.Record) string
}

// MultiValueSep joins list values inside one column.
const MultiValueSep = "||"

var fieldReplacer = strings.NewReplacer(
	",", ";",
	"\r\n", " ",
	"\r", " ",
	"\n", " ",
	`"`, "'",
)

var urlReplacer = strings.NewReplacer(
	`"`, "%22",
	",", "%2C",
	"\r", "",
	"\n", "",
)

// Sanitize neutralises field separators in free text: commas become
// semicolons and line breaks become spaces.
func Sanitize(s string) string {
	return strings.TrimSpace(fieldReplacer.Replace(s))
}

func joinValues(values []string) string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = Sanitize(v)
	}
	return strings.Join(out, MultiValueSep)
}

// RecordEncoder writes the full incident row.
type RecordEncoder struct{}

// Header implements Encoder.
func (RecordEncoder) Header() string {
	return strings.Join(incident.Columns, ",")
}

// Row implements Encoder.
func (RecordEncoder) Row(rec incident.Record) string {
	gunTypes := make([]string, len(rec.Guns))
	gunStolen := make([]string, len(rec.Guns))
	for i, g := range rec.Guns {
		gunTypes[i], gunStolen[i] = g.Type, g.Stolen
	}

	n := len(rec.Participants)
	types, statuses := make([]string, n), make([]string, n)
	names, ages := make([]string, n), make([]string, n)
	groups, genders := make([]string, n), make([]string, n)
	for i, p := range rec.Participants {
		types[i], statuses[i] = p.Type, p.Status
		names[i], ages[i] = p.Name, p.Age
		groups[i], genders[i] = p.AgeGroup, p.Gender
	}

	sources := make([]string, len(rec.Sources))
	for i, src := range rec.Sources {
		sources[i] = urlReplacer.Replace(strings.TrimSpace(src))
	}

	fields := []string{
		rec.ID.String(),
		Sanitize(rec.Date),
		Sanitize(rec.Location.Description),
		Sanitize(rec.Location.Address),
		Sanitize(rec.Location.City),
		Sanitize(rec.Location.State),
		Sanitize(rec.Location.Lat),
		Sanitize(rec.Location.Lon),
		joinValues(gunTypes),
		joinValues(gunStolen),
		joinValues(rec.Characteristics),
		Sanitize(rec.Notes),
		strconv.Itoa(rec.Killed),
		strconv.Itoa(rec.Injured),
		joinValues(types),
		joinValues(statuses),
		joinValues(names),
		joinValues(ages),
		joinValues(groups),
		joinValues(genders),
		`"` + strings.Join(sources, MultiValueSep) + `"`,
	}
	return strings.Join(fields, ",")
}

// IDEncoder writes discovery output: one confirmed ID per line.
type IDEncoder struct{}

// IDHeader is the single column written by IDEncoder.
const IDHeader = "ids"

// Header implements Encoder.
func (IDEncoder) Header() string { return IDHeader }

// Row implements Encoder.
func (IDEncoder) Row(rec incident.Record) string { return rec.ID.String() }
