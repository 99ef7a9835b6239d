// Package incident defines core types shared across subsystems.
package incident

import (
	"strconv"
	"strings"
)

// RecordID addresses one candidate record page at the source.
type RecordID int64

// String renders the ID the way it appears in URLs and output rows.
func (id RecordID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// Location is the always-present location block of a record page.
type Location struct {
	Description string
	Address     string
	City        string
	State       string
	Lat         string
	Lon         string
}

// Gun is one entry of the "Guns Involved" section.
type Gun struct {
	Type   string
	Stolen string
}

// Participant is one entry of the "Participants" section.
type Participant struct {
	Type     string
	Status   string
	Name     string
	Age      string
	AgeGroup string
	Gender   string
}

// Record is the fixed-shape result of extracting one record page.
type Record struct {
	ID              RecordID
	Date            string
	Location        Location
	Guns            []Gun
	Characteristics []string
	Notes           string
	Participants    []Participant
	Killed          int
	Injured         int
	Sources         []string
}

// Participant status values counted into Killed and Injured.
const (
	StatusKilled  = "killed"
	StatusInjured = "injured"
)

// Tally derives Killed and Injured from the participant statuses. A status
// may carry several outcomes ("Injured, Arrested"); each token is compared
// case-insensitively.
func (r *Record) Tally() {
	r.Killed, r.Injured = 0, 0
	for _, p := range r.Participants {
		for _, token := range statusTokens(p.Status) {
			switch token {
			case StatusKilled:
				r.Killed++
			case StatusInjured:
				r.Injured++
			}
		}
	}
}

func statusTokens(status string) []string {
	fields := strings.FieldsFunc(strings.ToLower(status), func(r rune) bool {
		return r == ',' || r == ';' || r == '|'
	})
	out := fields[:0]
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Columns lists the output columns of a harvested record row, in order.
var Columns = []string{
	"incident_id",
	"date",
	"location_description",
	"address",
	"city",
	"state",
	"lat",
	"lon",
	"gun_types",
	"gun_stolen",
	"incident_characteristics",
	"notes",
	"n_killed",
	"n_injured",
	"participant_type",
	"participant_status",
	"participant_name",
	"participant_age",
	"participant_age_group",
	"participant_gender",
	"sources",
}
