// Package document holds the single synchronized CRM document and the
// normalization rules that turn arbitrary input into its canonical shape.
package document

import (
	"encoding/json"
	"time"

	"github.com/cespare/xxhash/v2"
)

// TimeLayout is the wire format for every timestamp in the document.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

type PolicyStatus string

const (
	PolicyActive    PolicyStatus = "active"
	PolicyPending   PolicyStatus = "pending"
	PolicyFrozen    PolicyStatus = "frozen"
	PolicyCancelled PolicyStatus = "cancelled"
	PolicyExpired   PolicyStatus = "expired"
)

type Meta struct {
	UpdatedAt string `json:"updatedAt"`
}

type Agent struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Policy struct {
	ID      string       `json:"id"`
	Type    string       `json:"type"`
	Company string       `json:"company"`
	Premium float64      `json:"premium"`
	Status  PolicyStatus `json:"status"`
	RenewAt string       `json:"renewAt"`
}

type Customer struct {
	ID             string   `json:"id"`
	FirstName      string   `json:"firstName"`
	LastName       string   `json:"lastName"`
	Phone          string   `json:"phone"`
	IDNumber       string   `json:"idNumber"`
	AssignedAgent  string   `json:"assignedAgent"`
	MonthlyPremium float64  `json:"monthlyPremium"`
	Notes          string   `json:"notes"`
	CreatedAt      string   `json:"createdAt"`
	UpdatedAt      string   `json:"updatedAt"`
	Policies       []Policy `json:"policies"`
}

type ActivityEntry struct {
	ID   string `json:"id"`
	At   string `json:"at"`
	Text string `json:"text"`
}

// Document is the unit of synchronization. Activity is kept newest first.
type Document struct {
	Meta      Meta            `json:"meta"`
	Agents    []Agent         `json:"agents"`
	Customers []Customer      `json:"customers"`
	Activity  []ActivityEntry `json:"activity"`
}

// FormatTime renders t in the document's timestamp format.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime accepts any RFC 3339 timestamp.
func ParseTime(raw string) (time.Time, bool) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Default returns the document a fresh process starts from.
func Default() Document {
	return defaultNormalizer.Default()
}

// Clone returns a deep copy.
func (d Document) Clone() Document {
	out := Document{
		Meta:      d.Meta,
		Agents:    cloneSlice(d.Agents),
		Customers: cloneSlice(d.Customers),
		Activity:  cloneSlice(d.Activity),
	}
	for i := range out.Customers {
		out.Customers[i].Policies = cloneSlice(out.Customers[i].Policies)
	}
	return out
}

func cloneSlice[T any](in []T) []T {
	if in == nil {
		return nil
	}
	out := make([]T, len(in))
	copy(out, in)
	return out
}

// Stamp advances meta.updatedAt to now. The stamp never moves backwards: a
// clock behind the previous stamp yields previous+1ms.
func (d *Document) Stamp(now time.Time) string {
	next := now.UTC().Truncate(time.Millisecond)
	if prev, ok := ParseTime(d.Meta.UpdatedAt); ok && !next.After(prev) {
		next = prev.UTC().Truncate(time.Millisecond).Add(time.Millisecond)
	}
	d.Meta.UpdatedAt = FormatTime(next)
	return d.Meta.UpdatedAt
}

// PrependActivity adds a newest-first audit entry and trims the log to limit
// entries when limit is positive.
func (d *Document) PrependActivity(id string, now time.Time, text string, limit int) {
	entry := ActivityEntry{ID: id, At: FormatTime(now), Text: text}
	d.Activity = append([]ActivityEntry{entry}, d.Activity...)
	if limit > 0 && len(d.Activity) > limit {
		d.Activity = d.Activity[:limit]
	}
}

// Fingerprint hashes the canonical encoding of everything but Meta, so two
// documents that differ only by their stamp compare equal.
func (d Document) Fingerprint() uint64 {
	body := d
	body.Meta = Meta{}
	data, err := json.Marshal(body)
	if err != nil {
		return 0
	}
	return xxhash.Sum64(data)
}

// CustomerByID returns the index of the customer with id, or -1.
func (d Document) CustomerByID(id string) int {
	for i := range d.Customers {
		if d.Customers[i].ID == id {
			return i
		}
	}
	return -1
}
