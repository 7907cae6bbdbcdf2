package document

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultAgentID   = "a_admin"
	DefaultAgentName = "Admin"
	UnnamedAgent     = "Agent"
	WelcomeText      = "Welcome to LEAD CORE. Add a customer to get started."
)

// legacyStatuses maps values written by earlier Hebrew-only builds.
var legacyStatuses = map[string]PolicyStatus{
	"פעיל":    PolicyActive,
	"ממתין":   PolicyPending,
	"מוקפא":   PolicyFrozen,
	"מבוטל":   PolicyCancelled,
	"פג תוקף": PolicyExpired,
}

// Normalizer repairs arbitrary input into a canonical Document. The zero
// value is ready to use; NewID and Now are injectable for tests.
type Normalizer struct {
	NewID func(prefix string) string
	Now   func() time.Time
}

var defaultNormalizer = Normalizer{}

// Normalize runs the default Normalizer.
func Normalize(raw any) Document {
	return defaultNormalizer.Normalize(raw)
}

// NewID returns a fresh entity id with the given prefix.
func NewID(prefix string) string {
	return defaultNormalizer.newID(prefix)
}

func (n Normalizer) newID(prefix string) string {
	if n.NewID != nil {
		if id := strings.TrimSpace(n.NewID(prefix)); id != "" {
			return id
		}
	}
	return prefix + "_" + uuid.NewString()
}

func (n Normalizer) now() time.Time {
	if n.Now != nil {
		return n.Now()
	}
	return time.Now()
}

func (n Normalizer) Default() Document {
	return Document{
		Meta:      Meta{},
		Agents:    []Agent{{ID: DefaultAgentID, Name: DefaultAgentName}},
		Customers: []Customer{},
		Activity:  []ActivityEntry{n.welcome()},
	}
}

func (n Normalizer) welcome() ActivityEntry {
	return ActivityEntry{ID: n.newID("ev"), At: FormatTime(n.now()), Text: WelcomeText}
}

// Normalize never fails: unusable input is replaced by defaults field by
// field, and a completely unusable value yields the default document.
func (n Normalizer) Normalize(raw any) (doc Document) {
	defer func() {
		if r := recover(); r != nil {
			doc = n.Default()
		}
	}()
	obj, _ := toGeneric(raw).(map[string]any)
	now := FormatTime(n.now())

	meta, _ := obj["meta"].(map[string]any)
	doc.Meta.UpdatedAt = text(meta["updatedAt"])
	if _, ok := ParseTime(doc.Meta.UpdatedAt); !ok {
		doc.Meta.UpdatedAt = ""
	}

	if list, ok := obj["agents"].([]any); ok {
		seen := map[string]struct{}{}
		doc.Agents = make([]Agent, 0, len(list))
		for idx, item := range list {
			fields, _ := item.(map[string]any)
			agent := Agent{
				ID:   text(fields["id"]),
				Name: text(fields["name"]),
			}
			if agent.ID == "" {
				agent.ID = "a_" + strconv.Itoa(idx)
			}
			agent.ID = n.uniqueID(seen, agent.ID, "a")
			if agent.Name == "" {
				agent.Name = UnnamedAgent
			}
			doc.Agents = append(doc.Agents, agent)
		}
	}
	if len(doc.Agents) == 0 {
		doc.Agents = []Agent{{ID: DefaultAgentID, Name: DefaultAgentName}}
	}

	doc.Customers = []Customer{}
	if list, ok := obj["customers"].([]any); ok {
		seen := map[string]struct{}{}
		for _, item := range list {
			doc.Customers = append(doc.Customers, n.customer(item, seen, now))
		}
	}

	if list, ok := obj["activity"].([]any); ok {
		seen := map[string]struct{}{}
		doc.Activity = make([]ActivityEntry, 0, len(list))
		for _, item := range list {
			fields, _ := item.(map[string]any)
			entry := ActivityEntry{
				ID:   text(fields["id"]),
				At:   text(fields["at"]),
				Text: text(fields["text"]),
			}
			entry.ID = n.uniqueID(seen, entry.ID, "ev")
			if entry.At == "" {
				entry.At = now
			}
			doc.Activity = append(doc.Activity, entry)
		}
	} else {
		doc.Activity = []ActivityEntry{n.welcome()}
	}
	return doc
}

func (n Normalizer) customer(item any, seen map[string]struct{}, now string) Customer {
	fields, _ := item.(map[string]any)
	c := Customer{
		ID:             n.uniqueID(seen, text(fields["id"]), "c"),
		FirstName:      text(fields["firstName"]),
		LastName:       text(fields["lastName"]),
		Phone:          text(fields["phone"]),
		IDNumber:       text(fields["idNumber"]),
		AssignedAgent:  text(fields["assignedAgent"]),
		MonthlyPremium: number(fields["monthlyPremium"]),
		Notes:          text(fields["notes"]),
		CreatedAt:      text(fields["createdAt"]),
		UpdatedAt:      text(fields["updatedAt"]),
		Policies:       []Policy{},
	}
	if c.CreatedAt == "" {
		c.CreatedAt = now
	}
	if c.UpdatedAt == "" {
		c.UpdatedAt = now
	}
	if list, ok := fields["policies"].([]any); ok {
		policyIDs := map[string]struct{}{}
		for _, raw := range list {
			p, _ := raw.(map[string]any)
			c.Policies = append(c.Policies, Policy{
				ID:      n.uniqueID(policyIDs, text(p["id"]), "p"),
				Type:    text(p["type"]),
				Company: text(p["company"]),
				Premium: number(p["premium"]),
				Status:  status(p["status"]),
				RenewAt: text(p["renewAt"]),
			})
		}
	}
	return c
}

// uniqueID keeps id when it is non-empty and unseen, otherwise mints a new
// one. The first occurrence of a duplicated id wins.
func (n Normalizer) uniqueID(seen map[string]struct{}, id, prefix string) string {
	_, dup := seen[id]
	for attempt := 0; id == "" || dup; attempt++ {
		if attempt < 3 {
			id = n.newID(prefix)
		} else {
			id = prefix + "_" + uuid.NewString()
		}
		_, dup = seen[id]
	}
	seen[id] = struct{}{}
	return id
}

// toGeneric turns raw into the value space produced by encoding/json.
func toGeneric(raw any) any {
	switch v := raw.(type) {
	case nil:
		return nil
	case map[string]any:
		return v
	case []byte:
		return decodeJSON(v)
	case json.RawMessage:
		return decodeJSON(v)
	case string:
		return decodeJSON([]byte(v))
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		return decodeJSON(data)
	}
}

func decodeJSON(data []byte) any {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil
	}
	return out
}

func text(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(strings.ToValidUTF8(x, "�"))
	case json.Number:
		return strings.TrimSpace(x.String())
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	default:
		return ""
	}
}

func number(v any) float64 {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case json.Number:
		parsed, err := strconv.ParseFloat(x.String(), 64)
		if err != nil {
			return 0
		}
		f = parsed
	case string:
		f = parseLooseNumber(x)
	case bool:
		if x {
			f = 1
		}
	default:
		return 0
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f == 0 {
		return 0
	}
	return f
}

// parseLooseNumber reads values typed by hand such as "₪1,200.50".
func parseLooseNumber(raw string) float64 {
	var b strings.Builder
	for _, r := range strings.TrimSpace(raw) {
		switch {
		case r >= '0' && r <= '9', r == '.':
			b.WriteRune(r)
		case r == '-' && b.Len() == 0:
			b.WriteRune(r)
		}
	}
	f, err := strconv.ParseFloat(b.String(), 64)
	if err != nil {
		return 0
	}
	return f
}

func status(v any) PolicyStatus {
	raw := text(v)
	switch s := PolicyStatus(strings.ToLower(raw)); s {
	case PolicyActive, PolicyPending, PolicyFrozen, PolicyCancelled, PolicyExpired:
		return s
	}
	if mapped, ok := legacyStatuses[raw]; ok {
		return mapped
	}
	return PolicyActive
}
