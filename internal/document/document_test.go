package document

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStampNeverMovesBackwards(t *testing.T) {
	doc := Default()
	first := doc.Stamp(fixedNow)
	assert.Equal(t, "2025-03-01T09:30:00.000Z", first)

	second := doc.Stamp(fixedNow.Add(-time.Hour))
	assert.Equal(t, "2025-03-01T09:30:00.001Z", second)

	third := doc.Stamp(fixedNow.Add(time.Minute))
	assert.Equal(t, "2025-03-01T09:31:00.000Z", third)
}

func TestCloneIsDeep(t *testing.T) {
	doc := Default()
	doc.Customers = []Customer{{ID: "c1", Policies: []Policy{{ID: "p1", Status: PolicyActive}}}}

	clone := doc.Clone()
	clone.Customers[0].Policies[0].Status = PolicyFrozen
	clone.Agents[0].Name = "changed"

	assert.Equal(t, PolicyActive, doc.Customers[0].Policies[0].Status)
	assert.Equal(t, DefaultAgentName, doc.Agents[0].Name)
}

func TestCloneKeepsEmptySlicesEncodable(t *testing.T) {
	doc := Default()
	data, err := json.Marshal(doc.Clone())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"customers":[]`)
}

func TestPrependActivityCapsLog(t *testing.T) {
	doc := Default()
	for i := 0; i < 5; i++ {
		doc.PrependActivity(NewID("ev"), fixedNow, "entry", 3)
	}
	require.Len(t, doc.Activity, 3)
	assert.Equal(t, "entry", doc.Activity[0].Text)

	doc.PrependActivity("ev_last", fixedNow, "newest", 0)
	assert.Len(t, doc.Activity, 4)
	assert.Equal(t, "ev_last", doc.Activity[0].ID)
}

func TestFingerprintIgnoresMeta(t *testing.T) {
	a := Default()
	b := a.Clone()
	b.Stamp(fixedNow)
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	b.Customers = append(b.Customers, Customer{ID: "c1", Policies: []Policy{}})
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
}

func TestCustomerByID(t *testing.T) {
	doc := Document{Customers: []Customer{{ID: "c1"}, {ID: "c2"}}}
	assert.Equal(t, 1, doc.CustomerByID("c2"))
	assert.Equal(t, -1, doc.CustomerByID("missing"))
}
