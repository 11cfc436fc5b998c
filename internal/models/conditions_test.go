package models

import (
	"encoding/json"
	"testing"

	"github.com/socialmonitor/mention-pipeline/internal/faults"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const defaultConditions = `{
	"sentiment": {"enabled": true, "threshold": -0.5, "operator": "below"},
	"volume_spike": {"enabled": false, "percentage": 200, "timeframe_hours": 1},
	"influencer": {"enabled": true, "min_followers": 10000},
	"priority": {"enabled": false, "min_score": 70},
	"keywords": {"enabled": false, "keywords": [], "operator": "any"}
}`

func TestParseConditions(t *testing.T) {
	c, err := ParseConditions([]byte(defaultConditions))
	require.NoError(t, err)

	require.NotNil(t, c.Sentiment)
	assert.Equal(t, -0.5, c.Sentiment.Threshold)
	assert.Equal(t, "below", c.Sentiment.Operator)
	require.NotNil(t, c.Influencer)
	assert.Equal(t, 10000, c.Influencer.MinFollowers)
	assert.Nil(t, c.VolumeSpike)
	assert.Nil(t, c.Priority)
	assert.Nil(t, c.Keywords)

	clauses := c.Clauses()
	require.Len(t, clauses, 2)
	assert.Equal(t, ClauseSentiment, clauses[0].Type())
	assert.Equal(t, ClauseInfluencer, clauses[1].Type())
}

func TestParseConditions_Rejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "not json", doc: `{"sentiment":`},
		{name: "unknown clause", doc: `{"geo": {"enabled": true}}`},
		{name: "unknown field", doc: `{"priority": {"enabled": true, "min_score": 1, "max": 2}}`},
		{name: "bad operator", doc: `{"sentiment": {"enabled": true, "threshold": 0.1, "operator": "near"}}`},
		{name: "threshold out of range", doc: `{"sentiment": {"enabled": true, "threshold": -3, "operator": "below"}}`},
		{name: "missing percentage", doc: `{"volume_spike": {"enabled": true, "timeframe_hours": 1}}`},
		{name: "zero timeframe", doc: `{"volume_spike": {"enabled": true, "percentage": 200, "timeframe_hours": 0}}`},
		{name: "empty keywords", doc: `{"keywords": {"enabled": true, "keywords": [" "], "operator": "any"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConditions([]byte(tt.doc))
			require.Error(t, err)
			assert.True(t, faults.IsKind(err, faults.KindData))
		})
	}
}

func TestConditions_JSONRoundTripThroughRule(t *testing.T) {
	rule := AlertRule{
		ID: "r1",
		Conditions: Conditions{
			Keywords: &KeywordsClause{Keywords: []string{"outage"}, Operator: "all"},
		},
	}

	data, err := json.Marshal(rule)
	require.NoError(t, err)

	var decoded AlertRule
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.NotNil(t, decoded.Conditions.Keywords)
	assert.Equal(t, []string{"outage"}, decoded.Conditions.Keywords.Keywords)
	assert.Equal(t, "conditions[keywords]", decoded.Conditions.String())
}

func TestSeverity_Escalate(t *testing.T) {
	assert.Equal(t, SeverityMedium, SeverityLow.Escalate())
	assert.Equal(t, SeverityCritical, SeverityHigh.Escalate())
	assert.Equal(t, SeverityCritical, SeverityCritical.Escalate())
	assert.Equal(t, PriorityUrgent, SeverityCritical.Priority())
}

func TestFrequency_Interval(t *testing.T) {
	assert.Zero(t, FrequencyImmediate.Interval())
	assert.Equal(t, "1h0m0s", FrequencyHourly.Interval().String())
	assert.Equal(t, "168h0m0s", FrequencyWeekly.Interval().String())
}
