package extract

import (
	"testing"

	"github.com/firedispatch/mailwatch/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPatterns() config.PatternsConfig {
	return config.PatternsConfig{
		IncidentNumber: `Incident no\.: (\S+)`,
		Keyword:        `Keyword: (.*)`,
		Street:         `Street: (.*)`,
		HouseNumber:    `House no\.: (.*)`,
		City:           `City: (.*)`,
		District:       `District: (.*)`,
		ObjectName:     `Object: (.*)`,
		Coordinates:    `Coordinates: (.*)`,
		Note:           `(?s)Note:\n(.*?)\n---`,
		PagerCodeWidth: 7,
		Pagers: []config.PagerEntry{
			{Trigger: "A12", Code: "7", SubCode: "A"},
			{Trigger: "A12-3", Code: "42", SubCode: "B"},
			{Trigger: "B99", Code: "1234567", SubCode: "C"},
		},
	}
}

func TestExtract_Fields(t *testing.T) {
	rules := CompileRules(testPatterns())

	body := "Incident no.: 2024-001\r\n" +
		"Keyword: / Fire 2 /\r\n" +
		"Street:  Main Street \r\n" +
		"House no.: 7a\r\n" +
		"City: Springfield\r\n" +
		"District: North\r\n" +
		"Object: School\r\n" +
		"Coordinates: 49.1,8.2\r\n"

	data := rules.Extract("testsite", body)

	assert.Equal(t, "2024-001", data.IncidentNumber)
	assert.Equal(t, "Fire 2", data.Keyword, "keyword is stripped of slashes and trimmed")
	assert.Equal(t, "Main Street", data.Street, "fields are trimmed")
	assert.Equal(t, "7a", data.HouseNumber)
	assert.Equal(t, "Springfield", data.City)
	assert.Equal(t, "North", data.District)
	assert.Equal(t, "School", data.ObjectName)
	assert.Equal(t, "49.1,8.2", data.Coordinates)
	assert.Empty(t, data.Pagers)
}

func TestExtract_LastMatchWinsPerField(t *testing.T) {
	rules := CompileRules(testPatterns())

	body := "City: First\nsomething else\nCity: Second\n"
	data := rules.Extract("testsite", body)

	assert.Equal(t, "Second", data.City)
}

func TestExtract_NoteSpansLines(t *testing.T) {
	rules := CompileRules(testPatterns())

	body := "Note:\nfirst line\nsecond line\n---\n"
	data := rules.Extract("testsite", body)

	assert.Equal(t, "first line\nsecond line", data.Note)
}

func TestExtract_LongestTriggerWins(t *testing.T) {
	rules := CompileRules(testPatterns())

	data := rules.Extract("testsite", "alert for A12-3 respond\n")

	require.Len(t, data.Pagers, 1, "substring trigger must be suppressed")
	assert.Equal(t, "A12-3", data.Pagers[0].Trigger)
	assert.Equal(t, "0000042", data.Pagers[0].Code)
	assert.Equal(t, "B", data.Pagers[0].SubCode)
}

func TestExtract_LongestTriggerWinsRegardlessOfTableOrder(t *testing.T) {
	p := testPatterns()
	// Longer trigger listed before its substring.
	p.Pagers = []config.PagerEntry{
		{Trigger: "A12-3", Code: "42", SubCode: "B"},
		{Trigger: "A12", Code: "7", SubCode: "A"},
	}
	rules := CompileRules(p)

	data := rules.Extract("testsite", "alert for A12-3 respond\n")

	require.Len(t, data.Pagers, 1)
	assert.Equal(t, "A12-3", data.Pagers[0].Trigger)
}

func TestExtract_ZeroPadsPagerCodes(t *testing.T) {
	rules := CompileRules(testPatterns())

	data := rules.Extract("testsite", "B99\ndispatch A12 now\n")

	require.Len(t, data.Pagers, 2)
	assert.Equal(t, "1234567", data.Pagers[0].Code, "codes at the configured width stay unchanged")
	assert.Equal(t, "0000007", data.Pagers[1].Code)
}

func TestExtract_KeepsRepeatedMatchesAcrossLines(t *testing.T) {
	// Dedup across messages is the dispatch stage's job; a single
	// extraction keeps every surviving match in encounter order.
	rules := CompileRules(testPatterns())

	data := rules.Extract("testsite", "A12\nB99\nA12\n")

	require.Len(t, data.Pagers, 3)
	assert.Equal(t, "A12", data.Pagers[0].Trigger)
	assert.Equal(t, "B99", data.Pagers[1].Trigger)
	assert.Equal(t, "A12", data.Pagers[2].Trigger)
}

func TestExtract_IndependentTriggersOnOneLine(t *testing.T) {
	rules := CompileRules(testPatterns())

	data := rules.Extract("testsite", "A12 and B99 on one line\n")

	require.Len(t, data.Pagers, 2)
}

func TestCompileRules_MalformedPatternDisablesOnlyThatField(t *testing.T) {
	p := testPatterns()
	p.Street = `Street: ([unclosed`
	rules := CompileRules(p)

	body := "Street: Main Street\nCity: Springfield\n"
	data := rules.Extract("testsite", body)

	assert.Empty(t, data.Street, "field with malformed pattern stays empty")
	assert.Equal(t, "Springfield", data.City, "sibling rules keep working")
}

func TestCompileRules_PatternWithoutCaptureGroupIsDisabled(t *testing.T) {
	p := testPatterns()
	p.City = `City: .*`
	rules := CompileRules(p)

	data := rules.Extract("testsite", "City: Springfield\n")

	assert.Empty(t, data.City)
}

func TestExtract_EmptyBody(t *testing.T) {
	rules := CompileRules(testPatterns())

	data := rules.Extract("testsite", "")

	assert.Empty(t, data.IncidentNumber)
	assert.Empty(t, data.Pagers)
}
