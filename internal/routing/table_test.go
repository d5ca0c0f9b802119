package routing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "Orchestrator-Core/internal/errors"
)

func testTable(t *testing.T) *Table {
	t.Helper()
	table, err := New([]Rule{
		{Pattern: "vision.detect", Target: "vision", Endpoint: "http://vision:9001/detect", Timeout: time.Second, DefaultPriority: 3},
		{Pattern: "vision.classify", Target: "vision", Endpoint: "http://vision:9001/classify", Timeout: time.Second, DefaultPriority: 2},
		{Pattern: "graph.query", Target: "graph", Endpoint: "http://graph:9003/query", HealthURL: "http://graph:9003/status", DefaultPriority: 5},
	})
	require.NoError(t, err)
	return table
}

func TestResolveExactMatch(t *testing.T) {
	table := testTable(t)

	rule, err := table.Resolve("vision.classify")
	require.NoError(t, err)
	assert.Equal(t, "vision", rule.Target)
	assert.Equal(t, "http://vision:9001/classify", rule.Endpoint)
	assert.Equal(t, "http://vision:9001/health", rule.HealthURL)
	assert.Equal(t, 2, rule.DefaultPriority)

	_, err = table.Resolve("vision")
	assert.True(t, xerrors.HasCode(err, xerrors.CodeUnknownPattern), "prefix must not match")
}

func TestResolveUnknownListsAvailablePatterns(t *testing.T) {
	table := testTable(t)

	_, err := table.Resolve("speech.transcribe")
	require.Error(t, err)

	coded, ok := xerrors.From(err)
	require.True(t, ok)
	assert.Equal(t, xerrors.CodeUnknownPattern, coded.Code())

	details, ok := coded.Details().(UnknownPatternDetails)
	require.True(t, ok)
	assert.Equal(t, []string{"graph.query", "vision.classify", "vision.detect"}, details.AvailablePatterns)
	assert.ElementsMatch(t, table.Patterns(), details.AvailablePatterns)
}

func TestNewRejectsDuplicatePatterns(t *testing.T) {
	_, err := New([]Rule{
		{Pattern: "a", Endpoint: "http://a"},
		{Pattern: "a", Endpoint: "http://b"},
	})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
}

func TestTargetsAreDistinct(t *testing.T) {
	table := testTable(t)

	targets := table.Targets()
	require.Len(t, targets, 2)
	assert.Equal(t, "graph", targets[0].Name)
	assert.Equal(t, "http://graph:9003/status", targets[0].HealthURL)
	assert.Equal(t, "vision", targets[1].Name)
}
