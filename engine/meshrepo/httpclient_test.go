package meshrepo

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/spaghettifunk/alaska-engine/engine/core"
)

func TestParseContentRangeStart(t *testing.T) {
	start, ok := parseContentRangeStart("bytes 1024-2047/4096")
	assert.True(t, ok)
	assert.Equal(t, 1024, start)

	_, ok = parseContentRangeStart("")
	assert.False(t, ok)

	_, ok = parseContentRangeStart("garbage")
	assert.False(t, ok)
}

func TestClassifyStatus(t *testing.T) {
	assert.Equal(t, core.ErrKindNotFound, core.KindOf(classifyStatus(404)))
	assert.Equal(t, core.ErrKindTransient, core.KindOf(classifyStatus(503)))
	assert.Equal(t, core.ErrKindTransient, core.KindOf(classifyStatus(500)))
}

func TestLaneForThreshold(t *testing.T) {
	assert.Equal(t, LaneSmall, LaneFor(LargeSectionThreshold-1))
	assert.Equal(t, LaneLarge, LaneFor(LargeSectionThreshold))
}

func TestMaxInFlightByLane(t *testing.T) {
	assert.Equal(t, ModernLaneMaxInFlight, MaxInFlight(LaneSmall))
	assert.Equal(t, ModernLaneMaxInFlight, MaxInFlight(LaneLarge))
	assert.Equal(t, LegacyLaneMaxInFlight, MaxInFlight(LaneLegacy))
}
