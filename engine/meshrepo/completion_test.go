package meshrepo

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompletionQueueFIFOOrder(t *testing.T) {
	q := newCompletionQueue()
	idA, idB := uuid.New(), uuid.New()

	q.deliverSection(idA, SectionLOD0, []byte("a"))
	q.pushUnavailable(idB, 1)
	q.pushMeshUnavailable(idA)

	drained := q.Drain()
	require.Len(t, drained, 3)
	assert.Equal(t, completionSection, drained[0].Kind)
	assert.Equal(t, completionUnavailable, drained[1].Kind)
	assert.Equal(t, completionMeshUnavailable, drained[2].Kind)
}

func TestCompletionQueueDrainEmpties(t *testing.T) {
	q := newCompletionQueue()
	q.pushMeshUnavailable(uuid.New())

	first := q.Drain()
	assert.Len(t, first, 1)

	second := q.Drain()
	assert.Empty(t, second)
}

func TestSectionLODRoundTrip(t *testing.T) {
	for lod := 0; lod <= 3; lod++ {
		s := LODSection(lod)
		got, ok := s.LOD()
		assert.True(t, ok)
		assert.Equal(t, lod, got)
	}

	_, ok := SectionSkin.LOD()
	assert.False(t, ok)
}
