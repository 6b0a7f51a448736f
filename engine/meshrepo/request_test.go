package meshrepo

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeObject struct {
	radius      float32
	distance    float32
	rigged      bool
	dataPending bool
}

func (f *fakeObject) BoundingRadius() float32   { return f.radius }
func (f *fakeObject) DistanceToCamera() float32 { return f.distance }
func (f *fakeObject) IsRigged() bool            { return f.rigged }
func (f *fakeObject) IsAvatarDataPending() bool { return f.dataPending }

func TestRequestReady(t *testing.T) {
	req := NewRequest(uuid.New(), 2, 1)
	assert.True(t, req.Ready(time.Now()), "a fresh request is ready immediately")
}

func TestRequestBumpRetryBackoff(t *testing.T) {
	req := NewRequest(uuid.New(), 0, 1)
	now := time.Now()

	ok := req.BumpRetry(now)
	require.True(t, ok)
	assert.Equal(t, 1, req.Retries)
	assert.Equal(t, now.Add(500*time.Millisecond), req.Deadline)

	ok = req.BumpRetry(now)
	require.True(t, ok)
	assert.Equal(t, now.Add(1*time.Second), req.Deadline)
}

func TestRequestBumpRetryExhausted(t *testing.T) {
	req := NewRequest(uuid.New(), 0, 1)
	now := time.Now()
	for i := 0; i < MaxRetries; i++ {
		require.True(t, req.BumpRetry(now))
	}
	assert.False(t, req.BumpRetry(now), "the 9th attempt exceeds MaxRetries")
}

func TestComputeScoreDistanceClamp(t *testing.T) {
	close := &fakeObject{radius: 10, distance: 0.1}
	far := &fakeObject{radius: 10, distance: 100}

	closeScore := computeScore([]SceneObject{close})
	farScore := computeScore([]SceneObject{far})

	assert.Equal(t, float32(10), closeScore, "distance below 1 clamps to 1")
	assert.InDelta(t, 0.1, farScore, 1e-6)
}

func TestComputeScoreRiggedPendingPenalty(t *testing.T) {
	base := &fakeObject{radius: 10, distance: 10}
	pending := &fakeObject{radius: 10, distance: 10, rigged: true, dataPending: true}

	baseScore := computeScore([]SceneObject{base})
	pendingScore := computeScore([]SceneObject{pending})

	assert.InDelta(t, baseScore*0.9, pendingScore, 1e-6)
}

func TestComputeScoreNoObjects(t *testing.T) {
	assert.Equal(t, float32(0), computeScore(nil))
}

func TestComputeScoreBestOfMany(t *testing.T) {
	far := &fakeObject{radius: 10, distance: 100}
	near := &fakeObject{radius: 10, distance: 10}
	score := computeScore([]SceneObject{far, near})
	assert.InDelta(t, 1.0, score, 1e-6, "score takes the best (max) across objects")
}

func TestSortByScoreDescTieBreak(t *testing.T) {
	a := &Request{Score: 5, seq: 2}
	b := &Request{Score: 5, seq: 1}
	c := &Request{Score: 9, seq: 3}
	reqs := []*Request{a, b, c}

	SortByScoreDesc(reqs)

	require.Len(t, reqs, 3)
	assert.Same(t, c, reqs[0], "highest score first")
	assert.Same(t, b, reqs[1], "equal score breaks on insertion order")
	assert.Same(t, a, reqs[2])
}

func TestRequestAddObjectDeduplicates(t *testing.T) {
	req := NewRequest(uuid.New(), 0, 1)
	obj := &fakeObject{}
	req.AddObject(obj)
	req.AddObject(obj)
	assert.Len(t, req.Objects(), 1)
}
