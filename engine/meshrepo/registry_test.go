package meshrepo

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) (*Registry, *Worker) {
	t.Helper()
	srv := httptest.NewServer(nil)
	srv.Close() // never actually dialed by these tests
	w := newTestWorker(t, srv)
	decomp := NewPhysicsDecomposer()
	t.Cleanup(decomp.Shutdown)
	uploads := NewUploadPipeline(decomp)
	t.Cleanup(uploads.Shutdown)
	r := NewRegistry(w, decomp, uploads, nil)
	return r, w
}

func TestBestAvailableLODSearchesLastThenLowerThenHigher(t *testing.T) {
	available := map[int]bool{1: true}
	pred := func(lod int) bool { return available[lod] }

	assert.Equal(t, 1, bestAvailableLOD(1, pred), "last_lod itself is available")

	available = map[int]bool{0: true}
	assert.Equal(t, 0, bestAvailableLOD(2, pred), "falls back to a lower LOD first")

	available = map[int]bool{3: true}
	assert.Equal(t, 3, bestAvailableLOD(1, pred), "falls forward to a higher LOD when nothing lower is available")

	available = map[int]bool{}
	assert.Equal(t, -1, bestAvailableLOD(1, pred), "nothing available at all")
}

func TestLoadMeshCoalescesRequestsForSameKey(t *testing.T) {
	r, _ := newTestRegistry(t)
	id := uuid.New()
	objA := &fakeObject{radius: 1, distance: 10}
	objB := &fakeObject{radius: 1, distance: 10}

	none := func(int) bool { return false }
	r.LoadMesh(objA, id, 2, -1, none)
	r.LoadMesh(objB, id, 2, -1, none)

	key := loadingKey{ID: id, LOD: 2}
	req, ok := r.bySeq[key]
	require.True(t, ok)
	assert.Len(t, req.Objects(), 2, "a second LoadMesh for the same (id, lod) coalesces onto the same request")
	assert.Len(t, r.pending, 1, "only one Request was ever pushed onto the pending queue")
}

func TestLoadMeshReturnsBestAvailableLOD(t *testing.T) {
	r, _ := newTestRegistry(t)
	id := uuid.New()
	obj := &fakeObject{radius: 1, distance: 10}

	got := r.LoadMesh(obj, id, 2, 1, func(lod int) bool { return lod == 1 })
	assert.Equal(t, 1, got)
}

func TestUnregisterMeshRemovesObjectFromLoading(t *testing.T) {
	r, _ := newTestRegistry(t)
	id := uuid.New()
	obj := &fakeObject{}
	r.LoadMesh(obj, id, 0, -1, func(int) bool { return false })

	key := loadingKey{ID: id, LOD: 0}
	require.Contains(t, r.loading, key)

	r.UnregisterMesh(obj)
	assert.NotContains(t, r.loading, key, "the only holder leaving empties and removes the loading entry")
}

func TestDispatchPendingFeedsWorkerUpToHighWater(t *testing.T) {
	r, w := newTestRegistry(t)
	none := func(int) bool { return false }
	for i := 0; i < 3; i++ {
		obj := &fakeObject{radius: 1, distance: float32(i + 1)}
		r.LoadMesh(obj, uuid.New(), 0, -1, none)
	}
	require.Len(t, r.pending, 3)

	r.dispatchPending()

	assert.Empty(t, r.pending, "every pending request fits under the high-water budget")
	w.mu.Lock()
	dispatched := len(w.sources[SourceLOD])
	w.mu.Unlock()
	assert.Equal(t, 3, dispatched)
}

func TestDispatchPendingSkipsNegativeLOD(t *testing.T) {
	r, w := newTestRegistry(t)
	id := uuid.New()
	obj := &fakeObject{radius: 1, distance: 1}
	r.LoadMesh(obj, id, -1, -1, func(int) bool { return false })

	r.dispatchPending()

	w.mu.Lock()
	dispatched := len(w.sources[SourceLOD])
	w.mu.Unlock()
	assert.Zero(t, dispatched, "a request carrying LOD -1 (skin/header/physics-only) is never fed to RequestLOD")
}

func TestGetSkinInfoEnqueuesOnMissThenServesFromMap(t *testing.T) {
	r, w := newTestRegistry(t)
	id := uuid.New()
	obj := &fakeObject{}

	data := r.GetSkinInfo(id, obj)
	assert.Nil(t, data, "first call has nothing cached yet")

	w.mu.Lock()
	queued := len(w.sources[SourceSkin])
	w.mu.Unlock()
	assert.Equal(t, 1, queued, "a miss enqueues a skin fetch")

	r.skinMap[id] = &skinEntry{data: []byte("skin-bytes")}
	data = r.GetSkinInfo(id, obj)
	assert.Equal(t, "skin-bytes", string(data))
	assert.EqualValues(t, 1, r.skinMap[id].refCount, "a hit bumps the reference count")
}

func TestHasHeaderSkinPhysicsLookups(t *testing.T) {
	r, w := newTestRegistry(t)
	id := uuid.New()
	assert.False(t, r.HasHeader(id))
	assert.False(t, r.HasSkinInfo(id))
	assert.False(t, r.HasPhysicsShape(id))

	w.headers.Store(id, newHeader(id))
	assert.True(t, r.HasHeader(id))

	r.skinMap[id] = &skinEntry{data: []byte("x")}
	assert.True(t, r.HasSkinInfo(id))

	r.decompMp[id] = &decompEntry{data: []byte("y")}
	assert.True(t, r.HasPhysicsShape(id))
}

func TestFetchPhysicsShapeRoutesByHeaderPresence(t *testing.T) {
	r, w := newTestRegistry(t)

	noHeader := uuid.New()
	r.FetchPhysicsShape(noHeader)
	w.mu.Lock()
	decompQueued := len(w.sources[SourceDecomposition])
	w.mu.Unlock()
	assert.Equal(t, 1, decompQueued, "no header means fall back to client-side decomposition")

	withMesh := uuid.New()
	h := newHeader(withMesh)
	h.Sections[SectionPhysicsMesh] = sectionRange{Offset: 0, Size: 64}
	w.headers.Store(withMesh, h)
	r.FetchPhysicsShape(withMesh)
	w.mu.Lock()
	shapeQueued := len(w.sources[SourcePhysicsShape])
	w.mu.Unlock()
	assert.Equal(t, 1, shapeQueued, "a header advertising a physics mesh section fetches it directly")
}

func TestEvictSkinMapRemovesOnlyUnreferencedEntries(t *testing.T) {
	r, w := newTestRegistry(t)
	held := uuid.New()
	unheld := uuid.New()
	r.skinMap[held] = &skinEntry{data: []byte("a"), refCount: 1}
	r.skinMap[unheld] = &skinEntry{data: []byte("b"), refCount: 0}

	r.evictSkinMap()

	assert.Contains(t, r.skinMap, held)
	assert.NotContains(t, r.skinMap, unheld)
}

func TestCapabilityURLsPreferredOrder(t *testing.T) {
	c := newCapabilityURLs()
	_, ok := c.Preferred()
	assert.False(t, ok, "nothing configured yet")

	c.legacyV1 = "v1"
	got, ok := c.Preferred()
	require.True(t, ok)
	assert.Equal(t, "v1", got)

	c.legacyV2 = "v2"
	got, _ = c.Preferred()
	assert.Equal(t, "v2", got, "v2 outranks v1")

	c.modern = "modern"
	got, _ = c.Preferred()
	assert.Equal(t, "modern", got, "modern outranks both legacy tiers")
}

func TestNotifyLoadedMeshesRunsPeriodicEviction(t *testing.T) {
	r, _ := newTestRegistry(t)
	id := uuid.New()
	r.skinMap[id] = &skinEntry{data: []byte("x"), refCount: 0}
	r.lastEvict = time.Now().Add(-2 * evictionInterval)

	r.NotifyLoadedMeshes(time.Now())

	assert.NotContains(t, r.skinMap, id, "an overdue eviction pass removes the unreferenced entry")
}
