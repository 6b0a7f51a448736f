package meshrepo

import (
	"sync"
	"time"

	"github.com/spaghettifunk/alaska-engine/engine/core"
)

// dispatchBudget is the pending-queue length above which dispatchPending
// recomputes scores and re-sorts (§4.1); how many requests one call pushes
// to the worker is bounded by the worker's HighWater instead.
const dispatchBudget = 64

// evictionInterval is how often the registry walks the skin map looking for
// entries whose only holder is the cache itself (spec.md §4.9).
const evictionInterval = 10 * time.Second

// loadingKey is the (LOD, identifier) pair the loading table of spec.md §3
// is keyed by. LOD -1 addresses skin/header/physics-shape waiters.
type loadingKey struct {
	ID  MeshID
	LOD int
}

// skinEntry / decompEntry carry a reference count alongside the parsed
// descriptor so the registry's periodic eviction (spec.md §4.9) can tell a
// cache-only holder from an externally referenced one.
type skinEntry struct {
	data     []byte
	refCount int32
}

type decompEntry struct {
	data     []byte
	refCount int32
}

// Registry is the single-threaded front-end API of spec.md §4.9, invoked
// exclusively from the render loop. It owns every main-thread-only map
// without locking, per spec.md's shared-resource policy.
type Registry struct {
	worker  *Worker
	decomp  *PhysicsDecomposer
	uploads *UploadPipeline
	metrics *core.Metrics
	capURL  *capabilityURLs

	loading map[loadingKey]map[SceneObject]struct{}

	skinMap  map[MeshID]*skinEntry
	decompMp map[MeshID]*decompEntry

	pending []*Request
	bySeq   map[loadingKey]*Request

	seq uint64

	quitting  bool
	lastEvict time.Time

	mu sync.Mutex // guards pending/bySeq only; everything else is render-thread-only
}

// NewRegistry wires a registry around an already-running worker, physics
// decomposer and upload pipeline.
func NewRegistry(worker *Worker, decomp *PhysicsDecomposer, uploads *UploadPipeline, metrics *core.Metrics) *Registry {
	r := &Registry{
		worker:    worker,
		decomp:    decomp,
		uploads:   uploads,
		metrics:   metrics,
		capURL:    newCapabilityURLs(),
		loading:   make(map[loadingKey]map[SceneObject]struct{}),
		skinMap:   make(map[MeshID]*skinEntry),
		decompMp:  make(map[MeshID]*decompEntry),
		bySeq:     make(map[loadingKey]*Request),
		lastEvict: time.Now(),
	}
	core.EventRegister(core.EVENT_CODE_MESH_UNAVAILABLE, r, r.onMeshUnavailable)
	return r
}

// onMeshUnavailable counts every mesh-unavailable notification fired by this
// (or, in a future multi-registry build, another) registry, so the event bus
// does more than dispatch to nobody.
func (r *Registry) onMeshUnavailable(code core.SystemEventCode, sender interface{}, listenerInst interface{}, data core.EventContext) bool {
	if r.metrics != nil {
		r.metrics.MeshUnavailableCount.Inc()
	}
	return false
}

// LoadMesh implements spec.md §4.9: records the request, returns the best
// LOD already parsed and usable so the renderer has something to draw
// meanwhile. Searches last_lod first, then lower LODs, then higher.
func (r *Registry) LoadMesh(obj SceneObject, id MeshID, newLOD, lastLOD int, available func(lod int) bool) int {
	key := loadingKey{ID: id, LOD: newLOD}
	set, ok := r.loading[key]
	if !ok {
		set = make(map[SceneObject]struct{})
		r.loading[key] = set
	}
	set[obj] = struct{}{}

	if req, ok := r.bySeq[key]; ok {
		req.AddObject(obj)
	} else {
		r.mu.Lock()
		r.seq++
		req := NewRequest(id, newLOD, r.seq)
		req.AddObject(obj)
		r.pending = append(r.pending, req)
		r.bySeq[key] = req
		r.mu.Unlock()
		if r.metrics != nil {
			r.metrics.MeshRequestCount.Inc()
		}
	}

	return bestAvailableLOD(lastLOD, available)
}

// bestAvailableLOD searches last_lod first, then lower LODs, then higher,
// per spec.md §4.9.
func bestAvailableLOD(lastLOD int, available func(lod int) bool) int {
	if lastLOD >= 0 && lastLOD <= 3 && available(lastLOD) {
		return lastLOD
	}
	for lod := lastLOD - 1; lod >= 0; lod-- {
		if available(lod) {
			return lod
		}
	}
	for lod := lastLOD + 1; lod <= 3; lod++ {
		if available(lod) {
			return lod
		}
	}
	return -1
}

// UnregisterMesh removes the object from every loading entry it appears in.
func (r *Registry) UnregisterMesh(obj SceneObject) {
	for key, set := range r.loading {
		delete(set, obj)
		if len(set) == 0 {
			delete(r.loading, key)
		}
	}
}

// NotifyLoadedMeshes implements spec.md §4.9: called every frame. Drains
// completions, periodically evicts skin-map entries, and feeds pending
// requests to the worker up to the high-water mark. It does not touch
// capability URLs; OnRegionChanged is the only place they are updated.
func (r *Registry) NotifyLoadedMeshes(now time.Time) {
	r.drainCompletions()
	r.drainUnavailable()
	r.dispatchPending()
	r.reportLODGauges()

	if now.Sub(r.lastEvict) >= evictionInterval {
		r.evictSkinMap()
		r.lastEvict = now
	}
}

// reportLODGauges keeps the LODPending/LODProcessing gauges live: the
// dispatch-queue depth versus what the worker currently has in flight over
// HTTP, per frame.
func (r *Registry) reportLODGauges() {
	if r.metrics == nil {
		return
	}
	r.mu.Lock()
	lodPending := 0
	for _, req := range r.pending {
		if req.LOD >= 0 {
			lodPending++
		}
	}
	r.mu.Unlock()
	r.metrics.LODPending.Set(float64(lodPending))
	r.metrics.LODProcessing.Set(float64(r.worker.LODInFlight()))
}

// drainUnavailable logs every request the worker abandoned since the last
// drain — the registry's window into the worker's bounded retry-exhaustion
// queue (spec.md §7 "Propagation").
func (r *Registry) drainUnavailable() {
	for _, req := range r.worker.DrainUnavailable() {
		core.LogWarn("request abandoned after exhausting retries: id=%s lod=%d", req.ID, req.LOD)
	}
}

func (r *Registry) drainCompletions() {
	for _, c := range r.worker.DrainCompletions() {
		switch c.Kind {
		case completionSection:
			r.deliverSection(c)
		case completionUnavailable:
			r.notifyUnavailable(c.MeshID, c.LOD)
		case completionMeshUnavailable:
			core.LogInfo("mesh confirmed unavailable: id=%s", c.MeshID)
			for lod := 0; lod <= 3; lod++ {
				r.notifyUnavailable(c.MeshID, lod)
			}
		}
	}
}

func (r *Registry) deliverSection(c Completion) {
	if c.Section == SectionSkin {
		entry := r.skinMap[c.MeshID]
		if entry == nil {
			entry = &skinEntry{}
			r.skinMap[c.MeshID] = entry
		}
		entry.data = c.Data
		return
	}
	if c.Section == SectionPhysicsConvex || c.Section == SectionPhysicsMesh {
		entry := r.decompMp[c.MeshID]
		if entry == nil {
			entry = &decompEntry{}
			r.decompMp[c.MeshID] = entry
		}
		entry.data = c.Data
		return
	}

	lod, isLOD := c.Section.LOD()
	if !isLOD {
		return
	}
	key := loadingKey{ID: c.MeshID, LOD: lod}
	for obj := range r.loading[key] {
		_ = obj // notification contract is renderer-side, out of scope
	}
	delete(r.loading, key)
	delete(r.bySeq, key)
}

// notifyUnavailable drops the loading-table and request entries for
// (id, lod) and fires EVENT_CODE_MESH_UNAVAILABLE with the mesh id. Waiting
// scene objects are not notified and no lower LOD is substituted.
func (r *Registry) notifyUnavailable(id MeshID, lod int) {
	key := loadingKey{ID: id, LOD: lod}
	delete(r.loading, key)
	delete(r.bySeq, key)
	ctx := core.EventContext{}
	ctx.Data.Str[0] = id.String()
	core.EventFire(core.EVENT_CODE_MESH_UNAVAILABLE, r, ctx)
}

// dispatchPending recomputes scores only once the pending queue exceeds
// the dispatch budget (spec.md §4.1), then feeds the top-N into the
// worker's queues up to the high-water mark.
func (r *Registry) dispatchPending() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.pending) == 0 {
		return
	}
	if len(r.pending) > dispatchBudget {
		for _, req := range r.pending {
			req.Rescore()
		}
		SortByScoreDesc(r.pending)
	}

	budget := r.worker.waterMarks.Load().HighWater
	n := len(r.pending)
	if n > budget {
		n = budget
	}
	dispatch := r.pending[:n]
	r.pending = r.pending[n:]

	for _, req := range dispatch {
		if req.LOD < 0 {
			continue
		}
		r.worker.RequestLOD(req.ID, req.LOD)
	}
}

// GetSkinInfo returns the cached skin descriptor, triggering a fetch if
// absent (spec.md §4.9).
func (r *Registry) GetSkinInfo(id MeshID, obj SceneObject) []byte {
	if entry, ok := r.skinMap[id]; ok {
		entry.refCount++
		return entry.data
	}
	r.worker.enqueue(SourceSkin, NewRequest(id, -1, r.nextSeq()))
	return nil
}

func (r *Registry) nextSeq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	return r.seq
}

// HasHeader/HasSkinInfo/HasPhysicsShape are the cheap lookups of spec.md
// §4.9.
func (r *Registry) HasHeader(id MeshID) bool {
	_, ok := r.worker.headers.Load(id)
	return ok
}

func (r *Registry) HasSkinInfo(id MeshID) bool {
	entry, ok := r.skinMap[id]
	return ok && entry.data != nil
}

func (r *Registry) HasPhysicsShape(id MeshID) bool {
	entry, ok := r.decompMp[id]
	return ok && entry.data != nil
}

// FetchPhysicsShape enqueues a decomposition or physics-shape request.
func (r *Registry) FetchPhysicsShape(id MeshID) {
	header, ok := r.worker.headers.Load(id)
	if ok && header.SectionPresent(SectionPhysicsMesh) {
		r.worker.enqueue(SourcePhysicsShape, NewRequest(id, -1, r.nextSeq()))
		return
	}
	r.worker.enqueue(SourceDecomposition, NewRequest(id, -1, r.nextSeq()))
}

// evictSkinMap walks the skin map; entries with no external strong holder
// (refCount <= 0) are removed from both the main-thread map and, via a
// posted closure, the worker's private copy (spec.md §4.9).
func (r *Registry) evictSkinMap() {
	for id, entry := range r.skinMap {
		if entry.refCount > 0 {
			continue
		}
		delete(r.skinMap, id)
		r.worker.work.Push(func() {
			r.worker.skinByID.Delete(id)
		})
	}
}

// capabilityURLs holds the three transport preferences of spec.md §4.9 in
// their preference order: modern, legacy-v2, legacy-v1.
type capabilityURLs struct {
	mu       sync.Mutex
	modern   string
	legacyV2 string
	legacyV1 string
}

func newCapabilityURLs() *capabilityURLs {
	return &capabilityURLs{}
}

// Preferred returns the highest-preference URL configured, per the
// three-entry ordered capability list spec.md's supplemented features
// section describes.
func (c *capabilityURLs) Preferred() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.modern != "" {
		return c.modern, true
	}
	if c.legacyV2 != "" {
		return c.legacyV2, true
	}
	if c.legacyV1 != "" {
		return c.legacyV1, true
	}
	return "", false
}

// Shutdown sets the quitting flag and signals every worker, per spec.md
// §5: "the registry sets a quitting flag and broadcasts each worker's
// condition variable".
func (r *Registry) Shutdown() {
	r.quitting = true
	r.worker.Shutdown()
	r.decomp.Shutdown()
	r.uploads.Shutdown()
	core.EventFire(core.EVENT_CODE_APPLICATION_QUIT, r, core.EventContext{})
}

// OnRegionChanged stores the new capability URLs in the registry's own
// capabilityURLs under its mutex and fires EVENT_CODE_REGION_CHANGED. The
// worker is not updated: its HTTP client keeps the URL builder it was
// constructed with.
func (r *Registry) OnRegionChanged(modern, legacyV2, legacyV1 string) {
	r.capURL.mu.Lock()
	r.capURL.modern = modern
	r.capURL.legacyV2 = legacyV2
	r.capURL.legacyV1 = legacyV1
	r.capURL.mu.Unlock()

	ctx := core.EventContext{}
	ctx.Data.Str[0] = modern
	core.EventFire(core.EVENT_CODE_REGION_CHANGED, r, ctx)
}
