package meshrepo

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/spaghettifunk/alaska-engine/engine/containers"
	"github.com/spaghettifunk/alaska-engine/engine/core"
)

// WaterMarks bounds how aggressively the worker dispatches requests,
// per spec.md §4.3.
type WaterMarks struct {
	LowWater  int
	HighWater int
}

// unavailableQueueCapacity bounds how many abandoned requests the worker
// retains for the registry's diagnostics drain — a ring rather than an
// unbounded slice, so a sustained run of exhausted-retry requests can't
// grow this without limit (the oldest entry is dropped to make room).
const unavailableQueueCapacity = 256

// Worker is the repo worker loop of spec.md §4.3: a dedicated goroutine
// that drains five request sources in priority order, dispatching cache
// reads and HTTP fetches under a high-water concurrency limit.
type Worker struct {
	cache   *Cache
	http    *HTTPClient
	parse   *ParsePool
	metrics *core.Metrics

	// waterMarks is read from the tick goroutine and written from a config
	// reload goroutine (Loader.Watch), hence the atomic pointer rather than
	// a plain field.
	waterMarks atomic.Pointer[WaterMarks]

	// headers is the cross-thread header map, written by the worker and
	// read by handlers running on the same goroutine (spec.md §5 keeps
	// handler execution on the worker's thread) but also consulted by the
	// registry's read-only lookups — hence xsync rather than a plain map.
	headers *xsync.MapOf[MeshID, *Header]

	// skinByID/decompByID are the worker's *private* copies described in
	// spec.md §9's shared-maps design note: the registry owns the
	// main-thread map, the worker owns this one, and eviction crosses over
	// via a posted closure rather than a shared mutex.
	skinByID   *xsync.MapOf[MeshID, []byte]
	decompByID *xsync.MapOf[MeshID, []byte]

	// volumeByID holds the Volume built for each mesh's most recently
	// parsed LOD (spec.md §4.5), consulted via VolumeFor.
	volumeByID *xsync.MapOf[MeshID, *Volume]

	mu         sync.Mutex
	sources    [sourceCount][]*Request
	incomplete [sourceCount][]*Request

	// unavailable retains requests that exhausted their retries, for the
	// registry's periodic diagnostics drain (spec.md §7 "Propagation").
	unavailable *containers.RingQueue[*Request]

	// pending is the pending-request table of spec.md §3: LOD requests
	// that arrived while a header fetch was already in flight for that
	// identifier.
	pendingMu sync.Mutex
	pending   map[MeshID][4]int
	headerInF map[MeshID]bool

	outstanding map[uint64]*handler

	// lodInFlight mirrors the count of outstanding LOD handlers, for
	// LODInFlight's cross-thread read (spec.md's LODProcessing gauge).
	lodInFlight int32

	signal chan struct{}
	work   *containers.WorkQueue

	completionQueue *completionQueue

	quitting chan struct{}
	quitOnce sync.Once

	seq uint64
}

// NewWorker builds a worker ready to be started with Run.
func NewWorker(cache *Cache, httpClient *HTTPClient, parsePool *ParsePool, metrics *core.Metrics, marks WaterMarks) *Worker {
	w := &Worker{
		cache:           cache,
		http:            httpClient,
		parse:           parsePool,
		metrics:         metrics,
		headers:         xsync.NewMapOf[MeshID, *Header](),
		skinByID:        xsync.NewMapOf[MeshID, []byte](),
		decompByID:      xsync.NewMapOf[MeshID, []byte](),
		volumeByID:      xsync.NewMapOf[MeshID, *Volume](),
		pending:         make(map[MeshID][4]int),
		headerInF:       make(map[MeshID]bool),
		outstanding:     make(map[uint64]*handler),
		signal:          make(chan struct{}, 1),
		work:            containers.NewWorkQueue(256),
		unavailable:     containers.NewRingQueue[*Request](unavailableQueueCapacity),
		completionQueue: newCompletionQueue(),
		quitting:        make(chan struct{}),
	}
	w.waterMarks.Store(&marks)
	return w
}

// SetWaterMarks retunes the worker's dispatch concurrency bound in place —
// the hook config.Loader's reload callback uses to push a live
// tunables reload (spec.md's supplemented "live tuning") into the running
// worker without a restart.
func (w *Worker) SetWaterMarks(marks WaterMarks) {
	w.waterMarks.Store(&marks)
}

func (w *Worker) clock() time.Time {
	return time.Now()
}

// Signal wakes the worker loop — called by the registry on new work, and
// internally on HTTP completion.
func (w *Worker) Signal() {
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

// Shutdown sets the quitting flag and wakes the worker so it can observe it
// promptly (spec.md §5 "Shutdown").
func (w *Worker) Shutdown() {
	w.quitOnce.Do(func() { close(w.quitting) })
	w.Signal()
}

// DrainCompletions returns every completion queued since the last drain, in
// FIFO order — the registry's entry point into the worker's completion
// queue (spec.md §5).
func (w *Worker) DrainCompletions() []Completion {
	return w.completionQueue.Drain()
}

// VolumeFor returns the Volume built from the most recently parsed LOD body
// for id, if any (spec.md §4.5).
func (w *Worker) VolumeFor(id MeshID) (*Volume, bool) {
	return w.volumeByID.Load(id)
}

// LODInFlight counts outstanding HTTP fetches currently dispatched for LOD
// bodies — the registry's source for the LODProcessing gauge. Tracked with
// its own atomic counter rather than scanning w.outstanding, since that map
// is touched only from the tick goroutine while this is read cross-thread
// from the registry (render loop).
func (w *Worker) LODInFlight() int {
	return int(atomic.LoadInt32(&w.lodInFlight))
}

func (w *Worker) isQuitting() bool {
	select {
	case <-w.quitting:
		return true
	default:
		return false
	}
}

// Enqueue pushes a request onto the named source queue and wakes the
// worker.
func (w *Worker) enqueue(source Source, req *Request) {
	w.mu.Lock()
	w.sources[source] = append(w.sources[source], req)
	w.mu.Unlock()
	w.Signal()
}

// RequestHeader enqueues a header fetch for id, coalescing with any header
// fetch already in flight for the same identifier (spec.md §3 "Pending-
// request table" invariant).
func (w *Worker) RequestHeader(id MeshID) {
	w.pendingMu.Lock()
	inFlight := w.headerInF[id]
	if !inFlight {
		w.headerInF[id] = true
	}
	w.pendingMu.Unlock()
	if inFlight {
		return
	}
	w.seq++
	w.enqueue(SourceHeader, NewRequest(id, -1, w.seq))
}

// RequestLOD enqueues a LOD fetch, or — if a header fetch for id is
// currently in flight — coalesces into the pending-request table to be
// issued once the header lands (spec.md §3/§4.4).
func (w *Worker) RequestLOD(id MeshID, lod int) {
	w.pendingMu.Lock()
	if w.headerInF[id] {
		counts := w.pending[id]
		counts[lod]++
		w.pending[id] = counts
		w.pendingMu.Unlock()
		return
	}
	w.pendingMu.Unlock()
	w.seq++
	w.enqueue(SourceLOD, NewRequest(id, lod, w.seq))
}

// Run executes the wait-and-drain loop of spec.md §4.3 until Shutdown is
// called. Intended to run on its own goroutine for the process lifetime.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-w.quitting:
			w.shutdownSweep()
			return
		case <-w.signal:
		case <-time.After(50 * time.Millisecond):
			// Periodic wake even without an explicit signal, so
			// deadline-based retries make progress.
		}
		if w.isQuitting() {
			w.shutdownSweep()
			return
		}
		w.tick(ctx)
	}
}

// shutdownSweep releases every handler still outstanding when the worker
// stops — the real caller of the "handler destruction safety net" of
// spec.md §4.7 (releaseHandler's re-enqueue branches were otherwise
// unreachable, since processCompletion always marks a handler processed
// before releasing it). A re-enqueued header/LOD request is left sitting on
// its source queue; it matters if the worker is ever restarted against the
// same cache/registry rather than torn down for good.
func (w *Worker) shutdownSweep() {
	for _, h := range w.outstanding {
		w.releaseHandler(h)
	}
}

// tick runs one iteration of the loop body: drain the work queue, pump
// HTTP completions, then walk the five sources in priority order.
func (w *Worker) tick(ctx context.Context) {
	deadline := time.Now().Add(8 * time.Millisecond)
	w.work.DrainFor(func() bool { return time.Now().After(deadline) || w.isQuitting() })

	w.pumpCompletions()

	order := [sourceCount]Source{SourceSkin, SourceLOD, SourceHeader, SourceDecomposition, SourcePhysicsShape}
	for _, source := range order {
		w.drainSource(ctx, source)
	}

	for s := range w.incomplete {
		if len(w.incomplete[s]) == 0 {
			continue
		}
		w.mu.Lock()
		w.sources[s] = append(w.sources[s], w.incomplete[s]...)
		w.mu.Unlock()
		w.incomplete[s] = w.incomplete[s][:0]
	}
}

func (w *Worker) pumpCompletions() {
	for {
		select {
		case c := <-w.http.Completions():
			h, ok := w.outstanding[c.handle]
			if !ok {
				continue
			}
			w.processCompletion(h, c.result)
		default:
			return
		}
	}
}

func (w *Worker) popSource(source Source) (*Request, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	q := w.sources[source]
	if len(q) == 0 {
		return nil, false
	}
	req := q[0]
	w.sources[source] = q[1:]
	return req, true
}

func (w *Worker) drainSource(ctx context.Context, source Source) {
	marks := w.waterMarks.Load()
	for len(w.outstanding) < marks.HighWater {
		req, ok := w.popSource(source)
		if !ok {
			return
		}
		now := w.clock()
		if !req.Ready(now) {
			w.incomplete[source] = append(w.incomplete[source], req)
			continue
		}
		if !w.attempt(ctx, source, req) {
			// Lane saturated (golang.org/x/sync/semaphore.Weighted denied
			// the slot) — put the request back and stop draining this
			// source for the tick; it retries once a slot frees up.
			w.incomplete[source] = append(w.incomplete[source], req)
			return
		}
	}
}

// attempt performs one fetch attempt (cache-first, then HTTP) for the
// request, per spec.md §4.3 step 4. Returns false if the attempt could not
// be dispatched this pass because its lane's concurrency gate is full.
func (w *Worker) attempt(ctx context.Context, source Source, req *Request) bool {
	switch source {
	case SourceHeader:
		return w.fetchHeader(ctx, req)
	case SourceLOD:
		return w.fetchSection(ctx, req, LODSection(req.LOD))
	case SourceSkin:
		return w.fetchSection(ctx, req, SectionSkin)
	case SourceDecomposition:
		return w.fetchSection(ctx, req, SectionPhysicsConvex)
	case SourcePhysicsShape:
		return w.fetchPhysicsShape(ctx, req)
	}
	return true
}

// retryOrAbandon bumps the request's retry counter and re-queues it, or —
// past the retry limit — pushes it to the unavailable queue. h is optional;
// when present and its completion carried a Retry-After value, that value
// overrides the computed backoff for this attempt only (spec.md's
// supplemented "Retry-After honoring").
func (w *Worker) retryOrAbandon(source Source, req *Request, cause error, h *handler) {
	now := w.clock()
	if req.BumpRetry(now) {
		if h != nil && h.retryAfterOK {
			req.Deadline = now.Add(h.retryAfter)
		}
		if w.metrics != nil {
			w.metrics.HTTPRetryCount.Inc()
		}
		w.incomplete[source] = append(w.incomplete[source], req)
		return
	}
	core.LogWarn("request exhausted retries, abandoning: id=%s source=%s err=%v", req.ID, source, cause)
	if err := w.unavailable.Enqueue(req); err != nil {
		// Ring full: drop the oldest abandoned request to make room rather
		// than lose this one, since it's the most recently observed failure.
		_, _ = w.unavailable.Dequeue()
		_ = w.unavailable.Enqueue(req)
	}
	if source == SourceHeader {
		// A header fetch that exhausts its retries must be treated like a
		// terminal 404: otherwise headerInF/pending never clear and the id
		// is stuck forever (RequestHeader/RequestLOD both short-circuit on
		// an in-flight header that will never complete).
		w.onHeaderFailedTerminal(req.ID)
		return
	}
	w.completionQueue.pushUnavailable(req.ID, req.LOD)
}

// DrainUnavailable returns every request abandoned since the last drain, in
// FIFO order, for the registry's diagnostics (spec.md §7 "Propagation").
func (w *Worker) DrainUnavailable() []*Request {
	var drained []*Request
	for {
		req, err := w.unavailable.Dequeue()
		if err != nil {
			return drained
		}
		drained = append(drained, req)
	}
}
