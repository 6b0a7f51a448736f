package meshrepo

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/spaghettifunk/alaska-engine/engine/core"
)

// HandlerKind is the tag of the five handler variants spec.md §9 asks to be
// modelled as one tagged sum rather than five separate types.
type HandlerKind int

const (
	HandlerHeader HandlerKind = iota
	HandlerLOD
	HandlerSkin
	HandlerDecomposition
	HandlerPhysicsShape
)

func (k HandlerKind) String() string {
	switch k {
	case HandlerHeader:
		return "header"
	case HandlerLOD:
		return "lod"
	case HandlerSkin:
		return "skin"
	case HandlerDecomposition:
		return "decomposition"
	case HandlerPhysicsShape:
		return "physics_shape"
	default:
		return "unknown_handler"
	}
}

// handler is the shared envelope for every in-flight HTTP fetch the worker
// owns, plus the variant-specific fields (spec.md §9 "Handler
// polymorphism"). It implements the "handler destruction safety net" of
// spec.md §4.7 via releaseHandler, driven either by a normal completion
// (processCompletion) or by Worker.shutdownSweep when the worker stops
// with fetches still outstanding.
type handler struct {
	kind HandlerKind

	req    *Request
	handle uint64

	offset int
	length int

	processed bool

	retryAfter   time.Duration
	retryAfterOK bool
}

// newHandler builds a handler for the given request/section and records
// the requested byte range so processCompletion can validate the
// content-range math of spec.md §4.7.
func newHandler(kind HandlerKind, req *Request, offset, length int) *handler {
	return &handler{kind: kind, req: req, offset: offset, length: length}
}

// processCompletion implements spec.md §4.7's common response-handling
// logic, then dispatches to the variant's data/failure path by tag.
func (w *Worker) processCompletion(h *handler, result FetchResult) {
	h.processed = true
	defer w.releaseHandler(h)

	if result.Err != nil {
		// Retry-After, when present, overrides the computed backoff for
		// this attempt only — spec.md's supplemented "Retry-After
		// honoring". The override is applied after the worker bumps the
		// retry counter, so it wins over the computed deadline.
		h.retryAfter = result.RetryAfter
		h.retryAfterOK = result.RetryAfterOK
		w.handlerFailure(h, result.Err)
		return
	}

	var body []byte
	if result.Partial {
		// No Content-Range: the response covers exactly what was requested.
		responseOffset := h.offset
		if result.RangeKnown {
			responseOffset = result.RangeStart
		}
		bodyOffset := h.offset - responseOffset
		if bodyOffset < 0 || bodyOffset > len(result.Body) {
			w.handlerFailure(h, fmt.Errorf("%w: content-range does not overlap request", core.ErrTransient))
			return
		}
		end := bodyOffset + h.length
		if end > len(result.Body) {
			end = len(result.Body)
		}
		body = result.Body[bodyOffset:end]
	} else {
		// Full 200: the whole asset, the requested slice starts at 0
		// only when offset==0; otherwise slice out the requested range.
		bodyOffset := h.offset
		if bodyOffset > len(result.Body) {
			w.handlerFailure(h, fmt.Errorf("%w: content-range does not overlap request", core.ErrTransient))
			return
		}
		end := bodyOffset + h.length
		if end > len(result.Body) {
			end = len(result.Body)
		}
		body = result.Body[bodyOffset:end]
	}

	w.handlerSuccess(h, body)
}

// handlerSuccess dispatches to the variant's data path.
func (w *Worker) handlerSuccess(h *handler, body []byte) {
	switch h.kind {
	case HandlerHeader:
		w.onHeaderData(h.req.ID, body)
	case HandlerLOD:
		lod, _ := sectionFromHandler(h)
		w.onSectionData(h.req, LODSection(lod), body, true)
	case HandlerSkin:
		w.onSectionData(h.req, SectionSkin, body, true)
	case HandlerDecomposition:
		w.onSectionData(h.req, SectionPhysicsConvex, body, true)
	case HandlerPhysicsShape:
		w.onSectionData(h.req, SectionPhysicsMesh, body, true)
	}
}

// handlerFailure dispatches to the variant's failure path.
func (w *Worker) handlerFailure(h *handler, err error) {
	switch h.kind {
	case HandlerHeader:
		w.onHeaderFailure(h, err)
	case HandlerLOD:
		lod, _ := sectionFromHandler(h)
		w.onSectionFailure(h, LODSection(lod), err)
	case HandlerSkin:
		w.onSectionFailure(h, SectionSkin, err)
	case HandlerDecomposition:
		w.onSectionFailure(h, SectionPhysicsConvex, err)
	case HandlerPhysicsShape:
		w.onSectionFailure(h, SectionPhysicsMesh, err)
	}
}

func sectionFromHandler(h *handler) (int, bool) {
	if h.req == nil {
		return 0, false
	}
	return h.req.LOD, true
}

// releaseHandler is the "handler destruction safety net" of spec.md §4.7:
// if a handler is destroyed while still unprocessed — transport shutdown —
// header/LOD handlers re-enqueue their request; skin/decomp/physics
// handlers just log. Called from processCompletion (where it only removes
// the handler from outstanding and adjusts the LOD counter; the processed
// guard skips the re-enqueue) and from shutdownSweep, the only path that
// ever releases a handler while it is still unprocessed.
func (w *Worker) releaseHandler(h *handler) {
	delete(w.outstanding, h.handle)
	if h.kind == HandlerLOD {
		atomic.AddInt32(&w.lodInFlight, -1)
	}
	if h.processed {
		return
	}
	switch h.kind {
	case HandlerHeader:
		core.LogWarn("header handler destroyed unprocessed, re-enqueueing: %s", h.req.ID)
		w.enqueue(SourceHeader, h.req)
	case HandlerLOD:
		core.LogWarn("lod handler destroyed unprocessed, re-enqueueing: %s lod=%d", h.req.ID, h.req.LOD)
		w.enqueue(SourceLOD, h.req)
	default:
		core.LogWarn("%s handler destroyed unprocessed, dropping: %s", h.kind, h.req.ID)
	}
}
