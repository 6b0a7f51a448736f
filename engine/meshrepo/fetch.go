package meshrepo

import (
	"context"
	"sync/atomic"

	"github.com/spaghettifunk/alaska-engine/engine/core"
)

// fetchHeader implements spec.md §4.4: probe the cache (the header_size
// bytes the preamble records), then fall back to an HTTP byte-range GET for
// [0, 4096). Returns false if the lane was saturated and the request needs
// to be retried on a later tick.
func (w *Worker) fetchHeader(ctx context.Context, req *Request) bool {
	version, headerSize, flags, perr := w.cache.ReadPreamble(req.ID)
	if perr == nil && version == CacheVersion && headerSize > 0 {
		if data, err := w.cache.ReadRange(req.ID, 0, int(headerSize)); err == nil {
			if IntegrityCheck(data) {
				inCache := InCacheFromFlags(flags)
				header, result, err := parseHeader(req.ID, data, &inCache, len(data))
				if err == nil && result == headerOK {
					w.onHeaderParsed(req.ID, header)
					return true
				}
				if result == headerNotFound {
					w.onHeaderParsed(req.ID, header)
					return true
				}
			} else {
				_ = w.cache.InvalidateAll(req.ID, 0)
			}
		}
	}

	h := newHandler(HandlerHeader, req, 0, MaxHeaderBytes)
	handle, ok := w.http.Get(ctx, LaneSmall, req.ID, 0, MaxHeaderBytes)
	if !ok {
		w.pendingMu.Lock()
		delete(w.headerInF, req.ID)
		w.pendingMu.Unlock()
		return false
	}
	h.handle = handle
	w.outstanding[handle] = h
	return true
}

// onHeaderData implements step 3 of spec.md §4.4: parse the response,
// derive header_size, mark in-cache flags, write the preamble and the
// retrieved bytes.
func (w *Worker) onHeaderData(id MeshID, raw []byte) {
	header, result, err := parseHeader(id, raw, nil, len(raw))
	switch result {
	case headerOK:
		if err := w.cache.WritePreamble(id, uint32(header.HeaderSize), FlagsFromInCache(header.InCache)); err != nil {
			core.LogError("write preamble failed: id=%s err=%v", id, err)
		}
		if err := w.cache.WriteRange(id, 0, raw); err != nil {
			core.LogError("write header bytes failed: id=%s err=%v", id, err)
		}
		w.onHeaderParsed(id, header)
	case headerNotFound:
		header.NotFound = true
		w.onHeaderParsed(id, header)
	default:
		core.LogWarn("header parse failed: id=%s result=%v err=%v", id, result, err)
		w.onHeaderFailedTerminal(id)
	}
}

func (w *Worker) onHeaderFailure(h *handler, err error) {
	id := h.req.ID
	if core.KindOf(err) == core.ErrKindNotFound {
		w.onHeaderFailedTerminal(id)
		return
	}
	w.retryOrAbandon(SourceHeader, h.req, err, h)
}

// onHeaderFailedTerminal marks the mesh 404 and notifies every loading-table
// waiter, matching spec.md §7's NotFound outcome.
func (w *Worker) onHeaderFailedTerminal(id MeshID) {
	header := newHeader(id)
	header.NotFound = true
	w.headers.Store(id, header)

	w.pendingMu.Lock()
	delete(w.headerInF, id)
	counts := w.pending[id]
	delete(w.pending, id)
	w.pendingMu.Unlock()

	for lod, count := range counts {
		if count > 0 {
			w.completionQueue.pushUnavailable(id, lod)
		}
	}
	w.completionQueue.pushMeshUnavailable(id)
}

// onHeaderParsed stores the header and, per spec.md §4.4, services every
// pending LOD/skin request that coalesced while the fetch was in flight —
// opportunistically from the already-retrieved bytes when possible.
func (w *Worker) onHeaderParsed(id MeshID, header *Header) {
	w.headers.Store(id, header)

	w.pendingMu.Lock()
	delete(w.headerInF, id)
	counts, hadPending := w.pending[id]
	delete(w.pending, id)
	w.pendingMu.Unlock()

	if header.NotFound {
		if hadPending {
			for lod, count := range counts {
				if count > 0 {
					w.completionQueue.pushUnavailable(id, lod)
				}
			}
		}
		w.completionQueue.pushMeshUnavailable(id)
		return
	}

	if header.SectionPresent(SectionSkin) {
		w.seq++
		w.enqueue(SourceSkin, NewRequest(id, -1, w.seq))
	}
	if hadPending {
		for lod, count := range counts {
			if count <= 0 {
				continue
			}
			w.seq++
			w.enqueue(SourceLOD, NewRequest(id, lod, w.seq))
		}
	}
}

// fetchSection implements the common sub-section fetch sequence of
// spec.md §4.5 for skin, LOD, and decomposition requests. Returns false if
// the section needed an HTTP fetch but its lane's concurrency gate was full.
func (w *Worker) fetchSection(ctx context.Context, req *Request, section Section) bool {
	header, ok := w.headers.Load(req.ID)
	if !ok {
		// Header-before-body invariant (spec.md §8): coalesce instead of
		// fetching blind.
		w.RequestHeader(req.ID)
		w.pendingMu.Lock()
		counts := w.pending[req.ID]
		if lod, isLOD := section.LOD(); isLOD {
			counts[lod]++
		}
		w.pending[req.ID] = counts
		w.pendingMu.Unlock()
		return true
	}
	if header.NotFound {
		w.completionQueue.pushUnavailable(req.ID, req.LOD)
		return true
	}
	if !header.SectionPresent(section) {
		w.completionQueue.deliverSection(req.ID, section, nil)
		return true
	}

	offset, size := header.AbsoluteRange(section)

	if header.InCache[section] {
		if data, err := w.cache.ReadRange(req.ID, offset, size); err == nil {
			if IntegrityCheck(data) {
				w.postParse(req, section, data)
				return true
			}
			w.invalidateAndRefetch(req, header)
		}
	}

	lane := LaneFor(size)
	h := newHandler(w.handlerKindFor(section), req, offset, size)
	handle, ok := w.http.Get(ctx, lane, req.ID, offset, size)
	if !ok {
		return false
	}
	h.handle = handle
	w.outstanding[handle] = h
	if h.kind == HandlerLOD {
		atomic.AddInt32(&w.lodInFlight, 1)
	}
	return true
}

func (w *Worker) handlerKindFor(section Section) HandlerKind {
	switch section {
	case SectionSkin:
		return HandlerSkin
	case SectionPhysicsConvex:
		return HandlerDecomposition
	case SectionPhysicsMesh:
		return HandlerPhysicsShape
	default:
		return HandlerLOD
	}
}

// invalidateAndRefetch implements the §4.2 integrity heuristic's recovery
// path: clear all presence bits, rewrite the preamble, and the caller's
// subsequent HTTP issue becomes the re-enqueue.
func (w *Worker) invalidateAndRefetch(req *Request, header *Header) {
	core.LogWarn("cache corruption detected, invalidating: id=%s", req.ID)
	header.InCache = [sectionCount]bool{}
	_ = w.cache.InvalidateAll(req.ID, uint32(header.HeaderSize))
	w.headers.Store(req.ID, header)
}

// fetchPhysicsShape implements spec.md §4.5's special case: a zero-size
// physics-mesh section delivers a null result immediately, no HTTP request.
func (w *Worker) fetchPhysicsShape(ctx context.Context, req *Request) bool {
	header, ok := w.headers.Load(req.ID)
	if !ok {
		w.RequestHeader(req.ID)
		return true
	}
	if header.NotFound || !header.SectionPresent(SectionPhysicsMesh) {
		w.completionQueue.deliverSection(req.ID, SectionPhysicsMesh, nil)
		return true
	}
	return w.fetchSection(ctx, req, SectionPhysicsMesh)
}

func (w *Worker) onSectionData(req *Request, section Section, body []byte, fromHTTP bool) {
	header, ok := w.headers.Load(req.ID)
	if !ok {
		w.completionQueue.deliverSection(req.ID, section, nil)
		return
	}
	w.postParse(req, section, body)
	if fromHTTP {
		offset, _ := header.AbsoluteRange(section)
		if err := w.cache.WriteRange(req.ID, offset, body); err != nil {
			core.LogError("write section bytes failed: id=%s section=%s err=%v", req.ID, section, err)
			return
		}
		header.InCache[section] = true
		_ = w.cache.WritePreamble(req.ID, uint32(header.HeaderSize), FlagsFromInCache(header.InCache))
		w.headers.Store(req.ID, header)
	}
}

func (w *Worker) onSectionFailure(h *handler, section Section, err error) {
	source := w.sourceFor(section)
	if core.KindOf(err) == core.ErrKindNotFound {
		w.completionQueue.pushUnavailable(h.req.ID, h.req.LOD)
		return
	}
	w.retryOrAbandon(source, h.req, err, h)
}

func (w *Worker) sourceFor(section Section) Source {
	switch section {
	case SectionSkin:
		return SourceSkin
	case SectionPhysicsConvex:
		return SourceDecomposition
	case SectionPhysicsMesh:
		return SourcePhysicsShape
	default:
		return SourceLOD
	}
}

// postParse hands LOD and skin bytes to the parse pool (inline if the pool
// refuses the task); physics-decomposition bytes are zstd-decoded inline on
// the repo worker through the same ParseTask; everything else (the flat
// physics shape) is delivered as is, without a parse step.
func (w *Worker) postParse(req *Request, section Section, body []byte) {
	if body == nil {
		w.completionQueue.deliverSection(req.ID, section, nil)
		return
	}

	_, isLOD := section.LOD()
	if !isLOD && section != SectionSkin && section != SectionPhysicsConvex {
		w.completionQueue.deliverSection(req.ID, section, body)
		return
	}

	task := ParseTask{
		MeshID:  req.ID,
		Section: section,
		Body:    body,
		Skin: func() []byte {
			skin, _ := w.skinByID.Load(req.ID)
			return skin
		},
		OnVolume: func(vol *Volume) {
			w.volumeByID.Store(req.ID, vol)
		},
		Deliver: func(result []byte) {
			switch section {
			case SectionSkin:
				w.skinByID.Store(req.ID, result)
			case SectionPhysicsConvex:
				w.decompByID.Store(req.ID, result)
			}
			w.completionQueue.deliverSection(req.ID, section, result)
		},
	}
	if section == SectionPhysicsConvex || !w.parse.Post(task) {
		result := w.parse.ParseInline(task)
		switch section {
		case SectionSkin:
			w.skinByID.Store(req.ID, result)
		case SectionPhysicsConvex:
			w.decompByID.Store(req.ID, result)
		}
		w.completionQueue.deliverSection(req.ID, section, result)
	}
}
