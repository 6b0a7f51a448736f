package meshrepo

import (
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"

	"github.com/spaghettifunk/alaska-engine/engine/core"
)

// parsePoolSize is fixed at 2 workers per spec.md §4.6.
const parsePoolSize = 2

// Volume is the parsed result of a LOD fetch: a volume object with N faces
// (spec.md §4.5). The actual mesh-object parser is out of scope (spec.md
// §1); this carries just enough shape for the registry/tests to reason
// about delivery.
type Volume struct {
	MeshID MeshID
	Faces  int
	Rigged bool
}

// bytesPerFaceEstimate stands in for the real geometry parser's triangle
// count, which is out of scope (spec.md §1): it derives a plausible Faces
// figure from the raw body size rather than hardcoding a constant, so
// Volume.Faces still varies meaningfully with LOD/body size in tests.
const bytesPerFaceEstimate = 32

// buildVolume implements spec.md §5's ordering guarantee: "the parse step
// for a LOD consults the skin map" so per-face rigging can be precomputed
// at parse time rather than discovered later. Rigged is true whenever a
// skin descriptor is already cached for the mesh.
func buildVolume(task ParseTask) *Volume {
	var skin []byte
	if task.Skin != nil {
		skin = task.Skin()
	}
	faces := len(task.Body) / bytesPerFaceEstimate
	if faces == 0 && len(task.Body) > 0 {
		faces = 1
	}
	return &Volume{
		MeshID: task.MeshID,
		Faces:  faces,
		Rigged: skin != nil,
	}
}

// ParseTask takes ownership of a raw byte buffer for LOD/skin bytes and
// produces a parsed result, pushed onto the completion queue — spec.md
// §4.6.
type ParseTask struct {
	MeshID  MeshID
	Section Section
	Body    []byte

	// Skin returns the cached skin descriptor bytes for this mesh, if any
	// — consulted at parse time so a LOD's per-face rigging info can be
	// precomputed (spec.md §4.5).
	Skin func() []byte

	// Deliver is called with the parsed result (nil on failure) once the
	// task completes, either on a pool worker or inline.
	Deliver func(result []byte)

	// OnVolume, when set, receives the Volume built for a LOD task — the
	// caller's hook for recording the precomputed-rigging result of
	// buildVolume. It is only called for LOD tasks; skin/physics-convex
	// tasks have no volume to build.
	OnVolume func(vol *Volume)
}

// ParsePool is the small bounded worker pool of spec.md §4.6: consulted
// only for LOD and skin bytes, whose parse cost is high enough to warrant
// moving off the repo worker.
type ParsePool struct {
	tasks    chan ParseTask
	quitting int32
	wg       sync.WaitGroup
	decoder  *zstd.Decoder
}

// NewParsePool starts the fixed-size pool. The returned pool must be
// stopped with Shutdown.
func NewParsePool() *ParsePool {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		core.LogError("parse pool: zstd decoder init failed: %v", err)
	}
	p := &ParsePool{
		tasks:   make(chan ParseTask, 64),
		decoder: decoder,
	}
	for i := 0; i < parsePoolSize; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *ParsePool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		if atomic.LoadInt32(&p.quitting) != 0 {
			// Drop the buffer rather than parse it, per §4.6's shutdown
			// check.
			continue
		}
		result := p.parse(task)
		task.Deliver(result)
	}
}

// Post offers a task to the pool without blocking. False means the caller
// should parse inline (pressure or shutdown), per spec.md §4.6.
func (p *ParsePool) Post(task ParseTask) bool {
	if atomic.LoadInt32(&p.quitting) != 0 {
		return false
	}
	select {
	case p.tasks <- task:
		return true
	default:
		return false
	}
}

// ParseInline runs the parse synchronously on the caller's goroutine — the
// repo worker's fallback path when Post fails.
func (p *ParsePool) ParseInline(task ParseTask) []byte {
	return p.parse(task)
}

// parse runs the compressed-structured-data decode spec.md §4.5 names for
// skin and decomposition bodies; LOD bodies are handed to the (out-of-
// scope) mesh-object parser directly, after consulting the skin map to
// build the task's Volume. Out-of-memory during decode marks the task
// failed (nil result), per §4.5.
func (p *ParsePool) parse(task ParseTask) []byte {
	switch task.Section {
	case SectionSkin, SectionPhysicsConvex:
		if p.decoder == nil {
			return nil
		}
		out, err := p.decoder.DecodeAll(task.Body, nil)
		if err != nil {
			core.LogWarn("parse failure: id=%s section=%s err=%v", task.MeshID, task.Section, err)
			return nil
		}
		return out
	default:
		if _, isLOD := task.Section.LOD(); isLOD && task.OnVolume != nil {
			task.OnVolume(buildVolume(task))
		}
		return task.Body
	}
}

// Shutdown stops accepting new tasks, waits for the workers to exit (a task
// already being parsed finishes; queued tasks are dropped without Deliver),
// then tears down the decoder.
func (p *ParsePool) Shutdown() {
	atomic.StoreInt32(&p.quitting, 1)
	close(p.tasks)
	p.wg.Wait()
	if p.decoder != nil {
		p.decoder.Close()
	}
}
