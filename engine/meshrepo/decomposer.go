package meshrepo

import (
	"sync"

	"github.com/spaghettifunk/alaska-engine/engine/core"
	"github.com/spaghettifunk/alaska-engine/engine/math"
)

// DecompositionStage names the named stage a decomposer request runs, per
// spec.md §4.11.
type DecompositionStage int

const (
	StageSingleHull DecompositionStage = iota
	StageMultiHull
)

// DecompositionRequest is the {mesh_id, stage, geometry} tuple the worker
// consumes, per spec.md §4.11.
type DecompositionRequest struct {
	MeshID    MeshID
	Stage     DecompositionStage
	Triangles []math.Triangle
}

// HullSet is the result the decomposer pushes to its completion queue: one
// or more convex hulls, each a set of vertices.
type HullSet struct {
	MeshID MeshID
	Hulls  [][]math.Vec3
}

// PhysicsDecomposer is the separate worker of spec.md §4.11: it runs the
// named stage on each request's triangles and pushes the resulting hull set
// to a completion queue drained by the registry's per-frame callback. Each
// request is processed on its own; no per-mesh session state is kept.
type PhysicsDecomposer struct {
	requests    chan DecompositionRequest
	completions chan HullSet

	quitting chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup
}

func NewPhysicsDecomposer() *PhysicsDecomposer {
	d := &PhysicsDecomposer{
		requests:    make(chan DecompositionRequest, 32),
		completions: make(chan HullSet, 32),
		quitting:    make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *PhysicsDecomposer) run() {
	defer d.wg.Done()
	for {
		select {
		case <-d.quitting:
			return
		case req, ok := <-d.requests:
			if !ok {
				return
			}
			hulls := d.process(req)
			select {
			case d.completions <- HullSet{MeshID: req.MeshID, Hulls: hulls}:
			case <-d.quitting:
				return
			}
		}
	}
}

// process implements spec.md §4.11: degenerate-triangle filtering, then
// the stage-specific hull computation.
func (d *PhysicsDecomposer) process(req DecompositionRequest) [][]math.Vec3 {
	extents := math.ExtentsFromTriangles(req.Triangles)
	threshold := extents.Diagonal() * 0.0001

	kept := make([]math.Triangle, 0, len(req.Triangles))
	for _, t := range req.Triangles {
		if math.TriangleArea(t) < threshold {
			continue
		}
		kept = append(kept, t)
	}

	switch req.Stage {
	case StageSingleHull:
		return [][]math.Vec3{singleHull(kept, extents)}
	default:
		return multiHull(kept)
	}
}

// singleHull implements the fast path of spec.md §4.11: one hull, or — on
// failure (no usable geometry) — an axis-aligned bounding box.
func singleHull(triangles []math.Triangle, extents math.Extents3D) []math.Vec3 {
	if len(triangles) == 0 {
		return boundingBoxHull(extents)
	}
	seen := make(map[math.Vec3]struct{}, len(triangles)*3)
	var verts []math.Vec3
	for _, t := range triangles {
		for _, v := range [...]math.Vec3{t.A, t.B, t.C} {
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			verts = append(verts, v)
		}
	}
	if len(verts) == 0 {
		return boundingBoxHull(extents)
	}
	return verts
}

func boundingBoxHull(e math.Extents3D) []math.Vec3 {
	min, max := e.Min, e.Max
	return []math.Vec3{
		{X: min.X, Y: min.Y, Z: min.Z},
		{X: max.X, Y: min.Y, Z: min.Z},
		{X: max.X, Y: max.Y, Z: min.Z},
		{X: min.X, Y: max.Y, Z: min.Z},
		{X: min.X, Y: min.Y, Z: max.Z},
		{X: max.X, Y: min.Y, Z: max.Z},
		{X: max.X, Y: max.Y, Z: max.Z},
		{X: min.X, Y: max.Y, Z: max.Z},
	}
}

// multiHull is the non-fast-path stage; the actual convex-decomposition
// algorithm is out of scope (spec.md §1 — "we specify the request queue
// and result delivery"), so this returns one stand-in hull covering every
// kept triangle rather than a real decomposition.
func multiHull(triangles []math.Triangle) [][]math.Vec3 {
	if len(triangles) == 0 {
		return nil
	}
	return [][]math.Vec3{singleHull(triangles, math.ExtentsFromTriangles(triangles))}
}

// Submit enqueues a decomposition request.
func (d *PhysicsDecomposer) Submit(req DecompositionRequest) {
	select {
	case d.requests <- req:
	case <-d.quitting:
	}
}

// Completions returns the channel the registry's per-frame callback drains.
func (d *PhysicsDecomposer) Completions() <-chan HullSet {
	return d.completions
}

// Shutdown stops the worker.
func (d *PhysicsDecomposer) Shutdown() {
	d.quitOnce.Do(func() {
		close(d.quitting)
		core.LogInfo("physics decomposer shutting down")
	})
}
