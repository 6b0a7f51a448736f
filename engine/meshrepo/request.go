package meshrepo

import (
	"sort"
	"time"

	"github.com/spaghettifunk/alaska-engine/engine/math"
)

// MaxRetries bounds the exponential backoff in spec.md §8 ("retry budget").
const MaxRetries = 8

// baseRetryDelay is the first backoff interval; attempt k waits
// base × 2^(k-1), per spec.md §5/§8.
const baseRetryDelay = 500 * time.Millisecond

// Source names one of the five request queues the worker drains in
// priority order (spec.md §4.3 step 4).
type Source int

const (
	SourceSkin Source = iota
	SourceLOD
	SourceHeader
	SourceDecomposition
	SourcePhysicsShape

	sourceCount
)

func (s Source) String() string {
	switch s {
	case SourceSkin:
		return "skin"
	case SourceLOD:
		return "lod"
	case SourceHeader:
		return "header"
	case SourceDecomposition:
		return "decomposition"
	case SourcePhysicsShape:
		return "physics_shape"
	default:
		return "unknown_source"
	}
}

// SceneObject is the minimal contract the registry needs from a scene
// object for scoring and notification — the rendering pipeline itself is
// out of scope (spec.md §1).
type SceneObject interface {
	// BoundingRadius is either the drawable's own radius, or (for
	// rigged/attached meshes) the wearer avatar's bounding radius.
	BoundingRadius() float32
	DistanceToCamera() float32
	IsRigged() bool
	// IsAvatarDataPending reports whether the mesh is attached to another
	// avatar whose initial data has not fully arrived yet (spec.md §4.1's
	// 0.9 score penalty).
	IsAvatarDataPending() bool
}

// Request is the per-fetch value object of spec.md §3: "created by the
// front-end registry when a mesh is first requested for a given LOD;
// survives through queue transits; destroyed when either delivered to the
// completion queue or abandoned after retry exhaustion."
type Request struct {
	ID       MeshID
	LOD      int // -1 for header/skin/decomposition/physics-shape requests that carry no LOD
	Retries  int
	Deadline time.Time
	Score    float32
	seq      uint64 // insertion order, for the tie-break spec.md §4.1 requires

	objects []SceneObject
}

// NewRequest creates a fresh request ready for dispatch on its first
// attempt (deadline in the past).
func NewRequest(id MeshID, lod int, seq uint64) *Request {
	return &Request{ID: id, LOD: lod, seq: seq, Deadline: time.Unix(0, 0)}
}

// Ready reports whether the request's next-attempt deadline has passed —
// spec.md §9's "a request is eligible when now ≥ deadline".
func (r *Request) Ready(now time.Time) bool {
	return !now.Before(r.Deadline)
}

// BumpRetry advances the retry counter and sets the next-attempt deadline
// per spec.md §5's backoff formula, capped at MaxRetries.
func (r *Request) BumpRetry(now time.Time) bool {
	r.Retries++
	if r.Retries > MaxRetries {
		return false
	}
	delay := baseRetryDelay << (r.Retries - 1)
	r.Deadline = now.Add(delay)
	return true
}

// AddObject registers a scene object awaiting this request's completion.
func (r *Request) AddObject(obj SceneObject) {
	for _, o := range r.objects {
		if o == obj {
			return
		}
	}
	r.objects = append(r.objects, obj)
}

// Objects returns the scene objects currently waiting on this request.
func (r *Request) Objects() []SceneObject {
	return r.objects
}

// computeScore implements spec.md §4.1's formula. A request with no
// tracked scene objects scores 0.
func computeScore(objects []SceneObject) float32 {
	if len(objects) == 0 {
		return 0
	}
	var best float32
	for _, obj := range objects {
		denom := math.Clamp(obj.DistanceToCamera(), 1, float32(1e9))
		score := obj.BoundingRadius() / denom
		if obj.IsRigged() && obj.IsAvatarDataPending() {
			score *= 0.9
		}
		if score > best {
			best = score
		}
	}
	return best
}

// Rescore recomputes the request's score from its currently tracked
// objects.
func (r *Request) Rescore() {
	r.Score = computeScore(r.objects)
}

// SortByScoreDesc partially orders requests by descending score, breaking
// ties by insertion order — spec.md §4.1's "top-N... tie-break: insertion
// order" and §8 scenario 6.
func SortByScoreDesc(requests []*Request) {
	sort.SliceStable(requests, func(i, j int) bool {
		if requests[i].Score != requests[j].Score {
			return requests[i].Score > requests[j].Score
		}
		return requests[i].seq < requests[j].seq
	})
}
