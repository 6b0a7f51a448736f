package math

const K_FLOAT_EPSILON float32 = 0.00001

// Vec3 represents a 3D vector: a vertex position, a camera offset, or a
// convex hull centroid depending on context.
type Vec3 struct {
	X, Y, Z float32
}

// Extents3D represents the axis-aligned bounding box of a set of points —
// used both for the decomposer's degenerate-triangle threshold and its
// single_hull fallback.
type Extents3D struct {
	Min Vec3
	Max Vec3
}

// Triangle is a face of a volume's geometry, referenced by its three corner
// positions. The decomposer only needs positions to compute area and to grow
// a bounding box, so this drops the rest of a full render vertex (normal,
// texcoord, colour, tangent) that the spec's rendering pipeline owns.
type Triangle struct {
	A, B, C Vec3
}
