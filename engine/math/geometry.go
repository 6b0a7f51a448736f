package math

// ExtentsFromTriangles computes the axis-aligned bounding box of a set of
// triangles, used by the decomposer to derive its degenerate-triangle area
// threshold and its single_hull bounding-box fallback.
func ExtentsFromTriangles(triangles []Triangle) Extents3D {
	if len(triangles) == 0 {
		return Extents3D{}
	}
	min := triangles[0].A
	max := triangles[0].A
	grow := func(p Vec3) {
		if p.X < min.X {
			min.X = p.X
		}
		if p.Y < min.Y {
			min.Y = p.Y
		}
		if p.Z < min.Z {
			min.Z = p.Z
		}
		if p.X > max.X {
			max.X = p.X
		}
		if p.Y > max.Y {
			max.Y = p.Y
		}
		if p.Z > max.Z {
			max.Z = p.Z
		}
	}
	for _, t := range triangles {
		grow(t.A)
		grow(t.B)
		grow(t.C)
	}
	return Extents3D{Min: min, Max: max}
}

// TriangleArea returns the triangle's area: half the length of the cross
// product of two edges — the standard formula for a triangle's area in 3D.
func TriangleArea(t Triangle) float32 {
	edge1 := t.B.Sub(t.A)
	edge2 := t.C.Sub(t.A)
	return edge1.Cross(edge2).Length() * 0.5
}

// Diagonal returns the length of the extents' diagonal, used to derive a
// scale-relative degenerate-triangle threshold.
func (e Extents3D) Diagonal() float32 {
	return e.Max.Sub(e.Min).Length()
}
