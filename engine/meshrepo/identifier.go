package meshrepo

import "github.com/google/uuid"

// MeshID is the opaque 128-bit handle scene objects use to reference a mesh
// asset. The source passes this around as a raw UUID value; uuid.UUID is
// the natural Go stand-in.
type MeshID = uuid.UUID

// NilMeshID is the zero-value identifier, never a valid asset reference.
var NilMeshID = uuid.Nil

// Section names one of the seven independently-fetchable sub-sections of a
// mesh asset. The header itself (the leading structured map) is not a
// Section — it is always read first and separately.
type Section int

const (
	SectionSkin Section = iota
	SectionPhysicsConvex
	SectionPhysicsMesh
	SectionLOD0
	SectionLOD1
	SectionLOD2
	SectionLOD3

	sectionCount
)

func LODSection(lod int) Section {
	return SectionLOD0 + Section(lod)
}

func (s Section) LOD() (int, bool) {
	if s >= SectionLOD0 && s <= SectionLOD3 {
		return int(s - SectionLOD0), true
	}
	return 0, false
}

func (s Section) String() string {
	switch s {
	case SectionSkin:
		return "skin"
	case SectionPhysicsConvex:
		return "physics_convex"
	case SectionPhysicsMesh:
		return "physics_mesh"
	case SectionLOD0:
		return "lod0"
	case SectionLOD1:
		return "lod1"
	case SectionLOD2:
		return "lod2"
	case SectionLOD3:
		return "lod3"
	default:
		return "unknown_section"
	}
}
