package meshrepo

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/spaghettifunk/alaska-engine/engine/core"
)

// MaxHeaderVersion rejects any asset whose major version exceeds this —
// spec.md §6's "version gate".
const MaxHeaderVersion = 999

// MaxHeaderBytes bounds the leading structured map; headers never exceed
// this many bytes (spec.md §4.4 / glossary "Header").
const MaxHeaderBytes = 4096

// headerLengthPrefixSize is the fixed-width field (past any legacy prefix)
// that names the exact byte length of the structured map that follows. The
// map is never decoded past this boundary, so the binary sub-section
// payload packed immediately after it on the wire never reaches the YAML
// decoder — this is what makes the header self-delimiting.
const headerLengthPrefixSize = 4

// legacyPrefix is the compatibility shim older assets were written with;
// present bytes are stripped before the structured map is decoded.
var legacyPrefix = []byte("<? LLSD/Binary ?>")

type sectionRange struct {
	Offset int
	Size   int
}

// Header is the fixed-schema record parsed from the first bytes of an
// asset (spec.md §3 "Mesh header").
type Header struct {
	ID         MeshID
	Version    int
	HeaderSize int
	Sections   [sectionCount]sectionRange
	InCache    [sectionCount]bool
	NotFound   bool
	CreatorID  *MeshID
}

func newHeader(id MeshID) *Header {
	return &Header{ID: id}
}

// SectionPresent reports whether the section has a positive-size byte range
// declared in the header (size 0 means "absent", per spec.md §3).
func (h *Header) SectionPresent(s Section) bool {
	return h.Sections[s].Size > 0
}

// FitsWithin reports whether the section's bytes, measured from the start
// of the asset, fall within the first n bytes already retrieved — used for
// the "opportunistic body-in-header" optimisation of spec.md §9.
func (h *Header) FitsWithin(s Section, n int) bool {
	r := h.Sections[s]
	if r.Size == 0 {
		return false
	}
	return h.HeaderSize+r.Offset+r.Size <= n
}

// AbsoluteRange returns the section's byte range relative to the start of
// the asset (i.e. past the header).
func (h *Header) AbsoluteRange(s Section) (offset, size int) {
	r := h.Sections[s]
	return h.HeaderSize + r.Offset, r.Size
}

// headerParseResult names the terminal state of the five-state machine in
// spec.md §4.8.
type headerParseResult int

const (
	headerOK headerParseResult = iota
	headerNotFound
	headerParseFailure
	headerInvalid
	headerNoData
	headerUnknown
)

// parseHeader runs the state machine described in spec.md §4.8: strip
// legacy prefix, decode the structured map, validate, populate, gate on
// version and LOD presence, then derive header_size and presence bits.
//
// explicitFlags is non-nil when the caller (e.g. a cache-resident header)
// already knows the in-cache bits; otherwise they're derived from which
// sections fit within dataSize, matching step 7 of §4.8.
func parseHeader(id MeshID, raw []byte, explicitFlags *[sectionCount]bool, dataSize int) (*Header, headerParseResult, error) {
	if len(raw) == 0 {
		return nil, headerNoData, fmt.Errorf("mesh %s: %w: empty header bytes", id, core.ErrParseFailure)
	}

	body := raw
	prefixLen := 0
	if bytes.HasPrefix(body, legacyPrefix) {
		prefixLen = len(legacyPrefix)
		body = body[prefixLen:]
	}

	if len(body) < headerLengthPrefixSize {
		return nil, headerParseFailure, fmt.Errorf("mesh %s: %w: buffer too short for header length prefix", id, core.ErrParseFailure)
	}
	mapLen := int(binary.BigEndian.Uint32(body[:headerLengthPrefixSize]))
	body = body[headerLengthPrefixSize:]
	if mapLen < 0 || mapLen > len(body) {
		return nil, headerParseFailure, fmt.Errorf("mesh %s: %w: declared header length %d exceeds available %d bytes", id, core.ErrParseFailure, mapLen, len(body))
	}
	mapBytes := body[:mapLen]

	var decoded map[string]any
	if err := yaml.Unmarshal(mapBytes, &decoded); err != nil {
		return nil, headerParseFailure, fmt.Errorf("mesh %s: %w: %v", id, core.ErrParseFailure, err)
	}
	if decoded == nil {
		return nil, headerInvalid, fmt.Errorf("mesh %s: %w: decoded map is nil", id, core.ErrParseFailure)
	}

	h := newHeader(id)

	version, _ := toInt(decoded["version"])
	h.Version = version

	sectionKeys := map[string]Section{
		"skin":           SectionSkin,
		"physics_convex": SectionPhysicsConvex,
		"physics_mesh":   SectionPhysicsMesh,
		"high_lod":       SectionLOD3,
		"medium_lod":     SectionLOD2,
		"low_lod":        SectionLOD1,
		"lowest_lod":     SectionLOD0,
	}
	for key, section := range sectionKeys {
		raw, ok := decoded[key]
		if !ok {
			continue
		}
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		offset, _ := toInt(m["offset"])
		size, _ := toInt(m["size"])
		h.Sections[section] = sectionRange{Offset: offset, Size: size}
	}

	if raw, ok := decoded["creator_id"].(string); ok {
		if id, err := parseMeshID(raw); err == nil {
			h.CreatorID = &id
		}
	}

	if h.Version > MaxHeaderVersion {
		h.NotFound = true
		return h, headerNotFound, nil
	}

	anyLOD := false
	for lod := 0; lod < 4; lod++ {
		if h.SectionPresent(LODSection(lod)) {
			anyLOD = true
			break
		}
	}
	if !anyLOD {
		h.NotFound = true
		return h, headerNotFound, nil
	}

	// header_size is the length prefix's declared boundary, per §4.8 step
	// 7 — everything from here on is sub-section payload.
	h.HeaderSize = prefixLen + headerLengthPrefixSize + mapLen

	if explicitFlags != nil {
		h.InCache = *explicitFlags
	} else {
		for s := Section(0); s < sectionCount; s++ {
			if h.SectionPresent(s) && h.FitsWithin(s, dataSize) {
				h.InCache[s] = true
			}
		}
	}

	return h, headerOK, nil
}

func parseMeshID(s string) (MeshID, error) {
	return uuid.Parse(s)
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
