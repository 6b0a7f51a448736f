package meshrepo

import (
	"encoding/binary"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// packHeader wraps a YAML map body in the wire's self-delimiting length
// prefix, exactly as buildAsset does for full assets in worker_test.go.
func packHeader(t *testing.T, yamlBody string) []byte {
	t.Helper()
	body := []byte(yamlBody)
	buf := make([]byte, headerLengthPrefixSize+len(body))
	binary.BigEndian.PutUint32(buf[:headerLengthPrefixSize], uint32(len(body)))
	copy(buf[headerLengthPrefixSize:], body)
	return buf
}

func TestParseHeaderOK(t *testing.T) {
	id := uuid.New()
	yamlBody := `
version: 1
high_lod:
  offset: 0
  size: 100
low_lod:
  offset: 100
  size: 50
`
	body := packHeader(t, yamlBody)
	h, result, err := parseHeader(id, body, nil, len(body))
	require.NoError(t, err)
	assert.Equal(t, headerOK, result)
	assert.Equal(t, 1, h.Version)
	assert.True(t, h.SectionPresent(SectionLOD3))
	assert.True(t, h.SectionPresent(SectionLOD1))
	assert.False(t, h.SectionPresent(SectionSkin))
	assert.Equal(t, headerLengthPrefixSize+len(yamlBody), h.HeaderSize, "header_size is exactly the length-prefix boundary, not wherever the decoder happened to stop")
}

func TestParseHeaderSectionPayloadNeverReachesDecoder(t *testing.T) {
	id := uuid.New()
	yamlBody := "version: 1\nhigh_lod:\n  offset: 0\n  size: 4\n"
	asset := append(packHeader(t, yamlBody), []byte("mesh-binary-payload-not-yaml")...)

	h, result, err := parseHeader(id, asset, nil, len(asset))
	require.NoError(t, err, "trailing binary payload past the declared length must not be handed to the YAML decoder")
	assert.Equal(t, headerOK, result)
	assert.Equal(t, headerLengthPrefixSize+len(yamlBody), h.HeaderSize)
}

func TestParseHeaderDeclaredLengthExceedsBuffer(t *testing.T) {
	id := uuid.New()
	buf := make([]byte, headerLengthPrefixSize)
	binary.BigEndian.PutUint32(buf, 9999)
	_, result, err := parseHeader(id, buf, nil, len(buf))
	assert.Error(t, err)
	assert.Equal(t, headerParseFailure, result)
}

func TestParseHeaderNoLODIsNotFound(t *testing.T) {
	id := uuid.New()
	body := packHeader(t, "version: 1\n")
	h, result, err := parseHeader(id, body, nil, len(body))
	require.NoError(t, err)
	assert.Equal(t, headerNotFound, result)
	assert.True(t, h.NotFound)
}

func TestParseHeaderVersionGate(t *testing.T) {
	id := uuid.New()
	body := packHeader(t, `
version: 1000
high_lod:
  offset: 0
  size: 10
`)
	h, result, err := parseHeader(id, body, nil, len(body))
	require.NoError(t, err)
	assert.Equal(t, headerNotFound, result)
	assert.True(t, h.NotFound)
}

func TestParseHeaderEmptyBytes(t *testing.T) {
	_, result, err := parseHeader(uuid.New(), nil, nil, 0)
	assert.Error(t, err)
	assert.Equal(t, headerNoData, result)
}

func TestParseHeaderInvalidYAML(t *testing.T) {
	id := uuid.New()
	body := packHeader(t, "this: [is, not, closed\n")
	_, result, err := parseHeader(id, body, nil, len(body))
	assert.Error(t, err)
	assert.Equal(t, headerParseFailure, result)
}

func TestParseHeaderLegacyPrefixStripped(t *testing.T) {
	id := uuid.New()
	body := append(append([]byte{}, legacyPrefix...), packHeader(t, `
version: 1
high_lod:
  offset: 0
  size: 10
`)...)
	h, result, err := parseHeader(id, body, nil, len(body))
	require.NoError(t, err)
	assert.Equal(t, headerOK, result)
	assert.Equal(t, 1, h.Version)
}

func TestHeaderFitsWithin(t *testing.T) {
	h := &Header{HeaderSize: 40}
	h.Sections[SectionSkin] = sectionRange{Offset: 0, Size: 10}
	assert.True(t, h.FitsWithin(SectionSkin, 50))
	assert.False(t, h.FitsWithin(SectionSkin, 45))
}

func TestHeaderAbsoluteRange(t *testing.T) {
	h := &Header{HeaderSize: 100}
	h.Sections[SectionLOD0] = sectionRange{Offset: 20, Size: 30}
	offset, size := h.AbsoluteRange(SectionLOD0)
	assert.Equal(t, 120, offset)
	assert.Equal(t, 30, size)
}

func TestFlagsRoundTrip(t *testing.T) {
	var in [sectionCount]bool
	in[SectionSkin] = true
	in[SectionLOD2] = true

	flags := FlagsFromInCache(in)
	out := InCacheFromFlags(flags)
	assert.Equal(t, in, out)
}
