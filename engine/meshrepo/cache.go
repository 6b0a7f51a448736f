package meshrepo

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spaghettifunk/alaska-engine/engine/core"
)

// PreambleSize is the fixed 12-byte prefix of every cache file: version,
// header size, flags word (spec.md §4.2 / §6).
const PreambleSize = 12

// CacheVersion is the only preamble version this cache writes or accepts.
const CacheVersion uint32 = 1

// integrityProbeBytes is how much of a cached sub-section must be
// inspected to rule out a zero-filled, never-written region (spec.md
// §4.2's integrity heuristic).
const integrityProbeBytes = 1024

// Cache is the section-addressable, single-blob-per-asset disk cache of
// spec.md §4.2. One backing file per mesh identifier; reads and writes are
// positional (os.File.ReadAt/WriteAt), matching the teacher's style of
// using the stdlib directly for storage rather than a bespoke abstraction
// (see DESIGN.md for why no third-party block-file library is substituted
// here).
type Cache struct {
	dir     string
	metrics *core.Metrics

	mu    sync.Mutex
	files map[MeshID]*os.File
}

func NewCache(dir string, metrics *core.Metrics) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mesh cache: %w", err)
	}
	return &Cache{dir: dir, metrics: metrics, files: make(map[MeshID]*os.File)}, nil
}

func (c *Cache) path(id MeshID) string {
	return filepath.Join(c.dir, id.String()+".meshcache")
}

func (c *Cache) open(id MeshID) (*os.File, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.files[id]; ok {
		return f, nil
	}
	f, err := os.OpenFile(c.path(id), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	c.files[id] = f
	return f, nil
}

// Close releases every open file handle; intended for shutdown.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for id, f := range c.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.files, id)
	}
	return firstErr
}

// ReadPreamble returns the (version, header_size, flags) triple, or
// core.ErrNotFound if the file doesn't exist yet or is shorter than the
// preamble.
func (c *Cache) ReadPreamble(id MeshID) (version uint32, headerSize uint32, flags uint32, err error) {
	f, err := c.open(id)
	if err != nil {
		return 0, 0, 0, err
	}
	buf := make([]byte, PreambleSize)
	n, err := f.ReadAt(buf, 0)
	if n < PreambleSize {
		return 0, 0, 0, core.ErrNotFound
	}
	if err != nil {
		return 0, 0, 0, err
	}
	version = binary.BigEndian.Uint32(buf[0:4])
	headerSize = binary.BigEndian.Uint32(buf[4:8])
	flags = binary.BigEndian.Uint32(buf[8:12])
	return version, headerSize, flags, nil
}

// WritePreamble updates the fixed-size preamble in place.
func (c *Cache) WritePreamble(id MeshID, headerSize uint32, flags uint32) error {
	f, err := c.open(id)
	if err != nil {
		return err
	}
	buf := make([]byte, PreambleSize)
	binary.BigEndian.PutUint32(buf[0:4], CacheVersion)
	binary.BigEndian.PutUint32(buf[4:8], headerSize)
	binary.BigEndian.PutUint32(buf[8:12], flags)
	_, err = f.WriteAt(buf, 0)
	return err
}

// ReadRange returns bytes only if the file exists, the preamble version
// matches, and the requested range falls within the file's current size
// (spec.md §4.2 read_range).
func (c *Cache) ReadRange(id MeshID, offset, length int) ([]byte, error) {
	f, err := c.open(id)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() < PreambleSize {
		return nil, core.ErrNotFound
	}
	version, _, _, err := c.ReadPreamble(id)
	if err != nil {
		return nil, err
	}
	if version != CacheVersion {
		return nil, core.ErrNotFound
	}
	absOffset := int64(PreambleSize + offset)
	if absOffset+int64(length) > info.Size() {
		return nil, core.ErrNotFound
	}
	buf := make([]byte, length)
	if _, err := f.ReadAt(buf, absOffset); err != nil {
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.CacheReads.Inc()
		c.metrics.CacheBytesRead.Add(length)
	}
	return buf, nil
}

// WriteRange writes at an absolute offset past the preamble, zero-padding
// the file if necessary (spec.md §4.2 write_range).
func (c *Cache) WriteRange(id MeshID, offset int, data []byte) error {
	f, err := c.open(id)
	if err != nil {
		return err
	}
	absOffset := int64(PreambleSize + offset)
	if _, err := f.WriteAt(data, absOffset); err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.CacheWrites.Inc()
		c.metrics.CacheBytesWritten.Add(len(data))
	}
	return nil
}

// IntegrityCheck inspects the first integrityProbeBytes (or the full range
// if shorter) of a cached sub-section and returns true when it is not
// entirely zero; false means an all-zero probe, the signature of a
// reserved-but-unwritten region (spec.md §4.2).
func IntegrityCheck(data []byte) bool {
	probe := data
	if len(probe) > integrityProbeBytes {
		probe = probe[:integrityProbeBytes]
	}
	return !bytes.Equal(probe, make([]byte, len(probe)))
}

// InvalidateAll clears every in-cache flag and rewrites the preamble —
// spec.md §4.2/§9's conservative policy: any zero-region detection clears
// *all* presence bits, not just the one that failed.
func (c *Cache) InvalidateAll(id MeshID, headerSize uint32) error {
	return c.WritePreamble(id, headerSize, 0)
}

// FlagsFromInCache packs the per-section presence array into the preamble's
// flags word; bit i corresponds to Section(i), matching the declared order
// in spec.md §6 (skin, physics-convex, physics-mesh, lod0..3).
func FlagsFromInCache(inCache [sectionCount]bool) uint32 {
	var flags uint32
	for i, present := range inCache {
		if present {
			flags |= 1 << uint(i)
		}
	}
	return flags
}

// InCacheFromFlags unpacks a preamble flags word into the per-section
// presence array.
func InCacheFromFlags(flags uint32) [sectionCount]bool {
	var inCache [sectionCount]bool
	for i := range inCache {
		inCache[i] = flags&(1<<uint(i)) != 0
	}
	return inCache
}
