package lsm

import (
	"os"

	"gopkg.in/yaml.v3"
)

// SSTType selects where a sorted run's default residency starts.
type SSTType string

const (
	FileDescriptorSST SSTType = "file_descriptor"
	PmemSST           SSTType = "pmem"
)

// DSType selects the PMEM-resident index structure. Only Skiplist is
// implemented; Hashmap names a future unordered residency and is
// rejected at Open.
type DSType string

const (
	DSSkiplist DSType = "skiplist"
	DSHashmap  DSType = "hashmap"
)

// TieringOption selects the compaction engine's PMEM residency policy.
type TieringOption string

const (
	LeveledTiering  TieringOption = "leveled"
	ColdDataTiering TieringOption = "cold_data"
	LRUTiering      TieringOption = "lru"
	NoTiering       TieringOption = "none"
)

// Tunables kept as named constants rather than magic numbers scattered
// through version.go/compaction.go/writer.go.
const (
	NumLevels               = 7
	L0SlowdownWritesTrigger = 8
	L0StopWritesTrigger     = 12
	MaxMemCompactLevel      = 2
	DefaultHotThreshold     = 32
	DefaultPmemLevelCap     = 1
	DefaultMaxOutputEntries = 4096
	DefaultMaxFileSize      = 2 << 20 // 2 MiB
	DefaultWriteBufferSize  = 4 << 20 // 4 MiB
	DefaultMaxOpenFiles     = 1000
	DefaultBlockSize        = 4096
	DefaultBufferShards     = 10
)

// Options configures an opened DB: the usual LSM tunables plus the
// PMEM-tiering extensions (sst_type/ds_type/tiering_option/
// use_pmem_buffer/skiplist_cache).
type Options struct {
	CreateIfMissing bool   `yaml:"create_if_missing"`
	ErrorIfExists   bool   `yaml:"error_if_exists"`
	ParanoidChecks  bool   `yaml:"paranoid_checks"`
	WriteBufferSize int    `yaml:"write_buffer_size"`
	MaxOpenFiles    int    `yaml:"max_open_files"`
	MaxFileSize     int64  `yaml:"max_file_size"`
	BlockSize       int    `yaml:"block_size"`
	ReuseLogs       bool   `yaml:"reuse_logs"`

	// WALCompression snappy-compresses every WAL record before framing
	// (pkg/wal's SegmentWriter/SegmentReader compressed mode), trading
	// CPU for smaller `<n>.log` files on write-heavy workloads.
	WALCompression bool `yaml:"wal_compression"`

	SSTType       SSTType       `yaml:"sst_type"`
	DSType        DSType        `yaml:"ds_type"`
	TieringOption TieringOption `yaml:"tiering_option"`
	UsePmemBuffer bool          `yaml:"use_pmem_buffer"`
	SkiplistCache bool          `yaml:"skiplist_cache"`

	HotThreshold              uint32 `yaml:"hot_threshold"`
	PmemSkiplistLevelCap      int    `yaml:"pmem_skiplist_level_cap"`
	NumPreAllocNode           int    `yaml:"num_pre_alloc_node"`
	NumBuffers                int    `yaml:"num_buffers"`
	MaxOutputEntries          int    `yaml:"max_output_entries"`
	DeterministicPromotion    bool   `yaml:"deterministic_promotion"`

	// StrictPmemHotOutput: when true (the default), a hot builder never
	// opens an SST file; hot-eligible entries fall through to the warm
	// builder if PMEM is unavailable.
	StrictPmemHotOutput bool `yaml:"strict_pmem_hot_output"`

	// CompactionConcurrency sizes the WriterQueue's output-slot
	// semaphore (AcquireOutputSlot). The flush and compaction paths do
	// not acquire slots, so it does not limit how many output builders
	// a compaction opens.
	CompactionConcurrency int64 `yaml:"compaction_concurrency"`
}

// DefaultOptions returns an Options with sensible default tunables.
func DefaultOptions() Options {
	return Options{
		CreateIfMissing:       true,
		WriteBufferSize:       DefaultWriteBufferSize,
		MaxOpenFiles:          DefaultMaxOpenFiles,
		MaxFileSize:           DefaultMaxFileSize,
		BlockSize:             DefaultBlockSize,
		SSTType:               FileDescriptorSST,
		DSType:                DSSkiplist,
		TieringOption:         LeveledTiering,
		UsePmemBuffer:         true,
		SkiplistCache:         true,
		HotThreshold:          DefaultHotThreshold,
		PmemSkiplistLevelCap:  DefaultPmemLevelCap,
		NumPreAllocNode:       58830,
		NumBuffers:            DefaultBufferShards,
		MaxOutputEntries:      DefaultMaxOutputEntries,
		StrictPmemHotOutput:   true,
		CompactionConcurrency: 4,
	}
}

// maxOutputFileSize returns the byte cap at which a compaction closes an
// SST output and opens a fresh one.
func (o Options) maxOutputFileSize() int64 {
	if o.MaxFileSize > 0 {
		return o.MaxFileSize
	}
	return DefaultMaxFileSize
}

// maxOutputEntries returns the entry cap governing when a compaction
// closes a PMEM output instance.
func (o Options) maxOutputEntries() int {
	if o.MaxOutputEntries > 1 {
		return o.MaxOutputEntries
	}
	return DefaultMaxOutputEntries
}

// TableCacheSize returns the table-cache capacity: MaxOpenFiles minus the
// handles the DB itself holds open (WAL, manifest, lock, info log...).
func (o Options) TableCacheSize() int {
	size := o.MaxOpenFiles - 10
	if size < 1 {
		size = 1
	}
	return size
}

// LoadOptionsFile reads YAML-encoded Options from path, starting from
// DefaultOptions and overlaying whatever fields the file sets, mirroring
// how operators configure tiering_option/ds_type/tunables outside of Go
// code rather than recompiling.
func LoadOptionsFile(path string) (Options, error) {
	opts := DefaultOptions()

	data, err := os.ReadFile(path)
	if err != nil {
		return opts, IOErrorf("LoadOptionsFile", "reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return opts, CorruptionError("LoadOptionsFile", err)
	}
	return opts, nil
}

// WriteOptions controls a single Write/Put/Delete call.
type WriteOptions struct {
	Sync bool
}

// ReadOptions controls a single Get/NewIterator call.
type ReadOptions struct {
	Snapshot *Snapshot
}
