package localcache

import "log/slog"

// config holds every recognized option from spec.md §6.1, plus the
// ambient logger. Grounded on the teacher's config struct and its
// functional-options pattern (options.go, memory.go).
type config struct {
	sizeMB      float64
	objectMax   int64
	compression string
	dir         string
	prefix      string
	logger      *slog.Logger
}

func defaultConfig() *config {
	return &config{
		sizeMB:      0,
		objectMax:   1 << 20, // 1 MiB per value, matching the teacher's conservative default
		compression: "none",
		logger:      slog.Default(),
	}
}

// Option configures a Cache at construction.
type Option func(*config)

// WithSizeMB sets cache_local_mb: the cache size limit in megabytes,
// where 1 MB means 1,000,000 bytes (spec.md §6.1), not 2^20.
func WithSizeMB(mb float64) Option {
	return func(c *config) { c.sizeMB = mb }
}

// WithObjectMax sets cache_local_object_max: the maximum compressed byte
// size of an individual cached value. Values of this size or larger are
// silently dropped; 0 disables the check.
func WithObjectMax(n int64) Option {
	return func(c *config) { c.objectMax = n }
}

// WithCompression sets cache_local_compression to one of "zlib", "bz2",
// "none", "zstd", or "lz4". Unknown names fail at New with
// ErrUnknownCompression.
func WithCompression(name string) Option {
	return func(c *config) { c.compression = name }
}

// WithDir sets cache_local_dir: the filesystem directory for the
// snapshot file. If unset, persistence is disabled and Save/Restore
// become no-ops.
func WithDir(dir string) Option {
	return func(c *config) { c.dir = dir }
}

// WithPrefix sets prefix: a string scoping the snapshot file so multiple
// caches can coexist in one directory.
func WithPrefix(prefix string) Option {
	return func(c *config) { c.prefix = prefix }
}

// WithLogger overrides the logger used for Save failures and Lookup
// decode failures. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}
