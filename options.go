package zpaq

import (
	"log/slog"
	"runtime"

	"github.com/AlexStz/zpaq/internal/chunker"
	"github.com/AlexStz/zpaq/internal/codec"
	"github.com/AlexStz/zpaq/internal/pathutil"
)

// DefaultBlockSize caps the uncompressed size of one data block.
const DefaultBlockSize = 16 << 20

type config struct {
	logger    *slog.Logger
	threads   int
	until     int64 // 0 = everything; else version count or decimal date
	force     bool
	fragile   bool
	all       bool
	method    codec.Method
	blockSize int
	since     int
	summary   int
	not       []string // path arguments to exclude
	to        []string // rename targets parallel to the name arguments
}

func defaultConfig() config {
	return config{
		threads:   runtime.NumCPU(),
		method:    codec.Method{Level: 1},
		blockSize: DefaultBlockSize,
	}
}

func (c *config) apply(opts []Option) {
	for _, opt := range opts {
		opt(c)
	}
	if c.threads < 1 {
		c.threads = 1
	}
	if c.blockSize < chunker.MaxFragment+4096 {
		c.blockSize = chunker.MaxFragment + 4096
	}
}

func (c *config) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

// selected reports whether an archive path is covered by the name arguments
// minus the -not exclusions.
func (c *config) selected(path string, names []string) bool {
	if len(c.not) > 0 && pathutil.Matches(path, c.not) {
		return false
	}
	return pathutil.Matches(path, names)
}

// Option configures an archive operation.
type Option func(*config)

// WithLogger routes operation logging to l. The default discards logs.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithThreads sets the worker count for compression and decompression.
// Values below one fall back to one; the default is the CPU count.
func WithThreads(n int) Option {
	return func(c *config) { c.threads = n }
}

// WithUntil limits the operation to the archive state at a version cutoff:
// a small number selects by version count, a 14-digit decimal date by
// snapshot date. Truncated dates are not padded here; expand them with
// [ParseUntil] first.
func WithUntil(until int64) Option {
	return func(c *config) { c.until = until }
}

// WithForce overwrites existing output files on extract and re-adds files
// whose date is unchanged on add.
func WithForce() Option {
	return func(c *config) { c.force = true }
}

// WithFragile writes blocks without locator tags, hash trailers or
// redundant fragment size lists. Fragile archives are smaller and faster
// but cannot be recovered after damage.
func WithFragile() Option {
	return func(c *config) { c.fragile = true }
}

// WithAll lists every version of each file rather than only the latest.
func WithAll() Option {
	return func(c *config) { c.all = true }
}

// ValidateMethod reports whether s is a usable -method argument.
func ValidateMethod(s string) error {
	_, err := codec.ParseMethod(s)
	return err
}

// WithMethod selects the compression method string: "0".."6", or an
// "s"-prefixed level for streaming mode. Unparseable strings keep the
// default; validate with [ValidateMethod] first.
func WithMethod(s string) Option {
	return func(c *config) {
		if m, err := codec.ParseMethod(s); err == nil {
			c.method = m
		}
	}
}

// WithBlockSize caps the uncompressed data block size.
func WithBlockSize(n int) Option {
	return func(c *config) { c.blockSize = n }
}

// WithSince starts listings at the given version number; negative values
// count back from the newest.
func WithSince(v int) Option {
	return func(c *config) { c.since = v }
}

// WithSummary switches List to summary mode showing the top n entries per
// aggregate.
func WithSummary(n int) Option {
	return func(c *config) { c.summary = n }
}

// WithNot excludes paths covered by the given names.
func WithNot(names ...string) Option {
	return func(c *config) { c.not = append(c.not, names...) }
}

// WithTo renames, pairing each name argument with the corresponding target
// prefix: archive names on add, output locations on extract.
func WithTo(targets ...string) Option {
	return func(c *config) { c.to = append(c.to, targets...) }
}
