package env

import (
	"fmt"
	"path/filepath"
)

const (
	DefaultPageSize        = 4096
	DefaultSchemaVersion   = 1
	DefaultMinIncreaseSize = 16 * DefaultPageSize
	DefaultMaxIncreaseSize = 1 << 30 // 1 GiB, matches pager's growth cap
	DefaultSectionSize     = 4096
)

// Options configures an Environment. Path empty means memory-only,
// backed by pager.MemPager instead of a real file.
type Options struct {
	name          string
	path          string
	pageSize      int
	schemaVersion uint32
	minIncrease   int64
	maxIncrease   int64
	sectionSize   uint64
}

// DefaultOptions returns the baseline configuration: memory-only, a
// 4 KiB page size, and the growth policy's default throttling range.
func DefaultOptions() *Options {
	return &Options{
		pageSize:      DefaultPageSize,
		schemaVersion: DefaultSchemaVersion,
		minIncrease:   DefaultMinIncreaseSize,
		maxIncrease:   DefaultMaxIncreaseSize,
		sectionSize:   DefaultSectionSize,
	}
}

// WithName sets the label this environment reports its metrics under.
// Defaults to the path's base name, or "memory" for a memory-only
// environment, if never set.
func (o *Options) WithName(name string) *Options {
	o.name = name
	return o
}

func (o *Options) WithPath(path string) *Options {
	o.path = path
	return o
}

// metricsName returns the label to use for this environment's metrics.
func (o *Options) metricsName() string {
	if o.name != "" {
		return o.name
	}
	if o.path != "" {
		return filepath.Base(o.path)
	}
	return "memory"
}

func (o *Options) WithPageSize(pageSize int) *Options {
	o.pageSize = pageSize
	return o
}

func (o *Options) WithSchemaVersion(v uint32) *Options {
	o.schemaVersion = v
	return o
}

func (o *Options) WithMinIncreaseSize(n int64) *Options {
	o.minIncrease = n
	return o
}

func (o *Options) WithMaxIncreaseSize(n int64) *Options {
	o.maxIncrease = n
	return o
}

func (o *Options) WithSectionSize(pages uint64) *Options {
	o.sectionSize = pages
	return o
}

func (o *Options) memoryOnly() bool { return o.path == "" }

func validOptions(o *Options) error {
	if o == nil {
		return fmt.Errorf("env: nil options")
	}
	if o.pageSize < 512 || o.pageSize&(o.pageSize-1) != 0 {
		return fmt.Errorf("env: page size must be a power of two >= 512, got %d", o.pageSize)
	}
	if o.sectionSize == 0 {
		return fmt.Errorf("env: section size must be positive")
	}
	if o.minIncrease <= 0 || o.maxIncrease < o.minIncrease {
		return fmt.Errorf("env: invalid increase bounds [%d, %d]", o.minIncrease, o.maxIncrease)
	}
	return nil
}
