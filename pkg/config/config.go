// Package config holds process-wide, immutable configuration for the
// engine: the pager's in-memory page budget plus the concurrency-control
// and recovery knobs named in the system specification.
package config

// NumPages is the number of page frames the buffer pool keeps resident.
const NumPages = 1024

// Algorithm selects the concurrency-control strategy the CC manager runs.
type Algorithm int

const (
	LockBased Algorithm = iota
	TimestampBased
	ValidationBased
	MVCC
)

func (a Algorithm) String() string {
	switch a {
	case LockBased:
		return "LockBased"
	case TimestampBased:
		return "TimestampBased"
	case ValidationBased:
		return "ValidationBased"
	case MVCC:
		return "MVCC"
	default:
		return "Unknown"
	}
}

// MVCCVariant selects which multi-version strategy backs the MVCC algorithm.
type MVCCVariant int

const (
	MVTO MVCCVariant = iota
	MV2PL
	SIFCW
	SIFUW
)

func (v MVCCVariant) String() string {
	switch v {
	case MVTO:
		return "MVTO"
	case MV2PL:
		return "MV2PL"
	case SIFCW:
		return "SI-FCW"
	case SIFUW:
		return "SI-FUW"
	default:
		return "Unknown"
	}
}

// Options is the process-wide configuration for one engine instance.
// Build one with New and the With* functional options; it is a plain
// value, and callers may still assign its fields afterwards.
type Options struct {
	WALSize              int
	Algorithm             Algorithm
	MVCCVariant           MVCCVariant
	LockTimeoutSeconds    float64
	MaxRetry              int
	MaxVersionsPerObject  int
	DataDir               string
	LogFilePath           string
}

// Option mutates an in-progress Options during New.
type Option func(*Options)

// Default returns the spec-mandated defaults (§6): wal_size=50,
// lock_timeout_seconds=30, max_retry=3, max_versions_per_object=10.
func Default() Options {
	return Options{
		WALSize:              50,
		Algorithm:            LockBased,
		MVCCVariant:          MVTO,
		LockTimeoutSeconds:   30,
		MaxRetry:             3,
		MaxVersionsPerObject: 10,
		DataDir:              "data",
		LogFilePath:          "data/wal.log",
	}
}

// New builds an Options value from the defaults plus the given overrides.
func New(opts ...Option) Options {
	o := Default()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func WithWALSize(n int) Option { return func(o *Options) { o.WALSize = n } }

func WithAlgorithm(a Algorithm) Option { return func(o *Options) { o.Algorithm = a } }

func WithMVCCVariant(v MVCCVariant) Option { return func(o *Options) { o.MVCCVariant = v } }

func WithLockTimeout(seconds float64) Option {
	return func(o *Options) { o.LockTimeoutSeconds = seconds }
}

func WithMaxRetry(n int) Option { return func(o *Options) { o.MaxRetry = n } }

func WithMaxVersionsPerObject(n int) Option {
	return func(o *Options) { o.MaxVersionsPerObject = n }
}

func WithDataDir(dir string) Option { return func(o *Options) { o.DataDir = dir } }

func WithLogFilePath(path string) Option { return func(o *Options) { o.LogFilePath = path } }
