package tracer

import "time"

// Limits bounds one trace run.
type Limits struct {
	DefaultDepth     int      `yaml:"default_depth"`
	MaxDepth         int      `yaml:"max_depth"`           // Ceiling; larger requests are clamped
	EventsPerHop     int      `yaml:"events_per_hop"`      // Per window, newest first
	MaxQueue         int      `yaml:"max_queue"`           // Pending frontier items
	MaxEventsPerNode int      `yaml:"max_events_per_node"` // After dedup, per frontier item
	BlockWindows     []uint64 `yaml:"block_windows"`       // Ascending window sizes in blocks
	MaxLookback      uint64   `yaml:"max_lookback"`        // Blocks behind head

	BuildConcurrency int           `yaml:"build_concurrency"`
	WindowTimeout    time.Duration `yaml:"window_timeout"`
	LookupTimeout    time.Duration `yaml:"lookup_timeout"`
	MaxIterations    int           `yaml:"max_iterations"`
}

// DefaultLimits returns the production limits.
func DefaultLimits() Limits {
	return Limits{
		DefaultDepth:     5,
		MaxDepth:         10,
		EventsPerHop:     15,
		MaxQueue:         500,
		MaxEventsPerNode: 800,
		BlockWindows: []uint64{
			50_000,     // ~1 week of Ethereum blocks
			250_000,    // ~1 month
			1_000_000,  // ~4 months
			2_500_000,  // ~1 year
			5_000_000,  // ~2 years
			10_000_000, // ~4 years
		},
		MaxLookback:      15_000_000,
		BuildConcurrency: 8,
		WindowTimeout:    20 * time.Second,
		LookupTimeout:    10 * time.Second,
		MaxIterations:    5000,
	}
}

// WithDefaults fills zero fields from DefaultLimits.
func (l Limits) WithDefaults() Limits {
	d := DefaultLimits()
	if l.DefaultDepth <= 0 {
		l.DefaultDepth = d.DefaultDepth
	}
	if l.MaxDepth <= 0 {
		l.MaxDepth = d.MaxDepth
	}
	if l.EventsPerHop <= 0 {
		l.EventsPerHop = d.EventsPerHop
	}
	if l.MaxQueue <= 0 {
		l.MaxQueue = d.MaxQueue
	}
	if l.MaxEventsPerNode <= 0 {
		l.MaxEventsPerNode = d.MaxEventsPerNode
	}
	if len(l.BlockWindows) == 0 {
		l.BlockWindows = d.BlockWindows
	}
	if l.MaxLookback == 0 {
		l.MaxLookback = d.MaxLookback
	}
	if l.BuildConcurrency <= 0 {
		l.BuildConcurrency = d.BuildConcurrency
	}
	if l.WindowTimeout <= 0 {
		l.WindowTimeout = d.WindowTimeout
	}
	if l.LookupTimeout <= 0 {
		l.LookupTimeout = d.LookupTimeout
	}
	if l.MaxIterations <= 0 {
		l.MaxIterations = d.MaxIterations
	}
	return l
}

// ClampDepth resolves a requested depth: 0 or negative means the default,
// anything above the ceiling is silently lowered to it.
func (l Limits) ClampDepth(requested int) int {
	if requested <= 0 {
		requested = l.DefaultDepth
	}
	return min(requested, l.MaxDepth)
}
