package asyncfiber

// loopOptions holds configuration resolved from [LoopOption] values passed to [New].
type loopOptions struct {
	metricsEnabled bool
	logger         Logger
}

// LoopOption configures a [Loop] at construction.
type LoopOption interface {
	applyLoop(*loopOptions) error
}

type loopOptionFunc func(*loopOptions) error

func (f loopOptionFunc) applyLoop(opts *loopOptions) error { return f(opts) }

// WithMetrics enables atomic counters on the loop, readable via [Loop.Metrics].
func WithMetrics(enabled bool) LoopOption {
	return loopOptionFunc(func(opts *loopOptions) error {
		opts.metricsEnabled = enabled
		return nil
	})
}

// WithLogger sets the [Logger] the loop and its fiber watchdogs use for
// recovered panics and fault/lifecycle events. Defaults to a no-op logger.
func WithLogger(logger Logger) LoopOption {
	return loopOptionFunc(func(opts *loopOptions) error {
		opts.logger = logger
		return nil
	})
}

func resolveLoopOptions(opts []LoopOption) (*loopOptions, error) {
	cfg := &loopOptions{logger: noopLogger{}}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyLoop(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
