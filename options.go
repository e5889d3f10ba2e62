package txengine

import "time"

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithDefaultConfirmations sets how many confirmations a transaction needs
// before it is considered confirmed, unless overridden per submission.
func WithDefaultConfirmations(n uint64) Option {
	return func(m *Manager) {
		if n > 0 {
			m.confirmations = n
		}
	}
}

// WithDefaultPollInterval sets how often trackers poll for receipts.
func WithDefaultPollInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

// WithDefaultTrackTimeout sets how long a tracker waits before giving up on
// a transaction and marking it failed.
func WithDefaultTrackTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.trackTimeout = d
		}
	}
}

// WithBumpPercent sets the fee increase applied when building cancellation
// and speed-up replacements.
func WithBumpPercent(pct int64) Option {
	return func(m *Manager) {
		if pct > 0 {
			m.bumpPercent = pct
		}
	}
}

// WithFeeQuoteTTL sets how long fee oracle responses stay cached.
func WithFeeQuoteTTL(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.feeTTL = d
		}
	}
}

// WithHeadSource wires a streaming head subscription into the manager so
// trackers re-check immediately on every new block instead of waiting for
// the next poll tick.
func WithHeadSource(hs HeadSource) Option {
	return func(m *Manager) {
		m.heads = hs
	}
}

// SubmitOptions overrides tracking parameters for a single submission. Zero
// fields fall back to the manager defaults.
type SubmitOptions struct {
	Confirmations uint64
	PollInterval  time.Duration
	Timeout       time.Duration
}
