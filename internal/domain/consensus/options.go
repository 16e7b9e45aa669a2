package consensus

// Option applies a configuration option to a consensus Config.
type Option func(*Config)

// WithThreshold sets the minimum support ratio for consensus.
func WithThreshold(t float64) Option {
	return func(c *Config) {
		if t > 0 && t <= 1 {
			c.Threshold = t
		}
	}
}

// WithMinEvaluatorAlignment sets the minimum confidence for consensus.
func WithMinEvaluatorAlignment(a float64) Option {
	return func(c *Config) {
		if a > 0 && a <= 1 {
			c.MinEvaluatorAlignment = a
		}
	}
}

// WithOutlierSigma sets the sigma multiplier of the outlier threshold.
func WithOutlierSigma(k float64) Option {
	return func(c *Config) {
		if k > 0 {
			c.OutlierSigma = k
		}
	}
}
