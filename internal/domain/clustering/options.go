package clustering

// Option applies a configuration option to a clustering Config.
type Option func(*Config)

// WithEnabled turns clustering on or off. Disabled runs always produce the
// single-cluster result.
func WithEnabled(enabled bool) Option {
	return func(c *Config) {
		c.Enabled = enabled
	}
}

// WithAlgorithm selects the strategy.
func WithAlgorithm(a Algorithm) Option {
	return func(c *Config) {
		if a != "" {
			c.Algorithm = a
		}
	}
}

// WithEps sets the density neighbourhood radius in cosine distance.
func WithEps(eps float64) Option {
	return func(c *Config) {
		if eps > 0 {
			c.Eps = eps
		}
	}
}

// WithMinPoints sets the neighbour count (self included) that makes a density seed.
func WithMinPoints(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.MinPoints = n
		}
	}
}

// WithDistanceThreshold sets the edge cutoff for the components strategy.
func WithDistanceThreshold(d float64) Option {
	return func(c *Config) {
		if d > 0 {
			c.DistanceThreshold = d
		}
	}
}

// WithMinClusterSize sets the smallest component kept as a cluster.
func WithMinClusterSize(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.MinClusterSize = n
		}
	}
}
