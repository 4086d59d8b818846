package resilience

import "time"

// RetrySettings mirrors the retry section of the application config.
type RetrySettings struct {
	MaxAttempts      int
	InitialBackoffMs int
	MaxBackoffMs     int
	Multiplier       float64
}

// CircuitSettings mirrors the circuit section of the application config.
type CircuitSettings struct {
	FailureThreshold int
	ResetTimeoutSecs int
}

// Retry converts s to a RetryConfig; zero fields keep the defaults.
func (s RetrySettings) Retry() RetryConfig {
	cfg := DefaultRetryConfig()
	if s.MaxAttempts > 0 {
		cfg.MaxAttempts = s.MaxAttempts
	}
	if s.InitialBackoffMs > 0 {
		cfg.InitialBackoff = time.Duration(s.InitialBackoffMs) * time.Millisecond
	}
	if s.MaxBackoffMs > 0 {
		cfg.MaxBackoff = time.Duration(s.MaxBackoffMs) * time.Millisecond
	}
	if s.Multiplier > 0 {
		cfg.Multiplier = s.Multiplier
	}
	return cfg
}

// Breaker builds a circuit breaker from s.
func (s CircuitSettings) Breaker(onChange func(from, to CircuitState)) *CircuitBreaker {
	cfg := DefaultCircuitBreakerConfig()
	if s.FailureThreshold > 0 {
		cfg.FailureThreshold = s.FailureThreshold
	}
	if s.ResetTimeoutSecs > 0 {
		cfg.ResetTimeout = time.Duration(s.ResetTimeoutSecs) * time.Second
	}
	cfg.OnStateChange = onChange
	return NewCircuitBreaker(cfg)
}
