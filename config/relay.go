package config

import (
	"time"
)

// RelayConfig defines the external SMTP relay that composed messages are handed to
type RelayConfig struct {
	// Type of relay: only "smtp" is supported
	Type string `toml:"type"`

	SMTPHost        string `toml:"smtp_host"`          // SMTP server address (e.g., "smtp.example.com:587")
	SMTPTLS         bool   `toml:"smtp_tls"`           // Use TLS for SMTP connection
	SMTPTLSVerify   bool   `toml:"smtp_tls_verify"`    // Verify TLS certificates
	SMTPUseStartTLS bool   `toml:"smtp_use_starttls"`  // Use STARTTLS instead of direct TLS
	SMTPTLSCertFile string `toml:"smtp_tls_cert_file"` // Client certificate for mTLS (optional)
	SMTPTLSKeyFile  string `toml:"smtp_tls_key_file"`  // Client key for mTLS (optional)
	SMTPUsername    string `toml:"smtp_username"`      // AUTH PLAIN identity (optional)
	SMTPPassword    string `toml:"smtp_password"`

	// Queue configuration (nested under [relay.queue] in TOML)
	Queue RelayQueueConfig `toml:"queue"`
}

// RelayQueueConfig holds relay queue configuration for the disk-based outbox
type RelayQueueConfig struct {
	Path                      string   `toml:"path"`                         // Base path for queue storage
	WorkerInterval            string   `toml:"worker_interval"`              // How often the worker drains the queue
	BatchSize                 int      `toml:"batch_size"`                   // Messages per worker cycle
	Concurrency               int      `toml:"concurrency"`                  // Concurrent deliveries
	MaxAttempts               int      `toml:"max_attempts"`                 // Attempts before moving to failed
	RetryBackoff              []string `toml:"retry_backoff"`                // e.g. ["1m", "5m", "15m", "1h", "6h", "1d"]
	FailedRetention           string   `toml:"failed_retention"`             // How long failed messages are kept; "0" keeps them
	CircuitBreakerThreshold   int      `toml:"circuit_breaker_threshold"`    // Consecutive failures before opening
	CircuitBreakerTimeout     string   `toml:"circuit_breaker_timeout"`      // Recovery test interval
	CircuitBreakerMaxRequests int      `toml:"circuit_breaker_max_requests"` // Requests allowed while half-open
}

// IsConfigured returns true if the relay is configured
func (r *RelayConfig) IsConfigured() bool {
	return r.Type != ""
}

// IsSMTP returns true if this is an SMTP relay
func (r *RelayConfig) IsSMTP() bool {
	return r.Type == "smtp"
}

// GetQueuePath returns the queue path with default if not set
func (r *RelayConfig) GetQueuePath() string {
	if r.Queue.Path != "" {
		return r.Queue.Path
	}
	return "/var/spool/mailroute/outbox"
}

// GetWorkerInterval parses the worker interval duration
func (q *RelayQueueConfig) GetWorkerInterval() (time.Duration, error) {
	if q.WorkerInterval == "" {
		return time.Minute, nil
	}
	return ParseDuration(q.WorkerInterval)
}

// GetRetryBackoff parses the retry backoff durations
func (q *RelayQueueConfig) GetRetryBackoff() ([]time.Duration, error) {
	if len(q.RetryBackoff) == 0 {
		return []time.Duration{
			1 * time.Minute,
			5 * time.Minute,
			15 * time.Minute,
			1 * time.Hour,
			6 * time.Hour,
			24 * time.Hour,
		}, nil
	}

	backoff := make([]time.Duration, 0, len(q.RetryBackoff))
	for _, b := range q.RetryBackoff {
		d, err := ParseDuration(b)
		if err != nil {
			return nil, err
		}
		backoff = append(backoff, d)
	}
	return backoff, nil
}

// GetFailedRetention returns how long failed messages are kept. Zero
// disables the cleanup.
func (q *RelayQueueConfig) GetFailedRetention() (time.Duration, error) {
	if q.FailedRetention == "" {
		return 7 * 24 * time.Hour, nil
	}
	return ParseDuration(q.FailedRetention)
}

// GetCircuitBreakerThreshold returns the failure threshold with default
func (q *RelayQueueConfig) GetCircuitBreakerThreshold() int {
	if q.CircuitBreakerThreshold <= 0 {
		return 5
	}
	return q.CircuitBreakerThreshold
}

// GetCircuitBreakerTimeout returns the circuit breaker timeout with default
func (q *RelayQueueConfig) GetCircuitBreakerTimeout() (time.Duration, error) {
	if q.CircuitBreakerTimeout == "" {
		return 30 * time.Second, nil
	}
	return ParseDuration(q.CircuitBreakerTimeout)
}

// GetCircuitBreakerMaxRequests returns the half-open request budget with default
func (q *RelayQueueConfig) GetCircuitBreakerMaxRequests() int {
	if q.CircuitBreakerMaxRequests <= 0 {
		return 3
	}
	return q.CircuitBreakerMaxRequests
}
