// Package delivery hands queued messages over to the external SMTP relay.
package delivery

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/migadu/mailroute/config"
	"github.com/migadu/mailroute/consts"
	"github.com/migadu/mailroute/logger"
	"github.com/migadu/mailroute/pkg/circuitbreaker"
)

// RelayError records whether a delivery failure is worth retrying.
type RelayError struct {
	Err       error
	Permanent bool
}

func (e *RelayError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("permanent failure: %v", e.Err)
	}
	return fmt.Sprintf("temporary failure: %v", e.Err)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

// IsPermanentError reports whether err must not be retried: a RelayError
// marked permanent or a 5xx SMTP reply. Network errors are temporary.
func IsPermanentError(err error) bool {
	if err == nil {
		return false
	}

	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		return relayErr.Permanent
	}

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return !smtpErr.Temporary()
	}
	return false
}

// SMTPRelayHandler relays messages to one SMTP host, behind a circuit
// breaker when one is set.
type SMTPRelayHandler struct {
	SMTPHost       string
	UseTLS         bool
	TLSVerify      bool
	UseStartTLS    bool
	TLSCertFile    string // client certificate for mTLS
	TLSKeyFile     string
	Username       string // AUTH PLAIN when set
	Password       string
	CircuitBreaker *circuitbreaker.CircuitBreaker
}

func (r *SMTPRelayHandler) GetCircuitBreaker() *circuitbreaker.CircuitBreaker {
	return r.CircuitBreaker
}

// SendToExternalRelay delivers message from the reverse path from (empty
// for the null sender) to every address in to.
func (r *SMTPRelayHandler) SendToExternalRelay(ctx context.Context, from string, to []string, message []byte) error {
	if r.SMTPHost == "" {
		return &RelayError{Err: consts.ErrRelayNotConfigured, Permanent: false}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if r.CircuitBreaker == nil {
		return r.send(from, to, message)
	}

	err := r.CircuitBreaker.Execute(func() error {
		return r.send(from, to, message)
	})
	if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
		logger.Warn("SMTP Relay: Circuit breaker is OPEN, skipping delivery", "host", r.SMTPHost)
		return fmt.Errorf("SMTP relay circuit breaker is open: %w", err)
	}
	return err
}

func (r *SMTPRelayHandler) dial() (*smtp.Client, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		Renegotiation:      tls.RenegotiateNever,
		InsecureSkipVerify: !r.TLSVerify,
	}
	if r.TLSCertFile != "" && r.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(r.TLSCertFile, r.TLSKeyFile)
		if err != nil {
			return nil, &RelayError{Err: fmt.Errorf("failed to load client certificate: %w", err), Permanent: true}
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	var (
		c   *smtp.Client
		err error
	)
	switch {
	case !r.UseTLS:
		c, err = smtp.Dial(r.SMTPHost)
	case r.UseStartTLS:
		c, err = smtp.DialStartTLS(r.SMTPHost, tlsConfig)
	default:
		c, err = smtp.DialTLS(r.SMTPHost, tlsConfig)
	}
	if err != nil {
		return nil, &RelayError{Err: fmt.Errorf("failed to connect to SMTP relay %s: %w", r.SMTPHost, err)}
	}
	return c, nil
}

func (r *SMTPRelayHandler) send(from string, to []string, message []byte) error {
	if len(to) == 0 {
		return &RelayError{Err: errors.New("no recipients"), Permanent: true}
	}

	c, err := r.dial()
	if err != nil {
		return err
	}
	defer c.Close()

	if r.Username != "" {
		if err := c.Auth(sasl.NewPlainClient("", r.Username, r.Password)); err != nil {
			return &RelayError{Err: fmt.Errorf("failed to authenticate: %w", err), Permanent: IsPermanentError(err)}
		}
	}

	if err := c.Mail(from, nil); err != nil {
		return &RelayError{Err: fmt.Errorf("failed to set sender: %w", err), Permanent: IsPermanentError(err)}
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return &RelayError{Err: fmt.Errorf("failed to set recipient %s: %w", rcpt, err), Permanent: IsPermanentError(err)}
		}
	}

	wc, err := c.Data()
	if err != nil {
		return &RelayError{Err: fmt.Errorf("failed to start data: %w", err), Permanent: IsPermanentError(err)}
	}
	if _, err := wc.Write(message); err != nil {
		_ = wc.Close()
		return &RelayError{Err: fmt.Errorf("failed to write message: %w", err)}
	}
	if err := wc.Close(); err != nil {
		return &RelayError{Err: fmt.Errorf("failed to close data writer: %w", err), Permanent: IsPermanentError(err)}
	}

	// the message is accepted at this point
	if err := c.Quit(); err != nil {
		logger.Warn("SMTP Relay: Failed to send QUIT", "error", err)
	}
	return nil
}

// CircuitBreakerConfig tunes the breaker in front of the relay.
type CircuitBreakerConfig struct {
	Threshold   int
	Timeout     time.Duration
	MaxRequests int
}

// NewSMTPRelayHandler builds the relay handler with its circuit breaker.
func NewSMTPRelayHandler(cfg config.RelayConfig) (*SMTPRelayHandler, error) {
	if !cfg.IsConfigured() {
		return nil, consts.ErrRelayNotConfigured
	}
	if !cfg.IsSMTP() {
		return nil, fmt.Errorf("%w: unsupported relay type %q", consts.ErrConfig, cfg.Type)
	}
	if cfg.SMTPHost == "" {
		return nil, fmt.Errorf("%w: relay smtp_host is required", consts.ErrConfig)
	}

	timeout, err := cfg.Queue.GetCircuitBreakerTimeout()
	if err != nil {
		return nil, fmt.Errorf("%w: circuit_breaker_timeout: %v", consts.ErrConfig, err)
	}

	return &SMTPRelayHandler{
		SMTPHost:    cfg.SMTPHost,
		UseTLS:      cfg.SMTPTLS,
		TLSVerify:   cfg.SMTPTLSVerify,
		UseStartTLS: cfg.SMTPUseStartTLS,
		TLSCertFile: cfg.SMTPTLSCertFile,
		TLSKeyFile:  cfg.SMTPTLSKeyFile,
		Username:    cfg.SMTPUsername,
		Password:    cfg.SMTPPassword,
		CircuitBreaker: NewCircuitBreaker("smtp_relay", CircuitBreakerConfig{
			Threshold:   cfg.Queue.GetCircuitBreakerThreshold(),
			Timeout:     timeout,
			MaxRequests: cfg.Queue.GetCircuitBreakerMaxRequests(),
		}),
	}, nil
}

// NewCircuitBreaker opens after Threshold consecutive failures. Permanent
// failures do not count towards it.
func NewCircuitBreaker(name string, cbConfig CircuitBreakerConfig) *circuitbreaker.CircuitBreaker {
	if cbConfig.Threshold <= 0 {
		cbConfig.Threshold = 5
	}
	if cbConfig.Timeout <= 0 {
		cbConfig.Timeout = 30 * time.Second
	}
	if cbConfig.MaxRequests <= 0 {
		cbConfig.MaxRequests = 3
	}

	return circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
		Name:        name,
		MaxRequests: uint32(cbConfig.MaxRequests),
		Interval:    10 * time.Second,
		Timeout:     cbConfig.Timeout,
		ReadyToTrip: func(counts circuitbreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cbConfig.Threshold)
		},
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			logger.Warn("SMTP Relay: Circuit breaker changed state", "name", name, "from", from, "to", to)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || IsPermanentError(err)
		},
	})
}
