package delivery

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/migadu/mailroute/config"
	"github.com/migadu/mailroute/consts"
	"github.com/migadu/mailroute/pkg/circuitbreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type received struct {
	from string
	to   []string
	data []byte
	user string
}

// testBackend is an in-process SMTP server recording what it accepts.
type testBackend struct {
	mu       sync.Mutex
	messages []received

	rcptErr  error
	password string
}

func (b *testBackend) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	return &testSession{backend: b}, nil
}

func (b *testBackend) accepted() []received {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]received(nil), b.messages...)
}

type testSession struct {
	backend *testBackend
	current received
}

func (s *testSession) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *testSession) Auth(mech string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if password != s.backend.password {
			return &smtp.SMTPError{Code: 535, EnhancedCode: smtp.EnhancedCode{5, 7, 8}, Message: "bad credentials"}
		}
		s.current.user = username
		return nil
	}), nil
}

func (s *testSession) Mail(from string, _ *smtp.MailOptions) error {
	s.current.from = from
	return nil
}

func (s *testSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	if s.backend.rcptErr != nil {
		return s.backend.rcptErr
	}
	s.current.to = append(s.current.to, to)
	return nil
}

func (s *testSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.current.data = data
	s.backend.mu.Lock()
	s.backend.messages = append(s.backend.messages, s.current)
	s.backend.mu.Unlock()
	return nil
}

func (s *testSession) Reset() {
	user := s.current.user
	s.current = received{user: user}
}

func (s *testSession) Logout() error {
	return nil
}

func startSMTPServer(t *testing.T, be *testBackend) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := smtp.NewServer(be)
	s.Domain = "localhost"
	s.AllowInsecureAuth = true
	s.ReadTimeout = 5 * time.Second
	s.WriteTimeout = 5 * time.Second

	go s.Serve(l)
	t.Cleanup(func() { s.Close() })
	return l.Addr().String()
}

// closedAddr returns an address nothing listens on.
func closedAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()
	return addr
}

const testMessage = "From: a@example.com\r\nTo: b@example.org\r\nSubject: hi\r\n\r\nhello\r\n"

func TestSMTPRelayDelivers(t *testing.T) {
	be := &testBackend{password: "secret"}
	addr := startSMTPServer(t, be)

	h := &SMTPRelayHandler{SMTPHost: addr, Username: "relay", Password: "secret"}
	err := h.SendToExternalRelay(context.Background(), "a@example.com",
		[]string{"b@example.org", "c@example.org"}, []byte(testMessage))
	require.NoError(t, err)

	msgs := be.accepted()
	require.Len(t, msgs, 1)
	assert.Equal(t, "a@example.com", msgs[0].from)
	assert.Equal(t, []string{"b@example.org", "c@example.org"}, msgs[0].to)
	assert.Equal(t, "relay", msgs[0].user)
	assert.Contains(t, string(msgs[0].data), "Subject: hi")
}

func TestSMTPRelayNullSender(t *testing.T) {
	be := &testBackend{}
	addr := startSMTPServer(t, be)

	h := &SMTPRelayHandler{SMTPHost: addr}
	require.NoError(t, h.SendToExternalRelay(context.Background(), "", []string{"b@example.org"}, []byte(testMessage)))

	msgs := be.accepted()
	require.Len(t, msgs, 1)
	assert.Empty(t, msgs[0].from)
}

func TestSMTPRelayErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		rcptErr   error
		password  string
		permanent bool
	}{
		{
			name:      "mailbox unavailable",
			rcptErr:   &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "no such user"},
			permanent: true,
		},
		{
			name:      "greylisted",
			rcptErr:   &smtp.SMTPError{Code: 451, EnhancedCode: smtp.EnhancedCode{4, 7, 1}, Message: "try later"},
			permanent: false,
		},
		{
			name:      "bad credentials",
			password:  "other",
			permanent: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			be := &testBackend{rcptErr: tt.rcptErr, password: "secret"}
			addr := startSMTPServer(t, be)

			h := &SMTPRelayHandler{SMTPHost: addr}
			if tt.password != "" {
				h.Username, h.Password = "relay", tt.password
			}
			err := h.SendToExternalRelay(context.Background(), "a@example.com", []string{"b@example.org"}, []byte(testMessage))
			require.Error(t, err)
			assert.Equal(t, tt.permanent, IsPermanentError(err), "error: %v", err)
			assert.Empty(t, be.accepted())
		})
	}
}

func TestSMTPRelayConnectionFailureIsTemporary(t *testing.T) {
	h := &SMTPRelayHandler{SMTPHost: closedAddr(t)}
	err := h.SendToExternalRelay(context.Background(), "a@example.com", []string{"b@example.org"}, []byte(testMessage))
	require.Error(t, err)
	assert.False(t, IsPermanentError(err))
}

func TestSMTPRelayNotConfigured(t *testing.T) {
	h := &SMTPRelayHandler{}
	err := h.SendToExternalRelay(context.Background(), "a@example.com", []string{"b@example.org"}, []byte(testMessage))
	assert.ErrorIs(t, err, consts.ErrRelayNotConfigured)
}

func TestSMTPRelayCircuitBreakerOpens(t *testing.T) {
	h := &SMTPRelayHandler{
		SMTPHost:       closedAddr(t),
		CircuitBreaker: NewCircuitBreaker("test_relay_open", CircuitBreakerConfig{Threshold: 3, Timeout: time.Hour}),
	}

	for i := 0; i < 3; i++ {
		err := h.SendToExternalRelay(context.Background(), "a@example.com", []string{"b@example.org"}, []byte(testMessage))
		require.Error(t, err)
		assert.False(t, errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen), "attempt %d", i)
	}

	assert.Equal(t, circuitbreaker.StateOpen, h.GetCircuitBreaker().State())
	err := h.SendToExternalRelay(context.Background(), "a@example.com", []string{"b@example.org"}, []byte(testMessage))
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitBreakerOpen)
}

func TestSMTPRelayPermanentFailuresKeepBreakerClosed(t *testing.T) {
	be := &testBackend{rcptErr: &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "no such user"}}
	addr := startSMTPServer(t, be)

	h := &SMTPRelayHandler{
		SMTPHost:       addr,
		CircuitBreaker: NewCircuitBreaker("test_relay_permanent", CircuitBreakerConfig{Threshold: 2, Timeout: time.Hour}),
	}
	for i := 0; i < 5; i++ {
		err := h.SendToExternalRelay(context.Background(), "a@example.com", []string{"b@example.org"}, []byte(testMessage))
		require.Error(t, err)
		assert.True(t, IsPermanentError(err))
	}
	assert.Equal(t, circuitbreaker.StateClosed, h.GetCircuitBreaker().State())
}

func TestNewSMTPRelayHandler(t *testing.T) {
	_, err := NewSMTPRelayHandler(config.RelayConfig{})
	assert.ErrorIs(t, err, consts.ErrRelayNotConfigured)

	_, err = NewSMTPRelayHandler(config.RelayConfig{Type: "http", SMTPHost: "x:25"})
	assert.ErrorIs(t, err, consts.ErrConfig)

	_, err = NewSMTPRelayHandler(config.RelayConfig{Type: "smtp"})
	assert.ErrorIs(t, err, consts.ErrConfig)

	h, err := NewSMTPRelayHandler(config.RelayConfig{
		Type:            "smtp",
		SMTPHost:        "smtp.example.com:587",
		SMTPTLS:         true,
		SMTPUseStartTLS: true,
		SMTPUsername:    "relay",
	})
	require.NoError(t, err)
	assert.Equal(t, "smtp.example.com:587", h.SMTPHost)
	assert.True(t, h.UseStartTLS)
	assert.Equal(t, "relay", h.Username)
	require.NotNil(t, h.GetCircuitBreaker())
	assert.Equal(t, "smtp_relay", h.GetCircuitBreaker().Name())
}

func TestIsPermanentError(t *testing.T) {
	assert.False(t, IsPermanentError(nil))
	assert.False(t, IsPermanentError(errors.New("connection reset")))
	assert.True(t, IsPermanentError(&RelayError{Err: errors.New("x"), Permanent: true}))
	assert.True(t, IsPermanentError(&smtp.SMTPError{Code: 554}))
	assert.False(t, IsPermanentError(&smtp.SMTPError{Code: 421}))
}
