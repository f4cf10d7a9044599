package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/migadu/mailroute/config"
	"github.com/migadu/mailroute/consts"
	pkgerrors "github.com/migadu/mailroute/pkg/errors"
	"github.com/migadu/mailroute/server/mail"
	"github.com/migadu/mailroute/server/mailet"
	"github.com/migadu/mailroute/server/resolver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const raw = "From: alice@example.com\r\n" +
	"To: bob@example.org\r\n" +
	"Subject: hello\r\n" +
	"\r\n" +
	"hi\r\n"

type recordingSender struct {
	mu   sync.Mutex
	sent []*mail.Mail
}

func (s *recordingSender) SendMail(_ context.Context, m *mail.Mail) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, m)
	return nil
}

type staticDirectory struct {
	mailboxes map[string][]string
	listCalls atomic.Int32
}

func (d *staticDirectory) ListUsers(context.Context) ([]string, error) {
	d.listCalls.Add(1)
	users := make([]string, 0, len(d.mailboxes))
	for u := range d.mailboxes {
		users = append(users, u)
	}
	return users, nil
}

func (d *staticDirectory) ListPrivateMailboxes(_ context.Context, user string) ([]string, error) {
	boxes, ok := d.mailboxes[user]
	if !ok {
		return nil, consts.ErrUserNotFound
	}
	return boxes, nil
}

func testDeps(sender mailet.Sender, dir *staticDirectory) Deps {
	d := Deps{
		Resolver: resolver.New(mail.MustAddress("postmaster@example.net")),
		Sender:   sender,
		Hostname: "mx.example.net",
	}
	if dir != nil {
		d.Directory = dir
	}
	return d
}

func incoming(t *testing.T) *mail.Mail {
	t.Helper()
	sender := mail.MustAddress("alice@example.com")
	m, err := mail.Parse("m1", &sender, []mail.Address{
		mail.MustAddress("bob@example.org"),
		mail.MustAddress("carol@example.org"),
	}, []byte(raw))
	require.NoError(t, err)
	return m
}

func TestParseMatcher(t *testing.T) {
	tests := []struct {
		spec      string
		name      string
		condition string
	}{
		{"", "All", ""},
		{"  ", "All", ""},
		{"All", "All", ""},
		{"SenderDomainIs=example.com", "SenderDomainIs", "example.com"},
		{"SenderDomainIs = example.com, example.org ", "SenderDomainIs", "example.com, example.org"},
		{`SieveTest=header :contains "Subject" "a=b"`, "SieveTest", `header :contains "Subject" "a=b"`},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			name, condition := ParseMatcher(tt.spec)
			assert.Equal(t, tt.name, name)
			assert.Equal(t, tt.condition, condition)
		})
	}
}

func TestBuildRejectsUnknownNames(t *testing.T) {
	tests := []struct {
		name  string
		stage config.StageConfig
		key   string
	}{
		{"unknown matcher", config.StageConfig{Matcher: "RecipientIs=a@b.c", Mailet: "Null"}, "matcher"},
		{"unknown mailet", config.StageConfig{Matcher: "All", Mailet: "ToRepository"}, "mailet"},
		{"missing mailet", config.StageConfig{Matcher: "All"}, "mailet"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.PipelineConfig{Stages: []config.StageConfig{{Mailet: "Null"}, tt.stage}}
			_, err := Build(cfg, testDeps(nil, nil))
			require.Error(t, err)
			assert.ErrorIs(t, err, consts.ErrConfig)

			var cfgErr *pkgerrors.ConfigError
			require.True(t, errors.As(err, &cfgErr))
			assert.Equal(t, "pipeline.stage[1]", cfgErr.Component)
			assert.Equal(t, []string{tt.key}, cfgErr.Keys)
		})
	}
}

func TestBuildRejectsInvalidStages(t *testing.T) {
	tests := []struct {
		name  string
		stage config.StageConfig
	}{
		{"bad sender domain", config.StageConfig{Matcher: "SenderDomainIs=", Mailet: "Null"}},
		{"null with params", config.StageConfig{Mailet: "Null", Params: map[string]string{"x": "y"}}},
		{"resend unknown param", config.StageConfig{Mailet: "Resend", Params: map[string]string{"colour": "blue"}}},
		{"random storing inverted bounds", config.StageConfig{Mailet: "RandomStoring", Params: map[string]string{"min": "5", "max": "2"}}},
	}
	dir := &staticDirectory{mailboxes: map[string][]string{"u@example.com": {"INBOX"}}}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(config.PipelineConfig{Stages: []config.StageConfig{tt.stage}}, testDeps(&recordingSender{}, dir))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "pipeline.stage[0]")
		})
	}
}

func TestBuildRequiresResolver(t *testing.T) {
	_, err := Build(config.PipelineConfig{}, Deps{})
	assert.ErrorIs(t, err, consts.ErrConfig)
}

func TestBuildRandomStoringRequiresDirectory(t *testing.T) {
	cfg := config.PipelineConfig{Stages: []config.StageConfig{{Mailet: "RandomStoring"}}}
	_, err := Build(cfg, testDeps(nil, nil))
	assert.ErrorIs(t, err, consts.ErrConfig)
}

func TestBuiltChainRuns(t *testing.T) {
	sender := &recordingSender{}
	dir := &staticDirectory{mailboxes: map[string][]string{"dave@example.com": {"Archive"}}}

	cfg := config.PipelineConfig{Stages: []config.StageConfig{
		{
			Matcher: "SenderDomainIs=example.com",
			Mailet:  "Resend",
			Params:  map[string]string{"recipients": "postmaster", "passThrough": "true"},
		},
		{
			Mailet: "RandomStoring",
			Params: map[string]string{"min": "1", "max": "1"},
		},
	}}
	chain, err := Build(cfg, testDeps(sender, dir))
	require.NoError(t, err)
	assert.Equal(t, 2, chain.Len())

	m := incoming(t)
	results, err := chain.Run(context.Background(), m)
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.Equal(t, mail.StateProcessing, m.State)
	assert.Equal(t, []mail.Address{mail.MustAddress("dave@example.com")}, m.Recipients())
	path, ok := m.Attribute(consts.DeliveryPathPrefix + "dave@example.com")
	require.True(t, ok)
	assert.Equal(t, "Archive", path)

	require.Len(t, sender.sent, 1)
	assert.Equal(t, []mail.Address{mail.MustAddress("postmaster@example.net")}, sender.sent[0].Recipients())
}

func TestBuiltChainSkipsUnmatchedStage(t *testing.T) {
	sender := &recordingSender{}
	cfg := config.PipelineConfig{Stages: []config.StageConfig{
		{Matcher: "SenderDomainIs=example.org", Mailet: "Resend", Params: map[string]string{"recipients": "postmaster"}},
		{Mailet: "Null"},
	}}
	chain, err := Build(cfg, testDeps(sender, nil))
	require.NoError(t, err)

	m := incoming(t)
	_, err = chain.Run(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, mail.StateGhost, m.State)
	assert.Empty(t, sender.sent)
}

func TestRandomStoringDefaultsAndSharedCache(t *testing.T) {
	dir := &staticDirectory{mailboxes: map[string][]string{
		"a@example.com": {"INBOX", "Sent"},
		"b@example.com": {"INBOX", "Sent"},
		"c@example.com": {"INBOX", "Sent"},
	}}
	deps := testDeps(nil, dir)
	deps.RandomStoring = config.RandomStoringConfig{Min: 2, Max: 2}

	cfg := config.PipelineConfig{Stages: []config.StageConfig{
		{Matcher: "SenderDomainIs=example.com", Mailet: "RandomStoring"},
		{Mailet: "RandomStoring", Params: map[string]string{"min": "1", "max": "1"}},
	}}
	chain, err := Build(cfg, deps)
	require.NoError(t, err)

	m := incoming(t)
	_, err = chain.Run(context.Background(), m)
	require.NoError(t, err)

	// the second stage overrides the defaults and picks a single target
	assert.Len(t, m.Recipients(), 1)
	assert.Equal(t, int32(1), dir.listCalls.Load())
}

func TestRegistryCustomMailet(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, []string{"Null", "RandomStoring", "Resend"}, r.Mailets())

	var built int
	r.RegisterMailet("Drop", func(cfg mailet.Config, _ *Deps) (mailet.Mailet, error) {
		built++
		return mailet.NewNull(mailet.NewConfig(cfg.Name, nil))
	})

	chain, err := r.Build(config.PipelineConfig{Stages: []config.StageConfig{{Mailet: "Drop"}}}, testDeps(nil, nil))
	require.NoError(t, err)
	assert.Equal(t, 1, built)
	assert.Equal(t, 1, chain.Len())
}
