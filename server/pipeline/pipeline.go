// Package pipeline builds a mailet chain from configuration.
package pipeline

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/migadu/mailroute/config"
	"github.com/migadu/mailroute/logger"
	pkgerrors "github.com/migadu/mailroute/pkg/errors"
	"github.com/migadu/mailroute/server/mailet"
	"github.com/migadu/mailroute/server/matcher"
	"github.com/migadu/mailroute/server/randomstore"
	"github.com/migadu/mailroute/server/redirect"
	"github.com/migadu/mailroute/server/resolver"
)

// Deps are the collaborators handed to mailet constructors.
type Deps struct {
	Resolver      *resolver.Resolver
	Sender        mailet.Sender
	DomainChecker redirect.DomainChecker
	Directory     randomstore.Directory
	Hostname      string

	// RandomStoring supplies min, max and cache_ttl defaults to every
	// RandomStoring stage.
	RandomStoring config.RandomStoringConfig

	// built once per Build and shared by every RandomStoring stage
	targets *randomstore.TargetCache
}

type MatcherFactory func(condition string) (matcher.Matcher, error)

type MailetFactory func(cfg mailet.Config, deps *Deps) (mailet.Mailet, error)

// Registry maps configuration names to constructors.
type Registry struct {
	matchers map[string]MatcherFactory
	mailets  map[string]MailetFactory
}

// NewRegistry returns a registry holding the built-in matchers (All,
// SenderDomainIs, SieveTest) and mailets (Null, Resend, RandomStoring).
func NewRegistry() *Registry {
	r := &Registry{
		matchers: make(map[string]MatcherFactory),
		mailets:  make(map[string]MailetFactory),
	}

	r.RegisterMatcher("All", func(string) (matcher.Matcher, error) {
		return matcher.NewAll(), nil
	})
	r.RegisterMatcher("SenderDomainIs", func(condition string) (matcher.Matcher, error) {
		return matcher.NewSenderDomainIs(condition)
	})
	r.RegisterMatcher("SieveTest", func(condition string) (matcher.Matcher, error) {
		return matcher.NewSieveTest(condition)
	})

	r.RegisterMailet("Null", func(cfg mailet.Config, _ *Deps) (mailet.Mailet, error) {
		return mailet.NewNull(cfg)
	})
	r.RegisterMailet("Resend", newResend)
	r.RegisterMailet("RandomStoring", newRandomStoring)
	return r
}

func (r *Registry) RegisterMatcher(name string, f MatcherFactory) {
	r.matchers[name] = f
}

func (r *Registry) RegisterMailet(name string, f MailetFactory) {
	r.mailets[name] = f
}

// Mailets returns the registered mailet names, sorted.
func (r *Registry) Mailets() []string {
	names := make([]string, 0, len(r.mailets))
	for n := range r.mailets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ParseMatcher splits "Name=condition". A spec without "=" has an empty
// condition, and an empty spec is All.
func ParseMatcher(spec string) (name, condition string) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return "All", ""
	}
	name, condition, _ = strings.Cut(spec, "=")
	return strings.TrimSpace(name), strings.TrimSpace(condition)
}

// Build builds the chain with the built-in registry.
func Build(cfg config.PipelineConfig, deps Deps) (*mailet.Chain, error) {
	return NewRegistry().Build(cfg, deps)
}

// Build constructs every stage in order and fails on the first invalid one.
func (r *Registry) Build(cfg config.PipelineConfig, deps Deps) (*mailet.Chain, error) {
	if deps.Resolver == nil {
		return nil, pkgerrors.NewConfigError("pipeline", "a resolver is required")
	}

	stages := make([]mailet.Stage, 0, len(cfg.Stages))
	for i, sc := range cfg.Stages {
		mName, condition := ParseMatcher(sc.Matcher)
		mf, ok := r.matchers[mName]
		if !ok {
			return nil, &pkgerrors.ConfigError{
				Component: fmt.Sprintf("pipeline.stage[%d]", i),
				Keys:      []string{"matcher"},
				Err:       fmt.Errorf("unknown matcher %q", mName),
			}
		}
		mt, err := mf(condition)
		if err != nil {
			return nil, fmt.Errorf("pipeline.stage[%d]: matcher %s: %w", i, mName, err)
		}

		name := strings.TrimSpace(sc.Mailet)
		lf, ok := r.mailets[name]
		if !ok {
			return nil, &pkgerrors.ConfigError{
				Component: fmt.Sprintf("pipeline.stage[%d]", i),
				Keys:      []string{"mailet"},
				Err:       fmt.Errorf("unknown mailet %q", name),
			}
		}
		ml, err := lf(mailet.NewConfig(name, sc.Params), &deps)
		if err != nil {
			return nil, fmt.Errorf("pipeline.stage[%d]: mailet %s: %w", i, name, err)
		}

		stages = append(stages, mailet.Stage{Matcher: mt, Mailet: ml})
		logger.Debug("Pipeline: Stage built", "index", i, "matcher", mt.Name(), "mailet", ml.Name())
	}

	logger.Info("Pipeline: Built mailet chain", "stages", len(stages))
	return mailet.NewChain(stages...), nil
}

func newResend(cfg mailet.Config, deps *Deps) (mailet.Mailet, error) {
	return redirect.NewResend(cfg, redirect.Env{
		Resolver:      deps.Resolver,
		Sender:        deps.Sender,
		DomainChecker: deps.DomainChecker,
		Hostname:      deps.Hostname,
	})
}

// newRandomStoring fills missing min and max from the [random_storing]
// defaults before validation.
func newRandomStoring(cfg mailet.Config, deps *Deps) (mailet.Mailet, error) {
	params := make(map[string]string, len(cfg.Params)+2)
	for k, v := range cfg.Params {
		params[k] = v
	}
	if _, ok := params["min"]; !ok && deps.RandomStoring.Min > 0 {
		params["min"] = strconv.Itoa(deps.RandomStoring.Min)
	}
	if _, ok := params["max"]; !ok && deps.RandomStoring.Max > 0 {
		params["max"] = strconv.Itoa(deps.RandomStoring.Max)
	}

	if deps.targets == nil {
		if deps.Directory == nil {
			return nil, pkgerrors.NewConfigError(cfg.Name, "a directory is required")
		}
		ttl, err := deps.RandomStoring.GetCacheTTL()
		if err != nil {
			return nil, &pkgerrors.ConfigError{Component: cfg.Name, Keys: []string{"cache_ttl"}, Err: err}
		}
		deps.targets = randomstore.NewTargetCache(deps.Directory, ttl)
	}

	return randomstore.New(mailet.NewConfig(cfg.Name, params), deps.Directory, randomstore.WithCache(deps.targets))
}
