package mailet

import (
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"

	pkgerrors "github.com/migadu/mailroute/pkg/errors"
)

// Config is the flat key/value configuration a mailet instance receives from
// the pipeline. Mailets turn it into a typed configuration in their
// constructor and never look at it again.
type Config struct {
	Name   string
	Params map[string]string
}

// NewConfig copies params so later changes by the caller are not observed.
func NewConfig(name string, params map[string]string) Config {
	cp := make(map[string]string, len(params))
	for k, v := range params {
		cp[k] = v
	}
	return Config{Name: name, Params: cp}
}

// Get returns the raw value of key.
func (c Config) Get(key string) (string, bool) {
	v, ok := c.Params[key]
	return v, ok
}

// GetDefault returns the value of key, or def when the key is absent.
func (c Config) GetDefault(key, def string) string {
	if v, ok := c.Params[key]; ok {
		return v
	}
	return def
}

// Keys returns the configured keys in sorted order.
func (c Config) Keys() []string {
	keys := make([]string, 0, len(c.Params))
	for k := range c.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Validate fails with a ConfigError naming every key that is not in allowed.
func (c Config) Validate(allowed ...string) error {
	var unknown []string
	for _, k := range c.Keys() {
		if !slices.Contains(allowed, k) {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		return &pkgerrors.ConfigError{
			Component: c.Name,
			Keys:      unknown,
			Err:       fmt.Errorf("unexpected init parameters"),
		}
	}
	return nil
}

// GetBool parses key as a case-insensitive "true" or "false". ok is false
// when the key is absent or empty.
func GetBool(c Config, key string) (value bool, ok bool, err error) {
	raw, present := c.Get(key)
	raw = strings.TrimSpace(raw)
	if !present || raw == "" {
		return false, false, nil
	}
	switch strings.ToLower(raw) {
	case "true":
		return true, true, nil
	case "false":
		return false, true, nil
	default:
		return false, false, pkgerrors.NewConfigError(c.Name, "%s must be true or false, got %q", key, raw)
	}
}

// GetBoolDefault is GetBool with a fallback for an absent key.
func GetBoolDefault(c Config, key string, def bool) (bool, error) {
	v, ok, err := GetBool(c, key)
	if err != nil {
		return false, err
	}
	if !ok {
		return def, nil
	}
	return v, nil
}

// GetStrictlyPositiveInt parses key as an integer >= 1. A def of 0 makes the
// key required.
func GetStrictlyPositiveInt(c Config, key string, def int) (int, error) {
	raw := strings.TrimSpace(c.GetDefault(key, ""))
	if raw == "" {
		if def == 0 {
			return 0, pkgerrors.NewConfigError(c.Name, "%s is required. It should be a strictly positive integer", key)
		}
		raw = strconv.Itoa(def)
	}

	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, pkgerrors.NewConfigError(c.Name, "expecting %s to be a strictly positive integer. Got %s", key, raw)
	}
	if n < 1 {
		return 0, pkgerrors.NewConfigError(c.Name, "expecting %s to be a strictly positive integer. Got %d", key, n)
	}
	return n, nil
}
