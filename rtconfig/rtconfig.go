// Package rtconfig loads the runtime's YAML-sourced configuration and
// evaluates its string-formula numeric values ("1024 * 1024",
// "3 * 60 * 1000"), matching the original implementation's
// source/config.cc StringCalculate helper. Values are watchable: callers
// register a per-key monitor that fires whenever Load or Set changes the
// resolved value, mirroring the original's ConfigVar::addMonitor.
package rtconfig

import (
	"fmt"
	"sync"

	"github.com/3173936816/go-webserver/rterrors"
	"gopkg.in/yaml.v3"
)

// Source holds a mutable tree of configuration values plus their resolved
// (evaluated) forms and change monitors. The zero value is not usable;
// construct with New, which fills in the documented defaults for every
// key in SPEC_FULL.md's Configuration table.
type Source struct {
	mu       sync.RWMutex
	raw      map[string]any  // dotted-key -> raw YAML scalar
	resolved map[string]int64 // dotted-key -> evaluated formula, for numeric keys
	monitors map[string][]func(oldVal, newVal int64)
}

// defaults mirrors the original coroutine.cc/config.cc default formulas.
var defaults = map[string]string{
	"coroutine.stackSize":                  "1024 * 1024",
	"server.server_tcp_recv_timeout":       "3 * 60 * 1000",
	"server.server_tcp_send_timeout":       "3 * 60 * 1000",
	"server.server_udp_recv_timeout":       "3 * 1000",
	"server.server_udp_send_timeout":       "3 * 1000",
	"http.http_request_buff_size":          "4 * 1024",
	"http.http_request_max_body_size":      "10 * 1024 * 1024",
	"http.http_response_buff_size":         "4 * 1024",
	"http.http_response_max_body_size":     "10 * 1024 * 1024",
}

// New returns a Source populated with documented defaults.
func New() *Source {
	s := &Source{
		raw:      make(map[string]any),
		resolved: make(map[string]int64),
		monitors: make(map[string][]func(int64, int64)),
	}
	for k, v := range defaults {
		s.raw[k] = v
		n, err := Evaluate(v)
		if err != nil {
			// defaults are compiled-in constants; a failure here is a
			// programmer error, not a runtime config error.
			panic(fmt.Sprintf("rtconfig: invalid default formula for %q: %v", k, err))
		}
		s.resolved[k] = n
	}
	return s
}

// Load parses a YAML document into dotted keys, merging over (and
// overwriting) existing values, then re-evaluates and notifies monitors
// for every changed formula key. Only string scalars that parse as a
// formula get a resolved numeric form; every other scalar (including a
// plain YAML integer) is stored as a raw value, retrievable via Raw, with
// no resolved form.
func (s *Source) Load(doc []byte) error {
	var tree map[string]any
	if err := yaml.Unmarshal(doc, &tree); err != nil {
		return rterrors.Wrap(rterrors.KindConfig, "rtconfig: parse yaml", err)
	}

	flat := make(map[string]any)
	flatten("", tree, flat)

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, val := range flat {
		s.raw[key] = val
		str, isStr := val.(string)
		if !isStr {
			continue
		}
		n, err := Evaluate(str)
		if err != nil {
			// Not every string scalar is a formula (e.g. thread names);
			// skip keys that don't parse as arithmetic.
			continue
		}
		old, had := s.resolved[key]
		s.resolved[key] = n
		if !had || old != n {
			for _, fn := range s.monitors[key] {
				fn(old, n)
			}
		}
	}
	return nil
}

// Set overwrites a single key's raw formula string, re-evaluates it, and
// notifies monitors if the resolved value changed. Returns a KindConfig
// error if the formula doesn't parse.
func (s *Source) Set(key, formula string) error {
	n, err := Evaluate(formula)
	if err != nil {
		return rterrors.Wrap(rterrors.KindConfig, fmt.Sprintf("rtconfig: key %q", key), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.raw[key] = formula
	old, had := s.resolved[key]
	s.resolved[key] = n
	if !had || old != n {
		for _, fn := range s.monitors[key] {
			fn(old, n)
		}
	}
	return nil
}

// Int64 returns the resolved (evaluated) value of a numeric/formula key.
func (s *Source) Int64(key string) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.resolved[key]
	return n, ok
}

// Raw returns the unevaluated raw value stored for key.
func (s *Source) Raw(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.raw[key]
	return v, ok
}

// OnChange registers fn to be called whenever key's resolved value
// changes via Load or Set, with the old and new values. It is not called
// for the value already present at registration time; call Int64 first
// if you need the current value.
func (s *Source) OnChange(key string, fn func(oldVal, newVal int64)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.monitors[key] = append(s.monitors[key], fn)
}

func flatten(prefix string, tree map[string]any, out map[string]any) {
	for k, v := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			flatten(key, nested, out)
			continue
		}
		out[key] = v
	}
}
