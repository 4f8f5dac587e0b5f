// Copyright 2026 Patrick J. Scruggs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package grpctap

import (
	"fmt"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// Unlimited disables a byte budget. A Limits field set to Unlimited keeps
// the corresponding data in full; any other value is a byte cap.
//
// Explicit budgets written in a configuration string are bounded to 32 bits,
// so a parsed budget can never equal Unlimited.
const Unlimited uint64 = math.MaxUint64

// Environment variables recognized by [RulesFromEnv].
const (
	envPrefix = "GRPCTAP_"

	// envFilter holds a capture configuration string in the grammar
	// accepted by ParseRules.
	envFilter = envPrefix + "FILTER"
)

// Limits caps how much of a captured call is retained per record.
//
// MaxHeaderBytes budgets metadata (headers and trailers): entries are kept
// in order until the next entry's key+value cost would exceed the budget.
// MaxMessageBytes budgets message payloads: records always report the
// original message length, but carry at most this many payload bytes.
// Zero records existence and length only, with no content.
type Limits struct {
	MaxHeaderBytes  uint64
	MaxMessageBytes uint64
}

// RuleTable resolves the capture limits that apply to a method. It is built
// once by [ParseRules], is immutable afterward, and is safe for concurrent
// use without synchronization.
type RuleTable struct {
	global   *Limits
	services map[string]*Limits
	methods  map[string]*Limits
}

// Rule grammar, one regular expression per production. A configuration is a
// comma-separated list of rules; each rule is a selector plus an optional
// {...} options block:
//
//	*                     every method
//	pkg.Service/*         every method of one service
//	pkg.Service/method    one method
//	{h[:bytes]}           header budget (unlimited when bytes is absent)
//	{m[:bytes]}           message budget
//	{h[:bytes];m[:bytes]} both, header first
var (
	globalRuleRegexp  = regexp.MustCompile(`^\*(?:\{(.+)\})?$`)
	serviceRuleRegexp = regexp.MustCompile(`^([\w.]+)/\*(?:\{(.+)\})?$`)
	methodRuleRegexp  = regexp.MustCompile(`^([\w.]+)/(\w+)(?:\{(.+)\})?$`)

	headerOptRegexp  = regexp.MustCompile(`^h(?::(\d+))?$`)
	messageOptRegexp = regexp.MustCompile(`^m(?::(\d+))?$`)
	bothOptRegexp    = regexp.MustCompile(`^h(?::(\d+))?;m(?::(\d+))?$`)

	bareBlockRegexp = regexp.MustCompile(`^\{(.+)\}$`)
)

// ParseRules parses a capture configuration string into a RuleTable.
//
// The empty string is valid and is equivalent to "*": capture every call
// with no budget. A bare options block such as "{h:256}" is shorthand for
// the global rule "*{h:256}". When the same selector appears more than once
// the first occurrence wins and later duplicates are ignored.
//
// Parsing is all-or-nothing: any malformed rule invalidates the entire
// configuration and no table is returned. Callers should treat an error as
// "capture disabled" rather than installing a partial configuration.
func ParseRules(config string) (*RuleTable, error) {
	rt := &RuleTable{
		services: make(map[string]*Limits),
		methods:  make(map[string]*Limits),
	}
	if config == "" {
		rt.global = &Limits{MaxHeaderBytes: Unlimited, MaxMessageBytes: Unlimited}
		return rt, nil
	}
	if m := bareBlockRegexp.FindStringSubmatch(config); m != nil {
		lim, err := parseOptions(m[1])
		if err != nil {
			return nil, fmt.Errorf("invalid capture config %q: %w", config, err)
		}
		rt.global = &lim
		return rt, nil
	}
	for _, rule := range strings.Split(config, ",") {
		if err := rt.addRule(rule); err != nil {
			return nil, fmt.Errorf("invalid capture config %q: %w", config, err)
		}
	}
	return rt, nil
}

// RulesFromEnv builds the rule table configured through the GRPCTAP_FILTER
// environment variable. It returns (nil, nil) when the variable is unset,
// which leaves capture disabled; a set-but-empty value is the valid "capture
// everything" configuration. A malformed value returns an error, and the
// caller should leave capture disabled rather than install anything.
func RulesFromEnv() (*RuleTable, error) {
	v, ok := os.LookupEnv(envFilter)
	if !ok {
		return nil, nil
	}
	return ParseRules(v)
}

// Lookup returns the limits applying to fullMethod, which may be given in
// either the "pkg.Service/Method" or the transport's "/pkg.Service/Method"
// form. Precedence is strict: an exact method rule, else the service
// wildcard, else the global rule. Limits never merge across levels. The
// second result is false when no rule matches, or when rt is nil.
func (rt *RuleTable) Lookup(fullMethod string) (Limits, bool) {
	if rt == nil {
		return Limits{}, false
	}
	name := strings.TrimPrefix(fullMethod, "/")
	if lim, ok := rt.methods[name]; ok {
		return *lim, true
	}
	if i := strings.LastIndex(name, "/"); i > 0 {
		if lim, ok := rt.services[name[:i]]; ok {
			return *lim, true
		}
	}
	if rt.global != nil {
		return *rt.global, true
	}
	return Limits{}, false
}

// addRule parses a single rule and stores it unless its selector was
// already present.
func (rt *RuleTable) addRule(rule string) error {
	if m := globalRuleRegexp.FindStringSubmatch(rule); m != nil {
		lim, err := parseRuleOptions(m[1])
		if err != nil {
			return fmt.Errorf("rule %q: %w", rule, err)
		}
		if rt.global == nil {
			rt.global = &lim
		}
		return nil
	}
	if m := serviceRuleRegexp.FindStringSubmatch(rule); m != nil {
		lim, err := parseRuleOptions(m[2])
		if err != nil {
			return fmt.Errorf("rule %q: %w", rule, err)
		}
		if _, ok := rt.services[m[1]]; !ok {
			rt.services[m[1]] = &lim
		}
		return nil
	}
	if m := methodRuleRegexp.FindStringSubmatch(rule); m != nil {
		lim, err := parseRuleOptions(m[3])
		if err != nil {
			return fmt.Errorf("rule %q: %w", rule, err)
		}
		key := m[1] + "/" + m[2]
		if _, ok := rt.methods[key]; !ok {
			rt.methods[key] = &lim
		}
		return nil
	}
	return fmt.Errorf("unrecognized rule %q", rule)
}

// parseRuleOptions interprets a rule's options block. The block is the text
// between the braces; an absent block (empty string) keeps everything.
func parseRuleOptions(block string) (Limits, error) {
	if block == "" {
		return Limits{MaxHeaderBytes: Unlimited, MaxMessageBytes: Unlimited}, nil
	}
	return parseOptions(block)
}

// parseOptions parses the inside of a {...} block. When both budgets are
// present the header option must come first; "{m;h}" is a deliberate parse
// error rather than a reordering.
func parseOptions(options string) (Limits, error) {
	if m := bothOptRegexp.FindStringSubmatch(options); m != nil {
		h, err := parseBudget(m[1])
		if err != nil {
			return Limits{}, err
		}
		msg, err := parseBudget(m[2])
		if err != nil {
			return Limits{}, err
		}
		return Limits{MaxHeaderBytes: h, MaxMessageBytes: msg}, nil
	}
	if m := headerOptRegexp.FindStringSubmatch(options); m != nil {
		h, err := parseBudget(m[1])
		if err != nil {
			return Limits{}, err
		}
		return Limits{MaxHeaderBytes: h}, nil
	}
	if m := messageOptRegexp.FindStringSubmatch(options); m != nil {
		msg, err := parseBudget(m[1])
		if err != nil {
			return Limits{}, err
		}
		return Limits{MaxMessageBytes: msg}, nil
	}
	return Limits{}, fmt.Errorf("unrecognized options %q", options)
}

// parseBudget converts one budget token. An absent token means unlimited.
// Explicit values must fit in 32 bits; larger values are a parse error, not
// a saturation.
func parseBudget(tok string) (uint64, error) {
	if tok == "" {
		return Unlimited, nil
	}
	n, err := strconv.ParseUint(tok, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("byte budget %q: %w", tok, err)
	}
	return n, nil
}
