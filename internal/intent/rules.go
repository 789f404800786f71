// ABOUTME: ordered pattern rules for the first classification pass
// ABOUTME: loaded from TOML, embedded defaults when no file is configured

package intent

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
)

//go:embed rules.toml
var defaultRulesTOML []byte

// Rule is one entry of the ordered pattern list. A rule fires when any
// keyword matches the lowercased message on a word boundary, or when
// the regex matches. The first firing rule decides the intent.
type Rule struct {
	Intent   string   `toml:"intent"`
	Keywords []string `toml:"keywords"`
	Regex    string   `toml:"regex"`
}

func (r Rule) validate() error {
	if !Valid(r.Intent) {
		return fmt.Errorf("unknown intent %q", r.Intent)
	}
	if len(r.Keywords) == 0 && r.Regex == "" {
		return fmt.Errorf("rule for %s has neither keywords nor regex", r.Intent)
	}
	return nil
}

type rulesFile struct {
	Rules []Rule `toml:"rules"`
}

// LoadRules reads the ordered rule list from path, or the embedded
// defaults when path is empty. A configured path that cannot be read is
// an error, not a silent fallback.
func LoadRules(path string) ([]Rule, error) {
	raw := defaultRulesTOML
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read intent rules: %w", err)
		}
		raw = b
	}

	var rf rulesFile
	if err := toml.Unmarshal(raw, &rf); err != nil {
		return nil, fmt.Errorf("parse intent rules: %w", err)
	}
	if len(rf.Rules) == 0 {
		return nil, errors.New("intent rules: no rules defined")
	}
	for i, r := range rf.Rules {
		if err := r.validate(); err != nil {
			return nil, fmt.Errorf("intent rules: rule %d: %w", i, err)
		}
	}
	return rf.Rules, nil
}

type compiledRule struct {
	intent   string
	keywords []*regexp.Regexp
	pattern  *regexp.Regexp
}

func (r compiledRule) matches(lowered string) bool {
	for _, kw := range r.keywords {
		if kw.MatchString(lowered) {
			return true
		}
	}
	return r.pattern != nil && r.pattern.MatchString(lowered)
}

func compileRules(rules []Rule) ([]compiledRule, error) {
	out := make([]compiledRule, 0, len(rules))
	for i, r := range rules {
		cr := compiledRule{intent: r.Intent}
		for _, kw := range r.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw == "" {
				continue
			}
			re, err := regexp.Compile(`\b` + regexp.QuoteMeta(kw) + `\b`)
			if err != nil {
				return nil, fmt.Errorf("intent rules: rule %d: keyword %q: %w", i, kw, err)
			}
			cr.keywords = append(cr.keywords, re)
		}
		if r.Regex != "" {
			re, err := regexp.Compile(r.Regex)
			if err != nil {
				return nil, fmt.Errorf("intent rules: rule %d: regex: %w", i, err)
			}
			cr.pattern = re
		}
		out = append(out, cr)
	}
	return out, nil
}
