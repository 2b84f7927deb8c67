// Package access resolves player access levels from a YAML access list.
package access

import (
	"fmt"
	"net/netip"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kidoz/emulinker-sub000/internal/game/session"
)

// yamlAccessFile is the top-level YAML structure for access files.
type yamlAccessFile struct {
	Rules []yamlRule `yaml:"rules"`
}

// yamlRule grants a level to any player matching one of its addresses or
// names.
type yamlRule struct {
	Level     string   `yaml:"level"`
	Addresses []string `yaml:"addresses"`
	Names     []string `yaml:"names"`
}

type rule struct {
	level    session.AccessLevel
	prefixes []netip.Prefix
	names    map[string]bool
}

// List is an ordered set of access rules. The first matching rule wins;
// players matching none are AccessNormal. List is immutable after loading and
// safe for concurrent use.
type List struct {
	rules []rule
}

var levels = map[string]session.AccessLevel{
	"normal":   session.AccessNormal,
	"elevated": session.AccessElevated,
	"admin":    session.AccessAdmin,
}

// LoadFile reads an access list from path.
//
// Precondition: path must point to a YAML access file.
// Postcondition: Returns a validated List or a non-nil error.
func LoadFile(path string) (*List, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading access file %s: %w", path, err)
	}
	return LoadBytes(data)
}

// LoadBytes parses an access list from YAML bytes.
//
// Postcondition: Returns a validated List or a non-nil error naming the first
// invalid rule.
func LoadBytes(data []byte) (*List, error) {
	var file yamlAccessFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing access YAML: %w", err)
	}

	l := &List{rules: make([]rule, 0, len(file.Rules))}
	for i, yr := range file.Rules {
		r, err := convertYAMLRule(yr)
		if err != nil {
			return nil, fmt.Errorf("access rule %d: %w", i+1, err)
		}
		l.rules = append(l.rules, r)
	}
	return l, nil
}

func convertYAMLRule(yr yamlRule) (rule, error) {
	level, ok := levels[strings.ToLower(yr.Level)]
	if !ok {
		return rule{}, fmt.Errorf("unknown level %q", yr.Level)
	}
	if len(yr.Addresses) == 0 && len(yr.Names) == 0 {
		return rule{}, fmt.Errorf("rule for %s matches nothing", yr.Level)
	}

	r := rule{level: level, names: make(map[string]bool, len(yr.Names))}
	for _, a := range yr.Addresses {
		p, err := parsePrefix(a)
		if err != nil {
			return rule{}, err
		}
		r.prefixes = append(r.prefixes, p)
	}
	for _, n := range yr.Names {
		r.names[strings.ToLower(n)] = true
	}
	return r, nil
}

// parsePrefix accepts a CIDR prefix or a bare address.
func parsePrefix(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid address %q: %w", s, err)
		}
		return p.Masked(), nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return netip.PrefixFrom(a, a.BitLen()), nil
}

// Len returns the number of rules.
func (l *List) Len() int {
	return len(l.rules)
}

// AccessLevel implements session.AccessChecker.
func (l *List) AccessLevel(p session.Player) session.AccessLevel {
	addr, hasAddr := playerAddr(p.Address())
	name := strings.ToLower(p.Name())
	for _, r := range l.rules {
		if r.names[name] {
			return r.level
		}
		if !hasAddr {
			continue
		}
		for _, prefix := range r.prefixes {
			if prefix.Contains(addr) {
				return r.level
			}
		}
	}
	return session.AccessNormal
}

// playerAddr extracts the IP from "host:port" or a bare address.
func playerAddr(s string) (netip.Addr, bool) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.Addr().Unmap(), true
	}
	if a, err := netip.ParseAddr(s); err == nil {
		return a.Unmap(), true
	}
	return netip.Addr{}, false
}
