package toolkit

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/gobwas/glob"
)

// DefaultDeniedCommands are glob patterns for commands the agent may never
// run inside a sandbox.
var DefaultDeniedCommands = []string{
	"rm -rf /",
	`rm -rf /\*`,
	"rm -rf ~*",
	"sudo *",
	"shutdown*",
	"reboot*",
	"mkfs*",
	"dd *of=/dev/*",
	`:()\{*`,
}

var commandSeparators = regexp.MustCompile(`&&|\|\||;|\|`)

// CommandPolicy decides which shell commands may run. Compound commands are
// split on &&, ||, ; and | and every segment is checked. A segment matching
// a denied pattern is rejected; when allow patterns are set, every segment
// must also match one of them.
type CommandPolicy struct {
	allow []policyPattern
	deny  []policyPattern
}

type policyPattern struct {
	source string
	glob   glob.Glob
}

func compilePatterns(patterns []string) ([]policyPattern, error) {
	out := make([]policyPattern, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid command pattern %q: %w", p, err)
		}
		out = append(out, policyPattern{source: p, glob: g})
	}
	return out, nil
}

func NewCommandPolicy(allow, deny []string) (*CommandPolicy, error) {
	a, err := compilePatterns(allow)
	if err != nil {
		return nil, err
	}
	d, err := compilePatterns(deny)
	if err != nil {
		return nil, err
	}
	return &CommandPolicy{allow: a, deny: d}, nil
}

// DefaultCommandPolicy denies DefaultDeniedCommands and allows the rest.
func DefaultCommandPolicy() *CommandPolicy {
	p, err := NewCommandPolicy(nil, DefaultDeniedCommands)
	if err != nil {
		panic(err)
	}
	return p
}

// Check returns a non-nil error describing why cmd is rejected.
func (p *CommandPolicy) Check(cmd string) error {
	if p == nil {
		return nil
	}
	for _, segment := range commandSeparators.Split(cmd, -1) {
		segment = strings.Join(strings.Fields(segment), " ")
		if segment == "" {
			continue
		}
		for _, d := range p.deny {
			if d.glob.Match(segment) {
				return fmt.Errorf("command %q matches denied pattern %q", segment, d.source)
			}
		}
		if len(p.allow) == 0 {
			continue
		}
		allowed := false
		for _, a := range p.allow {
			if a.glob.Match(segment) {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("command %q is not in the allowed list", segment)
		}
	}
	return nil
}
