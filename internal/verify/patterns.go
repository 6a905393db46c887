package verify

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/ship-commander/mlaunch/internal/launcherr"
)

// FailurePattern classifies output containing a known failure signature.
// Exactly one of Literal or Expr is set.
type FailurePattern struct {
	Literal string
	Expr    *regexp.Regexp
	Kind    launcherr.Kind
}

// Literal matches text containing s.
func Literal(s string, kind launcherr.Kind) FailurePattern {
	return FailurePattern{Literal: s, Kind: kind}
}

// Regexp matches text against expr. Capture groups become the error detail.
func Regexp(expr string, kind launcherr.Kind) FailurePattern {
	return FailurePattern{Expr: regexp.MustCompile(expr), Kind: kind}
}

func (p FailurePattern) String() string {
	if p.Expr != nil {
		return "/" + p.Expr.String() + "/"
	}
	return fmt.Sprintf("%q", p.Literal)
}

// match reports whether text contains the pattern and, for expressions
// with capture groups, returns the groups joined by newlines as the only
// format argument.
func (p FailurePattern) match(text string) (bool, []any) {
	if p.Expr == nil {
		if p.Literal == "" {
			return false, nil
		}
		return strings.Contains(text, p.Literal), nil
	}
	groups := p.Expr.FindStringSubmatch(text)
	if groups == nil {
		return false, nil
	}
	if len(groups) == 1 {
		return true, nil
	}
	return true, []any{strings.Join(groups[1:], "\n")}
}

// FailureSupplier resolves the ordered failure patterns for one verification.
type FailureSupplier func(ctx context.Context) ([]FailurePattern, error)

// SuccessSupplier resolves the success patterns for one verification. They
// may depend on values only known at run time, such as a bundle identifier.
type SuccessSupplier func(ctx context.Context) ([]string, error)

// StaticFailures returns a supplier of a fixed pattern list.
func StaticFailures(patterns ...FailurePattern) FailureSupplier {
	return func(context.Context) ([]FailurePattern, error) {
		return patterns, nil
	}
}

// StaticSuccesses returns a supplier of a fixed pattern list.
func StaticSuccesses(patterns ...string) SuccessSupplier {
	return func(context.Context) ([]string, error) {
		return patterns, nil
	}
}

// compileSuccess compiles pattern case-insensitively. Strings that are not
// valid expressions are matched literally.
func compileSuccess(pattern string) *regexp.Regexp {
	if re, err := regexp.Compile("(?i)" + pattern); err == nil {
		return re
	}
	return regexp.MustCompile("(?i)" + regexp.QuoteMeta(pattern))
}
