package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Address identifies one logical endpoint. Scope zero means "no scope".
type Address struct {
	Context Context `json:"context"`
	Scope   int     `json:"scope,omitempty"`
}

// ParseAddress parses "context" or "context@scope" with strict scope rules.
func ParseAddress(raw string) (Address, error) {
	return parseAddress(raw, false)
}

// ParseDestination parses a destination. With implicitScope a scoped context
// may omit its scope; the hub fills it from the sender's scope.
func ParseDestination(raw string, implicitScope bool) (Address, error) {
	return parseAddress(raw, implicitScope)
}

func parseAddress(raw string, implicitScope bool) (Address, error) {
	raw = strings.TrimSpace(raw)
	name, scopeRaw, hasScope := strings.Cut(raw, "@")
	ctx := Context(name)
	if !ctx.Valid() {
		return Address{}, fmt.Errorf("%w: unknown context in %q", ErrAddressParse, raw)
	}
	addr := Address{Context: ctx}
	if hasScope {
		if !ctx.Scoped() {
			return Address{}, fmt.Errorf("%w: %s does not take a scope", ErrAddressParse, ctx)
		}
		scope, err := strconv.Atoi(scopeRaw)
		if err != nil || scope <= 0 {
			return Address{}, fmt.Errorf("%w: invalid scope %q", ErrAddressParse, scopeRaw)
		}
		addr.Scope = scope
		return addr, nil
	}
	if ctx.Scoped() && !implicitScope {
		return Address{}, fmt.Errorf("%w: %s requires a scope (%s@<scope>)", ErrAddressParse, ctx, ctx)
	}
	return addr, nil
}

func (a Address) String() string {
	if a.Scope == 0 {
		return string(a.Context)
	}
	return string(a.Context) + "@" + strconv.Itoa(a.Scope)
}

func (a Address) IsZero() bool {
	return a.Context == "" && a.Scope == 0
}

// Matches reports whether an envelope addressed to a is for self: the
// contexts are equal and the scope is equal or absent.
func (a Address) Matches(self Address) bool {
	if a.Context != self.Context {
		return false
	}
	return a.Scope == 0 || a.Scope == self.Scope
}

// RouteAlias rewrites a relay-only context to the companion that holds its
// hub connection. Other addresses are returned as-is.
func RouteAlias(a Address) Address {
	if via, ok := a.Context.RelayVia(); ok {
		return Address{Context: via, Scope: a.Scope}
	}
	return a
}
