package services

import (
	"errors"
	"fmt"
	"strings"

	"github.com/khabaroff/gatekeeper/src/models"
)

// AccessRequest is what a capability is evaluated against
type AccessRequest struct {
	Identity *models.Identity
	// OwnerID is the owner of the addressed resource, when the route has one
	OwnerID string
}

// Capability is a single authorization rule composed by the router
type Capability interface {
	Check(req AccessRequest) error
	String() string
}

// ScopeCheck requires every listed scope
type ScopeCheck struct {
	Scopes []models.Scope
}

// RequireScopes is shorthand for a ScopeCheck
func RequireScopes(scopes ...models.Scope) ScopeCheck {
	return ScopeCheck{Scopes: scopes}
}

func (c ScopeCheck) Check(req AccessRequest) error {
	if req.Identity == nil {
		return ErrInsufficientScope
	}
	for _, s := range c.Scopes {
		if !req.Identity.HasScope(s) {
			return fmt.Errorf("%w: missing %q", ErrInsufficientScope, s)
		}
	}
	return nil
}

func (c ScopeCheck) String() string {
	parts := make([]string, len(c.Scopes))
	for i, s := range c.Scopes {
		parts[i] = string(s)
	}
	return "scope(" + strings.Join(parts, ",") + ")"
}

// OwnershipCheck passes when the caller owns the resource.
// Holders of OverrideScope pass regardless of ownership.
type OwnershipCheck struct {
	OverrideScope models.Scope
}

func (c OwnershipCheck) Check(req AccessRequest) error {
	if req.Identity == nil {
		return ErrForbidden
	}
	if c.OverrideScope != "" && req.Identity.HasScope(c.OverrideScope) {
		return nil
	}
	if req.OwnerID == "" || req.Identity.Subject != req.OwnerID {
		return fmt.Errorf("%w: not the resource owner", ErrForbidden)
	}
	return nil
}

func (c OwnershipCheck) String() string {
	return "owner"
}

// CompositeMode selects how a CompositeCheck combines its checks
type CompositeMode int

const (
	// AllOf passes only when every check passes
	AllOf CompositeMode = iota
	// AnyOf passes when at least one check passes
	AnyOf
)

// CompositeCheck combines checks
type CompositeCheck struct {
	Mode   CompositeMode
	Checks []Capability
}

// All builds an AllOf composite
func All(checks ...Capability) CompositeCheck {
	return CompositeCheck{Mode: AllOf, Checks: checks}
}

// Any builds an AnyOf composite
func Any(checks ...Capability) CompositeCheck {
	return CompositeCheck{Mode: AnyOf, Checks: checks}
}

func (c CompositeCheck) Check(req AccessRequest) error {
	if len(c.Checks) == 0 {
		return ErrForbidden
	}

	var errs []error
	for _, check := range c.Checks {
		err := check.Check(req)
		if c.Mode == AllOf && err != nil {
			return err
		}
		if c.Mode == AnyOf && err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	if c.Mode == AnyOf {
		// joined so errors.Is still matches each reason
		return errors.Join(errs...)
	}
	return nil
}

func (c CompositeCheck) String() string {
	sep := " & "
	if c.Mode == AnyOf {
		sep = " | "
	}
	parts := make([]string, len(c.Checks))
	for i, check := range c.Checks {
		parts[i] = check.String()
	}
	return "(" + strings.Join(parts, sep) + ")"
}
