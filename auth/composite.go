package auth

import "context"

// Composite tries authenticators in order and returns the first success.
type Composite struct {
	authenticators []Authenticator
}

// NewComposite creates a composite over auths. Nil entries are skipped.
func NewComposite(auths ...Authenticator) *Composite {
	c := &Composite{}
	for _, a := range auths {
		if a != nil {
			c.authenticators = append(c.authenticators, a)
		}
	}
	return c
}

// Name returns "composite".
func (c *Composite) Name() string {
	return "composite"
}

// Empty reports whether no authenticator is configured.
func (c *Composite) Empty() bool {
	return len(c.authenticators) == 0
}

// Supports returns true if any authenticator supports the request.
func (c *Composite) Supports(ctx context.Context, req *AuthRequest) bool {
	for _, a := range c.authenticators {
		if a.Supports(ctx, req) {
			return true
		}
	}
	return false
}

// Authenticate returns the first successful result, or the last failure.
func (c *Composite) Authenticate(ctx context.Context, req *AuthRequest) (*AuthResult, error) {
	var last *AuthResult
	for _, a := range c.authenticators {
		if !a.Supports(ctx, req) {
			continue
		}
		result, err := a.Authenticate(ctx, req)
		if err != nil {
			return nil, err
		}
		if result.Authenticated {
			return result, nil
		}
		last = result
	}
	if last != nil {
		return last, nil
	}
	return AuthFailure(ErrMissingCredentials, ""), nil
}

var _ Authenticator = (*Composite)(nil)
