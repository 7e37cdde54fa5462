package chain

// Caller is the identity on whose behalf an operation executes.
//
// Address is empty for unauthenticated calls. Authorized is set by the
// surrounding runtime after it has validated an administrative credential;
// the state machine trusts it as-is.
type Caller struct {
	Address    string
	Authorized bool
}

// Anonymous is the unauthenticated caller.
var Anonymous = Caller{}

// Authenticated reports whether the caller carries a signer.
func (c Caller) Authenticated() bool { return c.Address != "" }

// RequireSigner returns the caller address or ErrNotAuthenticated.
func (c Caller) RequireSigner() (string, error) {
	if c.Address == "" {
		return "", ErrNotAuthenticated
	}
	return c.Address, nil
}
