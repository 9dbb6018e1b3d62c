package flashenv

import "errors"

// Public error taxonomy, surfaced as sentinels rather than a custom
// exception hierarchy.
var (
	// ErrNameInvalid: empty key, or key containing '='.
	ErrNameInvalid = errors.New("flashenv: invalid name")
	// ErrNameExists: a create of a key that is already present. Set
	// replaces an existing key instead, so it does not return this.
	ErrNameExists = errors.New("flashenv: name already exists")
	// ErrNameNotFound: delete of an absent key.
	ErrNameNotFound = errors.New("flashenv: name not found")
	// ErrEnvFull: the record, or the whole committed image, doesn't fit.
	ErrEnvFull = errors.New("flashenv: environment full")
	// ErrPoisoned: a prior system-pointer update (in Save or Load) failed
	// fatally.
	// The engine rejects every further mutation until New is called again.
	ErrPoisoned = errors.New("flashenv: engine poisoned by a fatal write failure")
)
