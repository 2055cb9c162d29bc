package taoobj

import (
	"fmt"

	"github.com/lemmego/tao"
)

// SaveError reports a failure moving an object between its Go form and the
// store — either serialization or the store call itself.
type SaveError struct {
	Cause error
}

func (e SaveError) Error() string {
	return fmt.Sprintf("couldn't persist object: %v", e.Cause)
}

// Unwrap returns the underlying cause, so store errors like
// tao.EntNotFoundError stay matchable through errors.As.
func (e SaveError) Unwrap() error { return e.Cause }

// TypeMismatchError reports that Load found an entity whose stored type tag
// differs from the requested Go type's.
type TypeMismatchError struct {
	ID   tao.EntityID
	Want tao.EntityType
	Got  tao.EntityType
}

func (e TypeMismatchError) Error() string {
	return fmt.Sprintf("entity %s has type %s, wanted %s", e.ID, e.Got, e.Want)
}
