package git

import (
	"time"

	"github.com/go-git/go-git/v5/plumbing/object"
)

// Identity names the author and committer of commits the engine creates.
type Identity struct {
	Name  string
	Email string
}

// DefaultIdentity is used when the caller does not configure one.
func DefaultIdentity() Identity {
	return Identity{Name: "sessync", Email: "sessync@localhost"}
}

func (id Identity) signature() *object.Signature {
	return &object.Signature{
		Name:  id.Name,
		Email: id.Email,
		When:  time.Now(),
	}
}
