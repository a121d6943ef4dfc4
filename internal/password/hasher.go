package password

import (
	"errors"

	"golang.org/x/crypto/bcrypt"

	"github.com/KilimcininKorOglu/dirmgr/internal/errs"
	"github.com/KilimcininKorOglu/dirmgr/internal/object"
)

// Hasher turns plaintext passwords into password-kind field values.
type Hasher struct {
	policy *Policy
}

// NewHasher creates a hasher for policy (DefaultPolicy if nil).
func NewHasher(policy *Policy) *Hasher {
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &Hasher{policy: policy.Clone()}
}

// Policy returns a copy of the hasher's policy.
func (h *Hasher) Policy() *Policy {
	return h.policy.Clone()
}

// Hash checks plain against the policy and returns its bcrypt hash as a
// password value. Policy failures are ValidationFailure errors.
func (h *Hasher) Hash(plain string) (object.Value, error) {
	if plain == "" {
		return object.Value{}, errs.New(errs.ValidationFailure, "password is empty")
	}
	if err := h.policy.Validate(plain); err != nil {
		return object.Value{}, errs.New(errs.ValidationFailure, err.Error())
	}

	cost := h.policy.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), cost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return object.Value{}, errs.New(errs.ValidationFailure, "password is too long")
		}
		return object.Value{}, errs.Wrap(err, "hash password")
	}
	return object.PasswordHash(string(hash)), nil
}

// Verify reports whether plain matches the stored password value.
func Verify(stored object.Value, plain string) bool {
	if stored.Kind != object.KindPassword || stored.Str == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored.Str), []byte(plain)) == nil
}
