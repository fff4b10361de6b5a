package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// PasswordHasher hashes and compares secrets. Compare returns nil on match.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Compare(hash, password string) error
}

// BcryptHasher hashes passwords with bcrypt at a fixed work factor.
type BcryptHasher struct {
	Cost int
}

// NewBcryptHasher validates cost against bcrypt's supported range.
func NewBcryptHasher(cost int) (BcryptHasher, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return BcryptHasher{}, fmt.Errorf("%w: bcrypt cost %d out of range [%d,%d]", ErrInvalidInput, cost, bcrypt.MinCost, bcrypt.MaxCost)
	}
	return BcryptHasher{Cost: cost}, nil
}

// Hash hashes plaintext password using bcrypt.
func (h BcryptHasher) Hash(password string) (string, error) {
	if len(password) == 0 {
		return "", errors.New("password is empty")
	}
	cost := h.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Compare compares plaintext password with stored hash.
func (h BcryptHasher) Compare(hash, password string) error {
	if hash == "" {
		return errors.New("password hash is empty")
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}
