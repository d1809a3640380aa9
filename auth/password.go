package auth

import (
	"crypto/subtle"

	"golang.org/x/crypto/bcrypt"
)

// HashPassword returns the bcrypt hash stored in API_BASIC_PASSWORD_HASH.
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Basic accepts one user whose password is stored as a bcrypt hash.
type Basic struct {
	User string
	Hash string
}

// Check runs the bcrypt comparison even for an unknown user so the two
// failures take the same time.
func (b Basic) Check(user, password string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(b.User)) == 1
	passOK := bcrypt.CompareHashAndPassword([]byte(b.Hash), []byte(password)) == nil
	return userOK && passOK
}
