// Package accounts implements the authenticated identities the Pool RPC
// server checks every command against (spec.md section 4.2). It follows
// the security discipline the original Account.h documents in its header
// comment: a human-supplied secret is never compared by plaintext
// equality, and callers never need to hold a cleartext copy of a secret
// they didn't mint themselves.
package accounts

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Rights is a bitset over the capabilities an Account may exercise against
// the pool. The bit values match spec.md section 3's enumeration order.
type Rights uint32

const (
	RightNone Rights = 0

	RightGet Rights = 1 << iota
	RightClear
	RightGetParameters
	RightSetParameters
	RightInspectBasicInfo
	RightInspectSensitiveInfo
	RightInspectBacktraces
	RightDetach
	RightExit

	RightAll Rights = ^Rights(0)
)

// Has reports whether r grants every bit set in want.
func (r Rights) Has(want Rights) bool {
	return r&want == want
}

// secretKind distinguishes a cleartext secret we minted ourselves (and
// know never left this process) from a bcrypt hash of a human-supplied
// password.
type secretKind int

const (
	secretCleartext secretKind = iota
	secretBcryptHash
)

// Account is an immutable authenticated identity with a fixed rights mask.
type Account struct {
	username string
	secret   string
	kind     secretKind
	rights   Rights
}

// NewAccount creates an Account whose secret is a hash supplied by a human
// operator (e.g. typed into a config file). The hash is expected to be a
// bcrypt hash already; use NewAccountWithPlaintext to hash one for the
// caller.
func NewAccount(username, bcryptHash string, rights Rights) *Account {
	return &Account{username: username, secret: bcryptHash, kind: secretBcryptHash, rights: rights}
}

// NewAccountWithPlaintext hashes plaintext with bcrypt and returns the
// resulting Account. Use this path whenever the secret originates outside
// the process (an operator typing a password into a config file or CLI
// flag).
func NewAccountWithPlaintext(username, plaintext string, rights Rights) (*Account, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("accounts: hash password: %w", err)
	}
	return &Account{username: username, secret: string(hash), kind: secretBcryptHash, rights: rights}, nil
}

// NewServiceAccount creates an Account with a cleartext secret generated
// internally (e.g. a per-worker connect password). Because the process
// generated the secret itself and it is guaranteed never to have left the
// process as a human-typed value, it is compared in constant time rather
// than hashed -- hashing a high-entropy random token buys nothing and
// would only cost CPU on every authentication.
func NewServiceAccount(username, cleartextSecret string, rights Rights) *Account {
	return &Account{username: username, secret: cleartextSecret, kind: secretCleartext, rights: rights}
}

// Username returns the account's login name.
func (a *Account) Username() string { return a.username }

// Rights returns the account's capability mask.
func (a *Account) Rights() Rights { return a.rights }

// CheckSecret verifies a presented plaintext secret against this account.
// Bcrypt-hashed secrets are checked with bcrypt.CompareHashAndPassword
// (which is already constant-time by construction); cleartext
// internally-generated secrets are checked with
// crypto/subtle.ConstantTimeCompare to avoid a timing side-channel on
// string length/content.
func (a *Account) CheckSecret(presented string) bool {
	switch a.kind {
	case secretBcryptHash:
		return bcrypt.CompareHashAndPassword([]byte(a.secret), []byte(presented)) == nil
	default:
		if len(presented) != len(a.secret) {
			// Still run a comparison of matching length to avoid leaking
			// the true length through early-return timing.
			subtle.ConstantTimeCompare([]byte(a.secret), []byte(a.secret))
			return false
		}
		return subtle.ConstantTimeCompare([]byte(a.secret), []byte(presented)) == 1
	}
}

// GenerateToken returns a random URL-safe token of the given decoded byte
// length, used for detach keys and connect passwords (43 chars for 32
// random bytes, matching spec.md's glossary).
func GenerateToken(byteLen int) (string, error) {
	buf := make([]byte, byteLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("accounts: generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
