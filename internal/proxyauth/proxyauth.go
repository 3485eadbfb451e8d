// Package proxyauth provides optional RFC 1929 username/password
// authentication for the socks5 driver. Semantic credential validation
// is deliberately kept outside the core socks5 package (which only
// negotiates the wire-level method); this package supplies the
// socks5.Authenticator a host can plug in for AuthUserPass.
package proxyauth

import (
	"crypto/subtle"
	"errors"
	"io"

	"golang.org/x/crypto/bcrypt"

	"github.com/postalsys/proxyhost/socks5"
)

const (
	authVersion       byte = 0x01
	authStatusSuccess byte = 0x00
	authStatusFailure byte = 0x01
)

// CredentialStore validates a username/password pair.
type CredentialStore interface {
	Valid(username, password string) bool
}

// HashedCredentials maps username to bcrypt hash. The recommended store
// for production use: bcrypt.CompareHashAndPassword is inherently
// constant-time, and a dummy comparison runs for unknown usernames so
// the store doesn't leak which usernames exist via timing.
type HashedCredentials map[string]string

func (h HashedCredentials) Valid(username, password string) bool {
	storedHash, ok := h[username]
	if !ok {
		bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(password))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(password)) == nil
}

var dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// StaticCredentials is a plaintext credential store. Deprecated in favor
// of HashedCredentials; kept for configs migrating off it.
type StaticCredentials map[string]string

func (s StaticCredentials) Valid(username, password string) bool {
	storedPass, ok := s[username]
	if !ok {
		subtle.ConstantTimeCompare([]byte(password), []byte(password))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(storedPass), []byte(password)) == 1
}

// HashPassword bcrypt-hashes password for storage in a config file's
// password_hash field, using bcrypt.DefaultCost.
func HashPassword(password string) (string, error) {
	return HashPasswordCost(password, bcrypt.DefaultCost)
}

// HashPasswordCost is HashPassword with an explicit bcrypt cost factor.
func HashPasswordCost(password string, cost int) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// UserPassAuthenticator implements socks5.Authenticator for RFC 1929.
type UserPassAuthenticator struct {
	Credentials CredentialStore
}

func NewUserPassAuthenticator(creds CredentialStore) *UserPassAuthenticator {
	return &UserPassAuthenticator{Credentials: creds}
}

func (a *UserPassAuthenticator) Method() socks5.AuthMethod {
	return socks5.AuthUserPass
}

// Authenticate implements RFC 1929:
//
//	+----+------+----------+------+----------+
//	|VER | ULEN |  UNAME   | PLEN |  PASSWD  |
//	+----+------+----------+------+----------+
//	| 1  |  1   | 1 to 255 |  1   | 1 to 255 |
//	+----+------+----------+------+----------+
func (a *UserPassAuthenticator) Authenticate(r io.Reader, w io.Writer) (string, error) {
	header := make([]byte, 2)
	if _, err := io.ReadFull(r, header); err != nil {
		return "", err
	}
	if header[0] != authVersion {
		return "", errors.New("proxyauth: unsupported auth sub-negotiation version")
	}

	uLen := int(header[1])
	if uLen == 0 {
		return "", errors.New("proxyauth: empty username")
	}
	username := make([]byte, uLen)
	if _, err := io.ReadFull(r, username); err != nil {
		return "", err
	}

	pLenBuf := make([]byte, 1)
	if _, err := io.ReadFull(r, pLenBuf); err != nil {
		return "", err
	}
	pLen := int(pLenBuf[0])
	password := make([]byte, pLen)
	if pLen > 0 {
		if _, err := io.ReadFull(r, password); err != nil {
			return "", err
		}
	}

	if !a.Credentials.Valid(string(username), string(password)) {
		w.Write([]byte{authVersion, authStatusFailure})
		return "", errors.New("proxyauth: authentication failed")
	}

	if _, err := w.Write([]byte{authVersion, authStatusSuccess}); err != nil {
		return "", err
	}
	return string(username), nil
}
