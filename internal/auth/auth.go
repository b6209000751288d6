// Package auth implements the sync credential handshake: encoding and
// parsing of the Authorization field carried in the protocol upgrade
// request, and the Gate that decides whether a session may start.
package auth

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// ErrUnauthorized reports a rejected handshake. It is terminal for a
// sync session and never retried automatically.
var ErrUnauthorized = errors.New("unauthorized")

const scheme = "Basic "

// Encode builds the Authorization header value: the account and
// password independently base64-encoded and joined by a dot.
func Encode(account, password string) string {
	return scheme +
		base64.StdEncoding.EncodeToString([]byte(account)) + "." +
		base64.StdEncoding.EncodeToString([]byte(password))
}

// Parse extracts the account and password from an Authorization
// header value. An empty header yields empty credentials, which a
// gate with no configured credentials accepts.
func Parse(header string) (account, password string, err error) {
	if header == "" {
		return "", "", nil
	}
	if !strings.HasPrefix(header, scheme) {
		return "", "", fmt.Errorf("malformed authorization header: %w", ErrUnauthorized)
	}
	fields := strings.SplitN(strings.TrimPrefix(header, scheme), ".", 2)
	if len(fields) != 2 {
		return "", "", fmt.Errorf("malformed authorization header: %w", ErrUnauthorized)
	}
	acct, err := base64.StdEncoding.DecodeString(fields[0])
	if err != nil {
		return "", "", fmt.Errorf("malformed account field: %w", ErrUnauthorized)
	}
	pass, err := base64.StdEncoding.DecodeString(fields[1])
	if err != nil {
		return "", "", fmt.Errorf("malformed password field: %w", ErrUnauthorized)
	}
	return string(acct), string(pass), nil
}

// Gate validates credentials presented during connection
// establishment. The protocol engine only observes the boolean.
type Gate interface {
	Authorize(account, password string) (bool, error)
}

// StaticGate compares against one configured account/password pair.
// A zero StaticGate requires no credentials and accepts any request.
type StaticGate struct {
	Account  string
	Password string
}

func (g StaticGate) Authorize(account, password string) (bool, error) {
	if g.Account == "" && g.Password == "" {
		return true, nil
	}
	return account == g.Account && password == g.Password, nil
}
