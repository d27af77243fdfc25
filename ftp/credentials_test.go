package ftp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultCredentialChecker_AnonymousNeedsNoPassword(t *testing.T) {
	result, perm := DefaultCredentialChecker.Check(LoginAttempt{Username: "anonymous"})
	assert.Equal(t, LoginSuccess, result)
	assert.Equal(t, PermRead, perm)
}

func TestDefaultCredentialChecker_AdminRequiresPassword(t *testing.T) {
	result, _ := DefaultCredentialChecker.Check(LoginAttempt{Username: "admin"})
	assert.Equal(t, LoginMoreInfoRequired, result)
}

func TestDefaultCredentialChecker_AdminWrongPassword(t *testing.T) {
	bad := "wrong"
	result, perm := DefaultCredentialChecker.Check(LoginAttempt{Username: "admin", Password: &bad})
	assert.Equal(t, LoginFailure, result)
	assert.Equal(t, PermNone, perm)
}

func TestDefaultCredentialChecker_AdminCorrectPassword(t *testing.T) {
	pw := "password"
	result, perm := DefaultCredentialChecker.Check(LoginAttempt{Username: "admin", Password: &pw})
	assert.Equal(t, LoginSuccess, result)
	assert.Equal(t, PermAdmin, perm)
}

func TestDefaultCredentialChecker_UnknownUser(t *testing.T) {
	result, perm := DefaultCredentialChecker.Check(LoginAttempt{Username: "nobody"})
	assert.Equal(t, LoginFailure, result)
	assert.Equal(t, PermNone, perm)
}

func TestDefaultCredentialChecker_EmptyUsername(t *testing.T) {
	result, _ := DefaultCredentialChecker.Check(LoginAttempt{})
	assert.Equal(t, LoginFailure, result)
}

func TestCredentialCheckerFunc_Adapts(t *testing.T) {
	var checker CredentialChecker = CredentialCheckerFunc(func(attempt LoginAttempt) (LoginResult, Permission) {
		return LoginSuccess, PermWrite
	})
	result, perm := checker.Check(LoginAttempt{Username: "x"})
	assert.Equal(t, LoginSuccess, result)
	assert.Equal(t, PermWrite, perm)
}
