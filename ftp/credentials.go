package ftp

// LoginAttempt carries the USER/PASS/ACCT state accumulated so far
// for one login sequence. Password and Account are nil until the
// client actually sends PASS/ACCT, distinct from an empty string.
type LoginAttempt struct {
	Username string
	Password *string
	Account  *string
}

// CredentialChecker evaluates a login attempt. It is consulted again
// at each stage of USER/PASS/ACCT as more fields become available.
type CredentialChecker interface {
	Check(attempt LoginAttempt) (LoginResult, Permission)
}

// CredentialCheckerFunc adapts a function to a CredentialChecker.
type CredentialCheckerFunc func(attempt LoginAttempt) (LoginResult, Permission)

func (f CredentialCheckerFunc) Check(attempt LoginAttempt) (LoginResult, Permission) {
	return f(attempt)
}

type defaultLoginEntry struct {
	username string
	password *string
	perm     Permission
}

func strPtr(s string) *string { return &s }

// defaultCredentialTable is the original firmware's sample login
// table: anonymous needs no password and gets read-only access;
// admin/password gets full access. It is deliberately insecure and
// exists only as injectable-policy sample wiring; spec.md's Open
// Questions explicitly decline to mandate any particular default
// content, so this reproduces the original verbatim rather than
// inventing a new one.
var defaultCredentialTable = []defaultLoginEntry{
	{username: "anonymous", password: nil, perm: PermRead},
	{username: "admin", password: strPtr("password"), perm: PermAdmin},
}

// DefaultCredentialChecker is the sample CredentialChecker described
// above. Production deployments should supply their own.
var DefaultCredentialChecker CredentialChecker = CredentialCheckerFunc(defaultCredentialsCheck)

func defaultCredentialsCheck(attempt LoginAttempt) (LoginResult, Permission) {
	if attempt.Username == "" {
		return LoginFailure, PermNone
	}
	for _, entry := range defaultCredentialTable {
		if entry.username != attempt.Username {
			continue
		}
		if entry.password == nil {
			return LoginSuccess, entry.perm
		}
		if attempt.Password == nil {
			return LoginMoreInfoRequired, PermNone
		}
		if *attempt.Password != *entry.password {
			return LoginFailure, PermNone
		}
		return LoginSuccess, entry.perm
	}
	return LoginFailure, PermNone
}
