// Package credentials supplies the portal login secret to a session.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// ErrIncomplete is returned when a username or password is absent
var ErrIncomplete = errors.New("username and password are both required")

// Credentials holds the login secret. It is never persisted or logged.
type Credentials struct {
	Username string
	Password string
}

// Complete reports whether both fields are set
func (c Credentials) Complete() bool {
	return strings.TrimSpace(c.Username) != "" && c.Password != ""
}

// String masks the secret so accidental formatting cannot leak it
func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{Username:%s Password:[REDACTED]}", maskUsername(c.Username))
}

// GoString covers %#v
func (c Credentials) GoString() string {
	return c.String()
}

func maskUsername(username string) string {
	if username == "" {
		return ""
	}

	local, domain, hasDomain := strings.Cut(username, "@")
	if len(local) <= 2 {
		local = strings.Repeat("*", len(local))
	} else {
		local = local[:2] + strings.Repeat("*", len(local)-2)
	}
	if hasDomain {
		return local + "@" + domain
	}
	return local
}

// Provider obtains credentials for one session
type Provider interface {
	Credentials(ctx context.Context) (Credentials, error)
}

// Static always returns the same credentials
type Static Credentials

func (s Static) Credentials(ctx context.Context) (Credentials, error) {
	if err := ctx.Err(); err != nil {
		return Credentials{}, err
	}
	return Credentials(s), nil
}

// EnvProvider reads credentials from two environment variables. An optional
// dotenv file fills in variables the process environment does not define.
type EnvProvider struct {
	UsernameVar string
	PasswordVar string
	DotEnvPath  string

	// lookup defaults to os.LookupEnv
	lookup func(string) (string, bool)
}

// NewEnvProvider creates an environment-backed provider
func NewEnvProvider(usernameVar, passwordVar, dotEnvPath string) *EnvProvider {
	return &EnvProvider{
		UsernameVar: usernameVar,
		PasswordVar: passwordVar,
		DotEnvPath:  dotEnvPath,
		lookup:      os.LookupEnv,
	}
}

// Credentials resolves both variables. Missing values yield ErrIncomplete.
func (p *EnvProvider) Credentials(ctx context.Context) (Credentials, error) {
	if err := ctx.Err(); err != nil {
		return Credentials{}, err
	}

	fileVars := map[string]string{}
	if p.DotEnvPath != "" {
		vars, err := godotenv.Read(p.DotEnvPath)
		switch {
		case err == nil:
			fileVars = vars
		case errors.Is(err, os.ErrNotExist):
			// optional file
		default:
			return Credentials{}, fmt.Errorf("failed to read dotenv file %s: %w", p.DotEnvPath, err)
		}
	}

	creds := Credentials{
		Username: p.resolve(p.UsernameVar, fileVars),
		Password: p.resolve(p.PasswordVar, fileVars),
	}
	if !creds.Complete() {
		return Credentials{}, fmt.Errorf("%w: set %s and %s", ErrIncomplete, p.UsernameVar, p.PasswordVar)
	}
	return creds, nil
}

func (p *EnvProvider) resolve(name string, fileVars map[string]string) string {
	lookup := p.lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if v, ok := lookup(name); ok && v != "" {
		return v
	}
	return fileVars[name]
}
