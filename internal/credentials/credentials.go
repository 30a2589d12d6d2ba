// Package credentials resolves git credentials injected into chat
// containers. Providers are tried in order; a chat launches with a
// warning rather than failing when none resolves.
package credentials

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// Credentials is what gets injected into a container's environment to
// configure in-container git identity and push/pull access.
type Credentials struct {
	Token    string // e.g. a GitHub PAT or short-lived installation token
	UserName string
	Email    string
}

// Empty reports whether nothing usable was resolved.
func (c Credentials) Empty() bool { return c.Token == "" }

// Env renders the credentials as container environment variables.
func (c Credentials) Env() map[string]string {
	env := make(map[string]string, 3)
	if c.Token != "" {
		env["GIT_ACCESS_TOKEN"] = c.Token
	}
	if c.UserName != "" {
		env["GIT_AUTHOR_NAME"] = c.UserName
		env["GIT_COMMITTER_NAME"] = c.UserName
	}
	if c.Email != "" {
		env["GIT_AUTHOR_EMAIL"] = c.Email
		env["GIT_COMMITTER_EMAIL"] = c.Email
	}
	return env
}

// Provider resolves credentials for a repository URL.
type Provider interface {
	Name() string
	Resolve(repoURL string) (Credentials, bool)
}

// Chain tries providers in order and returns the first hit.
type Chain struct {
	providers []Provider
}

// NewChain builds the default provider chain: environment variable
// first, then a token file under the data directory.
func NewChain(dataDir string) *Chain {
	return &Chain{providers: []Provider{
		envProvider{},
		fileProvider{path: filepath.Join(dataDir, "git-token")},
	}}
}

// Resolve returns credentials for the repo, or zero credentials with a
// logged warning. Absence is never a launch-blocking error.
func (c *Chain) Resolve(repoURL string) Credentials {
	for _, p := range c.providers {
		if creds, ok := p.Resolve(repoURL); ok {
			log.Debug().Str("provider", p.Name()).Str("repo", repoURL).Msg("Git credentials resolved")
			return creds
		}
	}
	log.Warn().Str("repo", repoURL).Msg("No git credentials resolved; in-container git operations may fail")
	return Credentials{}
}

// envProvider reads AGENTHUB_GIT_TOKEN (plus optional name/email vars).
type envProvider struct{}

func (envProvider) Name() string { return "env" }

func (envProvider) Resolve(string) (Credentials, bool) {
	token := os.Getenv("AGENTHUB_GIT_TOKEN")
	if token == "" {
		return Credentials{}, false
	}
	return Credentials{
		Token:    token,
		UserName: os.Getenv("AGENTHUB_GIT_NAME"),
		Email:    os.Getenv("AGENTHUB_GIT_EMAIL"),
	}, true
}

// fileProvider reads a single token from a file, if present.
type fileProvider struct {
	path string
}

func (f fileProvider) Name() string { return "file" }

func (f fileProvider) Resolve(string) (Credentials, bool) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return Credentials{}, false
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return Credentials{}, false
	}
	return Credentials{Token: token}, true
}
