package drive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hyperengineering/larder"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
)

// Scope limits larder to files it created.
const Scope = drive.DriveFileScope

// LoadOAuthConfig reads an OAuth client secret JSON file downloaded from
// the Google Cloud console.
func LoadOAuthConfig(credentialsPath string) (*oauth2.Config, error) {
	data, err := os.ReadFile(credentialsPath)
	if err != nil {
		return nil, fmt.Errorf("drive: read credentials: %w", err)
	}
	cfg, err := google.ConfigFromJSON(data, Scope)
	if err != nil {
		return nil, fmt.Errorf("drive: parse credentials: %w", err)
	}
	return cfg, nil
}

// AuthCodeURL returns the consent URL the user visits to grant access.
func AuthCodeURL(cfg *oauth2.Config) string {
	return cfg.AuthCodeURL("larder", oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Authorize exchanges a consent code for a token and saves it at tokenPath.
func Authorize(ctx context.Context, cfg *oauth2.Config, code, tokenPath string) error {
	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("drive: exchange code: %w", err)
	}
	return saveToken(tokenPath, tok)
}

// TokenSource returns a token source seeded from tokenPath that writes
// refreshed tokens back to the same file. A missing token file yields
// larder.ErrNotAuthenticated.
func TokenSource(ctx context.Context, cfg *oauth2.Config, tokenPath string) (oauth2.TokenSource, error) {
	tok, err := loadToken(tokenPath)
	if err != nil {
		return nil, err
	}
	return &savingSource{
		base: cfg.TokenSource(ctx, tok),
		path: tokenPath,
		last: tok.AccessToken,
	}, nil
}

type savingSource struct {
	base oauth2.TokenSource
	path string

	mu   sync.Mutex
	last string
}

func (s *savingSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken != s.last {
		if err := saveToken(s.path, tok); err != nil {
			return nil, err
		}
		s.last = tok.AccessToken
	}
	return tok, nil
}

func loadToken(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("drive: no token at %s: %w", path, larder.ErrNotAuthenticated)
	}
	if err != nil {
		return nil, fmt.Errorf("drive: read token: %w", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("drive: parse token: %w", err)
	}
	return &tok, nil
}

func saveToken(path string, tok *oauth2.Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("drive: encode token: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("drive: create token dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("drive: write token: %w", err)
	}
	return nil
}
