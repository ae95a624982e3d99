package auth

import (
	"context"
	"errors"
	"fmt"
	"os"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// DriveFileScope limits access to files created by this application.
const DriveFileScope = "https://www.googleapis.com/auth/drive.file"

// OutOfBandRedirect asks the provider to display the code instead of redirecting.
const OutOfBandRedirect = "urn:ietf:wg:oauth:2.0:oob"

// Registration produces the OAuth client configuration used to build the
// authorization flow. Implementations return ErrNotConfigured when no client
// registration exists.
type Registration interface {
	Load(ctx context.Context) (*oauth2.Config, error)
}

// FileRegistration reads a Google "installed application" client secret JSON file.
type FileRegistration struct {
	Path   string
	Scopes []string
}

func (f FileRegistration) Load(_ context.Context) (*oauth2.Config, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: credentials file %s not found", ErrNotConfigured, f.Path)
	}
	if err != nil {
		return nil, fmt.Errorf("read credentials file %s: %w", f.Path, err)
	}

	scopes := f.Scopes
	if len(scopes) == 0 {
		scopes = []string{DriveFileScope}
	}
	cfg, err := google.ConfigFromJSON(data, scopes...)
	if err != nil {
		return nil, fmt.Errorf("%w: parse credentials file %s: %v", ErrNotConfigured, f.Path, err)
	}
	if cfg.RedirectURL == "" {
		cfg.RedirectURL = OutOfBandRedirect
	}
	return cfg, nil
}

// SecretReader decodes a secret at path into out. Satisfied by *vault.Client.
type SecretReader interface {
	ReadInto(ctx context.Context, path string, out any) error
}

// ClientSecret is the shape of a client registration stored as a Vault secret.
type ClientSecret struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	AuthURL      string `mapstructure:"auth_url"`
	TokenURL     string `mapstructure:"token_url"`
	RedirectURL  string `mapstructure:"redirect_url"`
}

// VaultRegistration reads the client registration from a Vault secret.
type VaultRegistration struct {
	Reader SecretReader
	Path   string
	Scopes []string
}

func (v VaultRegistration) Load(ctx context.Context) (*oauth2.Config, error) {
	var secret ClientSecret
	if err := v.Reader.ReadInto(ctx, v.Path, &secret); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotConfigured, err)
	}
	if secret.ClientID == "" {
		return nil, fmt.Errorf("%w: secret %s has no client_id", ErrNotConfigured, v.Path)
	}

	endpoint := google.Endpoint
	if secret.AuthURL != "" {
		endpoint.AuthURL = secret.AuthURL
	}
	if secret.TokenURL != "" {
		endpoint.TokenURL = secret.TokenURL
	}
	redirect := secret.RedirectURL
	if redirect == "" {
		redirect = OutOfBandRedirect
	}
	scopes := v.Scopes
	if len(scopes) == 0 {
		scopes = []string{DriveFileScope}
	}

	return &oauth2.Config{
		ClientID:     secret.ClientID,
		ClientSecret: secret.ClientSecret,
		Endpoint:     endpoint,
		RedirectURL:  redirect,
		Scopes:       scopes,
	}, nil
}

// StaticRegistration returns a fixed configuration.
type StaticRegistration struct {
	Config *oauth2.Config
}

func (s StaticRegistration) Load(_ context.Context) (*oauth2.Config, error) {
	if s.Config == nil {
		return nil, ErrNotConfigured
	}
	c := *s.Config
	return &c, nil
}
