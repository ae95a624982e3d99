package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func newMemoryStore(t *testing.T) *BadgerTokenStore {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewBadgerTokenStore(db)
}

// newTokenServer accepts the code "good" and any refresh request.
func newTokenServer(t *testing.T, refreshes *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		w.Header().Set("Content-Type", "application/json")
		switch r.PostForm.Get("grant_type") {
		case "authorization_code":
			if r.PostForm.Get("code") != "good" {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
				return
			}
			_, _ = w.Write([]byte(`{"access_token":"access-1","refresh_token":"refresh-1","token_type":"Bearer","expires_in":3600}`))
		case "refresh_token":
			refreshes.Add(1)
			assert.Equal(t, "refresh-1", r.PostForm.Get("refresh_token"))
			_, _ = w.Write([]byte(`{"access_token":"access-2","token_type":"Bearer","expires_in":3600}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func staticRegistration(tokenURL string) StaticRegistration {
	return StaticRegistration{Config: &oauth2.Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURL:  OutOfBandRedirect,
		Scopes:       []string{DriveFileScope},
		Endpoint: oauth2.Endpoint{
			AuthURL:   "https://accounts.example.com/auth",
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}}
}

type countingStore struct {
	TokenStore
	loads atomic.Int32
	saves atomic.Int32
}

func (c *countingStore) Load(ctx context.Context, user string) (*oauth2.Token, error) {
	c.loads.Add(1)
	return c.TokenStore.Load(ctx, user)
}

func (c *countingStore) Save(ctx context.Context, user string, tok *oauth2.Token) error {
	c.saves.Add(1)
	return c.TokenStore.Save(ctx, user, tok)
}

func TestAuthorizationURL_WithoutRegistration(t *testing.T) {
	reg := FileRegistration{Path: filepath.Join(t.TempDir(), "credentials.json")}
	m := NewManager(reg, newMemoryStore(t))

	_, err := m.AuthorizationURL(context.Background())
	require.ErrorIs(t, err, ErrNotConfigured)
	assert.Equal(t, StateUnconfigured, m.State())
}

func TestAuthorizationURL_RequestsOfflineAccess(t *testing.T) {
	m := NewManager(staticRegistration("http://unused"), newMemoryStore(t))

	raw, err := m.AuthorizationURL(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingCode, m.State())

	u, err := url.Parse(raw)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "client-id", q.Get("client_id"))
	assert.Equal(t, "offline", q.Get("access_type"))
	assert.Equal(t, OutOfBandRedirect, q.Get("redirect_uri"))
	assert.Equal(t, DriveFileScope, q.Get("scope"))

	again, err := m.AuthorizationURL(context.Background())
	require.NoError(t, err)
	assert.Equal(t, raw, again)
}

func TestAuthorize_WithoutPriorURL(t *testing.T) {
	var refreshes atomic.Int32
	srv := newTokenServer(t, &refreshes)
	store := &countingStore{TokenStore: newMemoryStore(t)}
	m := NewManager(staticRegistration(srv.URL), store)

	require.NoError(t, m.Authorize(context.Background(), "good"))
	assert.Equal(t, StateAuthorized, m.State())

	tok, err := m.ActiveToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok.AccessToken)
	assert.Equal(t, int32(0), store.loads.Load(), "cached token must be served without a store read")

	persisted, err := store.TokenStore.Load(context.Background(), defaultUser)
	require.NoError(t, err)
	assert.Equal(t, "refresh-1", persisted.RefreshToken)
}

func TestAuthorize_FailureKeepsPreviousCredential(t *testing.T) {
	var refreshes atomic.Int32
	srv := newTokenServer(t, &refreshes)
	store := newMemoryStore(t)
	m := NewManager(staticRegistration(srv.URL), store)
	require.NoError(t, m.Authorize(context.Background(), "good"))

	err := m.Authorize(context.Background(), "expired")
	require.ErrorIs(t, err, ErrAuthorizationFailed)
	assert.Equal(t, StateAuthorized, m.State())

	persisted, err := store.Load(context.Background(), defaultUser)
	require.NoError(t, err)
	assert.Equal(t, "access-1", persisted.AccessToken)
}

func TestAuthorize_EmptyCode(t *testing.T) {
	m := NewManager(staticRegistration("http://unused"), newMemoryStore(t))
	require.ErrorIs(t, m.Authorize(context.Background(), "  "), ErrAuthorizationFailed)
	assert.Equal(t, StateUnconfigured, m.State())
}

func TestActiveToken_NotAuthorized(t *testing.T) {
	m := NewManager(staticRegistration("http://unused"), newMemoryStore(t))
	_, err := m.ActiveToken(context.Background())
	require.ErrorIs(t, err, ErrNotAuthorized)
	require.ErrorIs(t, m.Ready(context.Background()), ErrNotAuthorized)
}

func TestActiveToken_SurvivesRestart(t *testing.T) {
	store := newMemoryStore(t)
	require.NoError(t, store.Save(context.Background(), defaultUser, &oauth2.Token{
		AccessToken:  "persisted",
		RefreshToken: "refresh-1",
		Expiry:       time.Now().Add(time.Hour),
	}))

	m := NewManager(staticRegistration("http://unused"), store)
	tok, err := m.ActiveToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "persisted", tok.AccessToken)
	assert.Equal(t, StateAuthorized, m.State())
}

func TestTokenSource_PersistsRefreshedToken(t *testing.T) {
	var refreshes atomic.Int32
	srv := newTokenServer(t, &refreshes)
	store := newMemoryStore(t)
	require.NoError(t, store.Save(context.Background(), defaultUser, &oauth2.Token{
		AccessToken:  "stale",
		RefreshToken: "refresh-1",
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(-time.Hour),
	}))
	m := NewManager(staticRegistration(srv.URL), store)

	ts, err := m.TokenSource(context.Background())
	require.NoError(t, err)
	tok, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "access-2", tok.AccessToken)
	assert.Equal(t, int32(1), refreshes.Load())

	persisted, err := store.Load(context.Background(), defaultUser)
	require.NoError(t, err)
	assert.Equal(t, "access-2", persisted.AccessToken)
	assert.Equal(t, "refresh-1", persisted.RefreshToken)

	_, err = ts.Token()
	require.NoError(t, err)
	assert.Equal(t, int32(1), refreshes.Load())
}

func TestFileRegistration_InstalledClient(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"installed":{
		"client_id":"installed-id",
		"client_secret":"installed-secret",
		"auth_uri":"https://accounts.google.com/o/oauth2/auth",
		"token_uri":"https://oauth2.googleapis.com/token",
		"redirect_uris":["urn:ietf:wg:oauth:2.0:oob","http://localhost"]
	}}`), 0o600))

	cfg, err := FileRegistration{Path: path}.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "installed-id", cfg.ClientID)
	assert.Equal(t, OutOfBandRedirect, cfg.RedirectURL)
	assert.Equal(t, []string{DriveFileScope}, cfg.Scopes)
}

func TestFileRegistration_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"web":`), 0o600))

	_, err := FileRegistration{Path: path}.Load(context.Background())
	require.ErrorIs(t, err, ErrNotConfigured)
}

type fakeSecrets map[string]ClientSecret

func (f fakeSecrets) ReadInto(_ context.Context, path string, out any) error {
	s, ok := f[path]
	if !ok {
		return os.ErrNotExist
	}
	*(out.(*ClientSecret)) = s
	return nil
}

func TestVaultRegistration(t *testing.T) {
	reg := VaultRegistration{
		Reader: fakeSecrets{"secret/drivebackup": {ClientID: "vault-id", ClientSecret: "vault-secret"}},
		Path:   "secret/drivebackup",
	}
	cfg, err := reg.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "vault-id", cfg.ClientID)
	assert.Equal(t, OutOfBandRedirect, cfg.RedirectURL)

	reg.Path = "secret/missing"
	_, err = reg.Load(context.Background())
	require.ErrorIs(t, err, ErrNotConfigured)
}

func TestBadgerTokenStore_MissingUser(t *testing.T) {
	store := newMemoryStore(t)
	_, err := store.Load(context.Background(), "nobody")
	require.ErrorIs(t, err, ErrNoToken)
	require.Error(t, store.Save(context.Background(), "nobody", &oauth2.Token{}))
}
