package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"golang.org/x/oauth2"
)

const tokenKeyPrefix = "token:"

// TokenStore persists tokens per user. Save must be all-or-nothing.
type TokenStore interface {
	Load(ctx context.Context, user string) (*oauth2.Token, error)
	Save(ctx context.Context, user string, tok *oauth2.Token) error
}

type tokenRecord struct {
	AccessToken  string    `json:"token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Expiry       time.Time `json:"expiry"`
}

// BadgerTokenStore keeps tokens in a BadgerDB directory.
type BadgerTokenStore struct {
	db *badger.DB
}

// OpenBadgerTokenStore opens (or creates) a token database in dir.
func OpenBadgerTokenStore(dir string) (*BadgerTokenStore, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open token store %s: %w", dir, err)
	}
	return &BadgerTokenStore{db: db}, nil
}

// NewBadgerTokenStore wraps an already opened database.
func NewBadgerTokenStore(db *badger.DB) *BadgerTokenStore {
	return &BadgerTokenStore{db: db}
}

// Load returns ErrNoToken when nothing was stored for user.
func (s *BadgerTokenStore) Load(_ context.Context, user string) (*oauth2.Token, error) {
	var rec tokenRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(tokenKeyPrefix + user))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNoToken
		}
		if err != nil {
			return fmt.Errorf("get token: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return nil, err
	}
	if rec.AccessToken == "" {
		return nil, ErrNoToken
	}

	return &oauth2.Token{
		AccessToken:  rec.AccessToken,
		RefreshToken: rec.RefreshToken,
		TokenType:    rec.TokenType,
		Expiry:       rec.Expiry,
	}, nil
}

func (s *BadgerTokenStore) Save(_ context.Context, user string, tok *oauth2.Token) error {
	if tok == nil || tok.AccessToken == "" {
		return fmt.Errorf("save token: %w", ErrNoToken)
	}
	data, err := json.Marshal(tokenRecord{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
	})
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(tokenKeyPrefix+user), data)
	})
}

func (s *BadgerTokenStore) Close() error {
	return s.db.Close()
}
