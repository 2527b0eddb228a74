// Package state persists the agent's durable data in a bbolt database:
// the master encryption key, per-session encrypted token blobs, and
// session cookie records. The durable store is the source of truth
// across process restarts; the in-memory caches in internal/session are
// rebuilt from it lazily.
package state

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.pos-agent/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second

	// masterKeyLen is the required length of the persisted encryption key.
	masterKeyLen = 32
)

var (
	appBucket     = []byte("app")
	tokensBucket  = []byte("tokens")
	cookiesBucket = []byte("cookies")

	encryptionKeyKey   = []byte("encryption_key")
	identitySessionKey = []byte("identity_session")
)

// CookieRecord is the durable form of a session cookie. The attribute
// fields mirror what the front-end sets on real browser cookies.
type CookieRecord struct {
	Value    string    `json:"value"`
	Expires  time.Time `json:"expires"`
	Secure   bool      `json:"secure"`
	SameSite string    `json:"same_site"`
}

// Store wraps a bbolt database for all persistent session state.
type Store struct {
	db *bolt.DB
}

// Open opens the state database at ~/.pos-agent/state.db, creating it
// if it does not exist.
func Open() (*Store, error) {
	return OpenAt(dbPath())
}

// OpenAt opens a state database at the given path, creating it if it
// does not exist. All buckets are created on open. Useful for tests
// that need an isolated database.
func OpenAt(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{appBucket, tokensBucket, cookiesBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// EncryptionKey returns the persisted master key, or (nil, nil) when no
// key has been stored yet. A key that is present but malformed is an
// error, not a miss: callers must not treat unreadable ciphertext as a
// fresh profile.
func (s *Store) EncryptionKey() ([]byte, error) {
	var raw []byte

	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(encryptionKeyKey)
		if v != nil {
			raw = append([]byte(nil), v...)
		}

		return nil
	})

	if raw == nil {
		return nil, nil
	}

	key := make([]byte, hex.DecodedLen(len(raw)))
	if _, err := hex.Decode(key, raw); err != nil {
		return nil, fmt.Errorf("decoding stored encryption key: %w", err)
	}

	if len(key) != masterKeyLen {
		return nil, fmt.Errorf("stored encryption key has %d bytes: expected %d", len(key), masterKeyLen)
	}

	return key, nil
}

// SetEncryptionKey persists the master encryption key, replacing any
// previous one.
func (s *Store) SetEncryptionKey(key []byte) error {
	if len(key) != masterKeyLen {
		return fmt.Errorf("encryption key has %d bytes: expected %d", len(key), masterKeyLen)
	}

	encoded := make([]byte, hex.EncodedLen(len(key)))
	hex.Encode(encoded, key)

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(encryptionKeyKey, encoded)
	})
}

// DeleteEncryptionKey removes the persisted master key. Used when key
// loss has been detected and the profile is being reset.
func (s *Store) DeleteEncryptionKey() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Delete(encryptionKeyKey)
	})
}

// IdentitySession returns the persisted (encrypted) identity provider
// session credential, or "" when none is stored.
func (s *Store) IdentitySession() string {
	var v string

	_ = s.db.View(func(tx *bolt.Tx) error {
		if raw := tx.Bucket(appBucket).Get(identitySessionKey); raw != nil {
			v = string(raw)
		}

		return nil
	})

	return v
}

// SetIdentitySession persists the identity provider session credential.
func (s *Store) SetIdentitySession(v string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(identitySessionKey, []byte(v))
	})
}

// DeleteIdentitySession removes the identity provider session credential.
func (s *Store) DeleteIdentitySession() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Delete(identitySessionKey)
	})
}

// TokenBlob returns the stored token bundle JSON for a storage key, or
// nil if not found.
func (s *Store) TokenBlob(key string) ([]byte, error) {
	var blob []byte

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(tokensBucket).Get([]byte(key))
		if v != nil {
			blob = append([]byte(nil), v...)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading token blob %s: %w", key, err)
	}

	return blob, nil
}

// SetTokenBlob stores a token bundle JSON under a storage key.
func (s *Store) SetTokenBlob(key string, blob []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(tokensBucket).Put([]byte(key), blob)
	})
}

// DeleteTokenBlob removes a token bundle. Missing keys are not an error.
func (s *Store) DeleteTokenBlob(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(tokensBucket).Delete([]byte(key))
	})
}

// DeleteTokenPrefix removes every token bundle whose storage key starts
// with prefix and returns how many were deleted. Handle rotation leaves
// orphaned bundles behind; the logout sweep uses this to collect them.
func (s *Store) DeleteTokenPrefix(prefix string) (int, error) {
	deleted := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(tokensBucket).Cursor()
		p := []byte(prefix)

		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}

			deleted++
		}

		return nil
	})
	if err != nil {
		return deleted, fmt.Errorf("sweeping token blobs with prefix %s: %w", prefix, err)
	}

	return deleted, nil
}

// TokenKeysWithPrefix returns the storage keys of all bundles under a
// prefix. Used by status reporting and tests.
func (s *Store) TokenKeysWithPrefix(prefix string) ([]string, error) {
	var keys []string

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(tokensBucket).Cursor()
		p := []byte(prefix)

		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, string(k))
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing token blobs with prefix %s: %w", prefix, err)
	}

	return keys, nil
}

// Cookie returns the stored cookie record for a name, or nil if not found.
func (s *Store) Cookie(name string) (*CookieRecord, error) {
	var rec *CookieRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(cookiesBucket).Get([]byte(name))
		if v == nil {
			return nil
		}

		rec = &CookieRecord{}

		return json.Unmarshal(v, rec)
	})
	if err != nil {
		return nil, fmt.Errorf("reading cookie %s: %w", name, err)
	}

	return rec, nil
}

// SetCookie persists a cookie record under its name.
func (s *Store) SetCookie(name string, rec CookieRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		return tx.Bucket(cookiesBucket).Put([]byte(name), data)
	})
}

// DeleteCookie removes a cookie record. Missing names are not an error.
func (s *Store) DeleteCookie(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(cookiesBucket).Delete([]byte(name))
	})
}

func dbPath() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		// Fail loudly rather than silently writing to the current directory
		// where the database (containing session tokens) might end up with
		// wrong permissions or inside a source-controlled tree.
		fmt.Fprintf(os.Stderr, "fatal: cannot determine home directory: %v\n", err)
		os.Exit(1)
	}

	return filepath.Join(dir, ".pos-agent", "state.db")
}
