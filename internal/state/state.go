package state

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/alexjbarnes/mcp-connect/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	pendingBucket       = []byte("oauth_pending")
	pendingExpiryBucket = []byte("oauth_pending_expiry")
	credentialsBucket   = []byte("oauth_credentials")
)

// expiryKey orders index entries by expiry time, then state. The 8-byte
// big-endian prefix makes a cursor walk visit the oldest entries first.
func expiryKey(expiresAt time.Time, state string) []byte {
	k := make([]byte, 8, 8+len(state))
	binary.BigEndian.PutUint64(k, uint64(expiresAt.UnixNano()))

	return append(k, state...)
}

// State wraps a bbolt database holding pending authorizations and
// credentials. Secrets are sealed before they reach disk.
type State struct {
	db     *bolt.DB
	sealer *Sealer
}

// DefaultPath returns ~/.mcp-connect/state.db.
func DefaultPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(dir, ".mcp-connect", "state.db"), nil
}

// LoadAt opens a state database at the given path, creating it and its
// buckets if they do not exist.
func LoadAt(path string, sealer *Sealer) (*State, error) {
	if sealer == nil {
		return nil, fmt.Errorf("sealer is required")
	}

	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{pendingBucket, pendingExpiryBucket, credentialsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db, sealer: sealer}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// --- Pending authorizations ---

// CreatePending inserts a pending authorization and its expiry index
// entry. An existing row with the same state is an error.
func (s *State) CreatePending(p models.PendingAuthorization) error {
	if p.State == "" {
		return fmt.Errorf("pending authorization state is required")
	}

	verifier, err := s.sealer.Seal(p.CodeVerifier)
	if err != nil {
		return fmt.Errorf("sealing code verifier: %w", err)
	}

	p.CodeVerifier = verifier

	data, err := json.Marshal(p)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(pendingBucket)
		if b.Get([]byte(p.State)) != nil {
			return fmt.Errorf("pending authorization already exists")
		}

		if err := b.Put([]byte(p.State), data); err != nil {
			return err
		}

		return tx.Bucket(pendingExpiryBucket).Put(expiryKey(p.ExpiresAt, p.State), []byte{})
	})
}

// ConsumePending looks up a pending authorization by state and deletes it
// in the same write transaction. Returns nil if the state is unknown or the
// record expired at now; expired rows are left for SweepExpiredPending.
func (s *State) ConsumePending(state string, now time.Time) (*models.PendingAuthorization, error) {
	if state == "" {
		return nil, nil
	}

	var p *models.PendingAuthorization

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(pendingBucket)

		v := b.Get([]byte(state))
		if v == nil {
			return nil
		}

		var rec models.PendingAuthorization
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}

		if rec.Expired(now) {
			return nil
		}

		if err := b.Delete([]byte(state)); err != nil {
			return err
		}

		if err := tx.Bucket(pendingExpiryBucket).Delete(expiryKey(rec.ExpiresAt, state)); err != nil {
			return err
		}

		p = &rec

		return nil
	})
	if err != nil || p == nil {
		return nil, err
	}

	verifier, err := s.sealer.Open(p.CodeVerifier)
	if err != nil {
		return nil, fmt.Errorf("opening code verifier: %w", err)
	}

	p.CodeVerifier = verifier

	return p, nil
}

// SweepExpiredPending deletes every pending authorization whose expiry is
// at or before now and returns how many were removed.
func (s *State) SweepExpiredPending(now time.Time) (int, error) {
	limit := expiryKey(now, "")
	removed := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		idx := tx.Bucket(pendingExpiryBucket)
		pending := tx.Bucket(pendingBucket)

		// Collect first: deleting under an open cursor skips entries.
		var keys [][]byte

		c := idx.Cursor()
		for k, _ := c.First(); k != nil && bytes.Compare(k[:8], limit) <= 0; k, _ = c.Next() {
			keys = append(keys, bytes.Clone(k))
		}

		for _, k := range keys {
			if err := idx.Delete(k); err != nil {
				return err
			}

			if err := pending.Delete(k[8:]); err != nil {
				return err
			}

			removed++
		}

		return nil
	})

	return removed, err
}

// PendingCount returns the number of stored pending authorizations,
// expired or not.
func (s *State) PendingCount() int {
	count := 0
	_ = s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(pendingBucket).Stats().KeyN

		return nil
	})

	return count
}

// --- Credentials ---

// UpsertCredential writes the full credential set for its user and plugin,
// replacing any previous row.
func (s *State) UpsertCredential(c models.OAuthCredential) error {
	if c.UserID == "" || c.PluginIdentifier == "" {
		return fmt.Errorf("credential user and plugin identifier are required")
	}

	var err error

	if c.AccessToken, err = s.sealer.Seal(c.AccessToken); err != nil {
		return fmt.Errorf("sealing access token: %w", err)
	}

	if c.RefreshToken, err = s.sealer.Seal(c.RefreshToken); err != nil {
		return fmt.Errorf("sealing refresh token: %w", err)
	}

	data, err := json.Marshal(c)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(credentialsBucket).CreateBucketIfNotExists([]byte(c.UserID))
		if err != nil {
			return err
		}

		return b.Put([]byte(c.PluginIdentifier), data)
	})
}

// GetCredential returns the credential for a user and plugin, or nil if
// none is stored.
func (s *State) GetCredential(userID, pluginID string) (*models.OAuthCredential, error) {
	if userID == "" || pluginID == "" {
		return nil, nil
	}

	var c *models.OAuthCredential

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(credentialsBucket).Bucket([]byte(userID))
		if b == nil {
			return nil
		}

		v := b.Get([]byte(pluginID))
		if v == nil {
			return nil
		}

		c = &models.OAuthCredential{}

		return json.Unmarshal(v, c)
	})
	if err != nil || c == nil {
		return nil, err
	}

	if c.AccessToken, err = s.sealer.Open(c.AccessToken); err != nil {
		return nil, fmt.Errorf("opening access token: %w", err)
	}

	if c.RefreshToken, err = s.sealer.Open(c.RefreshToken); err != nil {
		return nil, fmt.Errorf("opening refresh token: %w", err)
	}

	return c, nil
}

// DeleteCredential removes the credential for a user and plugin. Deleting
// a missing row is not an error.
func (s *State) DeleteCredential(userID, pluginID string) error {
	if userID == "" || pluginID == "" {
		return nil
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(credentialsBucket).Bucket([]byte(userID))
		if b == nil {
			return nil
		}

		return b.Delete([]byte(pluginID))
	})
}

// ConnectedPlugins returns the sorted plugin identifiers the user holds
// credentials for.
func (s *State) ConnectedPlugins(userID string) ([]string, error) {
	if userID == "" {
		return nil, nil
	}

	var ids []string

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(credentialsBucket).Bucket([]byte(userID))
		if b == nil {
			return nil
		}

		return b.ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))

			return nil
		})
	})

	sort.Strings(ids)

	return ids, err
}
