package credstore

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"mcpbridge/pkg/oauth"
)

// DefaultStorageDir is the default directory for storing credentials,
// relative to the user's home directory.
const DefaultStorageDir = ".config/mcpbridge/credentials"

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// recordKind identifies one of the three independent records per namespace.
type recordKind string

const (
	kindClient recordKind = "client"
	kindToken  recordKind = "token"
	kindFlow   recordKind = "flow"
)

// Namespace identifies the unit of credential isolation: one user against
// one upstream server.
type Namespace struct {
	UserID      string
	UpstreamURL string
}

// Key returns the filesystem-safe namespace key. The upstream URL is
// normalized and fingerprinted so equivalent endpoint spellings share a
// namespace, and the user id is sanitized so it cannot escape the storage
// directory.
func (n Namespace) Key() string {
	normalized := oauth.NormalizeServerURL(n.UpstreamURL)
	hash := sha256.Sum256([]byte(normalized))
	return sanitizeUserID(n.UserID) + "-" + hex.EncodeToString(hash[:16])
}

// sanitizeUserID maps a user identifier to a filesystem-safe token.
// Anything outside [a-zA-Z0-9._-] is replaced with '_'.
func sanitizeUserID(userID string) string {
	if userID == "" {
		userID = "default"
	}
	var b strings.Builder
	for _, r := range userID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// Store persists per-namespace credential records as JSON files.
// All methods are safe for concurrent use; callers needing read-modify-write
// atomicity across calls (e.g. refresh) must serialize at a higher level.
type Store struct {
	storageDir string
}

// Config configures the credential store.
type Config struct {
	// StorageDir is the directory for credential files.
	// Defaults to ~/.config/mcpbridge/credentials.
	StorageDir string
}

// New creates a credential store, creating the storage directory with
// owner-only permissions if it does not exist.
func New(cfg Config) (*Store, error) {
	storageDir := cfg.StorageDir
	if storageDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		storageDir = filepath.Join(homeDir, DefaultStorageDir)
	}

	if err := os.MkdirAll(storageDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create credential storage directory: %w", err)
	}

	return &Store{storageDir: storageDir}, nil
}

// LoadClientRegistration loads the client registration for a namespace.
// Returns ErrNotFound if none exists.
func (s *Store) LoadClientRegistration(ns Namespace) (*ClientRegistration, error) {
	var reg ClientRegistration
	if err := s.readRecord(ns, kindClient, &reg); err != nil {
		return nil, err
	}
	return &reg, nil
}

// SaveClientRegistration atomically replaces the client registration for a namespace.
func (s *Store) SaveClientRegistration(ns Namespace, reg *ClientRegistration) error {
	return s.writeRecord(ns, kindClient, reg)
}

// LoadTokenSet loads the token set for a namespace.
// Returns ErrNotFound if none exists. Expiry is not checked here; that is
// the OAuth manager's policy.
func (s *Store) LoadTokenSet(ns Namespace) (*TokenSet, error) {
	var tokens TokenSet
	if err := s.readRecord(ns, kindToken, &tokens); err != nil {
		return nil, err
	}
	return &tokens, nil
}

// SaveTokenSet atomically replaces the token set for a namespace.
func (s *Store) SaveTokenSet(ns Namespace, tokens *TokenSet) error {
	if err := s.writeRecord(ns, kindToken, tokens); err != nil {
		slog.Warn("failed to persist token set",
			"namespace", ns.Key(),
			"error", err.Error(),
		)
		return err
	}
	slog.Debug("token set stored",
		"namespace", ns.Key(),
		"has_refresh_token", tokens.RefreshToken != "",
	)
	return nil
}

// DeleteTokenSet removes the token set for a namespace. Idempotent.
func (s *Store) DeleteTokenSet(ns Namespace) error {
	return s.deleteRecord(ns, kindToken)
}

// LoadPendingAuthState loads the in-flight flow state for a namespace.
// Returns ErrNotFound if none exists.
func (s *Store) LoadPendingAuthState(ns Namespace) (*PendingAuthState, error) {
	var flow PendingAuthState
	if err := s.readRecord(ns, kindFlow, &flow); err != nil {
		return nil, err
	}
	return &flow, nil
}

// SavePendingAuthState atomically replaces the flow state for a namespace.
// Any prior unconsumed flow is invalidated by the replacement.
func (s *Store) SavePendingAuthState(ns Namespace, flow *PendingAuthState) error {
	return s.writeRecord(ns, kindFlow, flow)
}

// DeletePendingAuthState removes the flow state for a namespace. Idempotent.
func (s *Store) DeletePendingAuthState(ns Namespace) error {
	return s.deleteRecord(ns, kindFlow)
}

// FindPendingAuthState scans all stored flow records for one whose state
// nonce matches. Authorization callbacks arrive without a user identity;
// the flow record carries it. Returns ErrNotFound when no flow matches.
func (s *Store) FindPendingAuthState(state string) (*PendingAuthState, error) {
	matches, err := filepath.Glob(filepath.Join(s.storageDir, "*."+string(kindFlow)+".json"))
	if err != nil {
		return nil, fmt.Errorf("failed to scan flow records: %w", err)
	}

	for _, path := range matches {
		// #nosec G304 -- paths come from a glob over the store's own directory
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var flow PendingAuthState
		if err := json.Unmarshal(data, &flow); err != nil {
			slog.Warn("skipping malformed flow record", "path", path)
			continue
		}
		if subtle.ConstantTimeCompare([]byte(flow.State), []byte(state)) == 1 {
			return &flow, nil
		}
	}

	return nil, ErrNotFound
}

// Clear removes every record for a namespace. Idempotent; succeeds even if
// nothing existed.
func (s *Store) Clear(ns Namespace) error {
	for _, kind := range []recordKind{kindClient, kindToken, kindFlow} {
		if err := s.deleteRecord(ns, kind); err != nil {
			return err
		}
	}
	slog.Debug("credentials cleared", "namespace", ns.Key())
	return nil
}

// recordPath returns the file path for a namespace record.
func (s *Store) recordPath(ns Namespace, kind recordKind) string {
	return filepath.Join(s.storageDir, ns.Key()+"."+string(kind)+".json")
}

// readRecord reads and unmarshals a record into out.
func (s *Store) readRecord(ns Namespace, kind recordKind, out interface{}) error {
	path := s.recordPath(ns, kind)

	// #nosec G304 -- path is constructed from a sanitized namespace key
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to read %s record: %w", kind, err)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal %s record: %w", kind, err)
	}

	return nil
}

// writeRecord marshals and atomically replaces a record. The record is
// written to a temp file in the same directory and renamed into place, so
// readers either see the old complete record or the new complete record,
// never a truncated one.
func (s *Store) writeRecord(ns Namespace, kind recordKind, in interface{}) error {
	path := s.recordPath(ns, kind)

	data, err := json.MarshalIndent(in, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s record: %w", kind, err)
	}

	tmp, err := os.CreateTemp(s.storageDir, "."+ns.Key()+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to set temp file permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s record: %w", kind, err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s record: %w", kind, err)
	}

	return nil
}

// deleteRecord removes a record file. Missing files are not an error.
func (s *Store) deleteRecord(ns Namespace, kind recordKind) error {
	err := os.Remove(s.recordPath(ns, kind))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete %s record: %w", kind, err)
	}
	return nil
}
