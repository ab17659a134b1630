package authtoken

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ErrNoStoredToken is returned by FileStore.Load when the file holds no token
// for the store's client.
var ErrNoStoredToken = errors.New("no stored token")

// tokenFile is the on-disk layout: one token per OAuth client.
type tokenFile struct {
	Tokens map[string]*AuthToken `json:"tokens"` // key = client_id
}

// FileStore persists one client's token inside a token file shared by
// several clients and processes.
type FileStore struct {
	path     string
	clientID string
}

var _ Persister = (*FileStore)(nil)

// NewFileStore returns a FileStore for clientID backed by path.
func NewFileStore(path, clientID string) *FileStore {
	return &FileStore{path: path, clientID: clientID}
}

// Path returns the token file location.
func (fs *FileStore) Path() string {
	return fs.path
}

// Load returns the stored token for the store's client.
func (fs *FileStore) Load() (*AuthToken, error) {
	data, err := os.ReadFile(fs.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoStoredToken
		}
		return nil, err
	}

	var f tokenFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse token file: %w", err)
	}

	tok, ok := f.Tokens[fs.clientID]
	if !ok || tok == nil {
		return nil, fmt.Errorf("%w for client_id: %s", ErrNoStoredToken, fs.clientID)
	}
	return tok, nil
}

// Save stores token for the store's client, keeping other clients' entries.
func (fs *FileStore) Save(token *AuthToken) error {
	return fs.update(func(tokens map[string]*AuthToken) {
		tokens[fs.clientID] = token
	})
}

// Clear removes the store's client entry.
func (fs *FileStore) Clear() error {
	return fs.update(func(tokens map[string]*AuthToken) {
		delete(tokens, fs.clientID)
	})
}

// update runs a read-modify-write of the token file under the file lock.
func (fs *FileStore) update(mutate func(map[string]*AuthToken)) error {
	lock, err := acquireFileLock(fs.path)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() {
		if releaseErr := lock.release(); releaseErr != nil {
			fmt.Fprintf(os.Stderr, "failed to release lock: %v\n", releaseErr)
		}
	}()

	var f tokenFile
	if existing, err := os.ReadFile(fs.path); err == nil {
		// A corrupt file is replaced rather than blocking every save.
		_ = json.Unmarshal(existing, &f)
	}
	if f.Tokens == nil {
		f.Tokens = make(map[string]*AuthToken)
	}

	mutate(f.Tokens)

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(fs.path, data)
}

// writeAtomic writes data to a temp file and renames it over path.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		if removeErr := os.Remove(tmp); removeErr != nil {
			return fmt.Errorf(
				"failed to rename temp file: %v; additionally failed to remove temp file: %w",
				err,
				removeErr,
			)
		}
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
