package filestore

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/jrsteele09/go-storefront-session/credentials"
	serrors "github.com/jrsteele09/go-storefront-session/internal/errors"
	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
)

var _ credentials.Store = (*FileStore)(nil)

var additionalData = []byte("storefront-session-v1")

// document is the on-disk layout. Exactly one of Record or Sealed is set;
// Sealed holds nonce||ciphertext of the JSON encoded record.
type document struct {
	Record map[string]string `json:"record,omitempty"`
	Sealed []byte            `json:"sealed,omitempty"`
}

// FileStore persists the credential record as a single file that is replaced
// atomically on every save.
type FileStore struct {
	path string
	key  []byte
	mu   sync.Mutex
}

// Option configures a FileStore
type Option func(*FileStore)

// WithKey seals the record with XChaCha20-Poly1305 under a 32 byte key
func WithKey(key []byte) Option {
	return func(fs *FileStore) {
		fs.key = key
	}
}

// New creates a file backed store at path
func New(path string, options ...Option) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("[filestore.New] path is required")
	}
	fs := &FileStore{path: path}
	for _, opt := range options {
		opt(fs)
	}
	if fs.key != nil && len(fs.key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("[filestore.New] key must be %d bytes, got %d", chacha20poly1305.KeySize, len(fs.key))
	}
	return fs, nil
}

// ParseKey decodes a hex encoded sealing key. An empty string means no key.
func ParseKey(hexKey string) ([]byte, error) {
	if hexKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, errors.Wrap(err, "[filestore.ParseKey] key is not hex")
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("[filestore.ParseKey] key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return key, nil
}

// Path returns the file the record is stored in
func (fs *FileStore) Path() string {
	return fs.path
}

func (fs *FileStore) Save(credential *credentials.Credential) error {
	record, err := credentials.Encode(credential)
	if err != nil {
		return err
	}

	doc := document{Record: record}
	if fs.key != nil {
		sealed, err := fs.seal(record)
		if err != nil {
			return err
		}
		doc = document{Sealed: sealed}
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "[FileStore.Save] marshal")
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.replace(data)
}

func (fs *FileStore) Load() (*credentials.Credential, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	data, err := os.ReadFile(fs.path)
	if errors.Is(err, os.ErrNotExist) || (err == nil && len(data) == 0) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "[FileStore.Load] read")
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(serrors.ErrPartialCredential, "[FileStore.Load] credential file is not valid JSON")
	}

	record := doc.Record
	if len(doc.Sealed) > 0 {
		if record, err = fs.open(doc.Sealed); err != nil {
			return nil, err
		}
	}
	return credentials.Decode(record)
}

func (fs *FileStore) Clear() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := os.Remove(fs.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Wrap(err, "[FileStore.Clear] remove")
	}
	return nil
}

// replace writes data to a temp file in the same directory and renames it
// over the target, so the previous record stays intact until the new one is
// complete.
func (fs *FileStore) replace(data []byte) error {
	dir := filepath.Dir(fs.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errors.Wrap(err, "[FileStore.Save] create directory")
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(fs.path)+"-*.tmp")
	if err != nil {
		return errors.Wrap(err, "[FileStore.Save] create temp file")
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return errors.Wrap(err, "[FileStore.Save] write temp file")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return errors.Wrap(err, "[FileStore.Save] sync temp file")
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return errors.Wrap(err, "[FileStore.Save] close temp file")
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		cleanup()
		return errors.Wrap(err, "[FileStore.Save] chmod temp file")
	}
	if err := os.Rename(tmpName, fs.path); err != nil {
		cleanup()
		return errors.Wrap(err, "[FileStore.Save] rename temp file")
	}
	return nil
}

func (fs *FileStore) seal(record map[string]string) ([]byte, error) {
	plain, err := json.Marshal(record)
	if err != nil {
		return nil, errors.Wrap(err, "[FileStore.seal] marshal record")
	}
	aead, err := chacha20poly1305.NewX(fs.key)
	if err != nil {
		return nil, errors.Wrap(err, "[FileStore.seal] cipher")
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, "[FileStore.seal] nonce")
	}
	return aead.Seal(nonce, nonce, plain, additionalData), nil
}

func (fs *FileStore) open(sealed []byte) (map[string]string, error) {
	if fs.key == nil {
		return nil, errors.Wrap(serrors.ErrCredentialUnsealing, "[FileStore.Load] record is sealed but no key is configured")
	}
	aead, err := chacha20poly1305.NewX(fs.key)
	if err != nil {
		return nil, errors.Wrap(err, "[FileStore.open] cipher")
	}
	if len(sealed) < aead.NonceSize() {
		return nil, errors.Wrap(serrors.ErrCredentialUnsealing, "[FileStore.Load] sealed record too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, errors.Wrap(serrors.ErrCredentialUnsealing, "[FileStore.Load] "+err.Error())
	}
	var record map[string]string
	if err := json.Unmarshal(plain, &record); err != nil {
		return nil, errors.Wrap(serrors.ErrCredentialUnsealing, "[FileStore.Load] sealed record is not valid JSON")
	}
	return record, nil
}
