package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/edvin/certfleet/internal/crypto"
	"github.com/edvin/certfleet/internal/pki"
)

const (
	chainFile = "cert.pem"
	keyFile   = "privkey.pem"
	metaFile  = "meta.json"

	versionsDir = ".versions"
	stagingDir  = ".staging"
	accountsDir = "_accounts"
)

// Meta is the metadata snapshot written next to each artifact pair so the
// engine can recover records without the database.
type Meta struct {
	CertificateID string     `json:"certificate_id"`
	Domains       []string   `json:"domains"`
	CA            string     `json:"ca"`
	SerialNumber  string     `json:"serial_number"`
	Fingerprint   string     `json:"fingerprint"`
	NotBefore     time.Time  `json:"not_before"`
	NotAfter      time.Time  `json:"not_after"`
	IssuedAt      time.Time  `json:"issued_at"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
}

// Store keeps issued artifacts on disk under root:
//
//	<root>/<domain>                      -> symlink into .versions (current triple)
//	<root>/.versions/<domain>/<version>/ cert.pem, privkey.pem, meta.json
//	<root>/_accounts/<ca>/<email>/account.key
//
// Each write lands in a fresh version directory which is fsynced and then
// made current by an atomic symlink replacement, so a reader always sees a
// complete triple, old or new.
type Store struct {
	root      string
	masterKey []byte
	logger    zerolog.Logger
}

// StoreError wraps filesystem failures so the controller can refuse a
// state transition.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// New opens (creating if needed) a store rooted at root. masterKey may be
// nil, in which case account keys are stored unencrypted.
func New(root string, masterKey []byte, logger zerolog.Logger) (*Store, error) {
	for _, dir := range []string{root, filepath.Join(root, versionsDir), filepath.Join(root, stagingDir), filepath.Join(root, accountsDir)} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, &StoreError{Op: "init", Err: err}
		}
	}
	return &Store{
		root:      root,
		masterKey: masterKey,
		logger:    logger.With().Str("component", "store").Logger(),
	}, nil
}

// ChainPath returns the canonical path of the chain PEM for domain.
func (s *Store) ChainPath(domain string) string {
	return filepath.Join(s.root, domain, chainFile)
}

// KeyPath returns the canonical path of the private key PEM for domain.
func (s *Store) KeyPath(domain string) string {
	return filepath.Join(s.root, domain, keyFile)
}

// Put writes a complete artifact triple for domain and makes it current.
func (s *Store) Put(domain string, chainPEM, keyPEM []byte, meta Meta) error {
	version := uuid.NewString()
	versionPath := filepath.Join(s.root, versionsDir, domain, version)
	if err := os.MkdirAll(versionPath, 0o700); err != nil {
		return &StoreError{Op: "put", Err: err}
	}

	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return &StoreError{Op: "put", Err: err}
	}

	files := []struct {
		name string
		data []byte
		mode os.FileMode
	}{
		{chainFile, chainPEM, 0o644},
		{keyFile, keyPEM, 0o600},
		{metaFile, metaJSON, 0o644},
	}
	for _, f := range files {
		if err := writeFileSync(filepath.Join(versionPath, f.name), f.data, f.mode); err != nil {
			os.RemoveAll(versionPath)
			return &StoreError{Op: "put", Err: err}
		}
	}
	if err := syncDir(versionPath); err != nil {
		os.RemoveAll(versionPath)
		return &StoreError{Op: "put", Err: err}
	}

	if err := s.setCurrent(domain, version); err != nil {
		os.RemoveAll(versionPath)
		return err
	}

	s.pruneVersions(domain, version)
	s.logger.Debug().Str("domain", domain).Str("version", version).Msg("artifacts written")
	return nil
}

// Swap replaces the stored triple for domain. Same atomicity as Put: a
// crash leaves the old triple or the new one, never a mix.
func (s *Store) Swap(domain string, chainPEM, keyPEM []byte, meta Meta) error {
	return s.Put(domain, chainPEM, keyPEM, meta)
}

// setCurrent atomically points <root>/<domain> at the version directory.
func (s *Store) setCurrent(domain, version string) error {
	target := filepath.Join(versionsDir, domain, version)
	link := filepath.Join(s.root, domain)
	tmp := link + ".tmp"

	os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return &StoreError{Op: "swap", Err: err}
	}
	if err := os.Rename(tmp, link); err != nil {
		os.Remove(tmp)
		return &StoreError{Op: "swap", Err: err}
	}
	if err := syncDir(s.root); err != nil {
		return &StoreError{Op: "swap", Err: err}
	}
	return nil
}

// pruneVersions removes superseded version directories for domain. Each
// domain owns its own subtree under .versions, so pruning one domain can
// never touch another's artifacts.
func (s *Store) pruneVersions(domain, keep string) {
	domainDir := filepath.Join(s.root, versionsDir, domain)
	entries, err := os.ReadDir(domainDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.Name() == keep {
			continue
		}
		if err := os.RemoveAll(filepath.Join(domainDir, e.Name())); err != nil {
			s.logger.Warn().Err(err).Str("domain", domain).Str("version", e.Name()).Msg("failed to prune old version")
		}
	}
}

// Get loads the current triple for domain.
func (s *Store) Get(domain string) (chainPEM, keyPEM []byte, meta Meta, err error) {
	dir := filepath.Join(s.root, domain)

	chainPEM, err = os.ReadFile(filepath.Join(dir, chainFile))
	if err != nil {
		return nil, nil, Meta{}, &StoreError{Op: "get", Err: err}
	}
	// The key may have been removed by revocation.
	keyPEM, err = os.ReadFile(filepath.Join(dir, keyFile))
	if err != nil && !os.IsNotExist(err) {
		return nil, nil, Meta{}, &StoreError{Op: "get", Err: err}
	}

	meta, err = s.readMeta(filepath.Join(dir, metaFile))
	if err != nil {
		return nil, nil, Meta{}, err
	}
	return chainPEM, keyPEM, meta, nil
}

// GetMeta loads only the metadata snapshot for domain.
func (s *Store) GetMeta(domain string) (Meta, error) {
	return s.readMeta(filepath.Join(s.root, domain, metaFile))
}

func (s *Store) readMeta(path string) (Meta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Meta{}, &StoreError{Op: "get", Err: err}
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return Meta{}, &StoreError{Op: "get", Err: err}
	}
	return meta, nil
}

// HasKey reports whether private key material is present for domain.
func (s *Store) HasKey(domain string) bool {
	_, err := os.Stat(filepath.Join(s.root, domain, keyFile))
	return err == nil
}

// RemoveKey deletes the private key for domain, keeping chain and
// metadata. Used after revocation. The metadata snapshot is rewritten
// with the revocation time.
func (s *Store) RemoveKey(domain string, revokedAt time.Time) error {
	dir := filepath.Join(s.root, domain)

	meta, err := s.readMeta(filepath.Join(dir, metaFile))
	if err != nil {
		return err
	}
	meta.RevokedAt = &revokedAt

	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return &StoreError{Op: "remove-key", Err: err}
	}
	if err := writeFileSync(filepath.Join(dir, metaFile), metaJSON, 0o644); err != nil {
		return &StoreError{Op: "remove-key", Err: err}
	}

	if err := os.Remove(filepath.Join(dir, keyFile)); err != nil && !os.IsNotExist(err) {
		return &StoreError{Op: "remove-key", Err: err}
	}
	return nil
}

// Delete removes every artifact for domain.
func (s *Store) Delete(domain string) error {
	link := filepath.Join(s.root, domain)
	if err := os.Remove(link); err != nil && !os.IsNotExist(err) {
		return &StoreError{Op: "delete", Err: err}
	}
	if err := os.RemoveAll(filepath.Join(s.root, versionsDir, domain)); err != nil {
		return &StoreError{Op: "delete", Err: err}
	}
	return nil
}

// List enumerates the domains with a current triple.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, &StoreError{Op: "list", Err: err}
	}
	var domains []string
	for _, e := range entries {
		name := e.Name()
		if name == versionsDir || name == stagingDir || name == accountsDir || strings.HasSuffix(name, ".tmp") {
			continue
		}
		domains = append(domains, name)
	}
	sort.Strings(domains)
	return domains, nil
}

// VerifyFingerprint re-reads the chain for domain and checks the leaf
// SHA-256 against want. Flags metadata drift during self-checks.
func (s *Store) VerifyFingerprint(domain, want string) error {
	chainPEM, err := os.ReadFile(filepath.Join(s.root, domain, chainFile))
	if err != nil {
		return &StoreError{Op: "verify", Err: err}
	}
	got, err := pki.Fingerprint(chainPEM)
	if err != nil {
		return fmt.Errorf("verify %s: %w", domain, err)
	}
	if got != want {
		return fmt.Errorf("fingerprint drift for %s: disk %s, record %s", domain, got, want)
	}
	return nil
}

// StageKey parks a certificate private key on disk while its order is
// in flight at the CA, so an interrupted issuance can still download
// and install the certificate after a restart.
func (s *Store) StageKey(certID string, keyPEM []byte) error {
	path := filepath.Join(s.root, stagingDir, certID+".key")
	if err := writeFileSync(path, keyPEM, 0o600); err != nil {
		return &StoreError{Op: "stage-key", Err: err}
	}
	return nil
}

// LoadStagedKey reads back a key parked by StageKey.
func (s *Store) LoadStagedKey(certID string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.root, stagingDir, certID+".key"))
	if err != nil {
		return nil, &StoreError{Op: "load-staged-key", Err: err}
	}
	return data, nil
}

// DiscardStagedKey removes a staged key once the order completed or was
// abandoned.
func (s *Store) DiscardStagedKey(certID string) {
	os.Remove(filepath.Join(s.root, stagingDir, certID+".key"))
}

// SaveAccountKey stores an ACME account private key under
// _accounts/<ca>/<email>/account.key, encrypted when a master key is set.
func (s *Store) SaveAccountKey(ca, email string, keyPEM []byte) (string, error) {
	dir := filepath.Join(s.root, accountsDir, ca, email)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", &StoreError{Op: "save-account-key", Err: err}
	}

	data := keyPEM
	if s.masterKey != nil {
		sealed, err := crypto.Encrypt(keyPEM, s.masterKey)
		if err != nil {
			return "", &StoreError{Op: "save-account-key", Err: err}
		}
		data = []byte(sealed)
	}

	path := filepath.Join(dir, "account.key")
	if err := writeFileSync(path, data, 0o600); err != nil {
		return "", &StoreError{Op: "save-account-key", Err: err}
	}
	return path, nil
}

// LoadAccountKey reads back an account key saved by SaveAccountKey.
func (s *Store) LoadAccountKey(ca, email string) ([]byte, error) {
	path := filepath.Join(s.root, accountsDir, ca, email, "account.key")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &StoreError{Op: "load-account-key", Err: err}
	}
	if s.masterKey != nil {
		plain, err := crypto.Decrypt(string(data), s.masterKey)
		if err != nil {
			return nil, &StoreError{Op: "load-account-key", Err: err}
		}
		return plain, nil
	}
	return data, nil
}

// writeFileSync writes data to a sibling tmp path, fsyncs, and renames
// into place.
func writeFileSync(path string, data []byte, mode os.FileMode) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func syncDir(path string) error {
	d, err := os.Open(path)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
