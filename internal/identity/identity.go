// Package identity keeps the rack's durable identity: the shared
// cluster secret, the system ID and fleet UUID the region assigns at
// first registration, and the provisioned cluster certificate. All
// writes are write-if-absent so a re-registration never clobbers an
// already provisioned identity.
package identity

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	secretFile   = "secret"
	systemIDFile = "system_id"
	uuidFile     = "fleet_uuid"
	certFile     = "cluster.pem"
)

type Store struct {
	mu  sync.Mutex
	dir string
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create identity dir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Secret returns the shared cluster secret, decoding the hex form it
// is provisioned in. An absent or invalidated secret is an error: the
// rack cannot authenticate without it.
func (s *Store) Secret() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := os.ReadFile(filepath.Join(s.dir, secretFile))
	if err != nil {
		return nil, fmt.Errorf("shared secret unavailable: %w", err)
	}
	secret, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("shared secret is not valid hex: %w", err)
	}
	if len(secret) == 0 {
		return nil, fmt.Errorf("shared secret is empty")
	}
	return secret, nil
}

// InvalidateSecret removes the shared secret. Used by the
// disable-and-shutoff procedure; the rack cannot rejoin the fleet until
// it is re-provisioned externally.
func (s *Store) InvalidateSecret() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(filepath.Join(s.dir, secretFile))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to invalidate shared secret: %w", err)
	}
	return nil
}

func (s *Store) SystemID() string { return s.read(systemIDFile) }
func (s *Store) FleetUUID() string { return s.read(uuidFile) }

// SetSystemID records the identifier assigned by the region. The first
// assignment wins; later registrations see the stored value.
func (s *Store) SetSystemID(id string) error { return s.writeIfAbsent(systemIDFile, []byte(id), 0o600) }

func (s *Store) SetFleetUUID(id string) error { return s.writeIfAbsent(uuidFile, []byte(id), 0o600) }

// HasClusterCertificate reports whether certificate storage is already
// provisioned. Registration only installs a bundle when it is not.
func (s *Store) HasClusterCertificate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := os.Stat(filepath.Join(s.dir, certFile))
	return err == nil
}

func (s *Store) SetClusterCertificate(pem []byte) error {
	return s.writeIfAbsent(certFile, pem, 0o600)
}

func (s *Store) ClusterCertificatePath() string {
	return filepath.Join(s.dir, certFile)
}

func (s *Store) read(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}

func (s *Store) writeIfAbsent(name string, data []byte, mode os.FileMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := filepath.Join(s.dir, name)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	if os.IsExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
