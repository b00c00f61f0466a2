package toml

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bnema/questd/internal/domain"
	"github.com/bnema/questd/internal/ports"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

const (
	storageDirKey     = "storage.dir"
	identitiesPathKey = "identities.path"
	storageFileMode   = 0o600
	storageDirMode    = 0o700
	defaultStorageDir = ".questd"
	identitiesFile    = "identities.toml"
	tempFilePattern   = ".questd-*.toml.tmp"
)

type IdentityRepository struct {
	path string
	mu   *sync.RWMutex
}

var (
	lockRegistryMu sync.Mutex
	pathLockMap    = map[string]*sync.RWMutex{}
)

var _ ports.IdentityRepository = (*IdentityRepository)(nil)

// NewIdentityRepository stores identities in identities.path, falling back to
// identities.toml under storage.dir.
func NewIdentityRepository(cfg *viper.Viper) (*IdentityRepository, error) {
	path, err := resolvePath(cfg, identitiesPathKey, identitiesFile)
	if err != nil {
		return nil, err
	}

	return &IdentityRepository{path: path, mu: lockForPath(path)}, nil
}

func (r *IdentityRepository) Save(ctx context.Context, record domain.IdentityRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if record.ID == "" {
		return errors.New("identity id is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := r.readSchema()
	if err != nil {
		return err
	}

	encoded := toIdentitySchema(record)
	updated := false
	for i := range file.Identities {
		if file.Identities[i].ID == encoded.ID {
			file.Identities[i] = encoded
			updated = true
			break
		}
	}
	if !updated {
		file.Identities = append(file.Identities, encoded)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	file.applyDefaults()
	return writeTOMLFile(r.path, file)
}

func (r *IdentityRepository) GetByID(ctx context.Context, id domain.IdentityID) (domain.IdentityRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.IdentityRecord{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	file, err := r.readSchema()
	if err != nil {
		return domain.IdentityRecord{}, err
	}

	for _, entry := range file.Identities {
		if entry.ID == string(id) {
			return fromIdentitySchema(entry), nil
		}
	}

	return domain.IdentityRecord{}, domain.ErrIdentityNotFound
}

func (r *IdentityRepository) List(ctx context.Context) ([]domain.IdentityRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	file, err := r.readSchema()
	if err != nil {
		return nil, err
	}

	records := make([]domain.IdentityRecord, 0, len(file.Identities))
	for _, entry := range file.Identities {
		records = append(records, fromIdentitySchema(entry))
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].ID < records[j].ID
	})

	return records, nil
}

func (r *IdentityRepository) Delete(ctx context.Context, id domain.IdentityID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := r.readSchema()
	if err != nil {
		return err
	}

	kept := file.Identities[:0]
	found := false
	for _, entry := range file.Identities {
		if entry.ID == string(id) {
			found = true
			continue
		}
		kept = append(kept, entry)
	}
	if !found {
		return domain.ErrIdentityNotFound
	}
	file.Identities = kept

	return writeTOMLFile(r.path, file)
}

func (r *IdentityRepository) readSchema() (identitiesFileSchema, error) {
	var file identitiesFileSchema
	if err := readTOMLFile(r.path, "identities", &file); err != nil {
		return identitiesFileSchema{}, err
	}
	if err := file.validateVersion(); err != nil {
		return identitiesFileSchema{}, err
	}
	file.applyDefaults()

	return file, nil
}

func resolvePath(cfg *viper.Viper, key string, fileName string) (string, error) {
	if cfg == nil {
		cfg = viper.New()
	}

	path := cfg.GetString(key)
	if path == "" {
		dir := cfg.GetString(storageDirKey)
		if dir == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("resolve home directory: %w", err)
			}
			dir = filepath.Join(homeDir, defaultStorageDir)
		}
		path = filepath.Join(dir, fileName)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve storage path: %w", err)
	}

	return filepath.Clean(absPath), nil
}

func lockForPath(path string) *sync.RWMutex {
	lockRegistryMu.Lock()
	defer lockRegistryMu.Unlock()

	if mu, ok := pathLockMap[path]; ok {
		return mu
	}

	mu := &sync.RWMutex{}
	pathLockMap[path] = mu
	return mu
}

// readTOMLFile leaves out untouched when the file does not exist yet.
func readTOMLFile(path string, kind string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s file: %w", kind, err)
	}

	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s file: %w", kind, err)
	}

	return nil
}

// writeTOMLFile replaces path atomically through a temp file in the same directory.
func writeTOMLFile(path string, file any) error {
	if err := os.MkdirAll(filepath.Dir(path), storageDirMode); err != nil {
		return fmt.Errorf("create storage directory: %w", err)
	}

	data, err := toml.Marshal(file)
	if err != nil {
		return fmt.Errorf("encode file: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(path), tempFilePattern)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	tempName := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempName)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("write temp file: %w", err)
	}

	if err := tempFile.Chmod(storageFileMode); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}

	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tempName, path); err != nil {
		return fmt.Errorf("replace file: %w", err)
	}

	cleanup = false

	if err := os.Chmod(path, storageFileMode); err != nil {
		return fmt.Errorf("chmod file: %w", err)
	}

	return nil
}

func toIdentitySchema(record domain.IdentityRecord) identitySchema {
	return identitySchema{
		ID:        string(record.ID),
		Name:      record.Name,
		SecretRef: record.SecretRef,
		Active:    record.Active,
		Failures:  record.Failures,
		UpdatedAt: formatTime(record.UpdatedAt),
	}
}

func fromIdentitySchema(entry identitySchema) domain.IdentityRecord {
	return domain.IdentityRecord{
		ID:        domain.IdentityID(entry.ID),
		Name:      entry.Name,
		SecretRef: entry.SecretRef,
		Active:    entry.Active,
		Failures:  entry.Failures,
		UpdatedAt: parseTime(entry.UpdatedAt),
	}
}

func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}

	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}

	return parsed
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return ""
	}

	return value.UTC().Format(time.RFC3339)
}
