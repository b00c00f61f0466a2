package toml

import "fmt"

const currentSchemaVersion = 1

type identitiesFileSchema struct {
	Version    int              `toml:"version"`
	Identities []identitySchema `toml:"identities"`
}

func (s *identitiesFileSchema) applyDefaults() {
	if s.Version == 0 {
		s.Version = currentSchemaVersion
	}
}

func (s identitiesFileSchema) validateVersion() error {
	return checkVersion("identities", s.Version)
}

type identitySchema struct {
	ID        string `toml:"id"`
	Name      string `toml:"name"`
	SecretRef string `toml:"secret_ref"`
	Active    bool   `toml:"active"`
	Failures  int    `toml:"failures,omitempty"`
	UpdatedAt string `toml:"updated_at,omitempty"`
}

type solvesFileSchema struct {
	Version int           `toml:"version"`
	Solves  []solveSchema `toml:"solves"`
}

func (s *solvesFileSchema) applyDefaults() {
	if s.Version == 0 {
		s.Version = currentSchemaVersion
	}
}

func (s solvesFileSchema) validateVersion() error {
	return checkVersion("solves", s.Version)
}

type solveSchema struct {
	QuestID string `toml:"quest_id"`
	Count   int    `toml:"count"`
}

func checkVersion(kind string, version int) error {
	if version > currentSchemaVersion {
		return fmt.Errorf("unsupported %s schema version %d (current %d)", kind, version, currentSchemaVersion)
	}

	return nil
}
