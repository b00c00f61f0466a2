package toml

import (
	"context"
	"errors"
	"sync"

	"github.com/bnema/questd/internal/ports"
	"github.com/spf13/viper"
)

const (
	solvesPathKey = "solves.path"
	solvesFile    = "solves.toml"
)

// SolveRepository keeps one counter per quest. Increment is an upsert.
type SolveRepository struct {
	path string
	mu   *sync.RWMutex
}

var _ ports.SolveRepository = (*SolveRepository)(nil)

func NewSolveRepository(cfg *viper.Viper) (*SolveRepository, error) {
	path, err := resolvePath(cfg, solvesPathKey, solvesFile)
	if err != nil {
		return nil, err
	}

	return &SolveRepository{path: path, mu: lockForPath(path)}, nil
}

func (r *SolveRepository) Increment(ctx context.Context, questID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if questID == "" {
		return 0, errors.New("quest id is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := r.readSchema()
	if err != nil {
		return 0, err
	}

	count := 0
	updated := false
	for i := range file.Solves {
		if file.Solves[i].QuestID == questID {
			file.Solves[i].Count++
			count = file.Solves[i].Count
			updated = true
			break
		}
	}
	if !updated {
		file.Solves = append(file.Solves, solveSchema{QuestID: questID, Count: 1})
		count = 1
	}

	if err := writeTOMLFile(r.path, file); err != nil {
		return 0, err
	}

	return count, nil
}

// Get returns zero for a quest that was never solved.
func (r *SolveRepository) Get(ctx context.Context, questID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	file, err := r.readSchema()
	if err != nil {
		return 0, err
	}

	for _, entry := range file.Solves {
		if entry.QuestID == questID {
			return entry.Count, nil
		}
	}

	return 0, nil
}

func (r *SolveRepository) readSchema() (solvesFileSchema, error) {
	var file solvesFileSchema
	if err := readTOMLFile(r.path, "solves", &file); err != nil {
		return solvesFileSchema{}, err
	}
	if err := file.validateVersion(); err != nil {
		return solvesFileSchema{}, err
	}
	file.applyDefaults()

	return file, nil
}
