package application

import (
	"sort"

	"go.uber.org/zap"

	"github.com/bnema/questd/internal/domain"
)

// PoolLimits bounds admission.
type PoolLimits struct {
	PerWorkerCap int `json:"per_worker_cap" yaml:"per_worker_cap"`
	GlobalCap    int `json:"global_cap" yaml:"global_cap"`
}

// WorkerPool is the slot table. Like SessionRegistry it relies on the
// Supervisor's lock; every count change touches the slot and the global counter
// in the same call.
type WorkerPool struct {
	slots  []domain.WorkerSlot
	global int
	limits PoolLimits
	logger *zap.Logger
}

func NewWorkerPool(size int, limits PoolLimits, logger *zap.Logger) *WorkerPool {
	if logger == nil {
		logger = zap.NewNop()
	}
	slots := make([]domain.WorkerSlot, size)
	for i := range slots {
		slots[i] = domain.WorkerSlot{Index: i, Healthy: true}
	}
	return &WorkerPool{
		slots:  slots,
		limits: limits,
		logger: logger.With(zap.String("component", "worker-pool")),
	}
}

func (p *WorkerPool) SetLimits(limits PoolLimits) {
	p.limits = limits
}

func (p *WorkerPool) Limits() PoolLimits {
	return p.limits
}

// Admit checks the global cap. bypass skips the check.
func (p *WorkerPool) Admit(bypass bool) error {
	if bypass || p.limits.GlobalCap <= 0 {
		return nil
	}
	if p.global >= p.limits.GlobalCap {
		return domain.ErrCapacityReached
	}
	return nil
}

// LeastLoaded returns the eligible slot with the fewest tasks, ties going to the
// lowest index.
func (p *WorkerPool) LeastLoaded(bypass bool) (int, error) {
	candidates := make([]domain.WorkerSlot, 0, len(p.slots))
	for _, slot := range p.slots {
		if slot.Eligible(p.limits.PerWorkerCap, bypass) {
			candidates = append(candidates, slot)
		}
	}
	if len(candidates) == 0 {
		return domain.NoWorker, domain.ErrNoWorkerAvailable
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Tasks == candidates[j].Tasks {
			return candidates[i].Index < candidates[j].Index
		}
		return candidates[i].Tasks < candidates[j].Tasks
	})

	return candidates[0].Index, nil
}

func (p *WorkerPool) RecordAssignment(index int) {
	if !p.valid(index) {
		p.logger.Error("assignment to unknown worker slot", zap.Int("worker", index))
		return
	}
	p.slots[index].Tasks++
	p.global++
}

// RecordCompletion releases one task from the slot. Counts never go below zero;
// an underflow is logged and clamped.
func (p *WorkerPool) RecordCompletion(index int) {
	if !p.valid(index) {
		p.logger.Error("completion for unknown worker slot", zap.Int("worker", index))
		return
	}

	if p.slots[index].Tasks <= 0 {
		p.logger.Error("worker task count underflow", zap.Int("worker", index))
		p.slots[index].Tasks = 0
	} else {
		p.slots[index].Tasks--
	}

	if p.global <= 0 {
		p.logger.Error("global task count underflow", zap.Int("worker", index))
		p.global = 0
	} else {
		p.global--
	}
}

func (p *WorkerPool) MarkReady(index int, pid int) {
	if !p.valid(index) {
		return
	}
	p.slots[index].Ready = true
	p.slots[index].Healthy = true
	p.slots[index].PID = pid
}

func (p *WorkerPool) MarkUnhealthy(index int) {
	if !p.valid(index) {
		return
	}
	p.slots[index].Healthy = false
}

func (p *WorkerPool) SetReported(index int, count int) {
	if !p.valid(index) {
		return
	}
	p.slots[index].Reported = count
}

func (p *WorkerPool) SetRSS(index int, bytes int64) {
	if !p.valid(index) {
		return
	}
	p.slots[index].RSSBytes = bytes
}

func (p *WorkerPool) Global() int {
	return p.global
}

func (p *WorkerPool) Slot(index int) (domain.WorkerSlot, bool) {
	if !p.valid(index) {
		return domain.WorkerSlot{}, false
	}
	return p.slots[index], true
}

// Slots returns a copy of the slot table.
func (p *WorkerPool) Slots() []domain.WorkerSlot {
	return append([]domain.WorkerSlot(nil), p.slots...)
}

func (p *WorkerPool) Size() int {
	return len(p.slots)
}

func (p *WorkerPool) valid(index int) bool {
	return index >= 0 && index < len(p.slots)
}
