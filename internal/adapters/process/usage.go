package process

import (
	"fmt"

	"github.com/prometheus/procfs"

	"github.com/bnema/questd/internal/ports"
)

// ProcUsage reads resident memory from a procfs mount.
type ProcUsage struct {
	fs procfs.FS
}

var _ ports.ProcessUsage = (*ProcUsage)(nil)

// NewProcUsage opens mountPoint, or the default /proc when it is empty.
func NewProcUsage(mountPoint string) (*ProcUsage, error) {
	if mountPoint == "" {
		mountPoint = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	return &ProcUsage{fs: fs}, nil
}

// RSS returns the resident set size of pid in bytes.
func (u *ProcUsage) RSS(pid int) (int64, error) {
	proc, err := u.fs.Proc(pid)
	if err != nil {
		return 0, fmt.Errorf("open process %d: %w", pid, err)
	}
	status, err := proc.NewStatus()
	if err != nil {
		return 0, fmt.Errorf("read status of process %d: %w", pid, err)
	}
	return int64(status.VmRSS), nil
}
