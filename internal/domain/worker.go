package domain

// WorkerSlot is the parent's bookkeeping for one worker process.
type WorkerSlot struct {
	Index    int   `json:"index" yaml:"index"`
	PID      int   `json:"pid" yaml:"pid"`
	Tasks    int   `json:"tasks" yaml:"tasks"`
	Reported int   `json:"reported" yaml:"reported"`
	Ready    bool  `json:"ready" yaml:"ready"`
	Healthy  bool  `json:"healthy" yaml:"healthy"`
	RSSBytes int64 `json:"rss_bytes,omitempty" yaml:"rss_bytes,omitempty"`
}

// Eligible reports whether the slot may take one more session.
func (w WorkerSlot) Eligible(perWorkerCap int, bypass bool) bool {
	if !w.Ready || !w.Healthy {
		return false
	}
	if bypass || perWorkerCap <= 0 {
		return true
	}
	return w.Tasks < perWorkerCap
}
