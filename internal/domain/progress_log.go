package domain

import "strings"

const (
	ProgressLogCapacity = 15
	ProgressLogResidue  = 5
)

// ProgressLog keeps the most recent distinct lines in arrival order.
type ProgressLog struct {
	lines []string
}

// Append records a line. Blank lines and lines already present are ignored; the
// oldest line is dropped once the log holds ProgressLogCapacity entries.
func (l *ProgressLog) Append(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	for _, existing := range l.lines {
		if existing == line {
			return false
		}
	}

	l.lines = append(l.lines, line)
	if len(l.lines) > ProgressLogCapacity {
		l.lines = append([]string(nil), l.lines[len(l.lines)-ProgressLogCapacity:]...)
	}
	return true
}

// Truncate keeps only the last n lines.
func (l *ProgressLog) Truncate(n int) {
	if n < 0 {
		n = 0
	}
	if len(l.lines) <= n {
		return
	}
	l.lines = append([]string(nil), l.lines[len(l.lines)-n:]...)
}

func (l *ProgressLog) Lines() []string {
	return append([]string(nil), l.lines...)
}

func (l *ProgressLog) Len() int {
	return len(l.lines)
}
