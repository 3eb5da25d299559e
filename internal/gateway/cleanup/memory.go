package cleanup

import (
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v4/process"
)

// MemoryMonitor compares the resident memory of the gateway process and its
// descendants against a threshold. In browser mode the descendants are the
// Chrome processes it launched.
type MemoryMonitor struct {
	thresholdMB uint64
	usedBytes   func() (uint64, error)
}

func NewMemoryMonitor(thresholdMB uint64) *MemoryMonitor {
	pid := int32(os.Getpid())
	return &MemoryMonitor{
		thresholdMB: thresholdMB,
		usedBytes: func() (uint64, error) {
			return processTreeRSS(pid)
		},
	}
}

// UsedMB returns the current resident memory of the process tree
func (m *MemoryMonitor) UsedMB() (uint64, error) {
	used, err := m.usedBytes()
	if err != nil {
		return 0, err
	}
	return used / (1024 * 1024), nil
}

// Exceeded reports whether usage is above the threshold, with the usage
func (m *MemoryMonitor) Exceeded() (bool, uint64, error) {
	used, err := m.UsedMB()
	if err != nil {
		return false, 0, err
	}
	return used > m.thresholdMB, used, nil
}

func (m *MemoryMonitor) ThresholdMB() uint64 {
	return m.thresholdMB
}

// processTreeRSS sums the resident set of pid and every descendant.
// Descendants that exit during the walk are skipped.
func processTreeRSS(pid int32) (uint64, error) {
	root, err := process.NewProcess(pid)
	if err != nil {
		return 0, fmt.Errorf("open process %d: %w", pid, err)
	}
	info, err := root.MemoryInfo()
	if err != nil {
		return 0, fmt.Errorf("read memory of process %d: %w", pid, err)
	}
	return info.RSS + descendantsRSS(root), nil
}

func descendantsRSS(p *process.Process) uint64 {
	// Children fails with process.ErrorNoChildren for a leaf
	children, err := p.Children()
	if err != nil {
		return 0
	}

	var total uint64
	for _, c := range children {
		if info, err := c.MemoryInfo(); err == nil {
			total += info.RSS
		}
		total += descendantsRSS(c)
	}
	return total
}
