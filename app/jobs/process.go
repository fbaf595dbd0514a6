package jobs

import (
	"errors"
	"os"
	"syscall"

	log "github.com/go-pkgz/lgr"
	"github.com/shirou/gopsutil/v4/process"
)

// ProcessTree signals a process and all its descendants.
// Commands run with "sh -c" and the shell doesn't forward signals to children,
// signaling the root process only leaves them running.
type ProcessTree struct {
	proc *os.Process
}

// NewProcessTree makes ProcessTree for started process
func NewProcessTree(p *os.Process) *ProcessTree {
	return &ProcessTree{proc: p}
}

// Pid of the root process
func (t *ProcessTree) Pid() int { return t.proc.Pid }

// Signal sends sig to descendants first and then to the root process.
// Error returned only if the root process can't be signaled.
func (t *ProcessTree) Signal(sig os.Signal) error {
	if s, ok := sig.(syscall.Signal); ok {
		for _, p := range t.descendants() {
			if err := p.SendSignal(s); err != nil {
				log.Printf("[DEBUG] can't send %v to child process %d, %v", sig, p.Pid, err)
			}
		}
	}
	if err := t.proc.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// descendants collects all children of the root process recursively, deepest last
func (t *ProcessTree) descendants() []*process.Process {
	root, err := process.NewProcess(int32(t.proc.Pid)) //nolint:gosec // pid fits int32
	if err != nil {
		return nil
	}
	var res []*process.Process
	queue := []*process.Process{root}
	seen := map[int32]bool{root.Pid: true}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		children, err := p.Children()
		if err != nil {
			continue // no children or process gone
		}
		for _, c := range children {
			if seen[c.Pid] {
				continue
			}
			seen[c.Pid] = true
			res = append(res, c)
			queue = append(queue, c)
		}
	}
	return res
}
