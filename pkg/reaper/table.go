package reaper

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/pironjulien/trinity-hackathon-sub001/pkg/errors"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/logging"
)

// ProcessTable lists OS processes and signals them
type ProcessTable interface {
	Snapshot(ctx context.Context) ([]ProcessInfo, error)
	Lookup(ctx context.Context, pid int) (ProcessInfo, error)
	Terminate(pid int) error
	Kill(pid int) error
	Alive(pid int) (bool, error)
}

// SystemProcessTable reads the OS process table through gopsutil
type SystemProcessTable struct {
	logger logging.Logger
}

func NewSystemProcessTable(logger logging.Logger) *SystemProcessTable {
	return &SystemProcessTable{logger: logger}
}

func (t *SystemProcessTable) Snapshot(ctx context.Context) ([]ProcessInfo, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, errors.NewDiscoveryError("failed to list processes", err)
	}

	snapshot := make([]ProcessInfo, 0, len(procs))
	for _, p := range procs {
		// Processes can exit while being read; keep whatever was readable
		snapshot = append(snapshot, describe(ctx, p))
	}
	t.logger.Debugf("Process snapshot taken, processes: %d", len(snapshot))
	return snapshot, nil
}

func (t *SystemProcessTable) Lookup(ctx context.Context, pid int) (ProcessInfo, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return ProcessInfo{}, errors.NewNotFoundError("process not found", err).WithContext("pid", pid)
	}
	return describe(ctx, p), nil
}

func (t *SystemProcessTable) Terminate(pid int) error {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return errors.NewNotFoundError("process not found", err).WithContext("pid", pid)
	}
	if err := p.Terminate(); err != nil {
		return errors.NewProcessError("failed to send SIGTERM", err).WithContext("pid", pid)
	}
	return nil
}

func (t *SystemProcessTable) Kill(pid int) error {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return errors.NewNotFoundError("process not found", err).WithContext("pid", pid)
	}
	if err := p.Kill(); err != nil {
		return errors.NewProcessError("failed to send SIGKILL", err).WithContext("pid", pid)
	}
	return nil
}

func (t *SystemProcessTable) Alive(pid int) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	exists, err := process.PidExists(int32(pid))
	if err != nil {
		return false, errors.NewDiscoveryError("failed to check process", err).WithContext("pid", pid)
	}
	return exists, nil
}

func describe(ctx context.Context, p *process.Process) ProcessInfo {
	info := ProcessInfo{PID: int(p.Pid)}
	if ppid, err := p.PpidWithContext(ctx); err == nil {
		info.PPID = int(ppid)
	}
	if name, err := p.NameWithContext(ctx); err == nil {
		info.Name = name
	}
	if exe, err := p.ExeWithContext(ctx); err == nil {
		info.Exe = exe
	}
	if cmdline, err := p.CmdlineSliceWithContext(ctx); err == nil {
		info.Cmdline = cmdline
	}
	if created, err := p.CreateTimeWithContext(ctx); err == nil && created > 0 {
		info.CreateTime = time.UnixMilli(created)
	}
	return info
}

// Verifier returns a check that a recorded PID still runs the worker
// described by sig. An empty signature never verifies.
func Verifier(table ProcessTable, sig Signature) func(pid int) (bool, error) {
	return func(pid int) (bool, error) {
		if sig.IsEmpty() {
			return false, nil
		}
		info, err := table.Lookup(context.Background(), pid)
		if err != nil {
			if errors.IsNotFoundError(err) {
				return false, nil
			}
			return false, err
		}
		return sig.Matches(info), nil
	}
}
