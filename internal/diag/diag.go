// Package diag provides the SIGUSR1 introspection dump: for every
// live worker pid, read what /proc exposes about it.
package diag

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/InnuIO/fectl/internal/event"
)

// ProcInfo is what /proc/[pid]/status and /proc/[pid]/fd expose about
// one worker.
type ProcInfo struct {
	PID     int
	Name    string
	State   string
	PPid    int
	Threads int
	VmRSS   int64 // KB
	VmSize  int64 // KB
	FDs     int   // open file descriptor count
}

// ReadProcInfo reads /proc/[pid]/status and counts open fds. It
// returns an error if the process no longer exists (a normal race
// with the worker exiting between the status snapshot and the read).
func ReadProcInfo(pid int) (*ProcInfo, error) {
	procPath := fmt.Sprintf("/proc/%d", pid)
	if _, err := os.Stat(procPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("diag: process %d does not exist", pid)
	}

	info := &ProcInfo{PID: pid}
	if err := info.readStatus(procPath); err != nil {
		return nil, err
	}
	info.FDs = countFDs(procPath)
	return info, nil
}

func (p *ProcInfo) readStatus(procPath string) error {
	data, err := os.ReadFile(filepath.Join(procPath, "status"))
	if err != nil {
		return err
	}
	for _, line := range strings.Split(string(data), "\n") {
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		switch key {
		case "Name":
			p.Name = val
		case "State":
			p.State = val
		case "PPid":
			p.PPid, _ = strconv.Atoi(val)
		case "Threads":
			p.Threads, _ = strconv.Atoi(val)
		case "VmRSS":
			if fields := strings.Fields(val); len(fields) > 0 {
				p.VmRSS, _ = strconv.ParseInt(fields[0], 10, 64)
			}
		case "VmSize":
			if fields := strings.Fields(val); len(fields) > 0 {
				p.VmSize, _ = strconv.ParseInt(fields[0], 10, 64)
			}
		}
	}
	return nil
}

func countFDs(procPath string) int {
	entries, err := os.ReadDir(filepath.Join(procPath, "fd"))
	if err != nil {
		return 0
	}
	return len(entries)
}

// String formats a ProcInfo for a console dump.
func (p *ProcInfo) String() string {
	return fmt.Sprintf("pid=%d name=%s state=%s ppid=%d threads=%d rss=%dKB vsize=%dKB fds=%d",
		p.PID, p.Name, p.State, p.PPid, p.Threads, p.VmRSS, p.VmSize, p.FDs)
}

// Dump introspects every live pid across the given service statuses
// and returns one formatted line per worker, suitable for logging on
// SIGUSR1.
func Dump(statuses []event.ServiceStatus) []string {
	var lines []string
	for _, st := range statuses {
		for _, pid := range st.PIDs {
			if pid <= 0 {
				continue
			}
			info, err := ReadProcInfo(pid)
			if err != nil {
				lines = append(lines, fmt.Sprintf("service=%s pid=%d error=%v", st.Name, pid, err))
				continue
			}
			lines = append(lines, fmt.Sprintf("service=%s %s", st.Name, info.String()))
		}
	}
	return lines
}
