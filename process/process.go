// Package process finds and cleans up fleet-spawned server processes left
// behind by crashes. Every process the transport launches carries a marker
// environment variable, so survivors can be identified after the parent is
// gone.
package process

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/mcpfleet/fleet-core/logger"
	"github.com/mcpfleet/fleet-core/transport"
)

// ServerProcess is a running fleet-managed server found on the system.
type ServerProcess struct {
	PID     int    // Process ID
	Command string // Full command line
}

// marker is the environment entry stamped onto every spawned server.
var marker = transport.MarkerEnv + "=1"

// FindManagedProcesses returns every running process carrying the fleet
// marker, excluding the current process. Processes whose environment cannot
// be read (other users' processes) are skipped silently.
func FindManagedProcesses() ([]ServerProcess, error) {
	switch runtime.GOOS {
	case "linux":
		return scanProc()
	case "darwin":
		return scanPS()
	}
	return nil, nil
}

// scanProc walks /proc looking for the marker in each process environment.
func scanProc() ([]ServerProcess, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, err
	}

	self := os.Getpid()
	var procs []ServerProcess
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || pid == self {
			continue
		}

		environ, err := os.ReadFile(filepath.Join("/proc", entry.Name(), "environ"))
		if err != nil {
			continue
		}
		if !hasMarker(environ) {
			continue
		}

		cmdline, err := os.ReadFile(filepath.Join("/proc", entry.Name(), "cmdline"))
		if err != nil {
			continue
		}
		procs = append(procs, ServerProcess{
			PID:     pid,
			Command: cmdlineString(cmdline),
		})
	}

	logger.WithComponent("process").Debug("scanned for managed processes", "found", len(procs))
	return procs, nil
}

// hasMarker reports whether a NUL-separated environment block contains the
// fleet marker entry.
func hasMarker(environ []byte) bool {
	for _, kv := range bytes.Split(environ, []byte{0}) {
		if string(kv) == marker {
			return true
		}
	}
	return false
}

// cmdlineString converts a NUL-separated /proc cmdline to a printable line.
func cmdlineString(cmdline []byte) string {
	cmdline = bytes.TrimRight(cmdline, "\x00")
	return string(bytes.ReplaceAll(cmdline, []byte{0}, []byte{' '}))
}

// scanPS uses ps with environment output, which macOS permits for the
// caller's own processes.
func scanPS() ([]ServerProcess, error) {
	cmd := exec.Command("ps", "-axE", "-o", "pid=,command=")
	output, err := cmd.Output()
	if err != nil {
		return nil, err
	}

	self := os.Getpid()
	var procs []ServerProcess
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		if !strings.Contains(line, marker) {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil || pid == self {
			continue
		}
		procs = append(procs, ServerProcess{
			PID:     pid,
			Command: strings.Join(fields[1:], " "),
		})
	}
	return procs, nil
}

// Orphans filters managed processes down to those not owned by a live
// connection.
func Orphans(procs []ServerProcess, knownPIDs map[int]bool) []ServerProcess {
	var orphans []ServerProcess
	for _, p := range procs {
		if !knownPIDs[p.PID] {
			orphans = append(orphans, p)
		}
	}
	return orphans
}

// FindOrphans returns every fleet-managed process whose PID is not in the
// set of known live server PIDs.
func FindOrphans(knownPIDs map[int]bool) ([]ServerProcess, error) {
	procs, err := FindManagedProcesses()
	if err != nil {
		return nil, err
	}

	log := logger.WithComponent("process")
	orphans := Orphans(procs, knownPIDs)
	for _, p := range orphans {
		log.Info("found orphaned server process", "pid", p.PID, "command", p.Command)
	}
	return orphans, nil
}

// KillProcess kills a process by PID.
func KillProcess(pid int) error {
	switch runtime.GOOS {
	case "darwin", "linux":
		return exec.Command("kill", "-9", strconv.Itoa(pid)).Run()
	}
	return nil
}

// CleanupOrphans kills every orphaned server process and returns how many
// were killed. Kill failures are logged and skipped so one stuck process
// doesn't block the rest.
func CleanupOrphans(knownPIDs map[int]bool) (int, error) {
	orphans, err := FindOrphans(knownPIDs)
	if err != nil {
		return 0, err
	}

	log := logger.WithComponent("process")
	killed := 0
	for _, p := range orphans {
		log.Info("killing orphaned server process", "pid", p.PID)
		if err := KillProcess(p.PID); err != nil {
			log.Error("failed to kill process", "pid", p.PID, "error", err)
			continue
		}
		killed++
	}
	return killed, nil
}
