package process

import (
	"os/exec"
	"runtime"
	"testing"
	"time"

	"github.com/mcpfleet/fleet-core/transport"
)

func TestHasMarker(t *testing.T) {
	tests := []struct {
		name    string
		environ string
		want    bool
	}{
		{"present", "HOME=/root\x00" + marker + "\x00PATH=/bin", true},
		{"absent", "HOME=/root\x00PATH=/bin", false},
		{"prefix only", transport.MarkerEnv + "=0\x00", false},
		{"value substring", "OTHER=" + marker + "\x00", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := hasMarker([]byte(tt.environ)); got != tt.want {
				t.Errorf("hasMarker = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCmdlineString(t *testing.T) {
	got := cmdlineString([]byte("sleep\x0060\x00"))
	if got != "sleep 60" {
		t.Errorf("cmdlineString = %q, want %q", got, "sleep 60")
	}
}

func TestOrphans(t *testing.T) {
	procs := []ServerProcess{
		{PID: 100, Command: "fleet-db"},
		{PID: 200, Command: "fleet-web"},
		{PID: 300, Command: "fleet-scratch"},
	}
	known := map[int]bool{200: true}

	orphans := Orphans(procs, known)
	if len(orphans) != 2 {
		t.Fatalf("orphans = %d, want 2", len(orphans))
	}
	if orphans[0].PID != 100 || orphans[1].PID != 300 {
		t.Errorf("orphans = %v, want PIDs 100 and 300", orphans)
	}
}

func TestFindManagedProcessesSeesMarkedChild(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("process scanning only implemented for linux and darwin")
	}

	cmd := exec.Command("sleep", "60")
	cmd.Env = append(cmd.Environ(), marker)
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})

	// The child needs a moment to show up in the process table.
	var found bool
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && !found {
		procs, err := FindManagedProcesses()
		if err != nil {
			t.Fatalf("FindManagedProcesses: %v", err)
		}
		for _, p := range procs {
			if p.PID == cmd.Process.Pid {
				found = true
			}
		}
		if !found {
			time.Sleep(50 * time.Millisecond)
		}
	}
	if !found {
		t.Fatal("marked child process was never found")
	}

	// Known PIDs are never reported as orphans.
	orphans, err := FindOrphans(map[int]bool{cmd.Process.Pid: true})
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range orphans {
		if p.PID == cmd.Process.Pid {
			t.Error("known PID reported as orphan")
		}
	}
}
