// Package probe implements the process-probe capability: answering whether
// any OS process is bound to a TCP port, and forcibly terminating such
// processes.
//
// Liveness uses net.Listen rather than parsing lsof output: asking the OS
// network stack directly is reliable and needs no elevated permissions.
// Termination does need process IDs, so KillPort shells out to `lsof` to
// discover them and sends signals via the os package.
package probe

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/mmr-tortoise/tiller/internal/model"
)

// DefaultTimeout bounds a single lsof invocation when the probe is built
// with a zero timeout.
const DefaultTimeout = 10 * time.Second

// Probe checks and reclaims TCP ports on the local machine.
type Probe struct {
	// Timeout bounds each external command. Zero means DefaultTimeout.
	Timeout time.Duration
}

// New creates a Probe. A zero timeout selects DefaultTimeout.
func New(timeout time.Duration) *Probe {
	return &Probe{Timeout: timeout}
}

// IsPortBound reports whether any process is bound to the TCP port.
//
// It attempts net.Listen(":port"): if the bind succeeds the port is free and
// the listener is closed immediately. We bind to all interfaces because dev
// servers typically listen on 0.0.0.0, so probing localhost only would give
// false negatives.
func (p *Probe) IsPortBound(port int) bool {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return true
	}
	_ = listener.Close()
	return false
}

// BoundPorts returns the ports within [start, end] (inclusive) that
// currently have a process bound to them.
func (p *Probe) BoundPorts(start, end int) []int {
	var bound []int
	for port := start; port <= end; port++ {
		if p.IsPortBound(port) {
			bound = append(bound, port)
		}
	}
	return bound
}

// KillPort terminates every process bound to the TCP port and returns how
// many were signalled.
//
// Process discovery uses `lsof -ti tcp:<port>` which prints one PID per
// line. Each process receives SIGTERM first; anything still bound after a
// short grace period receives SIGKILL. A port with no listeners is not an
// error, the count is zero.
func (p *Probe) KillPort(ctx context.Context, port int) (int, error) {
	pids, err := p.listeners(ctx, port)
	if err != nil {
		return 0, err
	}
	if len(pids) == 0 {
		return 0, nil
	}

	for _, pid := range pids {
		if proc, findErr := os.FindProcess(pid); findErr == nil {
			// Ignore signal errors: the process may have exited between
			// discovery and signalling.
			_ = proc.Signal(os.Interrupt)
		}
	}

	// Grace period, then escalate for anything still holding the port.
	time.Sleep(500 * time.Millisecond)
	if p.IsPortBound(port) {
		remaining, listErr := p.listeners(ctx, port)
		if listErr == nil {
			for _, pid := range remaining {
				if proc, findErr := os.FindProcess(pid); findErr == nil {
					_ = proc.Kill()
				}
			}
		}
	}

	return len(pids), nil
}

// listeners returns the PIDs bound to the TCP port via lsof.
func (p *Probe) listeners(ctx context.Context, port int) ([]int, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// -t: terse (PIDs only); -i: select by network address.
	cmd := exec.CommandContext(ctx, "lsof", "-ti", fmt.Sprintf("tcp:%d", port))

	var stdout strings.Builder
	cmd.Stdout = &stdout

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, model.ExternalTool(
				fmt.Sprintf("lsof tcp:%d timed out after %s", port, timeout), ctx.Err())
		}
		// lsof exits 1 when nothing matches: an empty result,
		// not a failure.
		return nil, nil
	}

	var pids []int
	for _, line := range strings.Split(strings.TrimSpace(stdout.String()), "\n") {
		if pid, convErr := strconv.Atoi(strings.TrimSpace(line)); convErr == nil {
			pids = append(pids, pid)
		}
	}
	return pids, nil
}
