// Package ipmi implements the out-of-band power effector: a serialized
// wrapper around external ipmitool invocations.
package ipmi

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ObservedState is the power state reported by a status query. Unknown
// covers non-zero exit, timeout, and unparseable output alike — it is
// never treated as a transition signal by the lifecycle state machine.
type ObservedState int

const (
	PoweredUnknown ObservedState = iota
	PoweredOn
	PoweredOff
)

func (s ObservedState) String() string {
	switch s {
	case PoweredOn:
		return "on"
	case PoweredOff:
		return "off"
	default:
		return "unknown"
	}
}

// Effector is the pluggable interface the lifecycle state machine and
// oracle depend on. The real implementation shells out to ipmitool; tests
// supply a fake that never touches a subprocess.
type Effector interface {
	QueryPower(ctx context.Context) (ObservedState, error)
	PowerOn(ctx context.Context) error
	PowerSoft(ctx context.Context) error
}

// Credentials identifies the IPMI-controlled host. Never logged in full —
// use String() for a redacted summary.
type Credentials struct {
	Host     string
	User     string
	Password string
	ToolPath string
}

func (c Credentials) String() string {
	return fmt.Sprintf("host=%s user=%s path=%s", c.Host, c.User, c.ToolPath)
}

// SubprocessEffector invokes the configured ipmitool binary. At most one
// invocation runs at a time (spec invariant 6): a mutex serializes access
// so overlapping power commands queue behind each other rather than racing
// against the BMC's own command channel.
type SubprocessEffector struct {
	creds   Credentials
	timeout time.Duration

	mu sync.Mutex
}

// NewSubprocessEffector creates an effector bound to creds, with each
// invocation hard-timed-out after timeout (spec default 15s).
func NewSubprocessEffector(creds Credentials, timeout time.Duration) *SubprocessEffector {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &SubprocessEffector{creds: creds, timeout: timeout}
}

// run invokes `<tool> -I lanplus -H host -U user -P password chassis power <verb>`
// under the serializing mutex and a hard timeout, returning trimmed stdout.
func (e *SubprocessEffector) run(ctx context.Context, verb string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	timeoutCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	args := []string{
		"-I", "lanplus",
		"-H", e.creds.Host,
		"-U", e.creds.User,
		"-P", e.creds.Password,
		"chassis", "power", verb,
	}

	cmd := exec.CommandContext(timeoutCtx, e.creds.ToolPath, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Debug().Str("ipmi_host", e.creds.Host).Str("verb", verb).Msg("invoking ipmitool")

	err := cmd.Run()
	if err != nil {
		return "", fmt.Errorf("ipmitool chassis power %s failed: %w: %s", verb, err, stderr.String())
	}

	return strings.TrimSpace(stdout.String()), nil
}

// QueryPower runs `chassis power status` and parses the result. Any
// failure to run or parse collapses to PoweredUnknown — per spec this must
// never be surfaced as a transition-triggering error, only as a signal the
// oracle can choose to ignore.
func (e *SubprocessEffector) QueryPower(ctx context.Context) (ObservedState, error) {
	out, err := e.run(ctx, "status")
	if err != nil {
		return PoweredUnknown, err
	}

	lower := strings.ToLower(out)
	switch {
	case strings.Contains(lower, "is on"):
		return PoweredOn, nil
	case strings.Contains(lower, "is off"):
		return PoweredOff, nil
	default:
		log.Warn().Str("output", out).Msg("unparseable ipmitool power status output")
		return PoweredUnknown, nil
	}
}

// PowerOn issues `chassis power on`.
func (e *SubprocessEffector) PowerOn(ctx context.Context) error {
	_, err := e.run(ctx, "on")
	return err
}

// PowerSoft issues `chassis power soft` (graceful ACPI shutdown request).
func (e *SubprocessEffector) PowerSoft(ctx context.Context) error {
	_, err := e.run(ctx, "soft")
	return err
}
