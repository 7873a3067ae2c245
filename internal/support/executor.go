package support

import (
	"context"
	"os/exec"
	"runtime"

	"github.com/charmbracelet/log"
)

// CommandExecutor abstracts external OS command invocation so firewall
// backends can be exercised in tests without touching the host.
type CommandExecutor interface {
	Execute(ctx context.Context, command string, args ...string) (string, error)
	GetOS() string
}

// RealExecutor shells out to the host.
type RealExecutor struct{}

func (e *RealExecutor) Execute(ctx context.Context, command string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

func (e *RealExecutor) GetOS() string {
	return runtime.GOOS
}

// MockExecutor logs invocations and reports success. Used on platforms
// without iptables and in tests.
type MockExecutor struct{}

func (e *MockExecutor) Execute(ctx context.Context, command string, args ...string) (string, error) {
	log.Debug("mock executor invoked", "command", command, "args", args)
	return "", nil
}

func (e *MockExecutor) GetOS() string {
	return "mock-" + runtime.GOOS
}

// NewExecutor picks the real executor on Linux and the mock elsewhere.
func NewExecutor() CommandExecutor {
	if runtime.GOOS == "linux" {
		return &RealExecutor{}
	}
	return &MockExecutor{}
}
