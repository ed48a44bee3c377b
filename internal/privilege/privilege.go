package privilege

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/patchops/engine/internal/logging"
	"github.com/patchops/engine/internal/shellexec"
)

var log = logging.L("privilege")

// IsRunningAsRoot returns true if the engine is running with UID 0 (root).
func IsRunningAsRoot() bool {
	return os.Getuid() == 0
}

// Checker verifies that package-manager and reboot commands can run
// elevated. The check is a synchronous blocking call with bounded retries;
// nothing downstream may proceed without it.
type Checker struct {
	runner *shellexec.Runner
}

func NewChecker(retryCount int, retryDelay time.Duration) *Checker {
	return &Checker{
		runner: shellexec.New(30*time.Second, retryCount, retryDelay),
	}
}

// EnsureElevated returns nil when the process is root or passwordless sudo
// is available. sudo is probed non-interactively so a misconfigured host
// fails fast instead of hanging on a password prompt.
func (c *Checker) EnsureElevated(ctx context.Context) error {
	if IsRunningAsRoot() {
		return nil
	}

	result, err := c.runner.RunWithRetry(ctx, "sudo", "-n", "true")
	if err != nil {
		log.Error("sudo check failed", "exitCode", result.ExitCode, "error", err)
		return fmt.Errorf("elevated privileges unavailable: %w", err)
	}
	return nil
}
