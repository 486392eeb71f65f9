package provision

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// run executes an external command and fails on a non-zero exit status. The
// combined output is logged and included in the error.
func run(ctx context.Context, log *slog.Logger, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	log.Debug("exec", "args", cmd.Args)
	out, err := cmd.CombinedOutput()
	if output := strings.TrimSpace(string(out)); output != "" {
		log.Debug("exec_output", "cmd", name, "output", output)
	}
	if err != nil {
		if output := strings.TrimSpace(string(out)); output != "" {
			return fmt.Errorf("%v: %v: %s", cmd.Args, err, output)
		}
		return fmt.Errorf("%v: %v", cmd.Args, err)
	}
	return nil
}
