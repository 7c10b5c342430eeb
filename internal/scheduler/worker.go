/*
 * Copyright 2026 The Pakfire Build Service Authors
 * See LICENSE file for licensing details.
 */

package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
)

// RunCommand executes a helper process for work that is too heavy or too
// risky to run inside the service, such as repository metadata generation.
// The process is killed when the context expires. Stderr is included in the
// returned error.
func RunCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.DebugContext(ctx, "running helper command", "command", name, "args", args)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%s failed: %w: %s", name, err, stderr.String())
	}
	return stdout.Bytes(), nil
}
