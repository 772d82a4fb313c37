package worker

import (
	"context"
	"fmt"
	"os/exec"
	"time"
)

// snapshotOverlay creates a thin copy-on-write qcow2 overlay backed by
// basePath at overlayPath. Using qemu-img's
// own backing-file support means teardown only ever has to remove the
// small overlay file, never the (possibly large, shared) base image.
func snapshotOverlay(basePath, overlayPath string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "qemu-img", "create",
		"-f", "qcow2",
		"-F", "qcow2",
		"-b", basePath,
		overlayPath,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("qemu-img create overlay %s: %w: %s", overlayPath, err, out)
	}
	return nil
}
