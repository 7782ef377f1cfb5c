package overseer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const snapshotTimeout = 30 * time.Second

// GitSnapshot fingerprints a working tree: HEAD, porcelain status, and a
// hash of the tracked diff so repeated edits to an already-modified file
// still count as progress.
func GitSnapshot(dir string) SnapshotFunc {
	return func(ctx context.Context) (string, error) {
		ctx, cancel := context.WithTimeout(ctx, snapshotTimeout)
		defer cancel()

		head, _ := gitOutput(ctx, dir, "rev-parse", "HEAD")
		status, err := gitOutput(ctx, dir, "status", "--porcelain=v1", "-uall")
		if err != nil {
			return "", err
		}
		diff, err := gitOutput(ctx, dir, "diff", "HEAD")
		if err != nil {
			diff = ""
		}
		sum := sha256.Sum256([]byte(diff))
		return strings.Join([]string{strings.TrimSpace(head), status, hex.EncodeToString(sum[:])}, "\n"), nil
	}
}

func gitOutput(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return string(out), nil
}

// Combine joins several snapshot functions. It fails only when all of them
// fail.
func Combine(fns ...SnapshotFunc) SnapshotFunc {
	return func(ctx context.Context) (string, error) {
		parts := make([]string, 0, len(fns))
		var errs []error
		for _, fn := range fns {
			if fn == nil {
				continue
			}
			s, err := fn(ctx)
			if err != nil {
				errs = append(errs, err)
				parts = append(parts, "!")
				continue
			}
			parts = append(parts, s)
		}
		if len(errs) > 0 && len(errs) == len(parts) {
			return "", errors.Join(errs...)
		}
		return strings.Join(parts, "\x00"), nil
	}
}
