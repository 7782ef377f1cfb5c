package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/terraphim/issuepilot/internal/util"
)

const (
	logDirName    = "logs"
	recordDirName = "sessions"
	recordExt     = ".json"
)

// StateDir returns the directory for persisted state. It uses
// XDG_STATE_HOME when set, otherwise ~/.local/state/issuepilot, and falls
// back to the temp directory without a home.
func StateDir() string {
	base := os.Getenv("XDG_STATE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil || home == "" {
			return filepath.Join(os.TempDir(), "issuepilot")
		}
		base = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(base, "issuepilot")
}

// LogPath returns a timestamped log file path for an issue.
func LogPath(stateDir, issueID string, t time.Time) string {
	name := t.UTC().Format("20060102T150405Z") + "-" + util.SanitizeFilename(issueID) + ".log"
	return filepath.Join(stateDir, logDirName, name)
}

// SaveRecord writes a finished session summary.
func SaveRecord(stateDir string, info Info) (string, error) {
	dir := filepath.Join(stateDir, recordDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating sessions dir: %w", err)
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding session record: %w", err)
	}
	path := filepath.Join(dir, info.ID+recordExt)
	if err := util.AtomicWriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing session record: %w", err)
	}
	return path, nil
}

// ListRecords returns saved session summaries, newest first. Unreadable
// records are skipped.
func ListRecords(stateDir string) ([]Info, error) {
	dir := filepath.Join(stateDir, recordDirName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading sessions dir: %w", err)
	}
	var out []Info
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), recordExt) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		var info Info
		if err := json.Unmarshal(data, &info); err != nil {
			continue
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].QueuedAt.After(out[j].QueuedAt)
	})
	return out, nil
}
