package status

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Snapshot is everything a worker has reported. Absent channels are nil
// or zero.
type Snapshot struct {
	Progress *Progress
	Logs     []LogEntry
	PID      int
	Done     *Done
}

// LastActivity returns the newest timestamp across the reported channels.
func (s Snapshot) LastActivity() time.Time {
	var latest time.Time
	if s.Progress != nil && s.Progress.Timestamp.After(latest) {
		latest = s.Progress.Timestamp
	}
	if n := len(s.Logs); n > 0 && s.Logs[n-1].Timestamp.After(latest) {
		latest = s.Logs[n-1].Timestamp
	}
	if s.Done != nil && s.Done.Timestamp.After(latest) {
		latest = s.Done.Timestamp
	}
	return latest
}

// Read collects the side files in dir. It never fails: unreadable or
// malformed channels are reported as absent.
func Read(dir string) Snapshot {
	var snap Snapshot

	var p Progress
	if readJSON(filepath.Join(dir, ProgressFile), &p) {
		snap.Progress = &p
	}

	var d Done
	if readJSON(filepath.Join(dir, DoneFile), &d) && (d.Status == DoneComplete || d.Status == DoneFailed) {
		snap.Done = &d
	}

	if data, err := os.ReadFile(filepath.Join(dir, PIDFile)); err == nil {
		if pid, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil && pid > 0 {
			snap.PID = pid
		}
	}

	if lines, err := readLines(filepath.Join(dir, LogFile)); err == nil {
		for _, line := range lines {
			var entry LogEntry
			if json.Unmarshal(line, &entry) == nil {
				snap.Logs = append(snap.Logs, entry)
			}
		}
	}
	return snap
}

func readJSON(path string, v any) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}
