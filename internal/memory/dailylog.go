package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const dailyDirName = "daily"

// dailyPath returns the log file for a UTC day.
func (m *System) dailyPath(day time.Time) string {
	return filepath.Join(m.dir, dailyDirName, day.UTC().Format("2006-01-02")+".md")
}

// AppendDaily appends a timestamped entry to today's log file, creating the
// file and directory on first use.
func (m *System) AppendDaily(text string) error {
	now := m.now().UTC()
	path := m.dailyPath(now)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create daily log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open daily log: %w", err)
	}
	defer f.Close()

	entry := fmt.Sprintf("- %s %s\n", now.Format("15:04"), strings.TrimSpace(text))
	if _, err := f.WriteString(entry); err != nil {
		return fmt.Errorf("append daily log: %w", err)
	}
	return nil
}

// ReadRecent returns yesterday's and today's logs concatenated, oldest first.
// Missing files contribute nothing.
func (m *System) ReadRecent() (string, error) {
	now := m.now().UTC()
	var parts []string
	for _, day := range []time.Time{now.AddDate(0, 0, -1), now} {
		data, err := os.ReadFile(m.dailyPath(day))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("read daily log: %w", err)
		}
		if text := strings.TrimSpace(string(data)); text != "" {
			parts = append(parts, "## "+day.Format("2006-01-02")+"\n"+text)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}
