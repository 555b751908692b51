// ABOUTME: Session id normalization and on-disk session folder handling
// ABOUTME: Restores sessions from session-<id> folders and deletes them safely

package session

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	validID       = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)
	sessionFolder = regexp.MustCompile(`^session-(.+)$`)
)

// NormalizeID trims and lowercases raw and checks it against the allowed
// alphabet of letters, digits, hyphen and underscore.
func NormalizeID(raw string) (string, error) {
	id := strings.ToLower(strings.TrimSpace(raw))
	if !validID.MatchString(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSessionID, raw)
	}
	return id, nil
}

func (m *Manager) sessionDir(id string) string {
	return filepath.Join(m.opts.FolderPath, "session-"+id)
}

// Restore starts a session for every session-<id> folder found on disk,
// creating the session folder if it does not exist.
func (m *Manager) Restore() ([]string, error) {
	if err := os.MkdirAll(m.opts.FolderPath, 0o755); err != nil {
		return nil, fmt.Errorf("creating session folder: %w", err)
	}

	ids, err := m.folderIDs()
	if err != nil {
		return nil, err
	}

	var restored []string
	for _, id := range ids {
		m.logger.Info("existing session detected", "session_id", id)
		if _, err := m.Start(id); err != nil {
			if !errors.Is(err, ErrSessionExists) {
				m.logger.Warn("restoring session", "session_id", id, "error", err)
			}
			continue
		}
		restored = append(restored, id)
	}
	return restored, nil
}

// folderIDs lists the ids of session folders on disk.
func (m *Manager) folderIDs() ([]string, error) {
	entries, err := os.ReadDir(m.opts.FolderPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading session folder: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		match := sessionFolder.FindStringSubmatch(e.Name())
		if match == nil {
			continue
		}
		id, err := NormalizeID(match[1])
		if err != nil {
			m.logger.Debug("skipping session folder", "name", e.Name())
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// removeFolder deletes the session's folder. It refuses to delete anything
// whose resolved path escapes the session root.
func (m *Manager) removeFolder(id string) (bool, error) {
	target, err := filepath.EvalSymlinks(m.sessionDir(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("resolving session folder: %w", err)
	}
	root, err := filepath.EvalSymlinks(m.opts.FolderPath)
	if err != nil {
		return false, fmt.Errorf("resolving session root: %w", err)
	}

	if !strings.HasPrefix(target, root+string(filepath.Separator)) {
		return false, fmt.Errorf("%w: %s", ErrPathTraversal, target)
	}
	if err := os.RemoveAll(target); err != nil {
		return false, fmt.Errorf("deleting session folder: %w", err)
	}
	return true, nil
}
