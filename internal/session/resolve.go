package session

import (
	"errors"
	"os"
	"path/filepath"
	"slices"

	"github.com/matheus3301/chatsync/internal/config"
)

const DefaultSessionName = "main"

// SessionEnv selects the session when no --session flag is given.
const SessionEnv = "CHATSYNC_SESSION"

// Resolve determines the active session name using precedence:
// 1. flagOverride (--session flag)
// 2. $CHATSYNC_SESSION
// 3. config.toml default_session
// 4. "main"
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if name := os.Getenv(SessionEnv); name != "" {
		return name
	}
	cfg, err := config.Load(ConfigPath())
	if err == nil && cfg.DefaultSession != "" {
		return cfg.DefaultSession
	}
	return DefaultSessionName
}

// List returns the names of existing session directories, sorted. Entries
// that are not valid session names are skipped.
func List() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(BaseDir(), "sessions"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && ValidateName(e.Name()) == nil {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)
	return names, nil
}
