package server

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"icalq/internal/engine"
)

// LoadSnapshots restores every calendar snapshot found in dir into the
// store. Unreadable snapshots are logged and skipped so one bad file
// cannot block startup.
func LoadSnapshots(dir string, store *Store, logger zerolog.Logger) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn().Err(err).Str("path", path).Msg("failed to read calendar snapshot")
			continue
		}

		calendar, err := engine.DecodeSnapshot(data)
		if err != nil {
			logger.Warn().Err(err).Str("path", path).Msg("failed to decode calendar snapshot")
			continue
		}

		store.Put(calendar)
		logger.Info().
			Str("calendar", calendar.UID).
			Int("events", len(calendar.Events)).
			Msg("calendar restored from snapshot")
	}

	return nil
}

// WriteSnapshots serializes every calendar to <dir>/<uid>.json via an
// atomic temp-file rename.
func WriteSnapshots(dir string, store *Store, logger zerolog.Logger) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		logger.Error().Err(err).Str("dir", dir).Msg("failed to create snapshot directory")
		return
	}

	for _, uid := range store.UIDs() {
		var data []byte
		err := store.With(uid, func(cal *engine.Calendar) error {
			var err error
			data, err = engine.EncodeSnapshot(cal)
			return err
		})
		if err != nil {
			logger.Error().Err(err).Str("calendar", uid).Msg("failed to encode calendar snapshot")
			continue
		}

		if err := writeFileAtomic(filepath.Join(dir, uid+".json"), data); err != nil {
			logger.Error().Err(err).Str("calendar", uid).Msg("failed to write calendar snapshot")
			continue
		}

		logger.Debug().Str("calendar", uid).Msg("calendar snapshot written")
	}
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, ".icalq-snapshot-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}
