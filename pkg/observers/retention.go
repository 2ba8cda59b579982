package observers

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/harunnryd/callguard/pkg/metrics"
)

// PurgeArtifacts removes files in dir older than maxAge. Returns deleted count.
func PurgeArtifacts(dir string, maxAge time.Duration) (int, error) {
	if dir == "" || maxAge <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	var removed int
	var errs error
	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		removed++
	}
	return removed, errs
}

// RunRetention purges once immediately and then every interval until ctx
// ends. Counts go to obs as artifacts_purged.
func RunRetention(ctx context.Context, dir string, maxAge, interval time.Duration, obs metrics.Observer, log *slog.Logger) {
	if dir == "" || maxAge <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	if log == nil {
		log = slog.Default()
	}
	purge := func() {
		n, err := PurgeArtifacts(dir, maxAge)
		if err != nil {
			log.Warn("artifacts_purge_failed", slog.String("dir", dir), slog.String("error", err.Error()))
		}
		if n > 0 {
			log.Info("artifacts_purged", slog.String("dir", dir), slog.Int("removed", n))
			metrics.RecordValue(obs, metrics.EventArtifactsPurged, float64(n), map[string]string{metrics.TagComponent: "retention"})
		}
	}
	purge()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purge()
		}
	}
}
