package bot

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

const logPositionKey = "bot:logs:last_position"

// rotatingWriter appends to logs/xybot_YYYYMMDD.log and switches files
// at the day boundary. The admin process tails the active file from
// the position cursor the supervisor keeps in KV.
type rotatingWriter struct {
	dir string
	loc *time.Location

	mu   sync.Mutex
	day  string
	file *os.File
	pos  int64
}

func newRotatingWriter(dir string, loc *time.Location) (*rotatingWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	w := &rotatingWriter{dir: dir, loc: loc}
	if err := w.rotate(time.Now().In(loc)); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *rotatingWriter) rotate(now time.Time) error {
	day := now.Format("20060102")
	if w.file != nil && day == w.day {
		return nil
	}
	if w.file != nil {
		w.file.Close()
	}
	path := filepath.Join(w.dir, "xybot_"+day+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	w.file = f
	w.day = day
	w.pos = info.Size()
	return nil
}

func (w *rotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.rotate(time.Now().In(w.loc)); err != nil {
		return 0, err
	}
	n, err := w.file.Write(p)
	w.pos += int64(n)
	return n, err
}

// Position reports the byte offset at the end of the active file.
func (w *rotatingWriter) Position() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pos
}

func (w *rotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// startLogging tees the global logger into the rotating file and keeps
// the tail cursor fresh in KV until ctx is cancelled.
func (b *Bot) startLogging(ctx context.Context, dir string) error {
	w, err := newRotatingWriter(dir, b.cfg.Location())
	if err != nil {
		return err
	}
	log.SetOutput(io.MultiWriter(os.Stderr, w))

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				log.SetOutput(os.Stderr)
				w.Close()
				return
			case <-ticker.C:
				pos := strconv.FormatInt(w.Position(), 10)
				if err := b.kv.Set(logPositionKey, pos, 0); err != nil {
					log.Printf("[bot] log cursor: %v", err)
				}
			}
		}
	}()
	return nil
}
