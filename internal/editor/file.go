package editor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileMirror binds one Workspace document to a file. Modifications made
// to the file by other programs are polled and replayed as user edits;
// every other change to the document is written back to the file.
type FileMirror struct {
	ws       *Workspace
	uri      URI
	path     string
	interval time.Duration
	log      *slog.Logger

	mu   sync.Mutex
	last string // content known to be on disk
	sub  Disposable
}

// NewFileMirror opens path in ws and focuses it. A missing file starts
// out empty and is created on the first write.
func NewFileMirror(ws *Workspace, path string, interval time.Duration, logger *slog.Logger) (*FileMirror, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	content, err := readFile(abs)
	if err != nil {
		return nil, err
	}

	m := &FileMirror{
		ws:       ws,
		uri:      URI("file://" + filepath.ToSlash(abs)),
		path:     abs,
		interval: interval,
		log:      logger.With("file", abs),
		last:     content,
	}
	ws.Open(m.uri, content)
	m.sub = ws.OnDidChangeDocument(func(ev ChangeEvent) {
		if ev.URI == m.uri {
			m.flush()
		}
	})
	if err := ws.SetActive(m.uri); err != nil {
		m.sub.Dispose()
		return nil, err
	}
	return m, nil
}

// URI returns the document URI of the mirrored file.
func (m *FileMirror) URI() URI {
	return m.uri
}

// Run polls the file until ctx is done.
func (m *FileMirror) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.Poll(); err != nil {
				m.log.Warn("poll failed", "err", err)
			}
		}
	}
}

// Poll checks the file once and replays an external modification as a
// single edit.
func (m *FileMirror) Poll() error {
	content, err := readFile(m.path)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if content == m.last {
		m.mu.Unlock()
		return nil
	}
	m.last = content
	m.mu.Unlock()

	current, ok := m.ws.Text(m.uri)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoDocument, m.uri)
	}
	change, changed := Diff(current, content)
	if !changed {
		return nil
	}
	m.log.Debug("external modification", "offset", change.RangeOffset, "deleted", change.RangeLength)
	return m.ws.Edit(m.uri, change)
}

// Close stops writing changes back to the file.
func (m *FileMirror) Close() {
	m.sub.Dispose()
}

func (m *FileMirror) flush() {
	text, ok := m.ws.Text(m.uri)
	if !ok {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if text == m.last {
		return
	}
	if err := os.WriteFile(m.path, []byte(text), 0o644); err != nil {
		m.log.Error("write failed", "err", err)
		return
	}
	m.last = text
}

func readFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return string(data), nil
}
