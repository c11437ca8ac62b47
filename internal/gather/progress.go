package gather

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// progressTracker records which symbols a pass has finished so an
// interrupted backfill resumes where it stopped. Files live under dir:
// .gathered lists finished symbols, .last-completed holds the end date of
// the last complete pass.
type progressTracker struct {
	mu       sync.Mutex
	gathered map[string]struct{}
	writer   *bufio.Writer
	file     *os.File
	dir      string
}

// newProgressTracker creates a tracker rooted at dir and loads any
// existing .gathered entries.
func newProgressTracker(dir string) (*progressTracker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating progress dir: %w", err)
	}

	pt := &progressTracker{
		gathered: make(map[string]struct{}),
		dir:      dir,
	}

	data, err := os.ReadFile(pt.path(".gathered"))
	if err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			if sym := strings.TrimSpace(line); sym != "" {
				pt.gathered[sym] = struct{}{}
			}
		}
	}
	if err := pt.open(); err != nil {
		return nil, err
	}
	return pt, nil
}

func (p *progressTracker) path(name string) string { return filepath.Join(p.dir, name) }

func (p *progressTracker) open() error {
	f, err := os.OpenFile(p.path(".gathered"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening .gathered: %w", err)
	}
	p.file = f
	p.writer = bufio.NewWriter(f)
	return nil
}

// Done reports whether symbol was finished in the current pass.
func (p *progressTracker) Done(symbol string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.gathered[symbol]
	return ok
}

// MarkDone records a batch of symbols as finished.
func (p *progressTracker) MarkDone(symbols []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, sym := range symbols {
		if _, ok := p.gathered[sym]; ok {
			continue
		}
		p.gathered[sym] = struct{}{}
		if _, err := p.writer.WriteString(sym + "\n"); err != nil {
			return fmt.Errorf("writing to .gathered: %w", err)
		}
	}
	return p.writer.Flush()
}

// MarkCompleted writes the given date to .last-completed.
func (p *progressTracker) MarkCompleted(date string) error {
	return os.WriteFile(p.path(".last-completed"), []byte(date), 0o644)
}

// LastCompleted returns the date in .last-completed, or "".
func (p *progressTracker) LastCompleted() string {
	data, err := os.ReadFile(p.path(".last-completed"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Reset clears the finished set for a new pass.
func (p *progressTracker) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.file != nil {
		p.file.Close()
	}
	p.gathered = make(map[string]struct{})
	os.Remove(p.path(".gathered"))
	return p.open()
}

// Close flushes and closes the .gathered file.
func (p *progressTracker) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writer != nil {
		p.writer.Flush()
	}
	if p.file != nil {
		return p.file.Close()
	}
	return nil
}
