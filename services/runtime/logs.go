package runtime

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

// maxArchivedLog bounds the per-scan log copy kept for archiving.
const maxArchivedLog = 16 << 20

// serviceColor maps a service name onto a stable 256-colour index, skipping
// the theme colours and the grayscale ramp.
func serviceColor(name string) lipgloss.Color {
	hash := uint32(0)
	for _, character := range name {
		hash = hash*31 + uint32(character)
	}
	colorIndex := 17 + (hash % 215)
	return lipgloss.Color(fmt.Sprintf("%d", colorIndex))
}

// LogMux interleaves the output of several services into one stream, each
// line prefixed with its service name.
type LogMux struct {
	out io.Writer

	mu      sync.Mutex
	archive *bytes.Buffer
	wg      sync.WaitGroup
}

// NewLogMux writes to out. When keep is true the plain lines are also
// retained for Archive.
func NewLogMux(out io.Writer, keep bool) *LogMux {
	m := &LogMux{out: out}
	if keep {
		m.archive = &bytes.Buffer{}
	}
	return m
}

// Follow copies r line by line until EOF or ctx is done, then closes r.
func (m *LogMux) Follow(ctx context.Context, service string, r io.ReadCloser) {
	prefix := lipgloss.NewStyle().Foreground(serviceColor(service)).Bold(true).Render(service)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		<-ctx.Done()
		_ = r.Close()
	}()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			m.write(prefix, service, scanner.Text())
		}
	}()
}

func (m *LogMux) write(prefix, service, line string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.out != nil {
		fmt.Fprintf(m.out, "%s | %s\n", prefix, line)
	}
	if m.archive != nil && m.archive.Len() < maxArchivedLog {
		fmt.Fprintf(m.archive, "%s | %s\n", service, line)
	}
}

// Wait blocks until every followed stream has ended.
func (m *LogMux) Wait() { m.wg.Wait() }

// Archive returns a copy of the retained log lines.
func (m *LogMux) Archive() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.archive == nil {
		return nil
	}
	return bytes.Clone(m.archive.Bytes())
}
