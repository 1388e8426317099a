package middleware

import (
	"fmt"
	"io"
	"os"
	"sync"

	"goa.design/conduit/conduiterr"
)

// PlainConsole is the default Display: a line-oriented progress indicator
// writing to Writer (stderr by default), so it never corrupts piped stdout
// output, per spec.md §4.3. Safe for concurrent, re-entrant use — each
// Start call returns an independent handle.
type PlainConsole struct {
	Writer io.Writer
	mu     sync.Mutex
}

// NewPlainConsole builds a PlainConsole writing to os.Stderr.
func NewPlainConsole() *PlainConsole {
	return &PlainConsole{Writer: os.Stderr}
}

var _ Display = (*PlainConsole)(nil)

// Start implements Display.
func (c *PlainConsole) Start(modelName, queryPreview string) DisplayHandle {
	c.writeln(fmt.Sprintf("-> %s: %s", modelName, truncate(queryPreview, 80)))
	return &plainHandle{console: c, modelName: modelName}
}

func (c *PlainConsole) writeln(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.Writer, line)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

type plainHandle struct {
	console   *PlainConsole
	modelName string
}

func (h *plainHandle) Complete() {
	h.console.writeln(fmt.Sprintf("<- %s: complete", h.modelName))
}

func (h *plainHandle) Fail(err *conduiterr.Error) {
	h.console.writeln(fmt.Sprintf("<- %s: failed: %s", h.modelName, err.Error()))
}
