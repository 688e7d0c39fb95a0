package stub

import (
	"io"
	"sync"
)

// consoleWriter forwards the console output of the target program to the
// host in O packets while the target runs. The target may write from any
// goroutine, the mutex also guards the connection against the agent.
type consoleWriter struct {
	mu         sync.Mutex
	a          *Agent
	fallback   io.Writer
	forwarding bool
}

func newConsoleWriter(a *Agent, fallback io.Writer) *consoleWriter {
	return &consoleWriter{a: a, fallback: fallback}
}

func (c *consoleWriter) lock()   { c.mu.Lock() }
func (c *consoleWriter) unlock() { c.mu.Unlock() }

// stop is called when the agent is entered, output written while it runs
// goes to the fallback writer.
func (c *consoleWriter) stop() {
	c.mu.Lock()
	c.forwarding = false
	c.mu.Unlock()
}

// start is called when the target resumes.
func (c *consoleWriter) start() {
	c.mu.Lock()
	c.forwarding = c.a.framer != nil
	c.mu.Unlock()
}

func (c *consoleWriter) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.forwarding || c.a.framer == nil {
		if c.fallback == nil {
			return len(p), nil
		}
		return c.fallback.Write(p)
	}
	if err := c.a.sendConsoleOutput(p); err != nil {
		c.forwarding = false
		return 0, err
	}
	return len(p), nil
}
