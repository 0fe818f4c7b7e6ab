package cli

import (
	"fmt"
	"io"
	"sync"

	"github.com/me/stagerun/internal/runner"
)

// Console prints stage progress. On a terminal the line is redrawn in
// place with a carriage return; otherwise every change gets its own
// line. It implements runner.StatusSink.
type Console struct {
	mu          sync.Mutex
	w           io.Writer
	interactive bool
	lastStage   string
	lastLine    string
	open        bool
}

func NewConsole(w io.Writer, interactive bool) *Console {
	return &Console{w: w, interactive: interactive}
}

func (c *Console) Publish(st runner.StageStatus) {
	line := fmt.Sprintf("(%3d%%) Suites pending: %-4d running: %-4d finished: %-4d",
		st.Percent(), st.Pending, st.Running, st.Finished)

	c.mu.Lock()
	defer c.mu.Unlock()
	if st.Stage != c.lastStage {
		c.lastStage = st.Stage
		c.lastLine = ""
	}
	if line == c.lastLine {
		return
	}
	c.lastLine = line

	if !c.interactive {
		fmt.Fprintln(c.w, line)
		return
	}
	if st.Finished == st.Total {
		// The stage's last update keeps its newline.
		fmt.Fprintf(c.w, "\r%s\n", line)
		c.open = false
		return
	}
	fmt.Fprintf(c.w, "\r%s", line)
	c.open = true
}

// Close terminates a dangling interactive line, left behind when a
// stage was interrupted before reaching 100%.
func (c *Console) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open {
		fmt.Fprintln(c.w)
		c.open = false
	}
}
