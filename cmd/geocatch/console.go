package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/geocatch/client/pkg/core"
)

// console prints player-facing output. It stands in for the app's UI and
// sound layer.
type console struct {
	mu  sync.Mutex
	out io.Writer
}

func (c *console) ShowMessage(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "» %s\n", text)
}

func (c *console) ShowCaptureResult(e core.NearbyEntity, points int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	name := e.Title
	if name == "" {
		name = e.ID
	}
	fmt.Fprintf(c.out, "★ %s (%s) +%d points\n", name, e.Rarity, points)
}

func (c *console) PlayCaptureSound() {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprint(c.out, "\a")
}
