package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/geocatch/client/internal/geo"
	"github.com/geocatch/client/internal/session"
	"github.com/geocatch/client/pkg/core"
	"github.com/jonboulle/clockwork"
)

// Replay script commands. Any other line is a "lat,lng[,accuracy]" fix.
const (
	cmdStart      = "start"
	cmdEnd        = "end"
	cmdBackground = "background"
	cmdCapture    = "capture"
	cmdWait       = "wait"
	cmdPush       = "push"
	cmdFix        = "fix"
)

type command struct {
	name  string
	arg   string
	data  []byte
	fix   core.LocationFix
	delay time.Duration
}

// parseLine turns one script line into a command. Blank lines and lines
// starting with '#' yield ok=false.
func parseLine(line string, now time.Time) (cmd command, ok bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return command{}, false, nil
	}

	word, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch strings.ToLower(word) {
	case cmdStart, cmdEnd, cmdBackground:
		return command{name: strings.ToLower(word)}, true, nil
	case cmdCapture:
		if rest == "" {
			return command{}, false, errors.New("capture needs an entity id")
		}
		return command{name: cmdCapture, arg: rest}, true, nil
	case cmdWait:
		d, err := time.ParseDuration(rest)
		if err != nil {
			return command{}, false, fmt.Errorf("bad wait duration %q: %w", rest, err)
		}
		return command{name: cmdWait, delay: d}, true, nil
	case cmdPush:
		name, payload, _ := strings.Cut(rest, " ")
		if name == "" {
			return command{}, false, errors.New("push needs an event name")
		}
		return command{name: cmdPush, arg: name, data: []byte(strings.TrimSpace(payload))}, true, nil
	}

	fix, err := geo.FixFromString(line, now)
	if err != nil {
		return command{}, false, fmt.Errorf("bad fix %q: %w", line, err)
	}
	return command{name: cmdFix, fix: fix}, true, nil
}

// replayer drives a coordinator from a script.
type replayer struct {
	coord  *session.Coordinator
	clock  clockwork.Clock
	logger *slog.Logger
	out    io.Writer
}

func (r *replayer) run(ctx context.Context, script io.Reader) error {
	scanner := bufio.NewScanner(script)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		cmd, ok, err := parseLine(scanner.Text(), r.clock.Now())
		if err != nil {
			r.logger.Warn("skipping script line", "line", lineNo, "error", err)
			continue
		}
		if !ok {
			continue
		}
		if err := r.exec(ctx, cmd); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, session.ErrStopped) {
				return err
			}
			r.logger.Warn("command failed", "line", lineNo, "command", cmd.name, "error", err, "kind", session.KindOf(err).String())
		}
	}
	return scanner.Err()
}

func (r *replayer) exec(ctx context.Context, cmd command) error {
	switch cmd.name {
	case cmdFix:
		return r.coord.UpdateLocation(cmd.fix)
	case cmdStart:
		return r.coord.Start(ctx)
	case cmdEnd:
		summary, err := r.coord.End(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(r.out, "session over: %d points\n", summary.PointsEarned)
		return nil
	case cmdBackground:
		return r.coord.Background()
	case cmdCapture:
		select {
		case o := <-r.coord.Capture(cmd.arg):
			if o.Err != nil {
				return o.Err
			}
			fmt.Fprintf(r.out, "captured %s: +%d\n", o.EntityID, o.Points)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	case cmdPush:
		return r.coord.HandlePush(cmd.arg, cmd.data)
	case cmdWait:
		select {
		case <-r.clock.After(cmd.delay):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	default:
		return fmt.Errorf("unknown command %q", cmd.name)
	}
}
