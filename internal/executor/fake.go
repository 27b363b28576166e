package executor

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
)

// Fake is a scripted Executor for tests. Handler receives every command
// line; Paths lists the programs LookPath can find.
type Fake struct {
	Handler func(cmdline string) (Result, error)
	Paths   map[string]string

	mu    sync.Mutex
	calls []string
}

func (f *Fake) Run(ctx context.Context, name string, args ...string) (Result, error) {
	line := CommandLine(name, args...)

	f.mu.Lock()
	f.calls = append(f.calls, line)
	handler := f.Handler
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if handler == nil {
		return Result{}, nil
	}

	// A handler that blocks is abandoned once ctx ends, as a killed command would be.
	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := handler(line)
		done <- outcome{res, err}
	}()
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case o := <-done:
		return o.res, o.err
	}
}

func (f *Fake) LookPath(name string) (string, error) {
	if p, ok := f.Paths[name]; ok {
		return p, nil
	}
	return "", fmt.Errorf("%s: %w", name, exec.ErrNotFound)
}

// Calls returns every command line seen so far.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// SetHandler swaps the handler while commands may be running.
func (f *Fake) SetHandler(h func(cmdline string) (Result, error)) {
	f.mu.Lock()
	f.Handler = h
	f.mu.Unlock()
}
