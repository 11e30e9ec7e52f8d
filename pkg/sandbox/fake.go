package sandbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// FakeProvider is an in-memory Provider for tests. Exec results are
// scripted per command prefix; files live in a per-sandbox map.
type FakeProvider struct {
	mu          sync.Mutex
	sandboxes   map[string]*fakeSandbox
	execScript  map[string][]ExecResult // command prefix -> queued results
	execErrs    map[string]error        // command prefix -> transport error
	nextID      int
	CreateErr   error // Returned by Create when set
	ConnectErr  error // Returned by Connect when set
	CreateCalls int
	ConnCalls   int
	TermCalls   int
}

type fakeSandbox struct {
	files      map[string]string
	terminated bool
}

// NewFakeProvider creates an empty fake provider.
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{
		sandboxes:  make(map[string]*fakeSandbox),
		execScript: make(map[string][]ExecResult),
		execErrs:   make(map[string]error),
	}
}

// ScriptExec queues a result for commands starting with prefix. Queued
// results are consumed in order; the last one repeats.
func (p *FakeProvider) ScriptExec(prefix string, results ...ExecResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.execScript[prefix] = append(p.execScript[prefix], results...)
}

// ScriptExecError makes commands starting with prefix fail at the
// transport level.
func (p *FakeProvider) ScriptExecError(prefix string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.execErrs[prefix] = err
}

// Create provisions an in-memory sandbox.
func (p *FakeProvider) Create(_ context.Context) (Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.CreateCalls++
	if p.CreateErr != nil {
		return nil, p.CreateErr
	}

	p.nextID++
	id := fmt.Sprintf("sbx-%04d", p.nextID)
	p.sandboxes[id] = &fakeSandbox{files: make(map[string]string)}

	return &fakeConn{
		provider: p,
		handle:   Handle{ID: id, CreatedAt: time.Now().UTC(), State: StateCreated},
	}, nil
}

// Connect reattaches to an existing in-memory sandbox.
func (p *FakeProvider) Connect(_ context.Context, sandboxID string) (Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.ConnCalls++
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}

	sb, ok := p.sandboxes[sandboxID]
	if !ok || sb.terminated {
		return nil, fmt.Errorf("sandbox %s not found", sandboxID)
	}
	return &fakeConn{
		provider: p,
		handle:   Handle{ID: sandboxID, CreatedAt: time.Now().UTC(), State: StateConnected},
	}, nil
}

// Terminate marks the sandbox terminated.
func (p *FakeProvider) Terminate(_ context.Context, sandboxID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.TermCalls++
	sb, ok := p.sandboxes[sandboxID]
	if !ok {
		return fmt.Errorf("sandbox %s not found", sandboxID)
	}
	sb.terminated = true
	return nil
}

// Files returns a copy of a sandbox's file map for assertions.
func (p *FakeProvider) Files(sandboxID string) map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()

	sb, ok := p.sandboxes[sandboxID]
	if !ok {
		return nil
	}
	out := make(map[string]string, len(sb.files))
	for k, v := range sb.files {
		out[k] = v
	}
	return out
}

// SeedFile places a file into a sandbox directly.
func (p *FakeProvider) SeedFile(sandboxID, path, content string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sb, ok := p.sandboxes[sandboxID]; ok {
		sb.files[path] = content
	}
}

// Terminated reports whether a sandbox has been torn down.
func (p *FakeProvider) Terminated(sandboxID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	sb, ok := p.sandboxes[sandboxID]
	return ok && sb.terminated
}

type fakeConn struct {
	provider *FakeProvider
	handle   Handle
}

func (c *fakeConn) Handle() Handle { return c.handle }

func (c *fakeConn) Exec(_ context.Context, command string, _ time.Duration) (ExecResult, error) {
	c.provider.mu.Lock()
	defer c.provider.mu.Unlock()

	sb, ok := c.provider.sandboxes[c.handle.ID]
	if !ok || sb.terminated {
		return ExecResult{}, fmt.Errorf("sandbox %s not found", c.handle.ID)
	}
	for prefix, err := range c.provider.execErrs {
		if strings.HasPrefix(command, prefix) {
			return ExecResult{}, err
		}
	}
	for prefix, queue := range c.provider.execScript {
		if !strings.HasPrefix(command, prefix) {
			continue
		}
		result := queue[0]
		if len(queue) > 1 {
			c.provider.execScript[prefix] = queue[1:]
		}
		return result, nil
	}
	return ExecResult{ExitCode: 0}, nil
}

func (c *fakeConn) WriteFile(_ context.Context, path, content string) error {
	c.provider.mu.Lock()
	defer c.provider.mu.Unlock()

	sb, ok := c.provider.sandboxes[c.handle.ID]
	if !ok || sb.terminated {
		return fmt.Errorf("sandbox %s not found", c.handle.ID)
	}
	sb.files[path] = content
	return nil
}

func (c *fakeConn) ReadFile(_ context.Context, path string) (string, error) {
	c.provider.mu.Lock()
	defer c.provider.mu.Unlock()

	sb, ok := c.provider.sandboxes[c.handle.ID]
	if !ok || sb.terminated {
		return "", fmt.Errorf("sandbox %s not found", c.handle.ID)
	}
	content, ok := sb.files[path]
	if !ok {
		return "", fmt.Errorf("file %s not found", path)
	}
	return content, nil
}
