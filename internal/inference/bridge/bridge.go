// Package bridge runs model weights in an external inference process
// (typically a Python/PyTorch worker) and talks to it over stdin/stdout with
// length-prefixed msgpack frames. One process is started per loaded model.
package bridge

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kiranshivaraju/relaize/internal/config"
	"github.com/kiranshivaraju/relaize/internal/inference"
)

const stopTimeout = 5 * time.Second

// Loader starts inference processes.
type Loader struct {
	cfg      config.InferenceConfig
	devices  inference.Devices
	lookPath func(string) (string, error)
}

// NewLoader creates a bridge Loader. A missing executable is reported when a
// model is loaded, so a server without the inference toolchain still starts.
func NewLoader(cfg config.InferenceConfig) (*Loader, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("bridge inference requires a command")
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 2 * time.Minute
	}
	return &Loader{
		cfg:      cfg,
		devices:  inference.Devices(cfg.Accelerators),
		lookPath: exec.LookPath,
	}, nil
}

func (l *Loader) Name() string { return "bridge" }

func (l *Loader) DeviceAvailable(device string) bool { return l.devices.Available(device) }

// Load spawns the inference process and waits for it to report ready.
func (l *Loader) Load(ctx context.Context, opts inference.LoadOptions) (inference.Model, error) {
	path, err := l.lookPath(l.cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("%w: %s not found: %v", inference.ErrBackendUnavailable, l.cfg.Command, err)
	}

	args := append([]string{}, l.cfg.Args...)
	args = append(args,
		"--kind", string(opts.Kind),
		"--model", opts.ModelName,
		"--device", opts.Device,
		"--tile", strconv.Itoa(opts.TileSize),
		"--weights-dir", l.cfg.WeightsDir,
	)
	if opts.Provider != "" {
		args = append(args, "--provider", opts.Provider)
	}
	if opts.WeightPath != "" {
		args = append(args, "--weight-path", opts.WeightPath)
	}

	// Not bound to ctx: the process outlives the request that loaded it.
	cmd := exec.Command(path, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %v", inference.ErrBackendUnavailable, path, err)
	}

	p := &process{
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReader(stdout),
		model:  opts.ModelName,
		done:   make(chan struct{}),
	}
	go p.logStderr(stderr)
	go p.wait()

	slog.Info("inference process spawned",
		"pid", cmd.Process.Pid,
		"model", opts.ModelName,
		"kind", opts.Kind,
		"device", opts.Device,
		"tile_size", opts.TileSize,
	)

	startCtx, cancel := context.WithTimeout(ctx, l.cfg.StartTimeout)
	defer cancel()
	ready, err := p.exchange(startCtx, nil)
	if err != nil {
		p.kill()
		// A process that dies before reporting ready never started.
		if errors.Is(err, inference.ErrBackendCrashed) {
			return nil, fmt.Errorf("%w: wait for ready: %v", inference.ErrBackendUnavailable, err)
		}
		return nil, fmt.Errorf("wait for ready: %w", err)
	}
	if ready.Type == frameError {
		p.Close()
		return nil, ready.err()
	}
	if ready.Type != frameReady {
		p.Close()
		return nil, fmt.Errorf("unexpected %q frame while loading", ready.Type)
	}
	p.device = ready.Device
	if p.device == "" {
		p.device = opts.Device
	}
	return p, nil
}

// process is a loaded model living in a child process.
type process struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	model  string
	device string
	nextID uint64
	closed bool

	done    chan struct{}
	waitErr error
}

func (p *process) Device() string { return p.device }

// Infer sends one image and blocks for the result.
func (p *process) Infer(ctx context.Context, req inference.Request) (*image.NRGBA, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, fmt.Errorf("%w: process for %s is closed", inference.ErrBackendCrashed, p.model)
	}

	p.nextID++
	b := req.Image.Bounds()
	f := &frame{
		Type:           frameInfer,
		ID:             p.nextID,
		Width:          b.Dx(),
		Height:         b.Dy(),
		Pixels:         packRGB(req.Image),
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Fidelity:       req.Fidelity,
		Params:         req.Params,
	}
	if req.Mask != nil {
		mb := req.Mask.Bounds()
		f.MaskWidth, f.MaskHeight, f.Mask = mb.Dx(), mb.Dy(), packGray(req.Mask)
	}

	resp, err := p.exchange(ctx, f)
	if err != nil {
		p.closed = true
		p.kill()
		return nil, err
	}
	switch resp.Type {
	case frameResult:
		return unpackRGB(resp.Width, resp.Height, resp.Pixels)
	case frameError:
		return nil, resp.err()
	default:
		return nil, fmt.Errorf("unexpected %q frame from inference process", resp.Type)
	}
}

// exchange optionally writes f and then reads one frame. If ctx ends first
// the caller must kill the process since the stream is out of sync.
func (p *process) exchange(ctx context.Context, f *frame) (*frame, error) {
	type result struct {
		f   *frame
		err error
	}
	ch := make(chan result, 1)
	go func() {
		if f != nil {
			if err := writeFrame(p.stdin, f); err != nil {
				ch <- result{err: err}
				return
			}
		}
		resp, err := readFrame(p.stdout)
		ch <- result{f: resp, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil && (errors.Is(r.err, io.EOF) || errors.Is(r.err, io.ErrUnexpectedEOF)) {
			select {
			case <-p.done:
				return nil, fmt.Errorf("%w: inference process exited: %v", inference.ErrBackendCrashed, p.waitErr)
			case <-time.After(stopTimeout):
				return nil, fmt.Errorf("%w: inference process closed its output", inference.ErrBackendCrashed)
			}
		}
		return r.f, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, fmt.Errorf("%w: inference process exited: %v", inference.ErrBackendCrashed, p.waitErr)
	}
}

// Close asks the process to exit and force-kills it after stopTimeout.
func (p *process) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	_ = writeFrame(p.stdin, &frame{Type: frameShutdown})
	_ = p.stdin.Close()

	select {
	case <-p.done:
		slog.Info("inference process stopped", "model", p.model)
	case <-time.After(stopTimeout):
		slog.Warn("inference process stop timeout, killing", "model", p.model)
		p.kill()
	}
	return nil
}

func (p *process) kill() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

func (p *process) wait() {
	p.waitErr = p.cmd.Wait()
	close(p.done)
}

// logStderr forwards the child's log lines, mapping level markers to slog levels.
func (p *process) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "[ERROR]"), strings.Contains(line, "[CRITICAL]"), strings.Contains(line, "Traceback"):
			slog.Error("inference process", "model", p.model, "line", line)
		case strings.Contains(line, "[WARNING]"), strings.Contains(line, "[WARN]"):
			slog.Warn("inference process", "model", p.model, "line", line)
		default:
			slog.Debug("inference process", "model", p.model, "line", line)
		}
	}
}

var _ inference.Loader = (*Loader)(nil)
var _ inference.Model = (*process)(nil)
