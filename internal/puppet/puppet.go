// Package puppet is a scriptable runner for host-side tests. The job payload
// is read as a command telling the worker how to behave or misbehave. It
// shares the real worker's transport, lifecycle and governor but never the
// engine, and must not be linked into the production worker binary.
package puppet

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/psantana5/pvf-worker/internal/artifact"
	"github.com/psantana5/pvf-worker/internal/logging"
	"github.com/psantana5/pvf-worker/pkg/models"
	"golang.org/x/sys/unix"
)

// Version is reported in artifacts the puppet prepares
const Version = "puppet/1"

// DefaultHold is how long alloc keeps its memory before returning
const DefaultHold = 200 * time.Millisecond

const (
	pageSize   = 4096
	signalWait = 5 * time.Second
)

// RawWriter writes bytes to the host bypassing framing
type RawWriter interface {
	WriteRaw(b []byte) error
}

// Puppet implements worker.Runner
type Puppet struct {
	raw    RawWriter
	exit   func(int)
	kill   func(sig unix.Signal) error
	hold   time.Duration
	logger *logging.Logger

	sink atomic.Uint64
}

// Option configures a Puppet
type Option func(*Puppet)

// WithExit replaces os.Exit
func WithExit(fn func(int)) Option {
	return func(p *Puppet) { p.exit = fn }
}

// WithKill replaces the self-signal used by signal:<name>
func WithKill(fn func(unix.Signal) error) Option {
	return func(p *Puppet) { p.kill = fn }
}

// WithHold sets how long alloc holds its memory
func WithHold(d time.Duration) Option {
	return func(p *Puppet) { p.hold = d }
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(p *Puppet) { p.logger = l }
}

// New creates a puppet writing malformed frames to raw
func New(raw RawWriter, opts ...Option) *Puppet {
	p := &Puppet{
		raw:  raw,
		exit: os.Exit,
		kill: func(sig unix.Signal) error { return unix.Kill(os.Getpid(), sig) },
		hold: DefaultHold,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = logging.NewLogger(logging.INFO, false)
	}
	return p
}

// Prepare interprets the code as a command. When it succeeds the code is
// stored as a real artifact so a later execute can replay it.
func (p *Puppet) Prepare(ctx context.Context, job *models.PrepareJob) (*models.Artifact, error) {
	if _, err := p.perform(ctx, string(job.Code)); err != nil {
		return nil, err
	}

	start := time.Now()
	meta := &models.ArtifactMeta{
		EngineVersion: Version,
		CodeHash:      artifact.Checksum(job.Code),
		CreatedAt:     start.UTC(),
	}
	meta.CompileDuration = time.Since(start)

	handle, err := artifact.Write(job.ArtifactDir, job.Code, meta)
	if err != nil {
		return nil, models.NewJobError(models.ErrorKindInternal, "%v", err)
	}
	return &models.Artifact{Handle: handle, Meta: *meta}, nil
}

// Execute interprets the input as a command. An empty input runs the
// command stored in the artifact.
func (p *Puppet) Execute(ctx context.Context, job *models.ExecuteJob) ([]byte, error) {
	command := string(job.Input)
	if command == "" {
		module, _, err := artifact.Read(job.Artifact)
		if err != nil {
			return nil, models.NewJobError(models.ErrorKindCorruptedArtifact, "%v", err)
		}
		command = string(module)
	}
	return p.perform(ctx, command)
}

func (p *Puppet) perform(ctx context.Context, command string) ([]byte, error) {
	verb, arg, _ := strings.Cut(strings.TrimSpace(command), ":")
	p.logger.Debug("Puppet command", logging.Fields{"verb": verb, "arg": arg})

	switch verb {
	case "ok":
		return []byte(arg), nil

	case "sleep":
		d, err := time.ParseDuration(arg)
		if err != nil {
			return nil, fmt.Errorf("sleep: %w", err)
		}
		time.Sleep(d)
		return []byte("slept " + d.String()), nil

	case "spin":
		p.spin()
		return nil, nil

	case "alloc":
		size, err := humanize.ParseBytes(arg)
		if err != nil {
			return nil, fmt.Errorf("alloc: %w", err)
		}
		p.alloc(size)
		return []byte("allocated " + humanize.IBytes(size)), nil

	case "exit":
		code, err := strconv.Atoi(arg)
		if err != nil {
			return nil, fmt.Errorf("exit: %w", err)
		}
		p.exit(code)
		return nil, fmt.Errorf("exit %d returned", code)

	case "signal":
		sig := unix.SignalNum(strings.ToUpper(arg))
		if sig == 0 {
			return nil, fmt.Errorf("unknown signal %q", arg)
		}
		if err := p.kill(sig); err != nil {
			return nil, fmt.Errorf("signal %s: %w", arg, err)
		}
		// delivery is asynchronous
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(signalWait):
			return nil, fmt.Errorf("signal %s did not terminate the worker", arg)
		}

	case "malformed":
		if err := p.raw.WriteRaw([]byte{0xff, 0xff, 0xff, 0xff, 'j', 'u', 'n', 'k'}); err != nil {
			return nil, fmt.Errorf("malformed: %w", err)
		}
		p.exit(models.ExitInternalError)
		return nil, fmt.Errorf("malformed response written")

	case "panic":
		panic("puppet: " + arg)

	case "trap":
		return nil, models.NewJobError(models.ErrorKindRuntimeTrap, "%s", arg)
	case "invalid":
		return nil, models.NewJobError(models.ErrorKindInvalidOutput, "%s", arg)
	case "compile-fail":
		return nil, models.NewJobError(models.ErrorKindCompileFailure, "%s", arg)
	case "corrupt":
		return nil, models.NewJobError(models.ErrorKindCorruptedArtifact, "%s", arg)
	}

	return nil, fmt.Errorf("unknown puppet command %q", verb)
}

// spin burns CPU until the process is killed
func (p *Puppet) spin() {
	var x uint64
	for {
		x = x*6364136223846793005 + 1442695040888963407
		p.sink.Store(x)
	}
}

// alloc commits size bytes and holds them so the governor can observe RSS
func (p *Puppet) alloc(size uint64) {
	buf := make([]byte, size)
	for i := 0; i < len(buf); i += pageSize {
		buf[i] = byte(i)
	}
	time.Sleep(p.hold)
	runtime.KeepAlive(buf)
}
