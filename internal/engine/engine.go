package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/psantana5/pvf-worker/internal/artifact"
	"github.com/psantana5/pvf-worker/internal/logging"
	"github.com/psantana5/pvf-worker/pkg/models"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

const (
	// Version is recorded in every artifact this adapter produces
	Version = "wazero/v1.9.0"

	// PageSize is the WebAssembly linear memory page size
	PageSize = 65536
	// MaxPages is the largest memory a 32-bit module can address
	MaxPages = 65536
	// DefaultMaxMemoryPages applies when a prepare job sets no ceiling
	DefaultMaxMemoryPages = 2048

	hostModule     = "env"
	heapBaseGlobal = "__heap_base"
	memoryExport   = "memory"
	maxHostMessage = 4096
)

var errAborted = errors.New("ext_abort called")

// host functions a module may import, all (i32, i32) -> ()
var allowedImports = map[string]bool{
	"ext_abort": true,
	"ext_log":   true,
}

// Config configures the adapter
type Config struct {
	// CacheDir persists compiled machine code between prepare and execute
	// workers. Empty keeps the cache in memory.
	CacheDir string
	Logger   *logging.Logger
}

// Adapter compiles and runs validation code with wazero.
// Each call builds a fresh runtime, so nothing leaks between jobs except the
// compilation cache, which is keyed by module content.
type Adapter struct {
	cache  wazero.CompilationCache
	logger *logging.Logger
}

// New creates an adapter
func New(cfg Config) (*Adapter, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger(logging.INFO, false)
	}

	var cache wazero.CompilationCache
	if cfg.CacheDir != "" {
		c, err := wazero.NewCompilationCacheWithDir(cfg.CacheDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open compilation cache %s: %w", cfg.CacheDir, err)
		}
		cache = c
	} else {
		cache = wazero.NewCompilationCache()
	}

	return &Adapter{cache: cache, logger: logger}, nil
}

// Close releases the compilation cache
func (a *Adapter) Close(ctx context.Context) error {
	return a.cache.Close(ctx)
}

func (a *Adapter) runtime(ctx context.Context, pages uint32) wazero.Runtime {
	// Guest loops must observe ctx so a breached job can be stopped and so
	// the call yields to the scheduler while it runs.
	cfg := wazero.NewRuntimeConfig().
		WithCompilationCache(a.cache).
		WithMemoryLimitPages(pages).
		WithCloseOnContextDone(true)
	return wazero.NewRuntimeWithConfig(ctx, cfg)
}

// Prepare validates and compiles bytecode, then stores it as an artifact.
// Any problem with the bytecode itself is a CompileFailure.
func (a *Adapter) Prepare(ctx context.Context, job *models.PrepareJob) (*models.Artifact, error) {
	start := time.Now()

	if len(job.Code) == 0 {
		return nil, models.NewJobError(models.ErrorKindCompileFailure, "empty code")
	}

	pages := job.Params.MaxMemoryPages
	if pages == 0 {
		pages = DefaultMaxMemoryPages
	}
	if pages > MaxPages {
		return nil, models.NewJobError(models.ErrorKindCompileFailure, "memory ceiling %d pages exceeds %d", pages, MaxPages)
	}

	rt := a.runtime(ctx, pages)
	defer rt.Close(ctx)

	compiled, err := rt.CompileModule(ctx, job.Code)
	if err != nil {
		return nil, models.NewJobError(models.ErrorKindCompileFailure, "%s", firstLine(err))
	}
	defer compiled.Close(ctx)

	if err := validateShape(compiled, pages); err != nil {
		return nil, models.NewJobError(models.ErrorKindCompileFailure, "%s", err)
	}

	meta := &models.ArtifactMeta{
		EngineVersion:   Version,
		CompileDuration: time.Since(start),
		MemoryCeiling:   uint64(pages) * PageSize,
		CodeHash:        artifact.Checksum(job.Code),
		CreatedAt:       time.Now().UTC(),
	}

	handle, err := artifact.Write(job.ArtifactDir, job.Code, meta)
	if err != nil {
		return nil, err
	}

	a.logger.Debug("Artifact written", logging.Fields{
		"path":       handle.Path,
		"checksum":   handle.ChecksumHex(),
		"compile_ms": meta.CompileDuration.Milliseconds(),
	})

	return &models.Artifact{Handle: handle, Meta: *meta}, nil
}

func validateShape(compiled wazero.CompiledModule, pages uint32) error {
	for _, fn := range compiled.ImportedFunctions() {
		module, name, _ := fn.Import()
		if module != hostModule || !allowedImports[name] {
			return fmt.Errorf("import %s.%s is not provided by the host", module, name)
		}
		if !sameTypes(fn.ParamTypes(), api.ValueTypeI32, api.ValueTypeI32) || len(fn.ResultTypes()) != 0 {
			return fmt.Errorf("import %s.%s must have signature (i32, i32) -> ()", module, name)
		}
	}
	if len(compiled.ImportedMemories()) > 0 {
		return fmt.Errorf("memory must be defined by the module, not imported")
	}

	mem, ok := compiled.ExportedMemories()[memoryExport]
	if !ok {
		return fmt.Errorf("module does not export %q", memoryExport)
	}
	if mem.Min() > pages {
		return fmt.Errorf("initial memory of %d pages exceeds ceiling of %d", mem.Min(), pages)
	}

	return checkEntryPoint(compiled, models.DefaultEntryPoint)
}

func checkEntryPoint(compiled wazero.CompiledModule, name string) error {
	fn, ok := compiled.ExportedFunctions()[name]
	if !ok {
		return fmt.Errorf("entry point %q is not exported", name)
	}
	if !sameTypes(fn.ParamTypes(), api.ValueTypeI32, api.ValueTypeI32) || !sameTypes(fn.ResultTypes(), api.ValueTypeI64) {
		return fmt.Errorf("entry point %q must have signature (i32, i32) -> i64", name)
	}
	return nil
}

func sameTypes(got []api.ValueType, want ...api.ValueType) bool {
	return bytes.Equal(got, want)
}

// callState collects what host functions observed during one call
type callState struct {
	aborted bool
	message string
}

// Execute verifies an artifact, instantiates it, and calls its entry point
// with the input. The result is the (len << 32 | ptr) region it returns.
func (a *Adapter) Execute(ctx context.Context, job *models.ExecuteJob) ([]byte, error) {
	code, meta, err := artifact.Read(job.Artifact)
	if err != nil {
		return nil, models.NewJobError(models.ErrorKindCorruptedArtifact, "%s", err)
	}

	entry := job.Params.EntryPoint
	if entry == "" {
		entry = models.DefaultEntryPoint
	}
	maxOutput := job.Params.MaxOutputBytes
	if maxOutput == 0 {
		maxOutput = models.DefaultMaxOutputBytes
	}
	pages := uint32(meta.MemoryCeiling / PageSize)
	if pages == 0 || pages > MaxPages {
		pages = DefaultMaxMemoryPages
	}

	rt := a.runtime(ctx, pages)
	defer rt.Close(ctx)

	state := &callState{}
	if err := a.instantiateHost(ctx, rt, state); err != nil {
		return nil, fmt.Errorf("failed to instantiate host functions: %w", err)
	}

	compiled, err := rt.CompileModule(ctx, code)
	if err != nil {
		// The bytes passed their checksum, so the engine itself disagrees
		// with the one that prepared them.
		return nil, models.NewJobError(models.ErrorKindInternal, "artifact no longer compiles: %s", firstLine(err))
	}
	if err := checkEntryPoint(compiled, entry); err != nil {
		return nil, models.NewJobError(models.ErrorKindRuntimeTrap, "%s", err)
	}

	mod, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName("pvf"))
	if err != nil {
		return nil, models.NewJobError(models.ErrorKindRuntimeTrap, "instantiation failed: %s", trapReason(err, state))
	}

	mem := mod.Memory()
	if mem == nil {
		return nil, models.NewJobError(models.ErrorKindRuntimeTrap, "module has no memory")
	}

	ptr, err := placeInput(mod, mem, job.Input)
	if err != nil {
		return nil, models.NewJobError(models.ErrorKindRuntimeTrap, "%s", err)
	}

	results, err := mod.ExportedFunction(entry).Call(ctx, uint64(ptr), uint64(len(job.Input)))
	if err != nil && ctx.Err() != nil {
		return nil, models.NewJobError(models.ErrorKindInternal, "execution cancelled: %v", context.Cause(ctx))
	}
	if err != nil {
		return nil, models.NewJobError(models.ErrorKindRuntimeTrap, "%s", trapReason(err, state))
	}
	if len(results) != 1 {
		return nil, models.NewJobError(models.ErrorKindInvalidOutput, "entry point returned %d values", len(results))
	}

	outPtr := uint32(results[0])
	outLen := uint32(results[0] >> 32)
	switch {
	case outLen == 0:
		return nil, models.NewJobError(models.ErrorKindInvalidOutput, "empty result")
	case outLen > maxOutput:
		return nil, models.NewJobError(models.ErrorKindInvalidOutput, "result of %d bytes exceeds limit of %d", outLen, maxOutput)
	}

	out, ok := mem.Read(outPtr, outLen)
	if !ok {
		return nil, models.NewJobError(models.ErrorKindInvalidOutput,
			"result [%d, %d) outside memory of %d bytes", outPtr, uint64(outPtr)+uint64(outLen), mem.Size())
	}
	return bytes.Clone(out), nil
}

func (a *Adapter) instantiateHost(ctx context.Context, rt wazero.Runtime, state *callState) error {
	_, err := rt.NewHostModuleBuilder(hostModule).
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, ptr, size uint32) {
			state.aborted = true
			state.message = readMessage(m, ptr, size)
			panic(errAborted)
		}).
		Export("ext_abort").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, ptr, size uint32) {
			a.logger.Debug("Guest log", logging.Fields{"message": readMessage(m, ptr, size)})
		}).
		Export("ext_log").
		Instantiate(ctx)
	return err
}

// placeInput copies input to __heap_base when the module exports it, else
// to freshly grown memory past the current end.
func placeInput(mod api.Module, mem api.Memory, input []byte) (uint32, error) {
	size := uint64(len(input))

	var base uint64
	if g := mod.ExportedGlobal(heapBaseGlobal); g != nil {
		base = uint64(uint32(g.Get()))
	} else {
		base = uint64(mem.Size())
	}

	end := base + size
	if end > uint64(mem.Size()) {
		need := (end - uint64(mem.Size()) + PageSize - 1) / PageSize
		if _, ok := mem.Grow(uint32(need)); !ok {
			return 0, fmt.Errorf("input of %d bytes does not fit in memory", size)
		}
	}
	if size > 0 && !mem.Write(uint32(base), input) {
		return 0, fmt.Errorf("failed to write input at %d", base)
	}
	return uint32(base), nil
}

func readMessage(m api.Module, ptr, size uint32) string {
	if size > maxHostMessage {
		size = maxHostMessage
	}
	b, ok := m.Memory().Read(ptr, size)
	if !ok {
		return "<out of bounds>"
	}
	return string(b)
}

func trapReason(err error, state *callState) string {
	if state.aborted {
		return strings.TrimSpace("ext_abort: " + state.message)
	}
	return firstLine(err)
}

// firstLine drops the wasm stack trace wazero appends to errors
func firstLine(err error) string {
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		return msg[:i]
	}
	return msg
}
