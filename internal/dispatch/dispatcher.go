// Package dispatch decides, for one compiler invocation, between a cache hit,
// a distributed compile and a local compile.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/cuongbtq/buildstash/internal/cache"
	"github.com/cuongbtq/buildstash/internal/compiler"
	"github.com/cuongbtq/buildstash/internal/dist"
	"github.com/cuongbtq/buildstash/internal/stats"
)

// DefaultDistTimeout bounds one distributed attempt, allocation to result.
const DefaultDistTimeout = 5 * time.Minute

const (
	remoteOutput = "output.o"
	remoteInput  = "input"
)

// Packager identifies local compilers as toolchains and serves their archives.
type Packager interface {
	Toolchain(ctx context.Context, executable string) (dist.Toolchain, error)
	Open(tc dist.Toolchain) (io.ReadCloser, error)
}

// Config holds dispatcher configuration
type Config struct {
	Logger       *slog.Logger
	Stats        *stats.Stats
	Cache        cache.Storage
	Preprocessor *cache.PreprocessorCache // optional
	Packager     Packager
	Client       dist.Client // nil compiles everything locally
	Runner       compiler.Runner
	Timeout      time.Duration
}

// Request is one compiler invocation as the user typed it.
type Request struct {
	Args []string
	Cwd  string
	Env  []string
}

// Result is what the caller should report back to the user.
type Result struct {
	Output      dist.ProcessOutput
	CacheHit    bool
	Distributed bool
	Server      dist.ServerID
}

// Dispatcher serves compile requests.
type Dispatcher struct {
	logger       *slog.Logger
	stats        *stats.Stats
	cache        cache.Storage
	preprocessor *cache.PreprocessorCache
	packager     Packager
	client       dist.Client
	runner       compiler.Runner
	timeout      time.Duration
}

func NewDispatcher(cfg *Config) *Dispatcher {
	d := &Dispatcher{
		logger:       cfg.Logger,
		stats:        cfg.Stats,
		cache:        cfg.Cache,
		preprocessor: cfg.Preprocessor,
		packager:     cfg.Packager,
		client:       cfg.Client,
		runner:       cfg.Runner,
		timeout:      cfg.Timeout,
	}
	if d.stats == nil {
		d.stats = stats.New()
	}
	if d.cache == nil {
		d.cache = cache.Noop{}
	}
	if d.runner == nil {
		d.runner = compiler.ExecRunner{}
	}
	if d.timeout <= 0 {
		d.timeout = DefaultDistTimeout
	}
	return d
}

// Stats exposes the counters this dispatcher updates.
func (d *Dispatcher) Stats() *stats.Stats {
	return d.stats
}

// Compile runs one invocation. The returned error is set only when the
// compiler could not be run at all; compile errors are in Result.Output.
func (d *Dispatcher) Compile(ctx context.Context, req Request) (Result, error) {
	d.stats.IncCompileRequests()

	comp, err := compiler.Parse(req.Args, req.Cwd)
	if err != nil {
		d.logger.Debug("Running uncacheable compile", slog.Any("error", err))
		return d.verbatim(ctx, req)
	}

	exe, err := compiler.ResolveExecutable(comp.Executable, req.Cwd)
	if err != nil {
		d.logger.Debug("Failed to resolve compiler", slog.Any("error", err))
		return d.verbatim(ctx, req)
	}
	tc, err := d.packager.Toolchain(ctx, exe)
	if err != nil {
		d.logger.Warn("Failed to identify toolchain", slog.String("compiler", exe), slog.Any("error", err))
		return d.verbatim(ctx, req)
	}

	pp, ppOut, err := d.preprocess(ctx, comp, tc, req.Env)
	if err != nil {
		return Result{}, err
	}
	if !ppOut.Success() {
		d.stats.IncCompileFails()
		return Result{Output: ppOut}, nil
	}

	key := cache.NewHasher().
		AddString(tc.ArchiveID).
		AddStrings(comp.CacheArgs()).
		Add(pp).
		Sum()

	artifact, err := d.cache.Get(ctx, key)
	switch {
	case err == nil:
		if err := writeObject(comp.OutputPath(), artifact.Object); err != nil {
			return Result{}, err
		}
		d.stats.IncCacheHits()
		return Result{
			Output:   dist.ProcessOutput{Stdout: artifact.Stdout, Stderr: artifact.Stderr},
			CacheHit: true,
		}, nil
	case !errors.Is(err, cache.ErrCacheMiss):
		d.stats.IncCacheReadErrors()
		d.logger.Warn("Cache read failed", slog.String("key", key), slog.Any("error", err))
	}
	d.stats.IncCacheMisses()
	d.stats.IncRequestsExecuted()

	result, object, err := d.compile(ctx, comp, tc, exe, pp, req.Env)
	if err != nil {
		return Result{}, err
	}
	if !result.Output.Success() {
		d.stats.IncCompileFails()
		return result, nil
	}

	err = d.cache.Put(ctx, key, &cache.Artifact{
		Object: object,
		Stdout: result.Output.Stdout,
		Stderr: result.Output.Stderr,
	})
	if err != nil {
		d.stats.IncCacheWriteErrors()
		d.logger.Warn("Cache write failed", slog.String("key", key), slog.Any("error", err))
	}
	return result, nil
}

func (d *Dispatcher) verbatim(ctx context.Context, req Request) (Result, error) {
	d.stats.IncRequestsNotCacheable()
	if len(req.Args) == 0 {
		return Result{}, fmt.Errorf("empty command line")
	}
	out, err := d.runner.Run(ctx, compiler.Command{
		Executable: req.Args[0],
		Args:       req.Args[1:],
		Env:        req.Env,
		Dir:        req.Cwd,
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Output: out}, nil
}

// preprocess returns the preprocessed source, from the preprocessor cache
// when its recorded includes are unchanged.
func (d *Dispatcher) preprocess(ctx context.Context, comp *compiler.Compilation, tc dist.Toolchain, env []string) ([]byte, dist.ProcessOutput, error) {
	var ppKey string
	if d.preprocessor != nil {
		input := comp.Input
		if !filepath.IsAbs(input) {
			input = filepath.Join(comp.Cwd, input)
		}
		ppKey = cache.NewHasher().
			AddString(tc.ArchiveID).
			AddStrings(comp.PreprocessorArgs).
			AddStrings(comp.CommonArgs).
			AddString(input).
			AddString(comp.Cwd).
			AddStrings(includeSearchEnv(env)).
			Sum()

		pp, err := d.preprocessor.Lookup(ctx, ppKey)
		if err == nil {
			return pp, dist.ProcessOutput{}, nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			d.logger.Debug("Preprocessor cache lookup failed", slog.Any("error", err))
		}
	}

	out, err := d.runner.Run(ctx, comp.PreprocessCommand(env))
	if err != nil {
		return nil, dist.ProcessOutput{}, err
	}
	if !out.Success() {
		return nil, out, nil
	}

	if d.preprocessor != nil {
		includes := compiler.ParseIncludes(out.Stdout)
		for i, inc := range includes {
			if !filepath.IsAbs(inc) {
				includes[i] = filepath.Join(comp.Cwd, inc)
			}
		}
		if err := d.preprocessor.Store(ctx, ppKey, out.Stdout, includes); err != nil {
			d.logger.Debug("Preprocessor cache store failed", slog.Any("error", err))
		}
	}
	return out.Stdout, dist.ProcessOutput{}, nil
}

// includeSearchVars change where the preprocessor finds headers.
var includeSearchVars = []string{"CPATH", "C_INCLUDE_PATH", "CPLUS_INCLUDE_PATH", "OBJC_INCLUDE_PATH"}

// includeSearchEnv returns the include search variables as NAME=value, in a
// fixed order. An empty env means the compiler inherits this process's.
func includeSearchEnv(env []string) []string {
	if len(env) == 0 {
		env = os.Environ()
	}
	values := make(map[string]string, len(includeSearchVars))
	for _, kv := range env {
		name, value, ok := strings.Cut(kv, "=")
		if ok && slices.Contains(includeSearchVars, name) {
			values[name] = value
		}
	}
	out := make([]string, 0, len(includeSearchVars))
	for _, name := range includeSearchVars {
		out = append(out, name+"="+values[name])
	}
	return out
}

// compile tries the cluster first and falls back to the local compiler on any
// distributed failure.
func (d *Dispatcher) compile(ctx context.Context, comp *compiler.Compilation, tc dist.Toolchain, exe string, pp []byte, env []string) (Result, []byte, error) {
	if d.client != nil {
		result, object, err := d.distCompile(ctx, comp, tc, exe, pp)
		if err == nil {
			d.stats.IncDistCompiles(string(result.Server))
			if err := writeObject(comp.OutputPath(), object); err != nil {
				return Result{}, nil, err
			}
			return result, object, nil
		}
		if ctx.Err() != nil {
			return Result{}, nil, ctx.Err()
		}
		kind := dist.Classify(err)
		d.stats.IncDistErrors(kind)
		d.logger.Warn("Distributed compile failed, compiling locally",
			slog.String("input", comp.Input),
			slog.String("kind", kind),
			slog.Any("error", err),
		)
	}

	out, err := d.runner.Run(ctx, comp.LocalCommand(env))
	if err != nil {
		return Result{}, nil, err
	}
	if !out.Success() {
		return Result{Output: out}, nil, nil
	}
	object, err := os.ReadFile(comp.OutputPath())
	if err != nil {
		return Result{}, nil, fmt.Errorf("failed to read object file: %w", err)
	}
	return Result{Output: out}, object, nil
}

func (d *Dispatcher) distCompile(ctx context.Context, comp *compiler.Compilation, tc dist.Toolchain, exe string, pp []byte) (Result, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	alloc, err := d.client.AllocJob(ctx, tc)
	if err != nil {
		return Result{}, nil, fmt.Errorf("failed to allocate job: %w", err)
	}
	logger := d.logger.With(
		slog.String("job_id", string(alloc.JobID)),
		slog.String("server_id", string(alloc.ServerID)),
	)

	if alloc.NeedToolchain {
		archive, err := d.packager.Open(tc)
		if err != nil {
			return Result{}, nil, fmt.Errorf("%w: %v", dist.ErrToolchainUploadFailed, err)
		}
		res, err := d.client.SubmitToolchain(ctx, alloc, archive)
		archive.Close()
		if err != nil {
			return Result{}, nil, fmt.Errorf("failed to submit toolchain: %w", err)
		}
		logger.Debug("Toolchain submitted", slog.String("status", string(res.Status)))
	}

	inputName := remoteInput + comp.Language.PreprocessedExt()
	var inputs bytes.Buffer
	if err := dist.WriteInputs(&inputs, []dist.InputFile{{Name: inputName, Data: pp}}); err != nil {
		return Result{}, nil, err
	}

	command := comp.RemoteCommand(exe, inputName, remoteOutput)
	res, err := d.client.RunJob(ctx, alloc, command, []string{remoteOutput}, &inputs)
	if err != nil {
		if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{}, nil, fmt.Errorf("%w: %v", dist.ErrTimeout, err)
		}
		return Result{}, nil, fmt.Errorf("failed to run job: %w", err)
	}
	if res.Status != dist.RunJobComplete {
		return Result{}, nil, fmt.Errorf("%w: %s", dist.ErrBuildFailed, res.Message)
	}
	if !res.Output.Success() {
		// The local compiler gets the final say on errors.
		return Result{}, nil, fmt.Errorf("%w: exit code %d", dist.ErrBuildFailed, res.Output.Code)
	}

	for _, out := range res.Outputs {
		if out.Name == remoteOutput {
			logger.Debug("Distributed compile finished")
			return Result{Output: res.Output, Distributed: true, Server: alloc.ServerID}, out.Data, nil
		}
	}
	return Result{}, nil, fmt.Errorf("%w: server returned no %s", dist.ErrProtocolViolation, remoteOutput)
}

func writeObject(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write object file: %w", err)
	}
	return nil
}
