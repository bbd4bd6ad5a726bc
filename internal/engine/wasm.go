package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// Exports the engine image must provide.
var requiredExports = []string{
	"malloc",
	"free",
	"SherpaOnnxCreateOnlineRecognizer",
	"SherpaOnnxCreateOnlineStream",
	"SherpaOnnxOnlineStreamAcceptWaveform",
	"SherpaOnnxIsOnlineStreamReady",
	"SherpaOnnxDecodeOnlineStream",
	"SherpaOnnxGetOnlineStreamResultAsJson",
	"SherpaOnnxDestroyOnlineStreamResultJson",
	"SherpaOnnxOnlineStreamReset",
	"SherpaOnnxDestroyOnlineStream",
	"SherpaOnnxDestroyOnlineRecognizer",
}

// WasmLoader runs a WASI build of the engine under wazero. Assets are written
// to a private directory mounted as the module's filesystem root.
type WasmLoader struct {
	// TempDir is the parent for per-instance asset directories; empty means
	// the OS default.
	TempDir string
	Logger  *slog.Logger
}

func (l *WasmLoader) Load(ctx context.Context, image []byte, assets map[string][]byte) (Runtime, error) {
	logger := l.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With(slog.String("component", "engine"))

	dir, err := os.MkdirTemp(l.TempDir, "loqa-engine-")
	if err != nil {
		return nil, fmt.Errorf("create engine root: %w", err)
	}
	for name, data := range assets {
		if name != filepath.Base(name) {
			os.RemoveAll(dir)
			return nil, fmt.Errorf("invalid asset name %q", name)
		}
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			os.RemoveAll(dir)
			return nil, fmt.Errorf("materialize %s: %w", name, err)
		}
	}

	rt := wazero.NewRuntime(ctx)
	fail := func(err error) (Runtime, error) {
		rt.Close(ctx)
		os.RemoveAll(dir)
		return nil, err
	}
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		return fail(fmt.Errorf("instantiate WASI: %w", err))
	}
	compiled, err := rt.CompileModule(ctx, image)
	if err != nil {
		return fail(fmt.Errorf("compile engine: %w", err))
	}

	out := &logWriter{logger: logger, level: slog.LevelDebug}
	moduleConfig := wazero.NewModuleConfig().
		WithName("engine").
		WithFSConfig(wazero.NewFSConfig().WithDirMount(dir, "/")).
		WithStartFunctions("_initialize").
		WithStdout(out).
		WithStderr(out)
	module, err := rt.InstantiateModule(ctx, compiled, moduleConfig)
	if err != nil {
		return fail(fmt.Errorf("instantiate engine: %w", err))
	}

	w := &wasmRuntime{rt: rt, module: module, dir: dir, fns: make(map[string]api.Function)}
	for _, name := range requiredExports {
		fn := module.ExportedFunction(name)
		if fn == nil {
			return fail(fmt.Errorf("engine export %q not found", name))
		}
		w.fns[name] = fn
	}
	if module.Memory() == nil {
		return fail(errors.New("engine exports no memory"))
	}
	logger.Info("engine loaded", slog.Int("assets", len(assets)), slog.String("root", dir))
	return w, nil
}

type wasmRuntime struct {
	rt     wazero.Runtime
	module api.Module
	dir    string
	fns    map[string]api.Function
}

func (w *wasmRuntime) call(ctx context.Context, name string, params ...uint64) (uint64, error) {
	results, err := w.fns[name].Call(ctx, params...)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if len(results) == 0 {
		return 0, nil
	}
	return results[0], nil
}

func (w *wasmRuntime) handle(ctx context.Context, name string, params ...uint64) (Handle, error) {
	v, err := w.call(ctx, name, params...)
	if err != nil {
		return 0, err
	}
	if api.DecodeU32(v) == 0 {
		return 0, fmt.Errorf("%s: %w", name, ErrNullHandle)
	}
	return Handle(api.DecodeU32(v)), nil
}

func (w *wasmRuntime) Malloc(ctx context.Context, size uint32) (Ptr, error) {
	v, err := w.call(ctx, "malloc", api.EncodeU32(size))
	return Ptr(api.DecodeU32(v)), err
}

func (w *wasmRuntime) Free(ctx context.Context, p Ptr) error {
	_, err := w.call(ctx, "free", api.EncodeU32(uint32(p)))
	return err
}

func (w *wasmRuntime) Write(p Ptr, data []byte) error {
	if !w.module.Memory().Write(uint32(p), data) {
		return ErrOutOfBounds
	}
	return nil
}

func (w *wasmRuntime) Read(p Ptr, size uint32) ([]byte, error) {
	data, ok := w.module.Memory().Read(uint32(p), size)
	if !ok {
		return nil, ErrOutOfBounds
	}
	return append([]byte(nil), data...), nil
}

func (w *wasmRuntime) ReadCString(p Ptr) (string, error) {
	mem := w.module.Memory()
	if p == 0 || uint32(p) >= mem.Size() {
		return "", ErrOutOfBounds
	}
	data, ok := mem.Read(uint32(p), mem.Size()-uint32(p))
	if !ok {
		return "", ErrOutOfBounds
	}
	n := bytes.IndexByte(data, 0)
	if n < 0 {
		return "", ErrOutOfBounds
	}
	return string(data[:n]), nil
}

func (w *wasmRuntime) CreateRecognizer(ctx context.Context, config Ptr) (Handle, error) {
	return w.handle(ctx, "SherpaOnnxCreateOnlineRecognizer", api.EncodeU32(uint32(config)))
}

func (w *wasmRuntime) CreateStream(ctx context.Context, recognizer Handle) (Handle, error) {
	return w.handle(ctx, "SherpaOnnxCreateOnlineStream", api.EncodeU32(uint32(recognizer)))
}

func (w *wasmRuntime) AcceptWaveform(ctx context.Context, stream Handle, sampleRate int, samples Ptr, n int) error {
	_, err := w.call(ctx, "SherpaOnnxOnlineStreamAcceptWaveform",
		api.EncodeU32(uint32(stream)),
		api.EncodeI32(int32(sampleRate)),
		api.EncodeU32(uint32(samples)),
		api.EncodeI32(int32(n)))
	return err
}

func (w *wasmRuntime) IsReady(ctx context.Context, recognizer, stream Handle) (bool, error) {
	v, err := w.call(ctx, "SherpaOnnxIsOnlineStreamReady", api.EncodeU32(uint32(recognizer)), api.EncodeU32(uint32(stream)))
	return api.DecodeI32(v) != 0, err
}

func (w *wasmRuntime) Decode(ctx context.Context, recognizer, stream Handle) error {
	_, err := w.call(ctx, "SherpaOnnxDecodeOnlineStream", api.EncodeU32(uint32(recognizer)), api.EncodeU32(uint32(stream)))
	return err
}

func (w *wasmRuntime) ResultJSON(ctx context.Context, recognizer, stream Handle) (Ptr, error) {
	v, err := w.call(ctx, "SherpaOnnxGetOnlineStreamResultAsJson", api.EncodeU32(uint32(recognizer)), api.EncodeU32(uint32(stream)))
	return Ptr(api.DecodeU32(v)), err
}

func (w *wasmRuntime) DestroyResultJSON(ctx context.Context, p Ptr) error {
	_, err := w.call(ctx, "SherpaOnnxDestroyOnlineStreamResultJson", api.EncodeU32(uint32(p)))
	return err
}

func (w *wasmRuntime) ResetStream(ctx context.Context, recognizer, stream Handle) error {
	_, err := w.call(ctx, "SherpaOnnxOnlineStreamReset", api.EncodeU32(uint32(recognizer)), api.EncodeU32(uint32(stream)))
	return err
}

func (w *wasmRuntime) DestroyStream(ctx context.Context, stream Handle) error {
	_, err := w.call(ctx, "SherpaOnnxDestroyOnlineStream", api.EncodeU32(uint32(stream)))
	return err
}

func (w *wasmRuntime) DestroyRecognizer(ctx context.Context, recognizer Handle) error {
	_, err := w.call(ctx, "SherpaOnnxDestroyOnlineRecognizer", api.EncodeU32(uint32(recognizer)))
	return err
}

func (w *wasmRuntime) Close(ctx context.Context) error {
	if w.rt == nil {
		return nil
	}
	err := w.module.Close(ctx)
	if cerr := w.rt.Close(ctx); err == nil {
		err = cerr
	}
	if rerr := os.RemoveAll(w.dir); err == nil {
		err = rerr
	}
	w.rt = nil
	return err
}

// logWriter forwards engine stdout/stderr lines to slog.
type logWriter struct {
	logger *slog.Logger
	level  slog.Level
	buf    []byte
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		if line := bytes.TrimSpace(w.buf[:i]); len(line) > 0 {
			w.logger.Log(context.Background(), w.level, "engine output", slog.String("line", string(line)))
		}
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}
