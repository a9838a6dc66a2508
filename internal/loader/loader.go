package loader

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/tetratelabs/wazero"

	"github.com/obelisk/plaid/internal/config"
)

// Loader discovers, verifies, and compiles rule modules from the
// configured module directory. It owns the wazero runtime shared by
// every compiled artifact; closing the Loader invalidates all of them.
type Loader struct {
	cfg     config.LoadingConfig
	secrets map[string]string
	runtime wazero.Runtime
	logger  *slog.Logger
	roster  Roster
}

// New constructs a Loader, selecting a wazero compilation strategy from
// loading.toml's compiler_backend. Only "interpreter" is recognized as
// requesting the (slower, portable) interpreter; every other value,
// including the spec's nominal "cranelift"/"llvm" names, runs wazero's
// own ahead-of-time compiler — wazero does not expose pluggable native
// backends, so those names just select "compiled" rather than
// "interpreted" execution.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Loader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var runtimeCfg wazero.RuntimeConfig
	if cfg.Loading.CompilerBackend == "interpreter" {
		runtimeCfg = wazero.NewRuntimeConfigInterpreter()
	} else {
		runtimeCfg = wazero.NewRuntimeConfigCompiler()
	}
	runtimeCfg = runtimeCfg.WithCloseOnContextDone(true)
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)

	roster, err := LoadRoster(cfg.Loading.SignersFile)
	if err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("loader: %w", err)
	}
	if cfg.Loading.SignaturesRequired > 0 && roster.Len() == 0 {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("loader: signatures_required=%d but signer roster is empty", cfg.Loading.SignaturesRequired)
	}

	return &Loader{
		cfg:     cfg.Loading,
		secrets: cfg.Secrets,
		runtime: runtime,
		logger:  logger,
		roster:  roster,
	}, nil
}

// Close releases the wazero runtime and every artifact compiled from it.
func (l *Loader) Close(ctx context.Context) error {
	return l.runtime.Close(ctx)
}

// Runtime returns the wazero runtime every returned Artifact's Compiled
// module was compiled against. The executor must instantiate instances
// from this same runtime.
func (l *Loader) Runtime() wazero.Runtime {
	return l.runtime
}

// Load enumerates module_dir in directory-sort order, verifies each
// module's detached signatures against the signer roster, compiles the
// survivors, and returns their published artifacts. A signature failure
// or compilation failure is logged and the offending module is skipped;
// it never aborts the load of its siblings.
func (l *Loader) Load(ctx context.Context) ([]*Artifact, error) {
	pattern := filepath.Join(l.cfg.ModuleDir, "*.wasm")
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("loader: glob %s: %w", pattern, err)
	}
	sort.Strings(paths)

	artifacts := make([]*Artifact, 0, len(paths))
	for _, path := range paths {
		artifact, ok := l.loadOne(ctx, path)
		if !ok {
			continue
		}
		artifacts = append(artifacts, artifact)
	}
	return artifacts, nil
}

func (l *Loader) loadOne(ctx context.Context, path string) (*Artifact, bool) {
	filename := filepath.Base(path)

	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		l.logger.Error("module read failed, skipping", "module", filename, "error", err)
		return nil, false
	}
	digestHex := sha256Hex(wasmBytes)

	if l.cfg.SignaturesRequired > 0 {
		distinct, err := l.verifySignatures(filename, digestHex)
		if err != nil {
			l.logger.Error("module signature verification failed, skipping", "module", filename, "error", err)
			return nil, false
		}
		if distinct < l.cfg.SignaturesRequired {
			l.logger.Error("module has insufficient distinct signatures, skipping",
				"module", filename, "have", distinct, "want", l.cfg.SignaturesRequired)
			return nil, false
		}
	}

	compiled, err := l.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		l.logger.Error("module compilation failed, skipping", "module", filename, "error", err)
		return nil, false
	}

	override := l.cfg.ModuleOverrides[filename]

	logType := deriveLogType(filename, l.cfg.LogTypeOverrides)

	accessory := mergeAccessory(
		l.cfg.AccessoryDataUniversal,
		l.cfg.AccessoryDataLogTypeOverrides[logType],
		l.cfg.AccessoryDataFileOverrides[filename],
		override.Accessory,
	)

	computation := override.Computation
	if computation == 0 {
		computation = l.cfg.DefaultComputation
	}
	memoryPages := override.MemoryPages
	if memoryPages == 0 {
		memoryPages = l.cfg.DefaultMemoryPages
	}
	persistentResponseBytes := override.PersistentResponseBytes
	if persistentResponseBytes == 0 {
		persistentResponseBytes = DefaultPersistentResponseBytes
	}

	artifact := &Artifact{
		Filename:                filename,
		LogType:                 logType,
		SHA256:                  digestHex,
		Compiled:                compiled,
		Computation:             computation,
		MemoryPages:             memoryPages,
		StorageLimit:            limitFromConfig(override.StorageBytes),
		PersistentResponseBytes: persistentResponseBytes,
		Secrets:                 resolveSecrets(override.Secrets, l.secrets),
		Accessory:               accessory,
		TestModeExempt:          isTestModeExempt(filename, l.cfg.TestModeExemptions),
	}

	l.logger.Info("module loaded", "module", filename, "log_type", logType, "sha256", digestHex)
	return artifact, true
}

// verifySignatures checks every *.sig file under
// <signature_dir>/<filename>/ and returns the count of distinct roster
// signers whose signature verified. A single signer producing multiple
// signature files counts once (distinct signers
// required, not distinct signature files).
func (l *Loader) verifySignatures(filename, digestHex string) (int, error) {
	sigDir := filepath.Join(l.cfg.SignatureDir, filename)
	sigPaths, err := filepath.Glob(filepath.Join(sigDir, "*.sig"))
	if err != nil {
		return 0, fmt.Errorf("glob signatures: %w", err)
	}
	seen := make(map[string]struct{})
	for _, sigPath := range sigPaths {
		data, err := os.ReadFile(sigPath)
		if err != nil {
			return 0, fmt.Errorf("read signature %s: %w", sigPath, err)
		}
		signer, err := l.roster.verifyDetached(data, digestHex)
		if err != nil {
			return 0, fmt.Errorf("verify %s: %w", sigPath, err)
		}
		if signer != "" {
			seen[signer] = struct{}{}
		}
	}
	return len(seen), nil
}
