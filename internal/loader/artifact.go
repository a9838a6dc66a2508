// Package loader discovers WASM rule modules on disk, verifies their
// signatures against an authorized-signer roster, compiles them with
// wazero, and publishes immutable Artifact values the executor
// instantiates per invocation.
package loader

import (
	"github.com/tetratelabs/wazero"

	"github.com/obelisk/plaid/internal/config"
	"github.com/obelisk/plaid/internal/message"
)

// DefaultPersistentResponseBytes bounds a module's cached GET response
// when loading.toml leaves persistent_response_bytes unset.
const DefaultPersistentResponseBytes = 64 * 1024

// Artifact is a fully loaded, signature-verified, compiled rule module.
// Once published by the loader it is immutable for the lifetime of the
// process; the executor only ever reads from it.
type Artifact struct {
	Filename string
	LogType  string
	SHA256   string

	Compiled wazero.CompiledModule

	Computation             uint64
	MemoryPages             uint32
	StorageLimit            message.Limit
	PersistentResponseBytes uint64

	// Secrets maps the module-local alias a rule may reference via
	// {plaid-secret{ALIAS}} to its resolved value. Only aliases the
	// module's loading.toml override explicitly lists are present here;
	// a module never sees the full secrets file.
	Secrets map[string]string

	// Accessory is the merged key/value map exposed to the rule as
	// read-only context, after applying the universal, log-type, and
	// per-file override layers.
	Accessory map[string]string

	TestModeExempt bool
}

func deriveLogType(filename string, overrides map[string]string) string {
	if lt, ok := overrides[filename]; ok && lt != "" {
		return lt
	}
	stem := trimWasmExt(filename)
	for i := 0; i < len(stem); i++ {
		if stem[i] == '_' {
			return stem[:i]
		}
	}
	return stem
}

func trimWasmExt(filename string) string {
	const ext = ".wasm"
	if len(filename) > len(ext) && filename[len(filename)-len(ext):] == ext {
		return filename[:len(filename)-len(ext)]
	}
	return filename
}

func mergeAccessory(layers ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, layer := range layers {
		for k, v := range layer {
			out[k] = v
		}
	}
	return out
}

func resolveSecrets(alias map[string]string, globalSecrets map[string]string) map[string]string {
	out := make(map[string]string, len(alias))
	for localAlias, globalKey := range alias {
		out[localAlias] = globalSecrets[globalKey]
	}
	return out
}

func limitFromConfig(l config.Limit) message.Limit {
	if !l.Limited {
		return message.Unlimited()
	}
	return message.Limited(l.N)
}

func isTestModeExempt(filename string, exemptions []string) bool {
	for _, e := range exemptions {
		if e == filename {
			return true
		}
	}
	return false
}
