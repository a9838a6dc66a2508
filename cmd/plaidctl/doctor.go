package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/obelisk/plaid/internal/config"
	"github.com/obelisk/plaid/internal/loader"
)

type checkResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "OK" | "WARN" | "FAIL"
	Message string `json:"message"`
}

func runDoctorCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	configDir := fs.String("config", "config", "directory holding the TOML configuration files")
	jsonOutput := fs.Bool("json", false, "print machine-readable JSON")
	_ = fs.Parse(args)

	var results []checkResult

	cfg, err := config.Load(*configDir)
	if err != nil {
		results = append(results, checkResult{"config", "FAIL", err.Error()})
		return finishDoctor(results, *jsonOutput)
	}
	results = append(results, checkResult{"config", "OK", fmt.Sprintf("loaded %s", *configDir)})

	results = append(results, checkModuleDir(cfg.Loading.ModuleDir))
	results = append(results, checkSignerRoster(cfg.Loading))
	results = append(results, checkStorageBackend(cfg))

	return finishDoctor(results, *jsonOutput)
}

func checkModuleDir(dir string) checkResult {
	if dir == "" {
		return checkResult{"module_dir", "FAIL", "loading.toml: module_dir is not set"}
	}
	info, err := os.Stat(dir)
	if err != nil {
		return checkResult{"module_dir", "FAIL", err.Error()}
	}
	if !info.IsDir() {
		return checkResult{"module_dir", "FAIL", dir + " is not a directory"}
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "*.wasm"))
	if len(matches) == 0 {
		return checkResult{"module_dir", "WARN", dir + " contains no .wasm modules"}
	}
	return checkResult{"module_dir", "OK", fmt.Sprintf("%d modules found", len(matches))}
}

func checkSignerRoster(cfg config.LoadingConfig) checkResult {
	if cfg.SignaturesRequired <= 0 {
		return checkResult{"signer_roster", "OK", "signatures_required is 0, roster not consulted"}
	}
	roster, err := loader.LoadRoster(cfg.SignersFile)
	if err != nil {
		return checkResult{"signer_roster", "FAIL", err.Error()}
	}
	if roster.Len() == 0 {
		return checkResult{"signer_roster", "FAIL", fmt.Sprintf("signatures_required=%d but signer roster %q is empty", cfg.SignaturesRequired, cfg.SignersFile)}
	}
	return checkResult{"signer_roster", "OK", fmt.Sprintf("%d signer(s) loaded", roster.Len())}
}

func checkStorageBackend(cfg *config.Config) checkResult {
	switch cfg.Storage.Backend {
	case "sqlite", "":
		path := cfg.Storage.SQLitePath
		if path == "" {
			path = "plaid.db"
		}
		dir := filepath.Dir(path)
		if dir == "" {
			dir = "."
		}
		if _, err := os.Stat(dir); err != nil {
			return checkResult{"storage_backend", "FAIL", err.Error()}
		}
		return checkResult{"storage_backend", "OK", "sqlite path " + path + " is reachable"}
	case "redis":
		if cfg.Storage.RedisAddr == "" {
			return checkResult{"storage_backend", "FAIL", "storage.toml: redis_addr is not set"}
		}
		return checkResult{"storage_backend", "OK", "redis_addr configured as " + cfg.Storage.RedisAddr}
	default:
		return checkResult{"storage_backend", "FAIL", "unknown backend " + cfg.Storage.Backend}
	}
}

func finishDoctor(results []checkResult, jsonOutput bool) int {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(results)
		return doctorExitCode(results)
	}

	fmt.Println("plaidctl doctor")
	fmt.Println("---------------")
	for _, r := range results {
		icon := "OK  "
		if r.Status == "WARN" {
			icon = "WARN"
		} else if r.Status == "FAIL" {
			icon = "FAIL"
		}
		fmt.Printf("%s %-16s %s\n", icon, r.Name, r.Message)
	}
	return doctorExitCode(results)
}

func doctorExitCode(results []checkResult) int {
	for _, r := range results {
		if r.Status == "FAIL" {
			return 1
		}
	}
	return 0
}
