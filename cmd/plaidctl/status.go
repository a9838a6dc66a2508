package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/obelisk/plaid/internal/config"
)

type moduleInfo struct {
	Filename                string `json:"filename"`
	LogType                 string `json:"log_type"`
	SHA256                  string `json:"sha256"`
	Computation             uint64 `json:"computation"`
	MemoryPages             uint32 `json:"memory_pages"`
	PersistentResponseBytes uint64 `json:"persistent_response_bytes"`
}

type listenerStatus struct {
	Name    string `json:"name"`
	Addr    string `json:"addr"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

type statusReport struct {
	Listeners []listenerStatus `json:"listeners"`
	Modules   []moduleInfo     `json:"modules"`
}

func runStatusCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configDir := fs.String("config", "config", "directory holding the TOML configuration files")
	dataDir := fs.String("data", ".", "plaid's working directory (modules.json, plaid_ready)")
	jsonOutput := fs.Bool("json", false, "print machine-readable JSON")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "plaidctl: config load: %v\n", err)
		return 1
	}

	report := statusReport{}
	report.Listeners = append(report.Listeners,
		checkListener(ctx, "internal", cfg.Webhooks.Internal.Address),
		checkListener(ctx, "external", cfg.Webhooks.External.Address),
	)
	report.Modules = loadModulesSnapshot(*dataDir)

	if *jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			fmt.Fprintf(os.Stderr, "plaidctl: encode: %v\n", err)
			return 1
		}
		return exitCodeFor(report)
	}

	printHumanStatus(report)
	return exitCodeFor(report)
}

func checkListener(ctx context.Context, name, addr string) listenerStatus {
	if addr == "" {
		return listenerStatus{Name: name, Addr: addr, Healthy: false, Error: "not configured"}
	}
	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	url := "http://" + addr + "/webhook/health"
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return listenerStatus{Name: name, Addr: addr, Error: err.Error()}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return listenerStatus{Name: name, Addr: addr, Error: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return listenerStatus{Name: name, Addr: addr, Error: fmt.Sprintf("status %d", resp.StatusCode)}
	}
	return listenerStatus{Name: name, Addr: addr, Healthy: true}
}

func loadModulesSnapshot(dataDir string) []moduleInfo {
	data, err := os.ReadFile(filepath.Join(dataDir, "modules.json"))
	if err != nil {
		return nil
	}
	var modules []moduleInfo
	if err := json.Unmarshal(data, &modules); err != nil {
		return nil
	}
	return modules
}

func exitCodeFor(report statusReport) int {
	for _, l := range report.Listeners {
		if !l.Healthy {
			return 1
		}
	}
	return 0
}

var (
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

func printHumanStatus(report statusReport) {
	color := isatty.IsTerminal(os.Stdout.Fd())

	fmt.Println("plaid status")
	fmt.Println("------------")
	for _, l := range report.Listeners {
		label := fmt.Sprintf("%-10s %s", l.Name, l.Addr)
		switch {
		case l.Healthy && color:
			fmt.Println(okStyle.Render("OK  ") + " " + label)
		case l.Healthy:
			fmt.Println("OK   " + label)
		case color:
			fmt.Println(failStyle.Render("FAIL") + " " + label + "  " + dimStyle.Render(l.Error))
		default:
			fmt.Println("FAIL " + label + "  " + l.Error)
		}
	}

	fmt.Println()
	fmt.Printf("modules loaded: %d\n", len(report.Modules))
	for _, m := range report.Modules {
		fmt.Printf("  %-24s log_type=%-16s computation=%d\n", m.Filename, m.LogType, m.Computation)
	}
}
