// Package main is the CLI entry point for mcpgate — a multi-server
// tool-protocol proxy that fronts an arbitrary fleet of MCP-speaking
// upstream tool servers behind one unified, load-balanced, policy-
// enforced endpoint.
//
// Architecture overview:
//
//	Client --> mcpgate (:8400) --> upstream tool server A (http)
//	            |                --> upstream tool server B (websocket)
//	            |                --> upstream tool server C (stdio)
//	            |-- policy / rate limit / resource limit pipeline
//	            |-- health-checked, load-balanced upstream selection
//	            +-- management API (:8401): upstreams, keys, policy, limits
//
// CLI commands (cobra):
//
//	mcpgate start [-d]   - start the proxy (foreground or daemon)
//	mcpgate stop         - stop a running proxy
//	mcpgate status       - show proxy status and upstream health
//	mcpgate upstreams    - register/list/describe/unregister/discover
//	mcpgate keys         - generate/revoke/list API keys
//	mcpgate policy       - propose/activate/versions
//	mcpgate limits       - status/history
//	mcpgate config       - show/edit/init
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/mcpgate/mcpgate/internal/api"
	"github.com/mcpgate/mcpgate/internal/apikey"
	"github.com/mcpgate/mcpgate/internal/config"
	"github.com/mcpgate/mcpgate/internal/loadbalancer"
	"github.com/mcpgate/mcpgate/internal/manager"
	"github.com/mcpgate/mcpgate/internal/mcpserver"
	"github.com/mcpgate/mcpgate/internal/policy"
	"github.com/mcpgate/mcpgate/internal/ratelimit"
	"github.com/mcpgate/mcpgate/internal/resourcelimit"
	"github.com/mcpgate/mcpgate/internal/telemetry"
	"github.com/mcpgate/mcpgate/internal/transport"
	"github.com/mcpgate/mcpgate/internal/wrapper"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123 -X main.buildDate=2026-02-10"
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// defaultConfigDir returns ~/.mcpgate/ where runtime state lives:
// config.yaml, upstreams.json, policy.yaml, ratelimits.yaml, keys.db.
func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mcpgate"
	}
	return filepath.Join(home, ".mcpgate")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var configDir string

var rootCmd = &cobra.Command{
	Use:   "mcpgate",
	Short: "mcpgate — multi-server tool-protocol proxy",
	Long: `mcpgate fronts a fleet of MCP-speaking upstream tool servers behind one
unified, load-balanced, health-checked, policy-enforced endpoint.

Run 'mcpgate start' to start the proxy.`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", defaultConfigDir(), "Path to mcpgate config and state directory")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(upstreamsCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(policyCmd)
	rootCmd.AddCommand(limitsCmd)
	rootCmd.AddCommand(configCmd)
}

// ============================================================================
// mcpgate start
// ============================================================================

var daemonMode bool

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the mcpgate proxy",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStart(cmd, args)
	},
}

func init() {
	startCmd.Flags().BoolVarP(&daemonMode, "daemon", "d", false, "Run in daemon/background mode")
}

func runStart(cmd *cobra.Command, args []string) error {
	if daemonMode && os.Getenv("MCPGATE_DAEMONIZED") != "1" {
		return spawnDaemon()
	}

	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}

	cfg, err := config.Load(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// --- transport plugins ---
	transports := transport.NewRegistry()
	transport.RegisterBuiltins(transports)

	// --- load balancer ---
	balancer := loadbalancer.New()
	if err := balancer.SetStrategy(cfg.LoadBalancer.Strategy); err != nil {
		return fmt.Errorf("failed to set load balancer strategy: %w", err)
	}

	// --- policy engine ---
	var decider policy.Decider
	var internalDecider *policy.InternalDecider
	switch cfg.Policy.Mode {
	case "opa":
		decider = policy.NewOPADecider(policy.OPAConfig{
			URL:        cfg.Policy.OPA.URL,
			PolicyPath: cfg.Policy.OPA.PolicyPath,
			Timeout:    cfg.Policy.OPA.Timeout,
		})
		internalDecider = policy.NewInternalDecider() // kept active for the management API surface
	default:
		internalDecider = policy.NewInternalDecider()
		internalDecider.Activate(internalDecider.Propose(policy.Document{
			Roles: map[string]policy.RoleGrant{
				"anonymous": {Resources: []string{"*"}, Actions: []string{"*"}},
			},
		}))
		decider = internalDecider
	}

	// --- rate limiter ---
	var rlStore ratelimit.Store
	if cfg.RateLimit.Backend == "redis" {
		rlStore = ratelimit.NewRedisStore(redis.NewClient(&redis.Options{Addr: cfg.RateLimit.RedisAddr}))
	} else {
		rlStore = ratelimit.NewMemoryStore()
	}
	limiter := ratelimit.New(rlStore, cfg.RateLimit.Policies)

	// --- resource limits ---
	resourceLimits := resourcelimit.New(0, 1000)

	// --- API key store ---
	keyRepo, err := apikey.OpenSQLiteRepository(filepath.Join(configDir, "keys.db"))
	if err != nil {
		return fmt.Errorf("failed to open API key store: %w", err)
	}
	keyStore := apikey.New(keyRepo)

	// --- management API (built before the wrapper so its event hub can
	// be wired in as a telemetry sink; SetDeps fills in the wrapper and
	// manager once they exist below) ---
	mgmt := api.New(api.Options{
		Keys:           keyStore,
		Policy:         internalDecider,
		ResourceLimits: resourceLimits,
	})

	// --- telemetry ---
	sinks := telemetry.Multi{telemetry.NewSlogSink(nil), mgmt.Sink()}
	if cfg.ManagementAPI.Enabled {
		sinks = append(sinks, telemetry.NewPrometheusSink(prometheus.DefaultRegisterer))
	}
	auditSink, err := telemetry.NewAuditSink(filepath.Join(configDir, "audit.db"))
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer auditSink.Close()
	sinks = append(sinks, auditSink)

	// --- proxy wrapper ---
	w := wrapper.New(wrapper.Options{
		Transports:     transports,
		Balancer:       balancer,
		Policy:         decider,
		RateLimiter:    limiter,
		ResourceLimits: resourceLimits,
		Telemetry:      sinks,
		CallTimeout:    30 * time.Second,
	})

	// --- proxy manager (discovery + health roll-up) ---
	var sources []manager.Source
	if cfg.Discovery.UpstreamsFile != "" {
		sources = append(sources, manager.FileSource{Path: filepath.Join(configDir, cfg.Discovery.UpstreamsFile)})
	}
	if len(cfg.Discovery.NetworkScan) > 0 {
		sources = append(sources, manager.NetworkScanSource{Candidates: cfg.Discovery.NetworkScan})
	}
	mgr := manager.New(w, balancer, sources...)
	mgmt.SetDeps(w, balancer, mgr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go resourceLimits.RunMonitor(ctx)
	go limiter.RunGC(ctx, time.Minute, 10*time.Minute)

	if err := mgr.Start(ctx, cfg.Discovery.RollupSchedule); err != nil {
		return fmt.Errorf("failed to start proxy manager: %w", err)
	}
	defer mgr.Stop()

	watcher, err := config.NewWatcher(configDir, config.WatchTargets{
		OnUpstreamsChange: func() {
			if err := mgr.DiscoverAll(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "[mcpgate] Warning: discovery failed: %v\n", err)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("failed to start config watcher: %w", err)
	}
	defer watcher.Close()

	// --- client-facing MCP server ---
	mcpSrv := mcpserver.New(mcpserver.Options{Wrapper: w, Keys: keyStore})

	shutdownCh := make(chan struct{}, 1)
	mux := http.NewServeMux()
	mux.Handle("/mcp", mcpSrv)
	mux.HandleFunc("/health", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(rw, `{"status":"ok","version":"%s"}`, version)
	})
	mux.HandleFunc("/shutdown", func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(rw, "POST only", http.StatusMethodNotAllowed)
			return
		}
		if !isLoopback(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		fmt.Fprint(rw, `{"status":"shutting_down"}`)
		select {
		case shutdownCh <- struct{}{}:
		default:
		}
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	pidFile := filepath.Join(configDir, "mcpgate.pid")
	if err := writePIDFile(pidFile); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	defer removePIDFile(pidFile)

	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("[mcpgate] Proxy listening on http://%s/mcp\n", addr)
		errCh <- server.ListenAndServe()
	}()

	mgmtCtx, mgmtCancel := context.WithCancel(context.Background())
	defer mgmtCancel()
	if cfg.ManagementAPI.Enabled {
		mgmtAddr := fmt.Sprintf("%s:%d", cfg.ManagementAPI.Host, cfg.ManagementAPI.Port)
		go func() {
			fmt.Printf("[mcpgate] Management API listening on http://%s\n", mgmtAddr)
			if err := api.ListenAndServe(mgmtCtx, mgmtAddr, mgmt); err != nil {
				fmt.Fprintf(os.Stderr, "[mcpgate] Management API error: %v\n", err)
			}
		}()
	}

	if !daemonMode {
		fmt.Println("[mcpgate] Press Ctrl+C to stop")
	}

	select {
	case <-ctx.Done():
		fmt.Println("\n[mcpgate] Shutting down (signal received)...")
	case <-shutdownCh:
		fmt.Println("[mcpgate] Shutting down (stop command received)...")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "[mcpgate] Shutdown error: %v\n", err)
	}
	mgmtCancel()

	fmt.Println("[mcpgate] Stopped")
	return nil
}

func spawnDaemon() error {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to find executable path: %w", err)
	}

	logPath := filepath.Join(configDir, "mcpgate.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", logPath, err)
	}

	daemonArgs := []string{"start"}
	if configDir != defaultConfigDir() {
		daemonArgs = append(daemonArgs, "--config-dir", configDir)
	}

	child := exec.Command(exePath, daemonArgs...)
	child.Stdout = logFile
	child.Stderr = logFile
	child.Env = append(os.Environ(), "MCPGATE_DAEMONIZED=1")

	if err := child.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	fmt.Printf("[mcpgate] Proxy started in background (PID %d)\n", child.Process.Pid)
	fmt.Printf("[mcpgate] Log file: %s\n", logPath)

	if err := child.Process.Release(); err != nil {
		fmt.Fprintf(os.Stderr, "[mcpgate] Warning: failed to release child process: %v\n", err)
	}
	logFile.Close()
	return nil
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func removePIDFile(path string) {
	os.Remove(path)
}

func isLoopback(remoteAddr string) bool {
	host := remoteAddr
	if idx := strings.LastIndex(remoteAddr, ":"); idx != -1 {
		host = remoteAddr[:idx]
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	return host == "127.0.0.1" || host == "::1" || strings.HasPrefix(host, "127.")
}

// ============================================================================
// mcpgate stop / status
// ============================================================================

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running mcpgate proxy",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(filepath.Join(configDir, "config.yaml"))
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		addr := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)

		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Post(addr+"/shutdown", "application/json", nil)
		if err == nil {
			defer resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				fmt.Println("[mcpgate] Stop signal sent")
				os.Remove(filepath.Join(configDir, "mcpgate.pid"))
				return nil
			}
		}

		if runtime.GOOS == "windows" {
			return fmt.Errorf("proxy is not responding at %s — cannot stop", addr)
		}

		pidFile := filepath.Join(configDir, "mcpgate.pid")
		pidBytes, err := os.ReadFile(pidFile)
		if err != nil {
			return fmt.Errorf("proxy is not running: %w", err)
		}
		pid, err := strconv.Atoi(strings.TrimSpace(string(pidBytes)))
		if err != nil {
			return fmt.Errorf("invalid PID in %s: %w", pidFile, err)
		}
		process, err := os.FindProcess(pid)
		if err != nil {
			return fmt.Errorf("failed to find process %d: %w", pid, err)
		}
		if err := process.Signal(syscall.SIGTERM); err != nil {
			os.Remove(pidFile)
			return fmt.Errorf("failed to stop proxy (PID %d): %w", pid, err)
		}
		os.Remove(pidFile)
		fmt.Printf("[mcpgate] Sent stop signal to proxy (PID %d)\n", pid)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show proxy status and upstream health",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(filepath.Join(configDir, "config.yaml"))
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		addr := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
		client := &http.Client{Timeout: 2 * time.Second}

		resp, err := client.Get(addr + "/health")
		if err != nil {
			fmt.Println("[mcpgate] Status: NOT RUNNING")
			fmt.Printf("[mcpgate] Expected at: %s\n", addr)
			return nil
		}
		resp.Body.Close()
		fmt.Println("[mcpgate] Status: RUNNING")
		fmt.Printf("[mcpgate] Listening on: %s\n", addr)

		if !cfg.ManagementAPI.Enabled {
			return nil
		}
		mgmtAddr := fmt.Sprintf("http://%s:%d", cfg.ManagementAPI.Host, cfg.ManagementAPI.Port)
		rollupResp, err := client.Get(mgmtAddr + "/api/rollup")
		if err != nil {
			fmt.Println("[mcpgate] Could not query upstream health (management API unreachable)")
			return nil
		}
		defer rollupResp.Body.Close()
		body, _ := io.ReadAll(rollupResp.Body)

		var rollup manager.RollupSnapshot
		if err := json.Unmarshal(body, &rollup); err != nil {
			fmt.Println("[mcpgate] Could not parse health rollup")
			return nil
		}
		fmt.Println()
		for status, count := range rollup.ByStatus {
			fmt.Printf("  %-14s %d\n", status, count)
		}
		return nil
	},
}

// ============================================================================
// mcpgate upstreams
// ============================================================================

var upstreamsCmd = &cobra.Command{
	Use:   "upstreams",
	Short: "Manage registered upstream tool servers",
}

func init() {
	upstreamsCmd.AddCommand(upstreamsListCmd)
	upstreamsCmd.AddCommand(upstreamsRegisterCmd)
	upstreamsCmd.AddCommand(upstreamsDescribeCmd)
	upstreamsCmd.AddCommand(upstreamsUnregisterCmd)
	upstreamsCmd.AddCommand(upstreamsDiscoverCmd)
}

func managementAddr() (string, error) {
	cfg, err := config.Load(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		return "", err
	}
	if !cfg.ManagementAPI.Enabled {
		return "", fmt.Errorf("management API is disabled in config")
	}
	return fmt.Sprintf("http://%s:%d", cfg.ManagementAPI.Host, cfg.ManagementAPI.Port), nil
}

var upstreamsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered upstreams",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := managementAddr()
		if err != nil {
			return err
		}
		return printJSONFrom(addr + "/api/upstreams")
	},
}

var upstreamRegisterFile string

var upstreamsRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a new upstream from a JSON config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := managementAddr()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(upstreamRegisterFile)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", upstreamRegisterFile, err)
		}
		resp, err := http.Post(addr+"/api/upstreams", "application/json", strings.NewReader(string(data)))
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		fmt.Println(string(body))
		return nil
	},
}

func init() {
	upstreamsRegisterCmd.Flags().StringVar(&upstreamRegisterFile, "file", "", "Path to a JSON upstream config file")
	upstreamsRegisterCmd.MarkFlagRequired("file")
}

var upstreamsDescribeCmd = &cobra.Command{
	Use:   "describe <id>",
	Short: "Describe one upstream's config and health",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := managementAddr()
		if err != nil {
			return err
		}
		return printJSONFrom(addr + "/api/upstreams/" + args[0])
	},
}

var upstreamsUnregisterCmd = &cobra.Command{
	Use:   "unregister <id>",
	Short: "Unregister an upstream",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := managementAddr()
		if err != nil {
			return err
		}
		req, err := http.NewRequest(http.MethodDelete, addr+"/api/upstreams/"+args[0], nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()
		fmt.Printf("[mcpgate] unregistered %s (status %d)\n", args[0], resp.StatusCode)
		return nil
	},
}

var upstreamsDiscoverCmd = &cobra.Command{
	Use:   "discover [id]",
	Short: "Re-run discovery, or discover tools for one upstream",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := managementAddr()
		if err != nil {
			return err
		}
		url := addr + "/api/discover"
		if len(args) == 1 {
			url = addr + "/api/upstreams/" + args[0] + "/discover"
		}
		resp, err := http.Post(url, "application/json", nil)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		fmt.Println(string(body))
		return nil
	},
}

// ============================================================================
// mcpgate keys
// ============================================================================

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage API keys",
}

func init() {
	keysCmd.AddCommand(keysGenerateCmd)
	keysCmd.AddCommand(keysRevokeCmd)
	keysCmd.AddCommand(keysListCmd)
}

var (
	keyGenName        string
	keyGenPermissions []string
	keyGenTTL         time.Duration
)

var keysGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new API key",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := managementAddr()
		if err != nil {
			return err
		}
		body, _ := json.Marshal(map[string]any{
			"name":        keyGenName,
			"permissions": keyGenPermissions,
			"ttl":         keyGenTTL,
		})
		resp, err := http.Post(addr+"/api/keys", "application/json", strings.NewReader(string(body)))
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()
		out, _ := io.ReadAll(resp.Body)
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	keysGenerateCmd.Flags().StringVar(&keyGenName, "name", "", "Key name")
	keysGenerateCmd.Flags().StringSliceVar(&keyGenPermissions, "permission", []string{"*"}, "Permission (repeatable)")
	keysGenerateCmd.Flags().DurationVar(&keyGenTTL, "ttl", 0, "Time-to-live (0 = no expiry)")
	keysGenerateCmd.MarkFlagRequired("name")
}

var keysRevokeCmd = &cobra.Command{
	Use:   "revoke <hashed-key>",
	Short: "Revoke an API key by its stored hash",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := managementAddr()
		if err != nil {
			return err
		}
		body, _ := json.Marshal(map[string]string{"hashed_key": args[0]})
		resp, err := http.Post(addr+"/api/keys/revoke", "application/json", strings.NewReader(string(body)))
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()
		fmt.Printf("[mcpgate] revoke status: %d\n", resp.StatusCode)
		return nil
	},
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List API key records",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := managementAddr()
		if err != nil {
			return err
		}
		return printJSONFrom(addr + "/api/keys")
	},
}

// ============================================================================
// mcpgate policy
// ============================================================================

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Manage the policy document",
}

func init() {
	policyCmd.AddCommand(policyProposeCmd)
	policyCmd.AddCommand(policyActivateCmd)
	policyCmd.AddCommand(policyVersionsCmd)
}

var policyFile string

var policyProposeCmd = &cobra.Command{
	Use:   "propose",
	Short: "Propose a new policy document from a JSON file, without activating it",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := managementAddr()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(policyFile)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", policyFile, err)
		}
		resp, err := http.Post(addr+"/api/policy", "application/json", strings.NewReader(string(data)))
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()
		out, _ := io.ReadAll(resp.Body)
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	policyProposeCmd.Flags().StringVar(&policyFile, "file", "", "Path to a JSON policy document")
	policyProposeCmd.MarkFlagRequired("file")
}

var policyActivateCmd = &cobra.Command{
	Use:   "activate <version>",
	Short: "Activate a previously proposed policy version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := managementAddr()
		if err != nil {
			return err
		}
		version, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[0], err)
		}
		body, _ := json.Marshal(map[string]int{"version": version})
		resp, err := http.Post(addr+"/api/policy/activate", "application/json", strings.NewReader(string(body)))
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()
		fmt.Printf("[mcpgate] activate status: %d\n", resp.StatusCode)
		return nil
	},
}

var policyVersionsCmd = &cobra.Command{
	Use:   "versions",
	Short: "List proposed policy versions and the active one",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := managementAddr()
		if err != nil {
			return err
		}
		return printJSONFrom(addr + "/api/policy/versions")
	},
}

// ============================================================================
// mcpgate limits
// ============================================================================

var limitsCmd = &cobra.Command{
	Use:   "limits",
	Short: "Inspect resource limit state",
}

func init() {
	limitsCmd.AddCommand(limitsStatusCmd)
	limitsCmd.AddCommand(limitsHistoryCmd)
	limitsCmd.AddCommand(limitsInterruptCmd)
	limitsCmd.AddCommand(limitsCheckSoftCmd)
	limitsCmd.AddCommand(limitsCheckHardCmd)
}

var limitsStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show active execution count",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := managementAddr()
		if err != nil {
			return err
		}
		return printJSONFrom(addr + "/api/limits/active")
	},
}

var limitsHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Show completed execution history",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := managementAddr()
		if err != nil {
			return err
		}
		return printJSONFrom(addr + "/api/limits/history")
	},
}

func postExecutionID(path, id string) error {
	addr, err := managementAddr()
	if err != nil {
		return err
	}
	body, _ := json.Marshal(map[string]string{"id": id})
	resp, err := http.Post(addr+path, "application/json", strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(os.Stdout, resp.Body)
	fmt.Println()
	return nil
}

var limitsInterruptCmd = &cobra.Command{
	Use:   "interrupt <execution-id>",
	Short: "Cancel an active execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postExecutionID("/api/limits/interrupt", args[0])
	},
}

var limitsCheckSoftCmd = &cobra.Command{
	Use:   "check-soft-limits <execution-id>",
	Short: "Report which resource kinds are past their soft threshold",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postExecutionID("/api/limits/check-soft-limits", args[0])
	},
}

var limitsCheckHardCmd = &cobra.Command{
	Use:   "check-hard-limits <execution-id>",
	Short: "Report whether the execution is past its hard limit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postExecutionID("/api/limits/check-hard-limits", args[0])
	},
}

// ============================================================================
// mcpgate config
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View and edit proxy configuration",
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	configCmd.AddCommand(configInitCmd)
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := filepath.Join(configDir, "config.yaml")
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Printf("No config file found at %s\n", path)
				fmt.Println("Run 'mcpgate config init' to generate one.")
				return nil
			}
			return fmt.Errorf("failed to read config: %w", err)
		}
		fmt.Println(string(data))
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(configDir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
		path := filepath.Join(configDir, "config.yaml")
		if err := config.WriteDefault(path); err != nil {
			return fmt.Errorf("failed to write default config: %w", err)
		}
		fmt.Printf("[mcpgate] Wrote default config to %s\n", path)
		return nil
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := filepath.Join(configDir, "config.yaml")

		editor := os.Getenv("EDITOR")
		if editor == "" {
			editor = os.Getenv("VISUAL")
		}
		if editor == "" {
			if runtime.GOOS == "windows" {
				editor = "notepad"
			} else {
				editor = "vi"
			}
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := config.WriteDefault(path); err != nil {
				return fmt.Errorf("failed to create default config: %w", err)
			}
		}

		editorCmd := exec.Command(editor, path)
		editorCmd.Stdin = os.Stdin
		editorCmd.Stdout = os.Stdout
		editorCmd.Stderr = os.Stderr
		return editorCmd.Run()
	},
}

// printJSONFrom fetches addr and pretty-prints its JSON body.
func printJSONFrom(addr string) error {
	resp, err := http.Get(addr)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var pretty interface{}
	if err := json.Unmarshal(body, &pretty); err != nil {
		fmt.Println(string(body))
		return nil
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		fmt.Println(string(body))
		return nil
	}
	fmt.Println(string(out))
	return nil
}
