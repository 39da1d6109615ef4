package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jobctl/orchestrator/aiagent"
	"github.com/jobctl/orchestrator/executor"
	"github.com/jobctl/orchestrator/expreval"
	"github.com/jobctl/orchestrator/flow"
	"github.com/jobctl/orchestrator/internal/profile"
	"github.com/jobctl/orchestrator/internal/version"
	"github.com/jobctl/orchestrator/queue"
	"github.com/jobctl/orchestrator/server"
	"github.com/jobctl/orchestrator/store"
	"github.com/jobctl/orchestrator/store/db"
	"github.com/jobctl/orchestrator/worker"
)

var (
	rootCmd = &cobra.Command{
		Use:   "jobctl",
		Short: `A durable, workspace-scoped job orchestrator: queue, flow engine, and dependency resolver.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Only load .env for direct binary execution (not when running as systemd service)
			// Systemd service uses /etc/jobctl/config for environment variables
			if !isRunningAsSystemdService() {
				// Try to load .env file from current directory (ignore error if file doesn't exist)
				_ = godotenv.Load()
			}
			return nil
		},
		Run: runAll,
	}
	serverCmd = &cobra.Command{
		Use:   "server",
		Short: "Run only the HTTP surface (§6), no dispatcher loop.",
		Run:   runServerOnly,
	}
	workerCmd = &cobra.Command{
		Use:   "worker",
		Short: "Run only the dispatcher loop (§4.1/§5), no HTTP surface.",
		Run:   runWorkerOnly,
	}
)

func buildProfile() *profile.Profile {
	p := &profile.Profile{
		Mode:     viper.GetString("mode"),
		Addr:     viper.GetString("addr"),
		Port:     viper.GetInt("port"),
		UNIXSock: viper.GetString("unix-sock"),
		Data:     viper.GetString("data"),
		Driver:   viper.GetString("driver"),
		DSN:      viper.GetString("dsn"),
		Version:  version.GetCurrentVersion(viper.GetString("mode")),
	}
	p.FromEnv()
	return p
}

func runAll(_ *cobra.Command, _ []string) {
	p := buildProfile()
	p.RunServer = true
	p.RunWorker = true
	run(p)
}

func runServerOnly(_ *cobra.Command, _ []string) {
	p := buildProfile()
	p.RunServer = true
	p.RunWorker = false
	run(p)
}

func runWorkerOnly(_ *cobra.Command, _ []string) {
	p := buildProfile()
	p.RunServer = false
	p.RunWorker = true
	run(p)
}

func run(p *profile.Profile) {
	if err := p.Validate(); err != nil {
		panic(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	dbDriver, err := db.NewDBDriver(p)
	if err != nil {
		cancel()
		printDatabaseError(err, p)
		slog.Error("failed to create db driver", "error", err)
		return
	}

	storeInstance := store.New(dbDriver, p)
	if err := storeInstance.Migrate(ctx); err != nil {
		cancel()
		slog.Error("failed to migrate", "error", err)
		return
	}

	c := make(chan os.Signal, 1)
	// Trigger graceful shutdown on SIGINT or SIGTERM.
	// The default signal sent by the `kill` command is SIGTERM,
	// which is taken as the graceful shutdown signal for many systems, eg., Kubernetes, Gunicorn.
	signal.Notify(c, terminationSignals...)

	var s *server.Server
	if p.RunServer {
		s, err = server.NewServer(ctx, p, storeInstance)
		if err != nil {
			cancel()
			slog.Error("failed to create server", "error", err)
			return
		}
		if err := s.Start(ctx); err != nil {
			if !errors.Is(err, http.ErrServerClosed) {
				slog.Error("failed to start server", "error", err)
				cancel()
				return
			}
		}
	}

	var dispatcher *worker.Dispatcher
	if p.RunWorker {
		dispatcher, err = newDispatcher(storeInstance, p)
		if err != nil {
			cancel()
			slog.Error("failed to create dispatcher", "error", err)
			return
		}
		go func() {
			if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("dispatcher stopped", "error", err)
			}
		}()
	}

	printGreetings(p)

	go func() {
		<-c
		if s != nil {
			_ = s.Shutdown(ctx)
		}
		cancel()
	}()

	// Wait for CTRL-C.
	<-ctx.Done()
}

// newDispatcher builds the worker package's Dispatcher: the flow
// engine it shares with the server, a shell-script executor.Runner,
// and an aiagent.Runner when an LLM is configured (§4.2's AIAgent
// module otherwise fails with a clear error instead of silently
// falling back to the script runner).
func newDispatcher(s *store.Store, p *profile.Profile) (*worker.Dispatcher, error) {
	q := queue.New(s, p)
	eval, err := expreval.New(p.ExprEvalTimeout)
	if err != nil {
		return nil, err
	}
	engine := flow.New(s, q, eval)
	runner := executor.NewShellRunner()

	var aiRunner executor.Runner
	if p.IsAIEnabled() {
		cfg := aiagent.NewConfigFromProfile(p)
		svc, err := aiagent.NewLLMService(&cfg.LLM)
		if err != nil {
			return nil, err
		}
		aiRunner = aiagent.NewRunner(svc)
	}

	workerID := workerInstanceID()
	return worker.New(s, q, engine, runner, aiRunner, p, workerID, nil), nil
}

// workerInstanceID identifies this process for same-worker affinity
// and ping bookkeeping: hostname plus a random suffix so multiple
// processes on one host don't collide.
func workerInstanceID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("driver", "postgres")
	viper.SetDefault("port", 28081)

	for _, cmd := range []*cobra.Command{rootCmd, serverCmd, workerCmd} {
		cmd.PersistentFlags().String("mode", "dev", `mode of process, can be "prod" or "dev" or "demo"`)
		cmd.PersistentFlags().String("addr", "", "address of server")
		cmd.PersistentFlags().Int("port", 28081, "port of server")
		cmd.PersistentFlags().String("unix-sock", "", "path to the unix socket, overrides --addr and --port")
		cmd.PersistentFlags().String("data", "", "data directory")
		cmd.PersistentFlags().String("driver", "postgres", "database driver (postgres, sqlite)")
		cmd.PersistentFlags().String("dsn", "", "database source name (aka DSN)")
	}

	for _, flagName := range []string{"mode", "addr", "port", "unix-sock", "data", "driver", "dsn"} {
		if err := viper.BindPFlag(flagName, rootCmd.PersistentFlags().Lookup(flagName)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("jobctl")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	rootCmd.AddCommand(serverCmd, workerCmd)
}

func printGreetings(p *profile.Profile) {
	fmt.Printf("jobctl %s started successfully!\n", p.Version)

	if p.IsDev() {
		fmt.Fprint(os.Stderr, "Development mode is enabled\n")
		if p.DSN != "" {
			fmt.Fprintf(os.Stderr, "Database: %s\n", p.DSN)
		}
	}

	fmt.Printf("Data directory: %s\n", p.Data)
	fmt.Printf("Database driver: %s\n", p.Driver)
	fmt.Printf("Mode: %s\n", p.Mode)
	fmt.Printf("Server: %v  Worker: %v (%d slots)\n", p.RunServer, p.RunWorker, p.WorkerSlots)

	if p.RunServer {
		if len(p.UNIXSock) == 0 {
			if len(p.Addr) == 0 {
				fmt.Printf("Listening on port %d\n", p.Port)
			} else {
				fmt.Printf("Listening on %s:%d\n", p.Addr, p.Port)
			}
		} else {
			fmt.Printf("Listening on unix socket: %s\n", p.UNIXSock)
		}
	}
}

// isRunningAsSystemdService detects if the process is running under systemd
func isRunningAsSystemdService() bool {
	// Check if invoked by systemd (environment variables set by systemd)
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("WATCHDOG_USEC") != ""
}

// printDatabaseError provides user-friendly error messages for database connection issues
func printDatabaseError(err error, p *profile.Profile) {
	fmt.Fprintln(os.Stderr, "\nDatabase connection failed")
	fmt.Fprintln(os.Stderr, strings.Repeat("-", 40))

	errMsg := err.Error()
	switch {
	case strings.Contains(errMsg, "connection refused") || strings.Contains(errMsg, "no such host") ||
		strings.Contains(errMsg, "cannot connect"):
		fmt.Fprintln(os.Stderr, "\nPostgreSQL is not reachable.")
		fmt.Fprintf(os.Stderr, "\n  Use SQLite instead for local development:\n")
		fmt.Fprintf(os.Stderr, "  jobctl --driver=sqlite --data=./data\n")

	case strings.Contains(errMsg, "SSL is not enabled") || strings.Contains(errMsg, "sslmode"):
		fmt.Fprintln(os.Stderr, "\nPostgreSQL SSL configuration mismatch.")
		fmt.Fprintf(os.Stderr, "\n  Add ?sslmode=disable to your DSN.\n")

	case strings.Contains(errMsg, "password authentication failed"):
		fmt.Fprintln(os.Stderr, "\nPostgreSQL authentication failed.")
		fmt.Fprintf(os.Stderr, "\n  Check the credentials in your DSN.\n")

	case strings.Contains(errMsg, "database") && strings.Contains(errMsg, "does not exist"):
		fmt.Fprintln(os.Stderr, "\nDatabase does not exist.")

	default:
		fmt.Fprintln(os.Stderr, "\nError:", errMsg)
	}

	fmt.Fprintln(os.Stderr, strings.Repeat("-", 40))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		panic(err)
	}
}
