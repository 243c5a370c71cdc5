// Command icap-server is the process entrypoint: cobra CLI, viper-bound
// YAML config with a config-file watch for hot reload, and the server
// bootstrap that wires the module registry and pipeline before accepting
// connections. Grounded in the teacher's cli/main.go cobra/viper/term usage,
// generalized from an HTTP API client to this server's own bootstrap.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ppomes/g3icap-go/internal/audit"
	"github.com/ppomes/g3icap-go/internal/config"
	"github.com/ppomes/g3icap-go/internal/icap/response"
	"github.com/ppomes/g3icap-go/internal/module"
	"github.com/ppomes/g3icap-go/internal/module/antivirus"
	"github.com/ppomes/g3icap-go/internal/module/contentfilter"
	"github.com/ppomes/g3icap-go/internal/module/echo"
	"github.com/ppomes/g3icap-go/internal/module/logging"
	"github.com/ppomes/g3icap-go/internal/pipeline"
	"github.com/ppomes/g3icap-go/internal/server"
)

const appVersion = "1.0.0"

var (
	cfgFile             string
	promptQuarantineKey bool
)

var rootCmd = &cobra.Command{
	Use:   "icap-server",
	Short: "ICAP/1.0 content-adaptation server",
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the server version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("icap-server v%s\n", appVersion)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start accepting ICAP connections",
	RunE:  runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to icap-server.yaml (default: ./icap-server.yaml)")
	serveCmd.Flags().BoolVar(&promptQuarantineKey, "prompt-quarantine-key", false,
		"read the quarantine encryption passphrase from the terminal instead of the config file")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := log.New(os.Stderr, "icap-server ", log.LstdFlags|log.Lmsgprefix)

	file, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	if promptQuarantineKey {
		key, err := promptForQuarantineKey()
		if err != nil {
			return err
		}
		file.Quarantine.Key = key
	}

	reg := module.NewRegistry()
	gen := response.New(file.ServerBanner, "", file.ServiceID)

	if err := registerBuiltins(reg, gen, file, logger); err != nil {
		return err
	}
	gen.ISTag = reg.ISTag()

	pl := buildPipeline(reg, gen, file)

	var sink audit.Sink = audit.NoopSink{}
	if file.Audit.DSN != "" {
		mysqlSink, err := audit.NewMySQLSink(file.Audit.DSN)
		if err != nil {
			return fmt.Errorf("icap-server: audit sink: %w", err)
		}
		sink = audit.LoggingSink{Next: mysqlSink, Logger: logger}
		defer sink.Close()
	}

	srv := server.New(file.ServerConfig(), gen, reg, pl, sink, logger)

	if _, err := config.NewWatcher(cmd.Flag("config").Value.String(), func(updated *config.File) {
		reloadModules(reg, updated, logger)
		gen.ISTag = reg.ISTag()
	}, func(err error) {
		logger.Printf("config reload failed: %v", err)
	}); err != nil {
		logger.Printf("config watch disabled: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Printf("shutdown signal received")
		cancel()
	}()

	return srv.ListenAndServe(ctx)
}

// registerBuiltins constructs and registers one of each built-in module
// (content-filter, antivirus, echo, logging), whatever the config file's
// modules: list holds. Each takes its Config from the modules: entry with
// the same name, or a bare Config{Name: name} when there is none; entries
// under any other name are not registered here.
func registerBuiltins(reg *module.Registry, gen *response.Generator, file *config.File, logger *log.Logger) error {
	cfgs := file.ModuleConfigs()

	cf, err := contentfilter.New(gen, contentfilter.DefaultConfig())
	if err != nil {
		return fmt.Errorf("icap-server: content-filter: %w", err)
	}
	if err := reg.Register(cf, moduleConfigOr(cfgs, "content-filter")); err != nil {
		return err
	}

	av := antivirus.New(gen)
	if err := reg.Register(av, antivirusConfig(cfgs, file)); err != nil {
		return err
	}

	if err := reg.Register(echo.New(gen), moduleConfigOr(cfgs, "echo")); err != nil {
		return err
	}

	if err := reg.Register(logging.New(gen, logger), moduleConfigOr(cfgs, "logging")); err != nil {
		return err
	}

	return nil
}

func moduleConfigOr(cfgs map[string]module.Config, name string) module.Config {
	if c, ok := cfgs[name]; ok {
		return c
	}
	return module.Config{Name: name}
}

// antivirusConfig layers the file's top-level quarantine: settings onto the
// antivirus module's own payload, so a single quarantine key/dir applies
// regardless of whether the modules: list configures antivirus explicitly.
func antivirusConfig(cfgs map[string]module.Config, file *config.File) module.Config {
	cfg := moduleConfigOr(cfgs, "antivirus")
	if file.Quarantine.Dir == "" && file.Quarantine.Key == "" {
		return cfg
	}
	payload := make(map[string]any, len(cfg.Payload)+3)
	for k, v := range cfg.Payload {
		payload[k] = v
	}
	if file.Quarantine.Dir != "" {
		payload["enable_quarantine"] = true
		payload["quarantine_dir"] = file.Quarantine.Dir
	}
	if file.Quarantine.Key != "" {
		payload["enable_quarantine"] = true
		payload["quarantine_key"] = file.Quarantine.Key
	}
	cfg.Payload = payload
	return cfg
}

// buildPipeline assembles the stage order spec.md §4.4 describes: content
// filter first (cheap, header-only decisions short-circuit early), then
// antivirus (body-dependent), then logging last. A block or redirect from
// either scanning stage is terminal (spec.md C4) and stops the pipeline
// there, so logging only runs for requests that reach it unmodified.
// Logging is advisory: a logging failure never blocks the request.
func buildPipeline(reg *module.Registry, gen *response.Generator, file *config.File) *pipeline.Pipeline {
	var stages []pipeline.Stage
	if h, ok := reg.Lookup("content-filter"); ok {
		stages = append(stages, pipeline.NewModuleStage(h, pipeline.StageContentFilter, false))
	}
	if h, ok := reg.Lookup("antivirus"); ok {
		stages = append(stages, pipeline.NewModuleStage(h, pipeline.StageAntivirusScan, false))
	}
	if h, ok := reg.Lookup("logging"); ok {
		stages = append(stages, pipeline.NewModuleStage(h, pipeline.StageLogging, true))
	}
	return pipeline.New(pipeline.Config{Name: "default", Stages: stages}, gen)
}

// reloadModules re-initializes every currently-registered module whose name
// appears in the freshly-read config file (spec.md §9: reload without
// restart). Modules not mentioned in the file keep their last configuration.
func reloadModules(reg *module.Registry, file *config.File, logger *log.Logger) {
	for name, cfg := range file.ModuleConfigs() {
		if err := reg.Reload(name, cfg); err != nil {
			logger.Printf("reload %s failed: %v", name, err)
		}
	}
}

// promptForQuarantineKey reads a passphrase from the controlling terminal
// without echo and derives a 32-byte Fernet key from it, so the key never
// needs to sit in the config file at rest. Grounded in the teacher's
// cli/main.go login command's term.ReadPassword usage.
func promptForQuarantineKey() (string, error) {
	fmt.Fprint(os.Stderr, "Quarantine encryption passphrase: ")
	passBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("icap-server: read passphrase: %w", err)
	}
	sum := sha256.Sum256(passBytes)
	return base64.URLEncoding.EncodeToString(sum[:]), nil
}
