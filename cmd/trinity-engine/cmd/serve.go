package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/trinity-platform/trinity/audit"
	"github.com/trinity-platform/trinity/core"
	"github.com/trinity-platform/trinity/definition"
	"github.com/trinity-platform/trinity/dispatch"
	"github.com/trinity-platform/trinity/process"
	"github.com/trinity-platform/trinity/trigger"
)

// serveConfig is the engine's YAML configuration file.
type serveConfig struct {
	RedisURL       string            `yaml:"redis_url"`
	DefinitionsDir string            `yaml:"definitions_dir"`
	AuditFallback  string            `yaml:"audit_fallback"`
	LogLevel       string            `yaml:"log_level"`
	Agents         map[string]string `yaml:"agents"` // agent name → base URL
	Webhook        struct {
		RatePerSecond float64 `yaml:"rate_per_second"`
		Burst         int     `yaml:"burst"`
	} `yaml:"webhook"`
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine: recovery sweep, cron triggers, and schedulers",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func loadServeConfig() (*serveConfig, error) {
	cfg := &serveConfig{}
	cfg.Webhook.RatePerSecond = 1
	cfg.Webhook.Burst = 5
	if configPath == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", configPath, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", configPath, err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	fileCfg, err := loadServeConfig()
	if err != nil {
		return err
	}

	logger := core.NewJSONLogger(os.Stdout, core.ParseLogLevel(fileCfg.LogLevel))

	engineCfg, err := core.NewConfig()
	if err != nil {
		return err
	}

	var store process.Store
	var coord dispatch.CoordinationStore
	var locker trigger.Locker
	if fileCfg.RedisURL != "" {
		rs, err := process.NewRedisStore(fileCfg.RedisURL, "")
		if err != nil {
			return err
		}
		defer func() { _ = rs.Close() }()
		cs, err := dispatch.NewRedisCoordinationStore(fileCfg.RedisURL, "")
		if err != nil {
			return err
		}
		defer func() { _ = cs.Close() }()
		store, coord = rs, cs
		locker = trigger.NewMemoryLocker()
		logger.Info("Using Redis persistence", map[string]interface{}{"url": fileCfg.RedisURL})
	} else {
		store = process.NewMemoryStore()
		coord = dispatch.NewMemoryCoordinationStore()
		locker = trigger.NewMemoryLocker()
		logger.Warn("Using in-memory persistence; executions will not survive restarts", nil)
	}

	registry := definition.NewRegistry(logger)
	if fileCfg.DefinitionsDir != "" {
		if err := loadDefinitions(registry, fileCfg.DefinitionsDir, logger); err != nil {
			return err
		}
	}

	breaker := dispatch.NewCircuitBreaker(coord, engineCfg.CircuitFailureThreshold, engineCfg.CircuitCooldown, logger)
	dispatcher := dispatch.NewDispatcher(coord, breaker, engineCfg.AgentQueueMax, engineCfg.LeaseSlack, logger)
	defer dispatcher.Close()

	agents := dispatch.NewHTTPAgentClient(func(agent string) (string, error) {
		url, ok := fileCfg.Agents[agent]
		if !ok {
			return "", fmt.Errorf("agent %s not configured", agent)
		}
		return url, nil
	}, logger)

	auditor := audit.NewService(logSink{logger}, fileCfg.AuditFallback, logger)

	engine, err := process.NewEngine(engineCfg, process.Deps{
		Store:      store,
		Registry:   registry,
		Dispatcher: dispatcher,
		Agents:     agents,
		Audit:      auditor,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	ctx := context.Background()
	summary, err := engine.Recover(ctx)
	if err != nil {
		return err
	}
	logger.Info("Startup recovery complete", map[string]interface{}{
		"scanned":   summary.Scanned,
		"resumed":   summary.Resumed,
		"timed_out": summary.TimedOut,
	})

	cronSrc := trigger.NewCron(registry, engine, locker, logger)
	if err := cronSrc.Start(); err != nil {
		return err
	}
	defer cronSrc.Stop()

	logger.Info("Engine running", map[string]interface{}{"version": Version})

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("Shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := engine.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Shutdown timed out; interrupted executions resume on next start", map[string]interface{}{
			"error": err.Error(),
		})
	}
	auditor.Flush()
	return nil
}

// loadDefinitions parses every YAML file in dir and publishes it.
func loadDefinitions(registry *definition.Registry, dir string, logger core.Logger) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading definitions dir %s: %w", dir, err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		def, err := definition.Parse(data)
		if err != nil {
			return fmt.Errorf("definition %s: %w", name, err)
		}
		if err := registry.SaveDraft(def); err != nil {
			return fmt.Errorf("definition %s: %w", name, err)
		}
		if err := registry.Publish(def.Name, def.Version); err != nil {
			return fmt.Errorf("definition %s: %w", name, err)
		}
		logger.Info("Definition loaded", map[string]interface{}{
			"file":    name,
			"name":    def.Name,
			"version": def.Version,
		})
	}
	return nil
}

// logSink routes audit entries to the structured log; a real deployment
// points this at the audit backend.
type logSink struct {
	logger core.Logger
}

func (s logSink) Write(ctx context.Context, e audit.Entry) error {
	s.logger.InfoWithContext(ctx, "audit", map[string]interface{}{
		"type":         e.Type,
		"execution_id": e.ExecutionID,
		"step_id":      e.StepID,
		"actor":        e.Actor,
		"at":           e.At,
		"details":      e.Details,
	})
	return nil
}
