package application

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ngoclaw/ngoclaw/gateway/internal/application/usecase"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/checkpoint"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/entity"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/repository"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/resource"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/safety"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/service"
	domaintool "github.com/ngoclaw/ngoclaw/gateway/internal/domain/tool"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/valueobject"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/config"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/eventbus"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/llm"
	_ "github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/llm/anthropic" // register anthropic provider factory
	_ "github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/llm/gemini"    // register gemini provider factory
	_ "github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/llm/openai"    // register openai provider factory
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/persistence"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/prompt"
	resourceinfra "github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/resource"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/sandbox"
	toolpkg "github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/tool"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// defaultSampleInterval is used when resources.sample_interval is unset.
const defaultSampleInterval = 5 * time.Second

// App 应用程序
type App struct {
	// 配置
	config *config.Config
	logger *zap.Logger
	db     *gorm.DB

	// 仓储层
	agentRepo   repository.AgentRepository
	messageRepo repository.MessageRepository

	// 领域服务
	agentSelector service.AgentSelector
	messageRouter service.MessageRouter

	// 应用服务
	processMessageUseCase *usecase.ProcessMessageUseCase

	// 基础设施
	toolRegistry domaintool.Registry
	llmRouter    *llm.Router
	mcpManager   *toolpkg.MCPManager
	agentLoop    *service.AgentLoop
	securityHook *service.SecurityHook

	// 安全与策略 (path sandboxing + execution-mode gating)
	pathValidator  *safety.Validator
	policy         *domaintool.Policy
	policyEnforcer *domaintool.PolicyEnforcer

	// 断点续执行 (checkpoint/recovery)
	checkpointStorage *checkpoint.Storage
	checkpointMgr     *checkpoint.Manager
	recoveryMgr       *checkpoint.RecoveryManager
	lastRecovery      *checkpoint.Recovered
	checkpointIndex   *persistence.CheckpointIndexRepository

	// 资源治理 (admission control + OS pressure sampling)
	resourceQuotas  *resource.AdaptiveQuotas
	resourceTracker *resource.Tracker
	resourceMonitor *resource.Monitor

	// 事件总线 (multi-subscriber AgentEvent fan-out + remote websocket sink)
	eventBus      *eventbus.PersistentBus
	wsBroadcaster *eventbus.WSBroadcaster

	// 后台循环的取消函数 (resource monitor + checkpoint scheduler)
	bgCancel context.CancelFunc

	// Prompt 引擎
	promptEngine *prompt.PromptEngine
}

// NewApp 创建应用程序（依赖注入容器）
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	// Bootstrap: ensure ~/.ngoclaw/ exists with default files on first run
	if err := config.Bootstrap(logger); err != nil {
		logger.Warn("Bootstrap failed (non-fatal)", zap.Error(err))
	}

	app := &App{
		config: cfg,
		logger: logger,
	}

	// 初始化各层组件
	if err := app.initRepositories(); err != nil {
		return nil, fmt.Errorf("failed to init repositories: %w", err)
	}

	if err := app.initDomainServices(); err != nil {
		return nil, fmt.Errorf("failed to init domain services: %w", err)
	}

	if err := app.initInfrastructure(); err != nil {
		return nil, fmt.Errorf("failed to init infrastructure: %w", err)
	}

	if err := app.initApplicationServices(); err != nil {
		return nil, fmt.Errorf("failed to init application services: %w", err)
	}

	app.checkRecovery()

	// 初始化默认数据
	if err := app.seedData(); err != nil {
		return nil, fmt.Errorf("failed to seed data: %w", err)
	}

	return app, nil
}

// NewAppCLI creates a lightweight app for CLI mode.
// Skips seed data but otherwise shares the same governance/checkpoint/resource
// wiring as NewApp, since `run`/`chat`/`resume`/`journal` all depend on it.
func NewAppCLI(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if err := config.Bootstrap(logger); err != nil {
		logger.Warn("Bootstrap failed (non-fatal)", zap.Error(err))
	}

	app := &App{
		config: cfg,
		logger: logger,
	}

	// DB with silent logging (no SQL spam)
	if err := app.initRepositoriesSilent(); err != nil {
		return nil, fmt.Errorf("failed to init repositories: %w", err)
	}

	if err := app.initDomainServices(); err != nil {
		return nil, fmt.Errorf("failed to init domain services: %w", err)
	}

	if err := app.initInfrastructure(); err != nil {
		return nil, fmt.Errorf("failed to init infrastructure: %w", err)
	}

	if err := app.initApplicationServices(); err != nil {
		return nil, fmt.Errorf("failed to init application services: %w", err)
	}

	app.checkRecovery()

	// No seedData — avoid noisy DB writes on every CLI launch
	return app, nil
}

// initRepositories 初始化仓储层
func (app *App) initRepositories() error {
	app.logger.Info("Initializing repositories")

	// 连接数据库
	db, err := persistence.NewDBConnection(&app.config.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	app.db = db

	// 初始化 GORM 仓储
	app.agentRepo = persistence.NewGormAgentRepository(db)
	app.messageRepo = persistence.NewGormMessageRepository(db)

	return nil
}

// initRepositoriesSilent initializes repos with silent DB logging (for CLI mode)
func (app *App) initRepositoriesSilent() error {
	db, err := persistence.NewDBConnectionSilent(&app.config.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	app.db = db
	app.agentRepo = persistence.NewGormAgentRepository(db)
	app.messageRepo = persistence.NewGormMessageRepository(db)
	return nil
}

// initDomainServices 初始化领域服务
func (app *App) initDomainServices() error {
	app.logger.Info("Initializing domain services")

	// 代理选择器
	app.agentSelector = service.NewDefaultAgentSelector(app.agentRepo)

	// 消息路由器
	app.messageRouter = service.NewDefaultMessageRouter(app.agentSelector)

	return nil
}

// initInfrastructure 初始化基础设施
func (app *App) initInfrastructure() error {
	app.logger.Info("Initializing infrastructure")

	// Tool Registry
	app.toolRegistry = domaintool.NewInMemoryRegistry()
	homeDir, _ := os.UserHomeDir()
	systemSkillsDir := filepath.Join(homeDir, ".ngoclaw", "skills")

	// Workspace-level skills (project-specific overrides)
	workspaceDir := app.config.Agent.Workspace
	skillsDirs := []string{systemSkillsDir}
	if workspaceDir != "" {
		wsSkillsDir := filepath.Join(workspaceDir, ".ngoclaw", "skills")
		skillsDirs = append(skillsDirs, wsSkillsDir)
	}

	sbxCfg := sandbox.DefaultConfig()
	sbxCfg.PythonEnv = app.config.PythonEnv
	if app.config.Agent.Runtime.ToolTimeout > 0 {
		sbxCfg.Timeout = app.config.Agent.Runtime.ToolTimeout
	}
	sbx, sbxErr := sandbox.NewProcessSandbox(sbxCfg, app.logger)
	if sbxErr != nil {
		app.logger.Warn("Sandbox init failed, tools will run unsandboxed", zap.Error(sbxErr))
	}

	// Governance: path sandboxing, execution-mode policy, checkpointing,
	// resource admission quotas — all need the registry and config but
	// nothing else built yet, so they go first.
	if err := app.initGovernance(workspaceDir); err != nil {
		return fmt.Errorf("failed to init governance: %w", err)
	}

	// LLM Router (modular provider factory with failover)
	// NOTE: must be initialized BEFORE RegisterAllTools because sub_agent depends on it.
	app.llmRouter = llm.NewRouter(app.logger)
	for _, p := range app.config.Agent.Providers {
		provider, err := llm.CreateProvider(llm.ProviderConfig{
			Name:     p.Name,
			Type:     p.Type,
			BaseURL:  p.BaseURL,
			APIKey:   p.APIKey,
			Models:   p.Models,
			Priority: p.Priority,
		}, app.logger)
		if err != nil {
			app.logger.Error("Failed to create LLM provider",
				zap.String("name", p.Name),
				zap.String("type", p.Type),
				zap.Error(err),
			)
			continue
		}
		app.llmRouter.AddProvider(provider)
	}
	app.logger.Info("LLM Router initialized",
		zap.Int("providers", len(app.config.Agent.Providers)),
	)

	// MCP Manager (hot-pluggable, reads ~/.ngoclaw/mcp.json)
	homeDir, _ = os.UserHomeDir()
	mcpConfigPath := filepath.Join(homeDir, ".ngoclaw", "mcp.json")
	app.mcpManager = toolpkg.NewMCPManager(mcpConfigPath, app.toolRegistry, app.logger)

	// ── Unified Tool Registration (single entry point) ──
	subMaxSteps := app.config.Agent.Runtime.SubAgentMaxSteps
	if subMaxSteps <= 0 {
		subMaxSteps = 25
	}
	// Pick first available provider for research LLM summarization
	var researchURL, researchKey, researchModel string
	if len(app.config.Agent.Providers) > 0 {
		p := app.config.Agent.Providers[0]
		researchURL = p.BaseURL
		researchKey = p.APIKey
		if len(p.Models) > 0 {
			// Strip provider prefix (e.g. "bailian/qwen3-coder-plus" -> "qwen3-coder-plus")
			model := p.Models[0]
			if idx := strings.Index(model, "/"); idx >= 0 {
				model = model[idx+1:]
			}
			researchModel = model
		}
	}

	toolpkg.RegisterAllTools(toolpkg.ToolLayerDeps{
		Registry:         app.toolRegistry,
		Sandbox:          sbx,
		SkillExec:        nil,
		PythonEnv:        app.config.PythonEnv,
		SkillsDir:        systemSkillsDir,
		ResearchLLMURL:   researchURL,
		ResearchLLMKey:   researchKey,
		ResearchLLMModel: researchModel,
		Workspace:        app.config.Agent.Workspace,
		MCPManager:       app.mcpManager,
		SubAgent: &toolpkg.SubAgentDeps{
			LLMClient:    app.llmRouter,
			ToolExecutor: &toolBridge{registry: app.toolRegistry, enforcer: app.policyEnforcer, logger: app.logger},
			DefaultModel: app.config.Agent.DefaultModel,
			MaxSteps:     subMaxSteps,
			Timeout:      app.config.Agent.Runtime.SubAgentTimeout,
		},
		Logger: app.logger,
	})

	// Prompt Engine (hot-pluggable system prompt assembly — System + Workspace layers)
	app.promptEngine = prompt.NewPromptEngine(app.config.Agent.Workspace, app.logger)
	if err := app.promptEngine.Discover(); err != nil {
		app.logger.Warn("Prompt engine discovery failed, will use empty system prompt",
			zap.Error(err),
		)
	}

	return nil
}

// initGovernance builds the path-safety validator, execution-mode policy,
// checkpoint engine and resource admission quotas. These are independent of
// the LLM router and tool set, but the PolicyEnforcer needs the registry
// (already built by the caller) to validate tool names.
func (app *App) initGovernance(workspaceDir string) error {
	// Path sandboxing
	app.pathValidator = safety.New(app.config.Safety, workspaceDir)

	// Execution-mode policy — gates how much autonomy tool calls get
	// without stopping for human confirmation.
	app.policy = &domaintool.Policy{
		Profile:             "full",
		Mode:                domaintool.ParseExecutionMode(app.config.Agent.Runtime.Mode),
		RequireConfirmation: app.config.Safety.RequireConfirmation,
	}
	app.policyEnforcer = domaintool.NewPolicyEnforcer(app.policy, app.toolRegistry).
		WithPathValidator(app.pathValidator)

	// Checkpoint/recovery engine
	storagePath := app.config.Checkpoint.StoragePath
	if strings.HasPrefix(storagePath, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			storagePath = filepath.Join(home, strings.TrimPrefix(storagePath, "~"))
		}
	}
	ckptCfg := app.config.Checkpoint
	ckptCfg.StoragePath = storagePath
	storage, err := checkpoint.NewStorage(ckptCfg, app.logger)
	if err != nil {
		return fmt.Errorf("failed to init checkpoint storage: %w", err)
	}
	app.checkpointStorage = storage
	app.checkpointMgr = checkpoint.NewManager(ckptCfg, storage, app.logger)
	app.recoveryMgr = checkpoint.NewRecoveryManager(storage, app.logger)

	// Journal index — a queryable gorm/sqlite mirror of checkpoint
	// metadata, resynced from the authoritative on-disk listing at
	// startup so the `journal` command never has to choose between a
	// stale index and a directory scan.
	if app.db != nil {
		idxRepo := persistence.NewCheckpointIndexRepository(app.db)
		app.checkpointMgr.SetIndexer(idxRepo)
		app.checkpointIndex = idxRepo
		if metas, err := storage.List(); err != nil {
			app.logger.Warn("Checkpoint listing for index resync failed", zap.Error(err))
		} else if err := idxRepo.Resync(context.Background(), metas); err != nil {
			app.logger.Warn("Checkpoint index resync failed", zap.Error(err))
		}
	}

	// Resource admission quotas — the consumer side (tracker) is wired into
	// AgentLoop below in initApplicationServices, once the loop exists.
	app.resourceQuotas = resource.NewAdaptiveQuotas(app.config.Resources.BaseQuotas())
	app.resourceTracker = resource.NewTracker(app.resourceQuotas)

	// Event bus — every AgentEvent the loop emits is additionally fanned
	// out here (WAL-backed, so a crash doesn't lose the run's event
	// history) for the journal surface and the websocket broadcaster.
	eventBus, err := eventbus.NewPersistentBus(eventbus.PersistentBusConfig{
		WALDir: filepath.Join(storagePath, "events"),
	}, app.logger)
	if err != nil {
		return fmt.Errorf("failed to init event bus: %w", err)
	}
	app.eventBus = eventBus
	app.wsBroadcaster = eventbus.NewWSBroadcaster(app.logger)
	app.wsBroadcaster.Attach(app.eventBus)

	return nil
}

// initApplicationServices 初始化应用服务
func (app *App) initApplicationServices() error {
	app.logger.Info("Initializing application services")

	// ProcessMessageUseCase (legacy message path — uses llmRouter directly, not the agent loop)
	app.processMessageUseCase = usecase.NewProcessMessageUseCase(
		app.messageRepo,
		app.messageRouter,
		app.llmRouter,
		app.logger,
	)

	// Agent Loop (ReAct Engine) — uses LLM Router + Tool Bridge
	loopTools := &toolBridge{registry: app.toolRegistry, enforcer: app.policyEnforcer, logger: app.logger}

	loopCfg := service.DefaultAgentLoopConfig()
	loopCfg.Model = app.config.Agent.DefaultModel

	// Bridge per-model policy overrides from config.yaml
	if len(app.config.Agent.ModelPolicies) > 0 {
		loopCfg.ModelPolicies = make(map[string]*service.ModelPolicyOverride)
		for key, cfgPolicy := range app.config.Agent.ModelPolicies {
			override := &service.ModelPolicyOverride{
				RepairToolPairing:   cfgPolicy.RepairToolPairing,
				EnforceTurnOrdering: cfgPolicy.EnforceTurnOrdering,
				ReasoningFormat:     cfgPolicy.ReasoningFormat,
				ProgressInterval:    cfgPolicy.ProgressInterval,
				ProgressEscalation:  cfgPolicy.ProgressEscalation,
				PromptStyle:         cfgPolicy.PromptStyle,
				SystemRoleSupport:   cfgPolicy.SystemRoleSupport,
				ThinkingTagHint:     cfgPolicy.ThinkingTagHint,
			}
			loopCfg.ModelPolicies[key] = override
		}
	}
	if app.config.Agent.Guardrails.LoopDetectThreshold > 0 {
		loopCfg.DoomLoopThreshold = app.config.Agent.Guardrails.LoopDetectThreshold
	}
	if app.config.Agent.Guardrails.LoopNameThreshold > 0 {
		loopCfg.LoopNameThreshold = app.config.Agent.Guardrails.LoopNameThreshold
	}

	// Retry config from config.yaml
	if app.config.Agent.Runtime.MaxRetries > 0 {
		loopCfg.MaxRetries = app.config.Agent.Runtime.MaxRetries
	}
	if app.config.Agent.Runtime.RetryBaseWait > 0 {
		loopCfg.RetryBaseWait = app.config.Agent.Runtime.RetryBaseWait
	}

	// Step ceiling, per-step timeout and tool parallelism from config.yaml
	if app.config.Agent.Runtime.MaxIterations > 0 {
		loopCfg.MaxIterations = app.config.Agent.Runtime.MaxIterations
	}
	if app.config.Agent.Runtime.StepTimeoutSecs > 0 {
		loopCfg.StepTimeoutSecs = app.config.Agent.Runtime.StepTimeoutSecs
	}
	if !app.config.Agent.Runtime.ConcurrentTools {
		loopCfg.MaxParallelTools = 1
	}

	// Compaction config from config.yaml
	if app.config.Agent.Compaction.MessageThreshold > 0 {
		loopCfg.CompactThreshold = app.config.Agent.Compaction.MessageThreshold
	}
	if app.config.Agent.Compaction.KeepRecent > 0 {
		loopCfg.CompactKeepLast = app.config.Agent.Compaction.KeepRecent
	}

	app.agentLoop = service.NewAgentLoop(
		app.llmRouter,
		loopTools,
		loopCfg,
		app.logger,
	)
	app.logger.Info("Agent Loop initialized",
		zap.String("model", loopCfg.Model),
	)

	// Wire the checkpoint engine and resource governor into the loop now
	// that both exist.
	app.agentLoop.SetCheckpointManager(app.checkpointMgr)
	app.agentLoop.SetResourceGovernor(app.resourceTracker, app.resourceQuotas)

	// Fan every AgentEvent out through the event bus (journal + websocket
	// broadcaster) in addition to the per-run eventCh the CLI reads from.
	if app.eventBus != nil {
		app.agentLoop.SetEventEmitter(func(event entity.AgentEvent) {
			app.eventBus.Publish(context.Background(), eventbus.NewEvent(string(event.Type), event))
		})
	}

	// Resource monitor — samples OS memory/disk pressure and drives the
	// mitigation ladder (cache flush, context compression, task pausing)
	// against the live agent loop.
	sampler, err := resourceinfra.NewOSSampler(app.config.Agent.Workspace)
	if err != nil {
		app.logger.Warn("Resource sampler init failed, pressure sampling disabled", zap.Error(err))
	} else {
		mitigator := resourceinfra.NewLoopMitigator(app.agentLoop, app.logger)
		app.resourceMonitor = resource.NewMonitor(
			sampler, mitigator, app.resourceQuotas, app.config.Resources.Thresholds, app.logger, nil,
		)
	}

	// Create SecurityHook and attach to agent loop
	app.securityHook = service.NewSecurityHook(
		app.config.Agent.Security,
		nil, // approvalFunc is set by the CLI surface for interactive confirmation
		app.logger,
	)
	app.securityHook.SetPolicy(app.policy, func(toolName string) domaintool.Kind {
		t, ok := app.toolRegistry.Get(toolName)
		if !ok {
			return domaintool.KindExecute
		}
		return t.Kind()
	})
	app.agentLoop.SetHooks(app.securityHook)

	// Middleware pipeline (data-transformation hooks around LLM calls)
	mwPipeline := service.NewMiddlewarePipeline(app.logger)
	mwPipeline.Use(
		service.NewDanglingToolCallMiddleware(app.logger),
		// NOTE: MemoryMiddleware intentionally removed.
		// It produced low-quality, unfiltered facts (201 entries in memory.json)
		// that polluted the system prompt and caused context poisoning.
		// Future: agent writes memory via file tools (OpenClaw pattern).
	)
	app.agentLoop.SetMiddleware(mwPipeline)
	app.logger.Info("Middleware pipeline configured",
		zap.Int("middlewares", mwPipeline.Len()),
	)

	return nil
}

// checkRecovery asks the recovery manager whether the previous run ended
// uncleanly and, if so, recovers the most recent usable checkpoint so the
// CLI `resume`/`journal` surface and startup banner can report it.
func (app *App) checkRecovery() {
	if app.recoveryMgr == nil {
		return
	}
	needs, err := app.recoveryMgr.NeedsRecovery()
	if err != nil {
		app.logger.Warn("Recovery check failed", zap.Error(err))
		return
	}
	if !needs {
		return
	}
	rec, err := app.recoveryMgr.Recover("")
	if err != nil {
		app.logger.Warn("Recovery attempt failed", zap.Error(err))
		return
	}
	app.lastRecovery = rec
	app.logger.Warn("Recovered checkpoint from unclean shutdown",
		zap.String("checkpoint_id", rec.CheckpointID),
		zap.String("level", rec.Level.String()),
	)
}

// seedData 初始化默认数据
func (app *App) seedData() error {
	app.logger.Info("Seeding default data")

	ctx := context.Background()

	// 创建默认代理
	defaultAgent, err := entity.NewAgent(
		"default",
		"默认助手",
		valueobject.DefaultModelConfig(),
	)
	if err != nil {
		return fmt.Errorf("failed to create default agent: %w", err)
	}

	// 保存默认代理
	if err := app.agentRepo.Save(ctx, defaultAgent); err != nil {
		return fmt.Errorf("failed to save default agent: %w", err)
	}

	app.logger.Info("Default agent created",
		zap.String("id", defaultAgent.ID()),
		zap.String("name", defaultAgent.Name()),
	)

	return nil
}

// Start starts the background governance loops: resource pressure sampling
// and the checkpoint scheduler. Safe to call once per process.
func (app *App) Start(ctx context.Context) error {
	app.logger.Info("Starting application")

	bgCtx, cancel := context.WithCancel(ctx)
	app.bgCancel = cancel

	if app.resourceMonitor != nil {
		interval := app.config.Resources.SampleInterval
		if interval <= 0 {
			interval = defaultSampleInterval
		}
		go app.resourceMonitor.Run(bgCtx, interval)
		app.logger.Info("Resource monitor started", zap.Duration("interval", interval))
	}

	if app.checkpointMgr != nil && app.config.Checkpoint.Enabled {
		go app.checkpointMgr.SchedulerLoop(bgCtx, app.agentLoop.Snapshot)
		app.logger.Info("Checkpoint scheduler started",
			zap.Uint64("interval_seconds", app.config.Checkpoint.IntervalSeconds),
		)
	}

	if app.wsBroadcaster != nil && app.config.Gateway.Port != 0 {
		addr := fmt.Sprintf("%s:%d", app.config.Gateway.Host, app.config.Gateway.Port)
		if err := app.wsBroadcaster.Start(addr); err != nil {
			app.logger.Warn("Event websocket broadcaster failed to start", zap.Error(err))
		} else {
			app.logger.Info("Event websocket broadcaster started", zap.String("addr", addr))
		}
	}

	app.logger.Info("Application started successfully")
	return nil
}

// Stop cancels the background loops, checkpoints a graceful-shutdown
// snapshot, and closes the database connection.
func (app *App) Stop(ctx context.Context) error {
	app.logger.Info("Stopping application")

	if app.bgCancel != nil {
		app.bgCancel()
	}

	if app.wsBroadcaster != nil {
		if err := app.wsBroadcaster.Stop(ctx); err != nil {
			app.logger.Warn("Failed to stop event websocket broadcaster", zap.Error(err))
		}
	}
	if app.eventBus != nil {
		app.eventBus.Close()
	}

	if app.checkpointMgr != nil {
		sessionID := "shutdown"
		if app.agentLoop != nil {
			if snap := app.agentLoop.Snapshot(); snap.SessionID != "" {
				sessionID = snap.SessionID
			}
		}
		if _, err := app.checkpointMgr.CreateGracefulShutdownCheckpoint(sessionID); err != nil {
			app.logger.Warn("Failed to write graceful shutdown checkpoint", zap.Error(err))
		}
		if err := app.checkpointMgr.Flush(); err != nil {
			app.logger.Warn("Failed to flush checkpoint manager", zap.Error(err))
		}
	}

	// 关闭数据库连接
	if app.db != nil {
		sqlDB, err := app.db.DB()
		if err == nil {
			if err := sqlDB.Close(); err != nil {
				app.logger.Error("Failed to close database connection", zap.Error(err))
			}
		}
	}

	app.logger.Info("Application stopped successfully")
	return nil
}

// ProcessMessageUseCase returns the message processing usecase
func (app *App) ProcessMessageUseCase() *usecase.ProcessMessageUseCase {
	return app.processMessageUseCase
}

// Logger returns the application logger
func (app *App) Logger() *zap.Logger {
	return app.logger
}

// Config returns the application config
func (app *App) AppConfig() *config.Config {
	return app.config
}

// AgentLoop returns the agent loop instance (used by CLI/TUI)
func (app *App) AgentLoop() *service.AgentLoop {
	return app.agentLoop
}

// PromptEngine returns the prompt engine (used by CLI/TUI)
func (app *App) PromptEngine() *prompt.PromptEngine {
	return app.promptEngine
}

// ToolRegistry returns the tool registry (used by CLI/TUI)
func (app *App) ToolRegistry() domaintool.Registry {
	return app.toolRegistry
}

// SecurityHook returns the security hook (used by the CLI to wire an
// interactive approval prompt).
func (app *App) SecurityHook() *service.SecurityHook {
	return app.securityHook
}

// Policy returns the execution-mode policy (used by the CLI --mode flag).
func (app *App) Policy() *domaintool.Policy {
	return app.policy
}

// CheckpointManager returns the checkpoint engine (used by the CLI journal
// surface).
func (app *App) CheckpointManager() *checkpoint.Manager {
	return app.checkpointMgr
}

// RecoveryManager returns the recovery engine (used by the CLI resume/journal
// surface).
func (app *App) RecoveryManager() *checkpoint.RecoveryManager {
	return app.recoveryMgr
}

// CheckpointIndex returns the journal's gorm/sqlite metadata index (used by
// the CLI `journal` command for fast listing).
func (app *App) CheckpointIndex() *persistence.CheckpointIndexRepository {
	return app.checkpointIndex
}

// EventBus returns the event bus (used by the CLI to tail a live run or
// replay the journal's WAL).
func (app *App) EventBus() *eventbus.PersistentBus {
	return app.eventBus
}

// LastRecovery reports the checkpoint recovered at startup, if any.
func (app *App) LastRecovery() *checkpoint.Recovered {
	return app.lastRecovery
}
