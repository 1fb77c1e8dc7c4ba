package session

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"scalper/internal/config"
	"scalper/internal/core"
)

const (
	healthInterval = 5 * time.Second
	stopGrace      = 10 * time.Second
)

// WorkerProcess is a running worker as the supervisor sees it.
type WorkerProcess interface {
	PID() int
	Signal(sig os.Signal) error
	Kill() error
	// Done closes once the process has exited.
	Done() <-chan struct{}
}

// SpawnFunc launches a worker for the pair. Injectable for tests.
type SpawnFunc func(ctx context.Context, pair string, budget decimal.Decimal, targetPercent float64) (WorkerProcess, error)

// execProcess wraps an exec.Cmd as a WorkerProcess.
type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func (p *execProcess) PID() int { return p.cmd.Process.Pid }

func (p *execProcess) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }

func (p *execProcess) Kill() error { return p.cmd.Process.Kill() }

func (p *execProcess) Done() <-chan struct{} { return p.done }

// SpawnSelf re-executes the current binary in worker mode.
func SpawnSelf(ctx context.Context, pair string, budget decimal.Decimal, targetPercent float64) (WorkerProcess, error) {
	binary, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve binary: %w", err)
	}
	cmd := exec.CommandContext(ctx, binary,
		"--worker-mode",
		"--pair", pair,
		"--budget", budget.String(),
		"--target", strconv.FormatFloat(targetPercent, 'f', -1, 64))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn worker for %s: %w", pair, err)
	}
	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type workerEntry struct {
	botID   string
	pair    string
	cfg     *config.BotConfig
	process WorkerProcess
}

// Manager supervises one worker process per pair. Workers are isolated
// processes: a crash in one cannot take down the others, and coordination
// happens only through spawn arguments, signals and the shared state file.
type Manager struct {
	state  *SharedState
	budget *BudgetCoordinator
	spawn  SpawnFunc
	logger core.ILogger

	mu      sync.Mutex
	workers map[string]*workerEntry
}

// NewManager builds a supervisor. A nil spawn uses SpawnSelf.
func NewManager(state *SharedState, budget *BudgetCoordinator, spawn SpawnFunc, logger core.ILogger) *Manager {
	if spawn == nil {
		spawn = SpawnSelf
	}
	return &Manager{
		state:   state,
		budget:  budget,
		spawn:   spawn,
		logger:  logger.WithField("component", "session_manager"),
		workers: map[string]*workerEntry{},
	}
}

// Register records a new idle bot for the configured pair and returns its id.
func (m *Manager) Register(ctx context.Context, cfg *config.BotConfig) (string, error) {
	if err := cfg.Err(); err != nil {
		return "", fmt.Errorf("config for %s: %w", cfg.Trading.Pair, err)
	}
	botID := uuid.NewString()
	pair := cfg.Trading.Pair

	m.mu.Lock()
	if _, exists := m.workers[botID]; exists {
		m.mu.Unlock()
		return "", fmt.Errorf("bot %s already registered", botID)
	}
	m.workers[botID] = &workerEntry{botID: botID, pair: pair, cfg: cfg}
	m.mu.Unlock()

	err := m.state.Update(ctx, func(doc *Document) error {
		doc.Bots[pair] = core.BotStatus{BotID: botID, Pair: pair, Status: core.BotIdle}
		return nil
	})
	if err != nil {
		return "", err
	}
	m.logger.Info("Bot registered", "bot_id", botID, "pair", pair)
	return botID, nil
}

// Start allocates a budget and spawns the worker process.
func (m *Manager) Start(ctx context.Context, botID string) error {
	entry, err := m.entry(botID)
	if err != nil {
		return err
	}

	requested := decimal.NewFromFloat(entry.cfg.Trading.BudgetPerTrade)
	granted, err := m.budget.Allocate(ctx, entry.pair, requested)
	if err != nil {
		return fmt.Errorf("start %s: %w", entry.pair, err)
	}

	process, err := m.spawn(ctx, entry.pair, granted, entry.cfg.Trading.TargetProfitPercent)
	if err != nil {
		if derr := m.budget.Deallocate(ctx, entry.pair); derr != nil {
			m.logger.Error("Rollback deallocation failed", "pair", entry.pair, "error", derr)
		}
		return err
	}

	m.mu.Lock()
	entry.process = process
	m.mu.Unlock()

	err = m.state.Update(ctx, func(doc *Document) error {
		bot := doc.Bots[entry.pair]
		bot.BotID = botID
		bot.Pair = entry.pair
		bot.Status = core.BotRunning
		bot.PID = process.PID()
		bot.StartedAt = time.Now().UTC()
		bot.AllocatedBudget = granted
		doc.Bots[entry.pair] = bot
		return nil
	})
	if err != nil {
		return err
	}
	m.logger.Info("Worker started", "pair", entry.pair, "pid", process.PID(), "budget", granted.String())
	return nil
}

// Stop terminates the worker: TERM first, KILL after the grace period, then
// the budget is released.
func (m *Manager) Stop(ctx context.Context, botID string) error {
	entry, err := m.entry(botID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	process := entry.process
	entry.process = nil
	m.mu.Unlock()

	if process != nil {
		if err := m.setStatus(ctx, entry.pair, core.BotStopping); err != nil {
			m.logger.Warn("Status update failed", "pair", entry.pair, "error", err)
		}
		m.terminate(process, entry.pair)
	}

	if err := m.budget.Deallocate(ctx, entry.pair); err != nil {
		return err
	}
	return m.setStatus(ctx, entry.pair, core.BotStopped)
}

// terminate signals the process and force-kills after the grace period.
func (m *Manager) terminate(process WorkerProcess, pair string) {
	if err := process.Signal(syscall.SIGTERM); err != nil {
		m.logger.Warn("SIGTERM failed, killing", "pair", pair, "error", err)
		_ = process.Kill()
		return
	}
	select {
	case <-process.Done():
	case <-time.After(stopGrace):
		m.logger.Warn("Worker ignored SIGTERM, killing", "pair", pair)
		_ = process.Kill()
		<-process.Done()
	}
}

// RunHealthLoop marks dead workers every healthInterval until the context
// ends, releasing their budget.
func (m *Manager) RunHealthLoop(ctx context.Context) {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkWorkers(ctx)
		}
	}
}

func (m *Manager) checkWorkers(ctx context.Context) {
	m.mu.Lock()
	var dead []*workerEntry
	for _, entry := range m.workers {
		if entry.process == nil {
			continue
		}
		select {
		case <-entry.process.Done():
			dead = append(dead, entry)
			entry.process = nil
		default:
		}
	}
	m.mu.Unlock()

	for _, entry := range dead {
		m.logger.Error("Worker died", "pair", entry.pair, "bot_id", entry.botID)
		if err := m.budget.Deallocate(ctx, entry.pair); err != nil {
			m.logger.Error("Deallocation after death failed", "pair", entry.pair, "error", err)
		}
		err := m.state.Update(ctx, func(doc *Document) error {
			bot := doc.Bots[entry.pair]
			bot.Status = core.BotError
			bot.ErrorsCount++
			bot.PID = 0
			doc.Bots[entry.pair] = bot
			return nil
		})
		if err != nil {
			m.logger.Error("Status update after death failed", "pair", entry.pair, "error", err)
		}
	}
}

// Shutdown stops every worker. Used on SIGINT/SIGTERM.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.workers))
	for id := range m.workers {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	m.logger.Info("Shutting down all workers", "count", len(ids))
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(botID string) {
			defer wg.Done()
			if err := m.Stop(ctx, botID); err != nil {
				m.logger.Error("Worker stop failed", "bot_id", botID, "error", err)
			}
		}(id)
	}
	wg.Wait()
}

func (m *Manager) entry(botID string) (*workerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.workers[botID]
	if !ok {
		return nil, fmt.Errorf("unknown bot %q", botID)
	}
	return entry, nil
}

func (m *Manager) setStatus(ctx context.Context, pair string, status core.BotState) error {
	return m.state.Update(ctx, func(doc *Document) error {
		bot := doc.Bots[pair]
		bot.Status = status
		if status == core.BotStopped {
			bot.PID = 0
		}
		doc.Bots[pair] = bot
		return nil
	})
}
