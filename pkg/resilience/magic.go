package resilience

import (
	"log/slog"
	"sync"
	"time"
)

// Magic defaults.
const (
	DefaultEnergy        = 100.0
	DefaultAcorns        = 5
	DefaultRegenPerMin   = 5.0
	boostMinEnergy       = 10.0
	healBaseCost         = 8.0
	prefLearningRate     = 0.3
	defaultStrategyScore = 0.5
	healHistoryCap       = 50
)

// TokenBudget carries the token-budget fields a boost may scale.
type TokenBudget struct {
	MaxTokens        int
	MaxHistoryTokens int
}

// StrategyFunc attempts one healing action against a component and
// reports whether it worked.
type StrategyFunc func(component string, err error) bool

// Strategy is a named healing action.
type Strategy struct {
	Name  string
	Apply StrategyFunc
}

// HealAttempt is one entry in the bounded healing history.
type HealAttempt struct {
	Component string    `json:"component"`
	ErrClass  string    `json:"error_class"`
	Strategy  string    `json:"strategy"`
	Success   bool      `json:"success"`
	Cost      float64   `json:"cost"`
	Timestamp time.Time `json:"timestamp"`
}

type prefKey struct {
	component string
	errClass  string
	strategy  string
}

// Magic is the process-wide vitality and healing engine. All state is
// in-memory only; nothing survives a restart.
type Magic struct {
	mu        sync.Mutex
	energy    float64
	regenRate float64 // energy per minute
	lastTick  time.Time
	acorns    int
	shield    bool

	strategies []Strategy
	prefs      map[prefKey]float64
	lastUsed   map[prefKey]time.Time
	history    []HealAttempt

	breakers *BreakerSet
	now      func() time.Time
}

// MagicConfig sets the initial magic state.
type MagicConfig struct {
	Energy      float64
	Acorns      int
	RegenPerMin float64
}

// NewMagic creates the vitality engine bound to the given breaker set.
// The default strategies exercise progressively heavier recovery actions.
func NewMagic(cfg MagicConfig, breakers *BreakerSet) *Magic {
	if cfg.Energy <= 0 {
		cfg.Energy = DefaultEnergy
	}
	if cfg.Acorns <= 0 {
		cfg.Acorns = DefaultAcorns
	}
	if cfg.RegenPerMin <= 0 {
		cfg.RegenPerMin = DefaultRegenPerMin
	}
	m := &Magic{
		energy:    cfg.Energy,
		regenRate: cfg.RegenPerMin,
		lastTick:  time.Now(),
		acorns:    cfg.Acorns,
		prefs:     make(map[prefKey]float64),
		lastUsed:  make(map[prefKey]time.Time),
		breakers:  breakers,
		now:       time.Now,
	}
	m.strategies = []Strategy{
		{Name: "pause_retry", Apply: func(_ string, err error) bool {
			return Transient(err)
		}},
		{Name: "reconnect", Apply: func(_ string, err error) bool {
			class := Classify(err)
			return class == ClassConnection || class == ClassServer
		}},
		{Name: "reset_breaker", Apply: m.resetBreakerStrategy},
		{Name: "shed_load", Apply: func(_ string, _ error) bool {
			return m.energyLocked() > 50
		}},
	}
	return m
}

// resetBreakerStrategy clears the component breaker's failure count when
// the breaker has not opened yet.
func (m *Magic) resetBreakerStrategy(component string, _ error) bool {
	b := m.breakers.Get(component)
	if b.State() == StateOpen {
		return false
	}
	b.RecordSuccess()
	return true
}

// regen applies continuous energy regeneration. Callers must hold m.mu.
func (m *Magic) regen() {
	now := m.now()
	elapsed := now.Sub(m.lastTick)
	if elapsed <= 0 {
		return
	}
	m.energy += elapsed.Minutes() * m.regenRate
	if m.energy > 100 {
		m.energy = 100
	}
	m.lastTick = now
}

func (m *Magic) energyLocked() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regen()
	return m.energy
}

// Energy returns the current energy percentage after regeneration.
func (m *Magic) Energy() float64 { return m.energyLocked() }

// Acorns returns the current acorn reserve.
func (m *Magic) Acorns() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acorns
}

// GrantAcorns adds to the reserve. Acorns never auto-refill.
func (m *Magic) GrantAcorns(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acorns += n
}

// RaiseShield sets the advisory shield flag.
func (m *Magic) RaiseShield() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shield = true
}

// LowerShield clears the advisory shield flag.
func (m *Magic) LowerShield() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shield = false
}

// Shielded reports the advisory shield flag. It never blocks anything.
func (m *Magic) Shielded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shield
}

// AcornBoost consumes one acorn, if available and energy permits, and
// returns a multiplier in [1.10, 1.50] plus a copy of the budget with
// token fields scaled. Without an acorn (or below the energy floor) the
// budget is returned unchanged with multiplier 1.
func (m *Magic) AcornBoost(component string, budget TokenBudget) (float64, TokenBudget, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regen()

	if m.acorns <= 0 || m.energy < boostMinEnergy {
		return 1.0, budget, m.acorns
	}
	m.acorns--

	// Deterministic: scales with current vitality.
	multiplier := 1.10 + 0.40*(m.energy/100)
	if multiplier > 1.50 {
		multiplier = 1.50
	}

	boosted := budget
	if boosted.MaxTokens > 0 {
		boosted.MaxTokens = int(float64(boosted.MaxTokens) * multiplier)
	}
	if boosted.MaxHistoryTokens > 0 {
		boosted.MaxHistoryTokens = int(float64(boosted.MaxHistoryTokens) * multiplier)
	}
	slog.Debug("Acorn boost applied",
		"component", component,
		"multiplier", multiplier,
		"acorns_remaining", m.acorns)
	return multiplier, boosted, m.acorns
}

// pickStrategy selects the highest-scored strategy for (component,
// errClass). Ties break toward the most recently used strategy.
// Callers must hold m.mu.
func (m *Magic) pickStrategy(component, errClass string) (Strategy, prefKey) {
	best := m.strategies[0]
	bestKey := prefKey{component, errClass, best.Name}
	bestScore := m.score(bestKey)
	for _, s := range m.strategies[1:] {
		key := prefKey{component, errClass, s.Name}
		score := m.score(key)
		if score > bestScore ||
			(score == bestScore && m.lastUsed[key].After(m.lastUsed[bestKey])) {
			best, bestKey, bestScore = s, key, score
		}
	}
	return best, bestKey
}

func (m *Magic) score(key prefKey) float64 {
	if s, ok := m.prefs[key]; ok {
		return s
	}
	return defaultStrategyScore
}

// Heal attempts to recover a component from err. It consumes energy
// proportional to the learned cost of the chosen strategy and updates
// the preference table with the outcome.
func (m *Magic) Heal(component string, err error) bool {
	errClass := Classify(err)

	m.mu.Lock()
	m.regen()
	strategy, key := m.pickStrategy(component, errClass)

	// A well-scored strategy costs less; a distrusted one costs more.
	cost := healBaseCost * (1.5 - m.score(key))
	if m.energy < cost {
		m.recordAttempt(HealAttempt{
			Component: component, ErrClass: errClass,
			Strategy: strategy.Name, Success: false, Cost: 0,
			Timestamp: m.now(),
		})
		m.mu.Unlock()
		slog.Warn("Healing skipped, insufficient energy",
			"component", component, "energy", m.energy, "cost", cost)
		return false
	}
	m.energy -= cost
	m.lastUsed[key] = m.now()
	m.mu.Unlock()

	success := strategy.Apply(component, err)

	m.mu.Lock()
	reward := 0.0
	if success {
		reward = 1.0
	}
	m.prefs[key] = m.score(key) + prefLearningRate*(reward-m.score(key))
	m.recordAttempt(HealAttempt{
		Component: component, ErrClass: errClass,
		Strategy: strategy.Name, Success: success, Cost: cost,
		Timestamp: m.now(),
	})
	m.mu.Unlock()

	slog.Info("Healing attempt",
		"component", component,
		"error_class", errClass,
		"strategy", strategy.Name,
		"success", success)
	return success
}

// recordAttempt appends to the bounded healing history. Callers must
// hold m.mu.
func (m *Magic) recordAttempt(a HealAttempt) {
	m.history = append(m.history, a)
	if len(m.history) > healHistoryCap {
		m.history = m.history[len(m.history)-healHistoryCap:]
	}
}

// AutoHeal records the failure against the component's breaker, attempts
// a heal, and reports whether the caller may retry once: healing must
// succeed and the breaker must not be open.
func (m *Magic) AutoHeal(component string, err error) bool {
	breaker := m.breakers.Get(component)
	breaker.RecordFailure()

	healed := m.Heal(component, err)
	if !healed {
		return false
	}
	return breaker.State() != StateOpen
}

// StrategyScore exposes the learned score for a (component, error-class,
// strategy) triple; used by status reporting and tests.
func (m *Magic) StrategyScore(component, errClass, strategy string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.score(prefKey{component, errClass, strategy})
}

// History returns a copy of the bounded healing history, oldest first.
func (m *Magic) History() []HealAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]HealAttempt, len(m.history))
	copy(out, m.history)
	return out
}

// MagicSnapshot is a point-in-time view for status reporting.
type MagicSnapshot struct {
	Energy        float64 `json:"energy"`
	Acorns        int     `json:"acorns"`
	Shield        bool    `json:"shield"`
	HealAttempts  int     `json:"heal_attempts"`
	HealSuccesses int     `json:"heal_successes"`
}

// Snapshot returns the current magic state.
func (m *Magic) Snapshot() MagicSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regen()
	snap := MagicSnapshot{Energy: m.energy, Acorns: m.acorns, Shield: m.shield}
	for _, a := range m.history {
		snap.HealAttempts++
		if a.Success {
			snap.HealSuccesses++
		}
	}
	return snap
}
