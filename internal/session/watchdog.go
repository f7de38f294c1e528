package session

import (
	"sync"
	"time"
)

// Stall phases reported by watchdog recovery.
const (
	stallNoFirstEvent  = "no_first_event"
	stallStreamSilence = "stream_silence"
	stallToolExecution = "tool_execution"
	stallPostTool      = "post_tool"
	stallMaxTurn       = "max_turn"
)

// WatchdogConfig holds the five per-turn stall timeouts.
type WatchdogConfig struct {
	NoFirstEvent  time.Duration `mapstructure:"no_first_event"`
	StreamSilence time.Duration `mapstructure:"stream_silence"`
	ToolExecution time.Duration `mapstructure:"tool_execution"`
	PostTool      time.Duration `mapstructure:"post_tool"`
	MaxTurn       time.Duration `mapstructure:"max_turn"`
}

// DefaultWatchdogConfig returns the stall timeouts used when the config
// file does not override them.
func DefaultWatchdogConfig() WatchdogConfig {
	return WatchdogConfig{
		NoFirstEvent:  20 * time.Second,
		StreamSilence: 60 * time.Second,
		ToolExecution: 120 * time.Second,
		PostTool:      120 * time.Second,
		MaxTurn:       600 * time.Second,
	}
}

func (c WatchdogConfig) timeout(phase string) time.Duration {
	switch phase {
	case stallNoFirstEvent:
		return c.NoFirstEvent
	case stallStreamSilence:
		return c.StreamSilence
	case stallToolExecution:
		return c.ToolExecution
	case stallPostTool:
		return c.PostTool
	case stallMaxTurn:
		return c.MaxTurn
	}
	return 0
}

// watchdogSet manages the per-turn stall timers of one session. Arming
// an armed timer resets it; after stop the set is inert.
type watchdogSet struct {
	cfg  WatchdogConfig
	fire func(phase string)

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

func newWatchdogSet(cfg WatchdogConfig, fire func(phase string)) *watchdogSet {
	return &watchdogSet{
		cfg:    cfg,
		fire:   fire,
		timers: make(map[string]*time.Timer),
	}
}

func (w *watchdogSet) arm(phase string) {
	d := w.cfg.timeout(phase)
	if d <= 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if t, ok := w.timers[phase]; ok {
		t.Reset(d)
		return
	}
	w.timers[phase] = time.AfterFunc(d, func() { w.fire(phase) })
}

func (w *watchdogSet) disarm(phase string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[phase]; ok {
		t.Stop()
		delete(w.timers, phase)
	}
}

// disarmTurn clears every timer at the end of a turn.
func (w *watchdogSet) disarmTurn() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for phase, t := range w.timers {
		t.Stop()
		delete(w.timers, phase)
	}
}

// stop makes the set inert. Safe to call more than once.
func (w *watchdogSet) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	for phase, t := range w.timers {
		t.Stop()
		delete(w.timers, phase)
	}
}
