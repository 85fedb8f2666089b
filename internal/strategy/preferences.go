package strategy

import (
	"context"
	"fmt"
	"io"
	"maps"
	"path/filepath"
	"slices"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/keyforge/internal/errors"
	"github.com/Iron-Ham/keyforge/internal/phase"
)

// PhaseSetting is the user's on/off switch for one phase.
type PhaseSetting struct {
	Enabled   bool      `json:"enabled" yaml:"enabled"`
	UpdatedAt time.Time `json:"updated_at,omitzero" yaml:"updated_at,omitempty"`
}

// Preferences are the persisted user choices.
type Preferences struct {
	DefaultMode      string                  `json:"default_mode"`
	PreferGPU        bool                    `json:"prefer_gpu"`
	PhaseSettings    map[string]PhaseSetting `json:"phase_settings,omitempty"`
	CustomStrategies map[string]Definition   `json:"custom_strategies,omitempty"`
}

func defaultPreferences(mode string) Preferences {
	return Preferences{
		DefaultMode:      mode,
		PreferGPU:        true,
		PhaseSettings:    make(map[string]PhaseSetting),
		CustomStrategies: make(map[string]Definition),
	}
}

func (p Preferences) normalized() Preferences {
	if p.DefaultMode == "" {
		p.DefaultMode = BalancedAdaptive
	}
	if p.PhaseSettings == nil {
		p.PhaseSettings = make(map[string]PhaseSetting)
	}
	if p.CustomStrategies == nil {
		p.CustomStrategies = make(map[string]Definition)
	}
	return p
}

// phaseEnabled defaults to true for phases without a setting.
func (p Preferences) phaseEnabled(name string) bool {
	s, ok := p.PhaseSettings[name]
	return !ok || s.Enabled
}

func (p Preferences) clone() Preferences {
	c := p
	c.PhaseSettings = maps.Clone(p.PhaseSettings)
	c.CustomStrategies = make(map[string]Definition, len(p.CustomStrategies))
	for k, d := range p.CustomStrategies {
		c.CustomStrategies[k] = cloneDefinition(d)
	}
	return c
}

func cloneDefinition(d Definition) Definition {
	d.Phases = slices.Clone(d.Phases)
	d.Weights = maps.Clone(d.Weights)
	d.Timeouts = maps.Clone(d.Timeouts)
	d.Characteristics = slices.Clone(d.Characteristics)
	return d
}

// KnownPhases lists every phase the preferences can switch.
var KnownPhases = []string{
	phase.AI, phase.Top10K, phase.Keyboard, phase.ShortBrute, phase.Dictionary,
	phase.Rule, phase.Mask, phase.Hybrid, phase.CPU, phase.BKCrack, phase.DateRange,
	phase.KeyboardWalk, phase.SocialEngineering,
}

var phaseDescriptions = map[string]string{
	phase.AI:                "model-generated password candidates",
	phase.Top10K:            "the 10,000 most common passwords",
	phase.Keyboard:          "common keyboard patterns",
	phase.ShortBrute:        "GPU brute force over short passwords",
	phase.Dictionary:        "large password dictionaries",
	phase.Rule:              "rule-based mutations of dictionary words",
	phase.Mask:              "pattern-based candidate generation",
	phase.Hybrid:            "dictionary words combined with masks",
	phase.CPU:               "multi-threaded CPU brute force",
	phase.BKCrack:           "known-plaintext attack on ZipCrypto",
	phase.DateRange:         "dates over a range of years",
	phase.KeyboardWalk:      "walks over adjacent keys",
	phase.SocialEngineering: "context words taken from the file",
	phase.Bruteforce:        "exhaustive brute force",
}

// PhaseDescription returns a short description of a phase.
func PhaseDescription(name string) string {
	if d, ok := phaseDescriptions[name]; ok {
		return d
	}
	return "unknown phase"
}

// PhaseInfo is one row of the phase settings view.
type PhaseInfo struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Preferences returns a copy of the current preferences.
func (m *Manager) Preferences() Preferences {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.prefs.clone()
}

// PhaseSettings reports every known phase plus any other phase with a
// stored setting.
func (m *Manager) PhaseSettings() map[string]PhaseInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]PhaseInfo, len(KnownPhases))
	for _, p := range KnownPhases {
		out[p] = PhaseInfo{Enabled: m.prefs.phaseEnabled(p), Description: PhaseDescription(p)}
	}
	for p, s := range m.prefs.PhaseSettings {
		if _, ok := out[p]; !ok {
			out[p] = PhaseInfo{Enabled: s.Enabled, Description: PhaseDescription(p)}
		}
	}
	return out
}

// IsPhaseEnabled reports the switch of one phase; unknown phases are enabled.
func (m *Manager) IsPhaseEnabled(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.prefs.phaseEnabled(name)
}

// SetPhaseEnabled switches one phase on or off.
func (m *Manager) SetPhaseEnabled(name string, enabled bool) error {
	return m.SetPhases(map[string]bool{name: enabled})
}

// SetPhases switches several phases at once.
func (m *Manager) SetPhases(settings map[string]bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := settings[""]; ok {
		return errors.NewValidationError("phase name is required").WithField("phase")
	}
	now := m.now()
	for name, enabled := range settings {
		m.prefs.PhaseSettings[name] = PhaseSetting{Enabled: enabled, UpdatedAt: now}
		m.logger.Info("phase setting changed", "phase", name, "enabled", enabled)
	}
	return m.savePrefsLocked()
}

// ResetPhaseSettings enables every phase again.
func (m *Manager) ResetPhaseSettings() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prefs.PhaseSettings = make(map[string]PhaseSetting)
	return m.savePrefsLocked()
}

// SetDefaultMode stores the mode used when a call names none. The mode
// must be AUTO or resolve to a strategy.
func (m *Manager) SetDefaultMode(mode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mode != Auto {
		if _, err := m.lookupLocked(mode); err != nil {
			return err
		}
	}
	m.prefs.DefaultMode = mode
	return m.savePrefsLocked()
}

// SetPreferGPU stores whether GPU-friendly phases are favored when a GPU is
// available.
func (m *Manager) SetPreferGPU(prefer bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prefs.PreferGPU = prefer
	return m.savePrefsLocked()
}

// CreateCustomStrategy validates d, stores it under CustomKey(name) and
// returns the built strategy. Phases default to a short fast list and a
// definition without weights shares the effort equally.
func (m *Manager) CreateCustomStrategy(name string, d Definition) (Strategy, error) {
	key := CustomKey(name)
	if key == "" {
		return Strategy{}, errors.NewValidationError("custom strategy name is required").WithField("name")
	}
	if key == Auto {
		return Strategy{}, errors.NewValidationError("custom strategy name is reserved").WithField("name").WithValue(name)
	}
	d.Name = key
	if len(d.Phases) == 0 {
		d.Phases = []string{phase.AI, phase.Top10K, phase.Keyboard, phase.ShortBrute}
	}
	s, err := New(d)
	if err != nil {
		return Strategy{}, errors.NewStrategyError("invalid custom strategy", err).WithStrategy(key)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.prefs.CustomStrategies[key] = s.Definition()
	m.logger.Info("custom strategy created", "strategy", key, "phases", len(s.def.Phases))
	return s, m.savePrefsLocked()
}

// DeleteCustomStrategy removes a custom strategy, reporting whether it
// existed.
func (m *Manager) DeleteCustomStrategy(name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := CustomKey(name)
	if _, ok := m.prefs.CustomStrategies[key]; !ok {
		return false, nil
	}
	delete(m.prefs.CustomStrategies, key)
	return true, m.savePrefsLocked()
}

// Category groups strategies in listings.
type Category string

const (
	CategoryEnhanced Category = "enhanced"
	CategoryBasic    Category = "basic"
	CategoryCustom   Category = "custom"
)

// Listing is one available strategy.
type Listing struct {
	Category Category `json:"category"`
	Strategy Strategy `json:"strategy"`
}

// Strategies lists enhanced, base and custom strategies in that order.
func (m *Manager) Strategies() []Listing {
	var out []Listing
	for _, name := range EnhancedModes() {
		out = append(out, Listing{Category: CategoryEnhanced, Strategy: enhancedStrategies[name]})
	}
	for _, name := range []string{Personal, Work, Generic} {
		out = append(out, Listing{Category: CategoryBasic, Strategy: baseStrategies[name]})
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, key := range slices.Sorted(maps.Keys(m.prefs.CustomStrategies)) {
		s, err := New(m.prefs.CustomStrategies[key])
		if err != nil {
			m.logger.Warn("skipping invalid custom strategy", "strategy", key, "error", err.Error())
			continue
		}
		out = append(out, Listing{Category: CategoryCustom, Strategy: s})
	}
	return out
}

// savePrefsLocked persists the preferences. The in-memory state is kept on
// failure.
func (m *Manager) savePrefsLocked() error {
	if m.prefsDoc == nil {
		return nil
	}
	if err := m.prefsDoc.Save(m.prefs); err != nil {
		m.logger.Warn("failed to save preferences", "error", err.Error())
		return err
	}
	return nil
}

// Export is the YAML exchange format of the preferences.
type Export struct {
	DefaultMode      string                `yaml:"default_mode,omitempty"`
	PreferGPU        *bool                 `yaml:"prefer_gpu,omitempty"`
	Phases           map[string]PhaseInfo  `yaml:"phases,omitempty"`
	CustomStrategies map[string]Definition `yaml:"custom_strategies,omitempty"`
	ExportedAt       time.Time             `yaml:"exported_at,omitempty"`
}

// ExportPreferences writes the preferences as YAML.
func (m *Manager) ExportPreferences(w io.Writer) error {
	prefs := m.Preferences()
	doc := Export{
		DefaultMode:      prefs.DefaultMode,
		PreferGPU:        &prefs.PreferGPU,
		Phases:           m.PhaseSettings(),
		CustomStrategies: prefs.CustomStrategies,
		ExportedAt:       m.now().UTC(),
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}
	return enc.Close()
}

// ImportPreferences merges a YAML export into the current preferences.
// Fields absent from the document are left unchanged. Nothing is applied
// when any part of the document is invalid.
func (m *Manager) ImportPreferences(r io.Reader) error {
	var doc Export
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return errors.NewValidationError("invalid preferences document").WithCause(err)
	}

	customs := make(map[string]Definition, len(doc.CustomStrategies))
	for name, d := range doc.CustomStrategies {
		key := CustomKey(name)
		d.Name = key
		s, err := New(d)
		if err != nil {
			return errors.NewStrategyError("invalid custom strategy", err).WithStrategy(key)
		}
		customs[key] = s.Definition()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.prefs.clone()
	maps.Copy(next.CustomStrategies, customs)
	if doc.PreferGPU != nil {
		next.PreferGPU = *doc.PreferGPU
	}
	now := m.now()
	for name, info := range doc.Phases {
		next.PhaseSettings[name] = PhaseSetting{Enabled: info.Enabled, UpdatedAt: now}
	}
	if doc.DefaultMode != "" {
		if doc.DefaultMode != Auto {
			if _, err := lookupIn(next, doc.DefaultMode); err != nil {
				return err
			}
		}
		next.DefaultMode = doc.DefaultMode
	}
	m.prefs = next
	m.logger.Info("preferences imported",
		"custom_strategies", len(customs),
		"phases", len(doc.Phases))
	return m.savePrefsLocked()
}

const watchDebounce = 50 * time.Millisecond

// Watch reloads the preferences whenever their file changes on disk until
// ctx is done. A file that fails to decode is logged and the current
// preferences are kept. Without a store Watch returns immediately.
func (m *Manager) Watch(ctx context.Context) error {
	if m.prefsDoc == nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create preferences watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	path := m.prefsDoc.Path()
	// The store replaces files by rename, so watch the directory.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce.Reset(watchDebounce)

		case <-debounce.C:
			m.reloadPreferences()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn("preferences watcher error", "error", err.Error())
		}
	}
}

func (m *Manager) reloadPreferences() {
	prefs, err := m.prefsDoc.TryLoad()
	if err != nil {
		m.logger.Warn("ignoring unreadable preferences", "error", err.Error())
		return
	}
	m.mu.Lock()
	m.prefs = prefs.normalized()
	m.mu.Unlock()
	m.logger.Info("preferences reloaded", "default_mode", prefs.DefaultMode)
}
