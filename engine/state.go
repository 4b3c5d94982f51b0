// Package engine interprets a pack's flow step by step and orchestrates
// whole runs: mode selection, browser lifecycle, network capture, replay,
// auth recovery, and result materialization.
package engine

import (
	"sync"

	"github.com/showrun/showrun"
	"github.com/showrun/showrun/browser"
	"github.com/showrun/showrun/capture"
)

// Run modes.
const (
	ModeBrowser = "browser"
	ModeHTTP    = "http"
)

// RunState is the per-run mutable state. Inputs are frozen after
// validation; vars and collectibles mutate as steps execute. In HTTP-only
// mode Page and Session stay nil.
type RunState struct {
	Inputs  map[string]any
	Secrets map[string]string

	mu           sync.Mutex
	vars         map[string]any
	collectibles map[string]any

	Session browser.Session
	Page    browser.Page // current page (tab or frame scope)
	Tabs    []browser.Page
	Capture *capture.Service
	Monitor *showrun.AuthFailureMonitor
	Once    *showrun.OnceCache

	Mode          string
	CurrentStepID string
	StepsExecuted int
	Notes         []string
}

// NewRunState seeds a run with validated inputs and secrets.
func NewRunState(inputs map[string]any, secrets map[string]string) *RunState {
	return &RunState{
		Inputs:       inputs,
		Secrets:      secrets,
		vars:         make(map[string]any),
		collectibles: make(map[string]any),
		Mode:         ModeBrowser,
	}
}

// TemplateContext snapshots the state for template resolution.
func (s *RunState) TemplateContext() *showrun.TemplateContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	vars := make(map[string]any, len(s.vars))
	for k, v := range s.vars {
		vars[k] = v
	}
	return &showrun.TemplateContext{Inputs: s.Inputs, Vars: vars, Secrets: s.Secrets}
}

// SetVar writes a run variable.
func (s *RunState) SetVar(name string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vars[name] = value
}

// Var reads a run variable.
func (s *RunState) Var(name string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vars[name]
	return v, ok
}

// SetCollectible records an output value. Undeclared names are filtered at
// result materialization, not here, so a flow can stage intermediates.
func (s *RunState) SetCollectible(name string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collectibles[name] = value
}

// Collectibles returns the outputs filtered to the declared names.
func (s *RunState) Collectibles(declared []string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any)
	for _, name := range declared {
		if v, ok := s.collectibles[name]; ok {
			out[name] = v
		}
	}
	return out
}

// AddNote appends a run note surfaced in RunResult.Meta.
func (s *RunState) AddNote(note string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Notes = append(s.Notes, note)
}
