// Copyright 2026 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by an Apache 2-style license that can be found in the LICENSE file.

package mutation

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/snapfuzz/snapfuzz/pkg/learning"
	"github.com/snapfuzz/snapfuzz/pkg/log"
	"github.com/snapfuzz/snapfuzz/pkg/osutil"
)

// seed is one loaded corpus entry.
type seed struct {
	name   string
	data   []byte
	spec   *FormatSpec // nil for generic-mode seeds
	energy *seedEnergy
}

// StrategyStats is one strategy's attempt/success counters.
type StrategyStats struct {
	Attempts  int
	Successes int
}

// Stats is a read-only snapshot of engine state, exposed for observability
// (the harness's periodic log line), not control flow.
type Stats struct {
	SeedCount       int
	DictionarySize  int
	GeneratedCount  int
	RemainingEnergy int
	Strategies      map[string]StrategyStats
}

// Engine generates test cases from a corpus, adaptively weighting the
// generic strategy pool and tracking per-seed energy budgets.
type Engine struct {
	mu sync.Mutex
	r  *rand.Rand

	seeds       []*seed
	cursor      int
	strategies  []*Strategy
	byName      map[string]*Strategy
	sampler     *learning.EXP3[string]
	lastActions map[string]learning.Action[string]

	attempts  map[string]int
	successes map[string]int

	dict         *Dictionary
	learnedMagic []uint32

	outputDir      string
	baselineEnergy int
	generated      int
}

// Config configures a new Engine.
type Config struct {
	CorpusDir      string
	OutputDir      string
	BaselineEnergy int
	Rand           *rand.Rand
}

// New loads the corpus from cfg.CorpusDir (skipping JSON format-spec
// siblings when enumerating binary seeds) and builds the strategy pool.
func New(cfg Config) (*Engine, error) {
	if cfg.BaselineEnergy <= 0 {
		cfg.BaselineEnergy = 100
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(1))
	}
	e := &Engine{
		r:              cfg.Rand,
		dict:           NewDictionary(),
		attempts:       map[string]int{},
		successes:      map[string]int{},
		lastActions:    map[string]learning.Action[string]{},
		outputDir:      cfg.OutputDir,
		baselineEnergy: cfg.BaselineEnergy,
	}

	e.strategies = buildStrategyPool()
	e.byName = map[string]*Strategy{}
	sampler := &learning.EXP3[string]{ExplorationRate: 0.1}
	for _, s := range e.strategies {
		e.byName[s.Name] = s
		for i := 0; i < int(s.InitialWeight*10); i++ {
			sampler.AddArm(s.Name)
		}
	}
	e.sampler = sampler

	if cfg.CorpusDir != "" {
		if err := e.loadCorpus(cfg.CorpusDir); err != nil {
			return nil, err
		}
	}
	if cfg.OutputDir != "" {
		if err := osutil.MkdirAll(cfg.OutputDir); err != nil {
			return nil, fmt.Errorf("create mutation output dir: %w", err)
		}
	}
	return e, nil
}

// loadCorpus enumerates binary seeds in dir, attaching a sibling <name>.json
// format spec when present instead of treating it as its own seed.
func (e *Engine) loadCorpus(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read corpus dir: %w", err)
	}
	for _, ent := range entries {
		if ent.IsDir() || strings.HasSuffix(ent.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, ent.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read seed %s: %w", path, err)
		}
		s := &seed{name: ent.Name(), data: data, energy: newSeedEnergy(e.baselineEnergy)}

		specPath := path + ".json"
		if _, err := os.Stat(specPath); err == nil {
			spec, err := loadFormatSpec(specPath)
			if err != nil {
				log.Logf(0, "mutation: ignoring malformed format spec %s: %v", specPath, err)
			} else {
				s.spec = spec
			}
		}
		e.seeds = append(e.seeds, s)
	}
	if len(e.seeds) == 0 {
		return fmt.Errorf("corpus dir %s has no seeds", dir)
	}
	return nil
}

// nonHavocStrategies returns every strategy except havoc/splice, the base
// pool havoc itself stacks from.
func (e *Engine) nonHavocStrategies() []*Strategy {
	var out []*Strategy
	for _, s := range e.strategies {
		if s.Family == FamilyHavoc || s.Family == FamilySplice {
			continue
		}
		out = append(out, s)
	}
	return out
}

func (e *Engine) randomSeedBytes(r *rand.Rand) []byte {
	if len(e.seeds) == 0 {
		return nil
	}
	return e.seeds[r.Intn(len(e.seeds))].data
}

// TestCase is one generated mutation ready for injection into a VM.
type TestCase struct {
	Path     string
	Strategy string
	SeedName string
}

// Next produces the next test case, advancing the per-seed energy cursor.
// It returns (nil, false) once every seed's budget is exhausted.
func (e *Engine) Next() (*TestCase, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.seeds) == 0 {
		return nil, false
	}
	for e.seeds[e.cursor].energy.exhausted() {
		e.cursor++
		if e.cursor >= len(e.seeds) {
			return nil, false
		}
	}
	s := e.seeds[e.cursor]
	s.energy.consume()

	var mutated []byte
	var strategyName string
	if s.spec != nil {
		mutated = mutateFormatAware(s.data, s.spec, e.r)
		strategyName = "format_aware"
	} else {
		action := e.sampler.Action(e.r)
		strat := e.byName[action.Arm]
		mutated = strat.Mutate(e, e.r, s.data)
		strategyName = strat.Name
		e.attempts[strategyName]++
		e.lastActions[strategyName] = action
	}

	e.generated++
	name := fmt.Sprintf("%s_%s", strategyName, contentHash(mutated))
	path := filepath.Join(e.outputDir, name)
	if err := os.WriteFile(path, mutated, 0o644); err != nil {
		log.Logf(0, "mutation: failed to write test case %s: %v", path, err)
		return nil, false
	}

	return &TestCase{Path: path, Strategy: strategyName, SeedName: s.name}, true
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:12]
}

// ReportCrash is the crash-feedback hook: a crash was found on a test
// case produced by strategyName, attributed to seedName. Strategy success
// counts increase its sampler weight; the crashing input's byte windows are
// harvested into the dictionary.
func (e *Engine) ReportCrash(strategyName, seedName string, crashInput []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.successes[strategyName]++
	attempts := e.attempts[strategyName]
	if attempts == 0 {
		attempts = 1
	}
	reward := float64(e.successes[strategyName]) / float64(attempts)
	if reward > 1 {
		reward = 1
	}
	if action, ok := e.lastActions[strategyName]; ok {
		e.sampler.SaveReward(action, reward*2) // 2x amplification per crash-feedback hint
	}

	e.dict.HarvestWindows(crashInput)
	e.harvestMagic(crashInput)

	for _, s := range e.seeds {
		if s.name == seedName {
			s.energy.boost()
			break
		}
	}
}

func (e *Engine) harvestMagic(data []byte) {
	for i := 0; i+4 <= len(data); i += 4 {
		v := uint32(data[i]) | uint32(data[i+1])<<8 | uint32(data[i+2])<<16 | uint32(data[i+3])<<24
		e.learnedMagic = append(e.learnedMagic, v)
		if len(e.learnedMagic) > 64 {
			e.learnedMagic = e.learnedMagic[1:]
		}
	}
}

// Stats returns a snapshot of engine counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	remaining := 0
	for _, s := range e.seeds {
		remaining += s.energy.remaining
	}
	strategies := make(map[string]StrategyStats, len(e.strategies))
	for name, attempts := range e.attempts {
		strategies[name] = StrategyStats{Attempts: attempts, Successes: e.successes[name]}
	}
	return Stats{
		SeedCount:       len(e.seeds),
		DictionarySize:  e.dict.Len(),
		GeneratedCount:  e.generated,
		RemainingEnergy: remaining,
		Strategies:      strategies,
	}
}
