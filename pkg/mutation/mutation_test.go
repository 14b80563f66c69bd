// Copyright 2026 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by an Apache 2-style license that can be found in the LICENSE file.

package mutation

import (
	"encoding/json"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/snapfuzz/snapfuzz/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSeedCorpus(t *testing.T, dir string) {
	require.NoError(t, os.WriteFile(filepath.Join(dir, "seed1.bin"), []byte("AAAABBBBCCCCDDDD"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "seed2.bin"), []byte("0123456789abcdef"), 0o644))
}

func TestEngineGeneratesTestCases(t *testing.T) {
	corpusDir := t.TempDir()
	outDir := t.TempDir()
	writeSeedCorpus(t, corpusDir)

	e, err := New(Config{
		CorpusDir:      corpusDir,
		OutputDir:      outDir,
		BaselineEnergy: 3,
		Rand:           rand.New(testutil.RandSource(t)),
	})
	require.NoError(t, err)

	var produced []*TestCase
	for {
		tc, ok := e.Next()
		if !ok {
			break
		}
		produced = append(produced, tc)
	}

	assert.Equal(t, 6, len(produced), "2 seeds * baseline energy 3 each")
	for _, tc := range produced {
		assert.FileExists(t, tc.Path)
		assert.NotEmpty(t, tc.Strategy)
	}

	stats := e.Stats()
	assert.Equal(t, 2, stats.SeedCount)
	assert.Equal(t, 6, stats.GeneratedCount)
	assert.Equal(t, 0, stats.RemainingEnergy)
	total := 0
	for _, st := range stats.Strategies {
		total += st.Attempts
	}
	assert.Equal(t, 6, total, "every generated test case is attributed to a strategy")
}

func TestEngineIgnoresFormatSpecAsSeed(t *testing.T) {
	corpusDir := t.TempDir()
	writeSeedCorpus(t, corpusDir)
	spec := FormatSpec{Fields: []Field{{Name: "magic", Type: FieldBytes, Offset: 0, Length: 4, Fixed: true}}}
	data, err := json.Marshal(spec)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(corpusDir, "seed1.bin.json"), data, 0o644))

	e, err := New(Config{CorpusDir: corpusDir, OutputDir: t.TempDir(), BaselineEnergy: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, len(e.seeds), "the .json sibling must not be loaded as its own seed")
	assert.NotNil(t, e.seeds[0].spec, "seed1 should have picked up its format spec")
}

func TestEnergyBoostOnCrash(t *testing.T) {
	corpusDir := t.TempDir()
	writeSeedCorpus(t, corpusDir)
	e, err := New(Config{CorpusDir: corpusDir, OutputDir: t.TempDir(), BaselineEnergy: 2})
	require.NoError(t, err)

	tc, ok := e.Next()
	require.True(t, ok)

	before := e.Stats().RemainingEnergy
	e.ReportCrash(tc.Strategy, tc.SeedName, []byte("AAAABBBBCCCCDDDDEEEEFFFFGGGGHHHH"))
	after := e.Stats().RemainingEnergy
	assert.Greater(t, after, before, "a crash must boost the attributed seed's energy budget")
}

func TestSeedEnergyBoostRecomputesCeiling(t *testing.T) {
	e := newSeedEnergy(100)
	for i := 0; i < 30; i++ {
		e.consume()
	}
	require.Equal(t, 70, e.remaining)

	// A crash resets the budget to the new ceiling, not 70 + 200.
	e.boost()
	assert.Equal(t, 200, e.remaining)

	e.boost()
	assert.Equal(t, 400, e.remaining)

	// The multiplier caps at 10x no matter how many crashes follow.
	for i := 0; i < 10; i++ {
		e.boost()
	}
	assert.Equal(t, 1000, e.remaining)
}

func TestDictionaryRejectsOutOfRangeLengths(t *testing.T) {
	d := NewDictionary()
	assert.Error(t, d.Add(nil))
	assert.Error(t, d.Add(make([]byte, 1025)))
	assert.NoError(t, d.Add([]byte("OK")))
	assert.Equal(t, 1, d.Len())
}

func TestDictionaryMatchLengthPrefersCloseSizes(t *testing.T) {
	d := NewDictionary()
	require.NoError(t, d.Add([]byte("1234")))
	require.NoError(t, d.Add([]byte("1234567890123456789012345678901234567890")))

	r := rand.New(rand.NewSource(1))
	tok := d.MatchLength(r, 4)
	assert.Equal(t, 4, len(tok))
}

func TestFormatAwareChecksumRecompute(t *testing.T) {
	// layout: [magic:4][payload:4][crc32:4]
	data := make([]byte, 12)
	copy(data[0:4], []byte("MAGC"))
	copy(data[4:8], []byte("DATA"))

	spec := &FormatSpec{Fields: []Field{
		{Name: "magic", Type: FieldBytes, Offset: 0, Length: 4, Fixed: true},
		{Name: "payload", Type: FieldBytes, Offset: 4, Length: 4},
		{Name: "crc", Type: FieldCRC32, Offset: 8, Length: 4, Covers: []string{"payload"}},
	}}
	recomputeChecksum(data, spec, spec.Fields[2])

	expected := make([]byte, 4)
	region := fieldSlice(data, spec.Fields[2])
	assert.NotEqual(t, expected, region, "checksum must be nonzero for non-empty input")
}

func TestArchLengthControllerUpdates(t *testing.T) {
	// layout: [len:1][payload:3]
	data := []byte{0, 'a', 'b', 'c'}
	spec := &FormatSpec{Fields: []Field{
		{Name: "len", Type: FieldLength, Offset: 0, Length: 1, Controls: "payload"},
		{Name: "payload", Type: FieldBytes, Offset: 1, Length: 3},
	}}
	updateLengthController(data, spec, spec.Fields[0])
	assert.Equal(t, byte(3), data[0])
}

func TestDictionaryLearnsCrashWindows(t *testing.T) {
	corpusDir := t.TempDir()
	writeSeedCorpus(t, corpusDir)
	e, err := New(Config{CorpusDir: corpusDir, OutputDir: t.TempDir(), BaselineEnergy: 2})
	require.NoError(t, err)
	require.Equal(t, 0, e.dict.Len())

	tc, ok := e.Next()
	require.True(t, ok)
	e.ReportCrash(tc.Strategy, tc.SeedName, []byte("AAAA\x00BBBB\x00CCCC"))

	assert.Greater(t, e.dict.Len(), 0)
	tokens := map[string]bool{}
	for _, tok := range e.dict.all {
		tokens[string(tok)] = true
	}
	assert.True(t, tokens["AAAA"], "the crashing input's leading 4-byte window must be harvested")

	// A size-matched lookup must be able to hand one of those tokens back
	// to the dictionary mutators.
	r := rand.New(rand.NewSource(1))
	tok := e.dict.MatchLength(r, 4)
	require.NotNil(t, tok)
	assert.True(t, tokens[string(tok)])
}
