// Copyright 2026 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by an Apache 2-style license that can be found in the LICENSE file.

// Package mutation implements the generic and format-aware byte mutators
// that produce test cases from a seed corpus, plus the adaptive strategy
// weighting, dictionary, and per-seed energy scheduler that drive them.
package mutation

import (
	"encoding/binary"
	"math/rand"
)

// Family groups related strategies for crash-feedback weight boosting.
type Family string

const (
	FamilyBit         Family = "bit"
	FamilyByte        Family = "byte"
	FamilyArith       Family = "arith"
	FamilyInteresting Family = "interesting"
	FamilyBlock       Family = "block"
	FamilyHavoc       Family = "havoc"
	FamilySplice      Family = "splice"
	FamilyDictionary  Family = "dictionary"
)

// Strategy is one named mutator in the generic pool.
type Strategy struct {
	Name          string
	Family        Family
	InitialWeight float64
	Mutate        func(e *Engine, r *rand.Rand, data []byte) []byte
}

var interestingBytes = []int8{0, 1, -1, 16, 32, 64, 100, 127, -128}
var interestingWords = []int16{0, 1, -1, 128, 255, 256, 512, 1000, 1024, 4096, 32767, -32768}
var interestingDwords = []int32{0, 1, -1, 1024, 4096, 0x41414141, -559038737 /* 0xDEADBEEF */, 0x7fffffff, -2147483648}

func flipBits(data []byte, r *rand.Rand, n int) []byte {
	out := append([]byte{}, data...)
	if len(out) == 0 {
		return out
	}
	bit := r.Intn(len(out) * 8)
	for i := 0; i < n; i++ {
		b := (bit + i) % (len(out) * 8)
		out[b/8] ^= 1 << uint(b%8)
	}
	return out
}

func flipBytes(data []byte, r *rand.Rand, n int) []byte {
	out := append([]byte{}, data...)
	if len(out) < n {
		return out
	}
	pos := r.Intn(len(out) - n + 1)
	for i := 0; i < n; i++ {
		out[pos+i] ^= 0xff
	}
	return out
}

func arith(data []byte, r *rand.Rand, width int) []byte {
	out := append([]byte{}, data...)
	if len(out) < width {
		return out
	}
	pos := r.Intn(len(out) - width + 1)
	delta := int64(r.Intn(35) + 1)
	if r.Intn(2) == 0 {
		delta = -delta
	}
	switch width {
	case 1:
		out[pos] = byte(int64(out[pos]) + delta)
	case 2:
		v := binary.LittleEndian.Uint16(out[pos:])
		binary.LittleEndian.PutUint16(out[pos:], uint16(int64(v)+delta))
	case 4:
		v := binary.LittleEndian.Uint32(out[pos:])
		binary.LittleEndian.PutUint32(out[pos:], uint32(int64(v)+delta))
	}
	return out
}

func interesting(data []byte, r *rand.Rand, width int, learned []uint32) []byte {
	out := append([]byte{}, data...)
	if len(out) < width {
		return out
	}
	pos := r.Intn(len(out) - width + 1)
	switch width {
	case 1:
		v := interestingBytes[r.Intn(len(interestingBytes))]
		out[pos] = byte(v)
	case 2:
		v := interestingWords[r.Intn(len(interestingWords))]
		binary.LittleEndian.PutUint16(out[pos:], uint16(v))
	case 4:
		pool := append([]int32{}, interestingDwords...)
		for _, l := range learned {
			pool = append(pool, int32(l))
		}
		v := pool[r.Intn(len(pool))]
		binary.LittleEndian.PutUint32(out[pos:], uint32(v))
	}
	return out
}

func blockOp(data []byte, r *rand.Rand, op string) []byte {
	if len(data) == 0 {
		return append([]byte{}, data...)
	}
	maxLen := 256
	if maxLen > len(data) {
		maxLen = len(data)
	}
	n := r.Intn(maxLen) + 1
	pos := r.Intn(len(data))
	if pos+n > len(data) {
		n = len(data) - pos
	}

	switch op {
	case "delete":
		out := append([]byte{}, data[:pos]...)
		out = append(out, data[pos+n:]...)
		return out
	case "insert":
		chunk := make([]byte, n)
		r.Read(chunk)
		out := append([]byte{}, data[:pos]...)
		out = append(out, chunk...)
		out = append(out, data[pos:]...)
		return out
	case "duplicate":
		chunk := append([]byte{}, data[pos:pos+n]...)
		out := append([]byte{}, data[:pos]...)
		out = append(out, chunk...)
		out = append(out, chunk...)
		out = append(out, data[pos+n:]...)
		return out
	case "swap":
		if pos+2*n > len(data) {
			return append([]byte{}, data...)
		}
		out := append([]byte{}, data...)
		first := append([]byte{}, out[pos:pos+n]...)
		second := append([]byte{}, out[pos+n:pos+2*n]...)
		copy(out[pos:pos+n], second)
		copy(out[pos+n:pos+2*n], first)
		return out
	}
	return append([]byte{}, data...)
}

func splice(a, b []byte, r *rand.Rand) []byte {
	if len(a) == 0 || len(b) == 0 {
		return append([]byte{}, a...)
	}
	cut := r.Intn(len(a))
	tail := r.Intn(len(b))
	out := append([]byte{}, a[:cut]...)
	out = append(out, b[tail:]...)
	return out
}

func dictionaryOp(data []byte, r *rand.Rand, token []byte, op string) []byte {
	if len(data) == 0 {
		return append([]byte{}, token...)
	}
	pos := r.Intn(len(data))
	switch op {
	case "overwrite":
		out := append([]byte{}, data...)
		end := pos + len(token)
		if end > len(out) {
			end = len(out)
		}
		copy(out[pos:end], token[:end-pos])
		return out
	case "insert":
		out := append([]byte{}, data[:pos]...)
		out = append(out, token...)
		out = append(out, data[pos:]...)
		return out
	default: // replace
		out := append([]byte{}, data[:pos]...)
		out = append(out, token...)
		if pos+len(token) < len(data) {
			out = append(out, data[pos+len(token):]...)
		}
		return out
	}
}

func havoc(e *Engine, r *rand.Rand, data []byte) []byte {
	out := append([]byte{}, data...)
	stacked := r.Intn(7) + 2 // 2..8
	candidates := e.nonHavocStrategies()
	for i := 0; i < stacked && len(candidates) > 0; i++ {
		s := candidates[r.Intn(len(candidates))]
		out = s.Mutate(e, r, out)
	}
	return out
}

// buildStrategyPool returns the fixed generic strategy pool.
func buildStrategyPool() []*Strategy {
	return []*Strategy{
		{Name: "bit_flip_1", Family: FamilyBit, InitialWeight: 1.0, Mutate: func(e *Engine, r *rand.Rand, d []byte) []byte { return flipBits(d, r, 1) }},
		{Name: "bit_flip_2", Family: FamilyBit, InitialWeight: 1.0, Mutate: func(e *Engine, r *rand.Rand, d []byte) []byte { return flipBits(d, r, 2) }},
		{Name: "bit_flip_4", Family: FamilyBit, InitialWeight: 1.0, Mutate: func(e *Engine, r *rand.Rand, d []byte) []byte { return flipBits(d, r, 4) }},

		{Name: "byte_flip_1", Family: FamilyByte, InitialWeight: 1.5, Mutate: func(e *Engine, r *rand.Rand, d []byte) []byte { return flipBytes(d, r, 1) }},
		{Name: "byte_flip_2", Family: FamilyByte, InitialWeight: 1.5, Mutate: func(e *Engine, r *rand.Rand, d []byte) []byte { return flipBytes(d, r, 2) }},
		{Name: "byte_flip_4", Family: FamilyByte, InitialWeight: 1.5, Mutate: func(e *Engine, r *rand.Rand, d []byte) []byte { return flipBytes(d, r, 4) }},

		{Name: "arith_8", Family: FamilyArith, InitialWeight: 2.0, Mutate: func(e *Engine, r *rand.Rand, d []byte) []byte { return arith(d, r, 1) }},
		{Name: "arith_16", Family: FamilyArith, InitialWeight: 2.0, Mutate: func(e *Engine, r *rand.Rand, d []byte) []byte { return arith(d, r, 2) }},
		{Name: "arith_32", Family: FamilyArith, InitialWeight: 2.0, Mutate: func(e *Engine, r *rand.Rand, d []byte) []byte { return arith(d, r, 4) }},

		{Name: "interesting_8", Family: FamilyInteresting, InitialWeight: 2.5, Mutate: func(e *Engine, r *rand.Rand, d []byte) []byte { return interesting(d, r, 1, e.learnedMagic) }},
		{Name: "interesting_16", Family: FamilyInteresting, InitialWeight: 2.5, Mutate: func(e *Engine, r *rand.Rand, d []byte) []byte { return interesting(d, r, 2, e.learnedMagic) }},
		{Name: "interesting_32", Family: FamilyInteresting, InitialWeight: 2.5, Mutate: func(e *Engine, r *rand.Rand, d []byte) []byte { return interesting(d, r, 4, e.learnedMagic) }},

		{Name: "block_delete", Family: FamilyBlock, InitialWeight: 1.5, Mutate: func(e *Engine, r *rand.Rand, d []byte) []byte { return blockOp(d, r, "delete") }},
		{Name: "block_insert", Family: FamilyBlock, InitialWeight: 2.0, Mutate: func(e *Engine, r *rand.Rand, d []byte) []byte { return blockOp(d, r, "insert") }},
		{Name: "block_swap", Family: FamilyBlock, InitialWeight: 1.5, Mutate: func(e *Engine, r *rand.Rand, d []byte) []byte { return blockOp(d, r, "swap") }},
		{Name: "block_duplicate", Family: FamilyBlock, InitialWeight: 1.5, Mutate: func(e *Engine, r *rand.Rand, d []byte) []byte { return blockOp(d, r, "duplicate") }},

		{Name: "havoc", Family: FamilyHavoc, InitialWeight: 3.0, Mutate: havoc},

		{Name: "splice", Family: FamilySplice, InitialWeight: 2.0, Mutate: func(e *Engine, r *rand.Rand, d []byte) []byte {
			other := e.randomSeedBytes(r)
			return splice(d, other, r)
		}},

		{Name: "dictionary_replace", Family: FamilyDictionary, InitialWeight: 2.0, Mutate: func(e *Engine, r *rand.Rand, d []byte) []byte {
			tok := e.dict.MatchLength(r, len(d))
			if tok == nil {
				return append([]byte{}, d...)
			}
			return dictionaryOp(d, r, tok, "replace")
		}},
		{Name: "dictionary_insert", Family: FamilyDictionary, InitialWeight: 2.5, Mutate: func(e *Engine, r *rand.Rand, d []byte) []byte {
			tok := e.dict.MatchLength(r, len(d))
			if tok == nil {
				return append([]byte{}, d...)
			}
			return dictionaryOp(d, r, tok, "insert")
		}},
		{Name: "dictionary_overwrite", Family: FamilyDictionary, InitialWeight: 2.0, Mutate: func(e *Engine, r *rand.Rand, d []byte) []byte {
			tok := e.dict.MatchLength(r, len(d))
			if tok == nil {
				return append([]byte{}, d...)
			}
			return dictionaryOp(d, r, tok, "overwrite")
		}},
	}
}
