// Package idiom counts single-instruction and adjacent-instruction-pair
// frequencies over a bytecode image's reachable code, the data
// bcstats reports (spec.md §4.8), grounded on
// original_source/lama-tools/tools/bcstats.cpp's reachable-instruction
// walk and idiom-bucket counters, simplified from its byte-packed
// 1-byte/2-byte/long-idiom buckets to string-keyed frequency maps.
package idiom

import (
	"github.com/Urethramancer/lama/decoder"
	"github.com/Urethramancer/lama/disasm"
	"github.com/Urethramancer/lama/image"
	"github.com/Urethramancer/lama/verify"
)

// Pair is an adjacent pair of instruction mnemonics, the key for the
// pair-frequency table.
type Pair [2]string

// Frequencies walks every instruction inside a function discovered by
// verify.Verify (i.e. reachable from the image's entry points) and
// tallies how often each mnemonic occurs, and how often each ordered
// pair of immediately-adjacent mnemonics occurs within the same
// function body. A pair is never counted across a function boundary,
// matching bcstats.cpp's per-walk idiom reset at each discontiguous
// jump (here simplified to "never leaves the function that owns the
// first instruction").
func Frequencies(img *image.Image) (singles map[string]int, pairs map[Pair]int, err error) {
	result, err := verify.Verify(img)
	if err != nil {
		return nil, nil, err
	}

	singles = make(map[string]int)
	pairs = make(map[Pair]int)
	code := img.Code()

	for _, fn := range result.Functions {
		var prev string
		havePrev := false
		off := fn.Begin
		for off <= fn.End {
			d, next, derr := decoder.Decode(code, int(off), img.StringTableSize())
			if derr != nil {
				return nil, nil, derr
			}
			mnemonic := disasm.Mnemonic(img, d)
			singles[mnemonic]++
			if havePrev {
				pairs[Pair{prev, mnemonic}]++
			}
			prev = mnemonic
			havePrev = true
			off = int32(next)
		}
	}

	return singles, pairs, nil
}
