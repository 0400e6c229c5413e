// Command bcstats reports instruction and instruction-pair frequency
// statistics over a bytecode container's reachable code (spec.md
// §6.2), grounded on
// original_source/lama-tools/tools/bcstats.cpp.
package main

import (
	"flag"
	"log"
	"os"
	"sort"

	"github.com/Urethramancer/lama/idiom"
	"github.com/Urethramancer/lama/image"
	"github.com/Urethramancer/lama/vmerr"
)

var top = flag.Int("top", 20, "Number of most frequent idioms to print.")

func main() {
	log.SetFlags(0)
	flag.Parse()

	if flag.NArg() != 1 {
		log.Println("Usage: bcstats [-top N] <file>")
		flag.PrintDefaults()
		os.Exit(1)
	}
	filename := flag.Arg(0)

	img, err := image.Load(filename)
	if err != nil {
		log.Printf("%s: %s", filename, err)
		os.Exit(vmerr.ExitCode(err))
	}

	singles, pairs, err := idiom.Frequencies(img)
	if err != nil {
		log.Printf("%s: %s", filename, err)
		os.Exit(vmerr.ExitCode(err))
	}

	printTop("Single instructions", singles, *top)
	pairStrings := make(map[string]int, len(pairs))
	for p, n := range pairs {
		pairStrings[p[0]+" ; "+p[1]] += n
	}
	printTop("Instruction pairs", pairStrings, *top)
}

func printTop(title string, counts map[string]int, n int) {
	type row struct {
		key   string
		count int
	}
	rows := make([]row, 0, len(counts))
	for k, c := range counts {
		rows = append(rows, row{k, c})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].count != rows[j].count {
			return rows[i].count > rows[j].count
		}
		return rows[i].key < rows[j].key
	})
	if n > 0 && len(rows) > n {
		rows = rows[:n]
	}

	log.Printf("%s:", title)
	for _, r := range rows {
		log.Printf("%6d  %s", r.count, r.key)
	}
}
