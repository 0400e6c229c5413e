// Command verify statically checks a bytecode container's control
// flow and stack discipline without executing it (spec.md §6.2),
// grounded on original_source/lama-tools/tools/verify.cpp.
package main

import (
	"flag"
	"log"
	"os"
	"sort"

	"github.com/Urethramancer/lama/image"
	"github.com/Urethramancer/lama/verify"
	"github.com/Urethramancer/lama/vmerr"
)

var verbose = flag.Bool("v", false, "Print the discovered function table on success.")

func main() {
	log.SetFlags(0)
	flag.Parse()

	if flag.NArg() != 1 {
		log.Println("Usage: verify [-v] <file>")
		flag.PrintDefaults()
		os.Exit(1)
	}
	filename := flag.Arg(0)

	img, err := image.Load(filename)
	if err != nil {
		log.Printf("%s: %s", filename, err)
		os.Exit(vmerr.ExitCode(err))
	}

	result, err := verify.Verify(img)
	if err != nil {
		log.Printf("%s: %s", filename, err)
		os.Exit(vmerr.ExitCode(err))
	}

	if *verbose {
		offsets := make([]int32, 0, len(result.Functions))
		for off := range result.Functions {
			offsets = append(offsets, off)
		}
		sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
		for _, off := range offsets {
			fn := result.Functions[off]
			kind := "plain"
			if fn.IsClosure {
				kind = "closure"
			}
			log.Printf("0x%08x [0x%08x,0x%08x] %s min_args=%d locals=%d", fn.Begin, fn.Begin, fn.End, kind, fn.MinArgs, fn.DeclaredLocals)
		}
	}

	log.Printf("%s: ok", filename)
}
