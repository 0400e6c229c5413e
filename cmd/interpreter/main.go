// Command interpreter loads a bytecode container, verifies it, and
// executes it to completion (spec.md §6.2), grounded on
// cmd/run68/main.go's flag-parse-then-execute-loop structure.
package main

import (
	"flag"
	"log"
	"os"

	"github.com/Urethramancer/lama/image"
	"github.com/Urethramancer/lama/interp"
	"github.com/Urethramancer/lama/verify"
	"github.com/Urethramancer/lama/vmerr"
)

var maxSteps = flag.Int("maxsteps", 0, "Maximum instructions to execute before aborting (0 = unbounded).")

func main() {
	log.SetFlags(0)
	flag.Parse()

	if flag.NArg() != 1 {
		log.Println("Usage: interpreter [-maxsteps N] <file>")
		flag.PrintDefaults()
		os.Exit(1)
	}
	filename := flag.Arg(0)

	img, err := image.Load(filename)
	if err != nil {
		log.Printf("%s: %s", filename, err)
		os.Exit(vmerr.ExitCode(err))
	}

	if _, err := verify.Verify(img); err != nil {
		log.Printf("%s: verification failed: %s", filename, err)
		os.Exit(vmerr.ExitCode(err))
	}

	entries, err := img.EntryPoints()
	if err != nil {
		log.Printf("%s: %s", filename, err)
		os.Exit(vmerr.ExitCode(err))
	}

	vm, err := interp.New(img, entries[0], os.Stdin, os.Stdout)
	if err != nil {
		log.Printf("%s: %s", filename, err)
		os.Exit(vmerr.ExitCode(err))
	}

	if err := vm.Run(*maxSteps); err != nil {
		log.Printf("%s: %s", filename, err)
		os.Exit(vmerr.ExitCode(err))
	}
}
