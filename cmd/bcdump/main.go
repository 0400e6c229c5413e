// Command bcdump disassembles a bytecode container to stdout, one
// instruction per line (spec.md §6.2), grounded on
// original_source/lama-tools/tools/bcdump.cpp.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/Urethramancer/lama/disasm"
	"github.com/Urethramancer/lama/image"
	"github.com/Urethramancer/lama/vmerr"
)

func main() {
	log.SetFlags(0)
	flag.Parse()

	if flag.NArg() != 1 {
		log.Println("Usage: bcdump <file>")
		flag.PrintDefaults()
		os.Exit(1)
	}
	filename := flag.Arg(0)

	img, err := image.Load(filename)
	if err != nil {
		log.Printf("%s: %s", filename, err)
		os.Exit(vmerr.ExitCode(err))
	}

	out, err := disasm.Dump(img)
	if err != nil {
		log.Printf("%s: %s", filename, err)
		os.Exit(vmerr.ExitCode(err))
	}

	fmt.Print(out)
}
