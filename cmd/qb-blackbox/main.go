// Command qb-blackbox dumps the contents of one or more ring buffers
// left behind on disk, for postmortem inspection after a crash.
//
// Author: coreipc
// License: Apache-2.0
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/coreipc/qb/ring"
)

func main() {
	dir := flag.String("dir", "/var/run/qb", "runtime directory the ring's .hdr/.data files live in")
	flag.Parse()
	names := flag.Args()
	if len(names) == 0 {
		fmt.Fprintln(os.Stderr, "usage: qb-blackbox [-dir DIR] name...")
		os.Exit(2)
	}

	exit := 0
	for _, name := range names {
		if err := dumpOne(*dir, name); err != nil {
			fmt.Fprintf(os.Stderr, "qb-blackbox: %s: %v\n", name, err)
			exit = 1
			continue
		}
	}
	os.Exit(exit)
}

func dumpOne(dir, name string) error {
	fmt.Printf("Dumping the contents of %s/%s\n", dir, name)
	r, err := ring.Open(name, ring.Options{Dir: dir})
	if err != nil {
		return err
	}
	defer r.Close()
	return r.Dump(os.Stdout)
}
