// Command hazcatctl is operator tooling for inspecting attached
// allocator and queue segments, in the idiom of the teacher's
// debug-capacity dump tool, extended with an interactive shell for
// listing attached allocators, dumping a topic's ring state, and forcing
// an unregister during testing. It carries no invariants of its own —
// nothing it does is part of the wire contract.
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) > 1 {
		sh := newShell()
		defer sh.close()
		if err := sh.dispatch(os.Args[1:]); err != nil {
			fmt.Fprintln(os.Stderr, "hazcatctl:", err)
			os.Exit(1)
		}
		return
	}
	runInteractive()
}
