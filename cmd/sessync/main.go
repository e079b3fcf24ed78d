// Command sessync versions Claude Code session logs alongside a git project
// and backs them up to a remote blob store.
package main

import (
	"os"
)

func main() {
	root := newRootCmd()
	cmd, err := root.ExecuteC()
	if err == nil {
		return
	}
	if cmd != nil && cmd.Annotations[annotationAlwaysSucceed] == "true" {
		return
	}
	os.Exit(1)
}
