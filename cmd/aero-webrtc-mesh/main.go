// Command aero-webrtc-mesh is a headless mesh participant and an operator
// tool for the relay's meetings API.
package main

import (
	"fmt"
	"os"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
