// Command edcompanion runs the Elite Dangerous companion engine and its
// websocket/HTTP surface, and manages the local race library.
package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "edcompanion:", err)
		os.Exit(1)
	}
}
