// Command mediad runs the media variant pipeline: an HTTP service for the
// post-create hook and repair endpoints, plus one-shot scan and repair
// commands for operators.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
