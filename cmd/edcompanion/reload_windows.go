//go:build windows

package main

import (
	"context"
)

// reloadOnSignal waits for ctx; Windows has no SIGHUP.
func reloadOnSignal(ctx context.Context, _ *rootOptions, _ interface{}) {
	<-ctx.Done()
}
