// guardctl - command line for operating a tradeguard server
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/mbd888/tradeguard/internal/cli"
)

// Version is set by ldflags.
var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Execute(ctx, Version)
	stop()
	os.Exit(code)
}
