package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/replicatedhq/testcontent/pkg/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cli.NewTestContentCmd(cli.NewTestContentCLI()).ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
