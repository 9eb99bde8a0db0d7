package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/herdrun/herd/cmd/herd/cmd"
)

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.RootCmd().ExecuteContext(ctx); err != nil {
		logrus.WithError(err).Error("batch aborted")
		os.Exit(2)
	}
}
