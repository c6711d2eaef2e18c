package main

import (
	"context"
	"log/slog"
	"os"
	_ "time/tzdata"

	"github.com/hitoshi/notifyd/internal/app"
)

func main() {
	if err := app.Execute(context.Background(), os.Stdout, os.Args[1:]); err != nil {
		slog.Error("notifyd exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
