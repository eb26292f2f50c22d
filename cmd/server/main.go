package main

import (
	"fmt"
	"os"

	"github.com/yungbote/neurobridge-backend/internal/app"
)

func main() {
	a, err := app.New()
	if err != nil {
		fmt.Printf("failed to initialize app: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	a.Start()

	addr := ":" + a.Cfg.Port
	a.Log.Info("starting pipeline orchestrator", "addr", addr)
	if err := a.Run(addr); err != nil {
		a.Log.Error("server exited", "error", err)
		os.Exit(1)
	}
}
