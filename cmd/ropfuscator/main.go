package main

import (
	"log/slog"
	"net/http"
	"os"

	_ "net/http/pprof" // profiling

	"github.com/gmh5225/ropfuscator/internal/logging"
	"github.com/gmh5225/ropfuscator/internal/ropfuscator/cmd"
	"github.com/gmh5225/ropfuscator/internal/ropfuscator/log"
)

func main() {
	log.Setup("", logging.IsDebug())
	defer log.RecoverPanic("main", func() {
		slog.Error("Application terminated due to unhandled panic")
	})

	if os.Getenv("ROPFUSCATOR_PROFILE") != "" {
		go func() {
			slog.Info("Serving pprof at localhost:6060")
			if httpErr := http.ListenAndServe("localhost:6060", nil); httpErr != nil {
				slog.Error("Failed to pprof listen", "error", httpErr)
			}
		}()
	}

	cmd.Execute()
}
