package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/NikhilSetiya/avatar-resilience/internal/api"
	"github.com/NikhilSetiya/avatar-resilience/internal/components"
	"github.com/NikhilSetiya/avatar-resilience/internal/controller"
	"github.com/NikhilSetiya/avatar-resilience/pkg/config"
	"github.com/NikhilSetiya/avatar-resilience/pkg/logging"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.NewLogger(logging.FromConfig(cfg.Logging, controller.Version))
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logging.SetGlobalLogger(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	plane, err := controller.New(ctx, cfg, controller.Options{Logger: logger})
	if err != nil {
		log.Fatalf("Failed to initialize control plane: %v", err)
	}
	plane.Start(ctx)

	if cfg.Demo.Enabled {
		go runDemo(ctx, plane, cfg.Demo.FrameDelta, logger.WithComponent("demo"))
	}

	router := api.NewRouter(cfg, plane, plane.Metrics(), plane.Tracing(), logger)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("Starting status server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}
	if err := plane.Stop(shutdownCtx); err != nil {
		logger.Error("Control plane stopped with errors", "error", err)
	}

	logger.Info("Server exited")
}

// runDemo drives a simulated render loop so the status API has data to show.
// Every few seconds one component is failed and later recovered.
func runDemo(ctx context.Context, plane *controller.Controller, delta time.Duration, logger *logging.Logger) {
	if delta <= 0 {
		delta = 16 * time.Millisecond
	}
	ticker := time.NewTicker(delta)
	defer ticker.Stop()

	names := plane.Components()
	phonemes, _ := components.DefaultPhonemes()
	activations := make([]float64, len(phonemes))

	monitor := plane.Monitor()
	monitor.RegisterExperiment("numeric-path", "accelerated", "scalar")

	var frame int
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		frame++

		// Jitter the frame time so the FPS series is not flat
		plane.RecordFrame(ctx, delta+time.Duration(frame%5)*time.Millisecond)

		idx := frame % len(phonemes)
		for i := range activations {
			activations[i] = 0
		}
		activations[idx] = 1
		start := time.Now()
		if _, err := plane.Coarticulate(ctx, activations); err != nil {
			logger.Debug("Coarticulation failed", "error", err)
		} else {
			variant := "scalar"
			if acc := plane.Status().Components.Accelerator; acc.Supported && !acc.ForcedScalar {
				variant = "accelerated"
			}
			monitor.RecordMeasurement("numeric-path", variant, "latency_ms", float64(time.Since(start).Microseconds())/1000)
		}
		if _, err := plane.Blendshape(ctx, phonemes[idx]); err != nil {
			logger.Debug("Blendshape lookup failed", "error", err)
		}

		switch {
		case frame%600 == 0:
			name := names[(frame/600)%len(names)]
			plane.ReportFailure(ctx, name, stderrors.New("simulated failure"))
		case frame%600 == 300:
			name := names[(frame/600)%len(names)]
			if _, err := plane.Recover(ctx, name); err != nil {
				logger.Warn("Simulated recovery failed", "component", name, "error", err)
			}
		}
	}
}
