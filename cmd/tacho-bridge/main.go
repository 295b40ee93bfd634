package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tachobridge/tacho-bridge/internal/api"
	"github.com/tachobridge/tacho-bridge/internal/card"
	"github.com/tachobridge/tacho-bridge/internal/config"
	"github.com/tachobridge/tacho-bridge/internal/logging"
	"github.com/tachobridge/tacho-bridge/internal/monitor"
	"github.com/tachobridge/tacho-bridge/internal/registry"
	"github.com/tachobridge/tacho-bridge/internal/service"
	"github.com/tachobridge/tacho-bridge/internal/settings"
	"github.com/tachobridge/tacho-bridge/internal/tray"
)

func main() {
	versionFlag := flag.Bool("version", false, "Print version information and exit")
	noTrayFlag := flag.Bool("no-tray", false, "Run without system tray (headless mode)")
	configFlag := flag.String("config", "", "Path to the configuration file")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Tacho Bridge - Tachograph card to broker bridge agent\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  tacho-bridge [flags]\n")
		fmt.Fprintf(os.Stderr, "  tacho-bridge <command>\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  install     Install auto-start service\n")
		fmt.Fprintf(os.Stderr, "  uninstall   Remove auto-start service\n")
		fmt.Fprintf(os.Stderr, "  version     Print version information\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment variables:\n")
		fmt.Fprintf(os.Stderr, "  TACHO_BRIDGE_PORT    Port to listen on (default: 32145)\n")
		fmt.Fprintf(os.Stderr, "  TACHO_BRIDGE_HOST    Host to bind to (default: 127.0.0.1)\n")
	}

	flag.Parse()

	if *versionFlag {
		printVersion()
		return
	}

	args := flag.Args()
	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			return
		case "install":
			if err := service.New().Install(); err != nil {
				log.Fatalf("Failed to install service: %v", err)
			}
			fmt.Println("Auto-start service installed successfully")
			return
		case "uninstall":
			if err := service.New().Uninstall(); err != nil {
				log.Fatalf("Failed to uninstall service: %v", err)
			}
			fmt.Println("Auto-start service removed successfully")
			return
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			flag.Usage()
			os.Exit(1)
		}
	}

	run(*configFlag, *noTrayFlag)
}

func printVersion() {
	fmt.Printf("tacho-bridge %s\n", api.Version)
	fmt.Printf("Build time: %s\n", api.BuildTime)
	fmt.Printf("Git commit: %s\n", api.GitCommit)
}

func listenAddr() string {
	host := os.Getenv("TACHO_BRIDGE_HOST")
	if host == "" {
		host = "127.0.0.1"
	}
	port := os.Getenv("TACHO_BRIDGE_PORT")
	if port == "" {
		port = "32145"
	}
	return host + ":" + port
}

func run(configPath string, headless bool) {
	logging.Init(1000, logging.LevelDebug)
	logging.Info(logging.CatSystem, "Tacho Bridge starting", map[string]any{
		"version": api.Version,
	})

	if _, err := settings.Load(); err != nil {
		log.Printf("settings: %v (using defaults)", err)
	}
	logging.InitSentry(api.Version, settings.IsCrashReportingEnabled())

	hub := api.NewWSHub()
	go hub.Run()

	if configPath == "" {
		var err error
		configPath, err = config.DefaultPath()
		if err != nil {
			log.Fatalf("cannot determine config path: %v", err)
		}
	}
	store, err := config.Init(configPath, hub)
	if err != nil {
		log.Fatalf("configuration error: %v", err)
	}

	reg := registry.New()
	store.SetRemover(reg)

	mon := monitor.New(&card.DefaultContextFactory{}, reg, store, hub, monitor.DefaultLauncher())

	ctrl := &api.Controller{
		Monitor:  mon,
		Store:    store,
		Registry: reg,
	}
	mux := api.NewMux(ctrl)
	mux.HandleFunc("/v1/ws", hub.Handler(ctrl))

	api.InitUpdateChecker()

	monCtx, stopMonitor := context.WithCancel(context.Background())
	go func() {
		defer logging.RecoverAndLog("reader monitor", false)
		mon.Run(monCtx)
	}()

	shutdown := func() {
		log.Println("Shutting down...")
		stopMonitor()
		mon.Teardown()
		logging.FlushSentry(2 * time.Second)
		os.Exit(0)
	}
	api.SetShutdownHandler(shutdown)

	addr := listenAddr()
	startServer := func() {
		log.Printf("tacho-bridge %s listening on http://%s\n", api.Version, addr)
		log.Printf("WebSocket available at ws://%s/v1/ws\n", addr)
		logging.Info(logging.CatSystem, "Server started", map[string]any{
			"address": addr,
		})

		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Fatalf("server error: %v", err)
		}
	}

	useTray := !headless && tray.IsSupported()

	if useTray {
		log.Println("Starting with system tray...")

		trayApp := tray.New(addr, api.Version, reg.Len, mon.SyncNow, shutdown)

		// Run tray with server - this blocks on the main thread until quit
		// (required for macOS Cocoa compatibility)
		trayApp.RunWithServer(startServer)
	} else {
		if headless {
			log.Println("Running in headless mode (no system tray)")
		} else {
			log.Println("System tray not supported on this platform, running headless")
		}

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

		go func() {
			<-sigChan
			shutdown()
		}()

		startServer()
	}
}
