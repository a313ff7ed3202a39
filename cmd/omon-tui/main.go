package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/DapperDuckling/oauth-monitor/internal/config"
	"github.com/DapperDuckling/oauth-monitor/internal/monitor"
	"github.com/DapperDuckling/oauth-monitor/internal/projection"
	"github.com/DapperDuckling/oauth-monitor/internal/store"
	"github.com/DapperDuckling/oauth-monitor/internal/tui/app"
	tea "github.com/charmbracelet/bubbletea"
)

func main() {
	configPath := flag.String("config", "omon.yaml", "Path to config file")
	logPath := flag.String("log", "", "Write logs to this file (discarded when empty)")
	flag.Parse()

	// The alternate screen owns the terminal, so logs go to a file or nowhere.
	if *logPath != "" {
		f, err := tea.LogToFile(*logPath, "omon-tui ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
	} else {
		log.SetOutput(io.Discard)
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	st, err := store.NewFileStore(cfg.Store.Dir, cfg.Store.Key, nil)
	if err != nil {
		return fmt.Errorf("opening status store: %w", err)
	}
	defer st.Close()

	mon, err := monitor.New(cfg.Client, monitor.Deps{Store: st})
	if err != nil {
		return fmt.Errorf("creating monitor: %w", err)
	}
	defer mon.Destroy()

	binder := projection.NewBinder(projection.BinderOptions{
		DeferredStart:     cfg.UI.DeferredStart,
		LengthyLoginAfter: cfg.UI.LengthyLoginAfter,
	})
	defer binder.Close()
	binder.Bind(mon.Bus())

	m := app.New(mon, binder, app.Options{DeferredStart: cfg.UI.DeferredStart})
	if !cfg.UI.DeferredStart {
		mon.Start()
	}

	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithReportFocus())
	_, err = p.Run()
	return err
}
