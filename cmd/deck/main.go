package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/sessiondeck/backend/internal/client"
	"github.com/sessiondeck/backend/internal/deck"
	"github.com/sessiondeck/backend/internal/session"
)

func main() {
	baseURL := flag.String("url", "http://127.0.0.1:8080", "Base URL of the Session Deck backend")
	token := flag.String("token", "", "Auth token (if backend requires it)")
	project := flag.String("project", "", "Project ID to monitor (required)")
	interval := flag.Duration("interval", 2*time.Second, "Snapshot poll interval")
	push := flag.Bool("push", false, "Also subscribe to WebSocket snapshot pushes")
	flag.Parse()

	if *project == "" {
		fmt.Fprintln(os.Stderr, "Error: -project is required")
		flag.Usage()
		os.Exit(2)
	}

	api := client.NewAPI(*baseURL, *token)
	facade := client.NewFacade(api, *interval, nil)

	if err := facade.StartMonitoring(*project, nil); err != nil {
		fmt.Fprintf(os.Stderr, "Error: start monitoring %s: %v\n", *project, err)
		os.Exit(1)
	}

	if *push {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go api.SnapshotStream(*project).Run(ctx, func(_ string, data *session.Data) {
			facade.ApplySnapshot(data)
		})
	}

	m := deck.New(facade, *project)
	p := tea.NewProgram(m, tea.WithAltScreen())

	if _, err := p.Run(); err != nil {
		facade.Close()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
