// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/fatih/color"

	"github.com/reporefine/refine/internal/api"
	"github.com/reporefine/refine/internal/config"
	"github.com/reporefine/refine/internal/orchestrator"
	"github.com/reporefine/refine/internal/session"
	"github.com/reporefine/refine/internal/stream"
)

var (
	version = "0.9"
)

var (
	userColor  = color.New(color.FgGreen, color.Bold)
	agentColor = color.New(color.FgCyan)
	dimColor   = color.New(color.Faint)
	errColor   = color.New(color.FgRed)
	warnColor  = color.New(color.FgYellow)
)

func main() {
	var (
		configPath  string
		server      string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "Path to config file (default: auto-detect)")
	flag.StringVar(&configPath, "c", "", "Path to config file (short)")
	flag.StringVar(&server, "server", "", "Backend base URL (overrides config)")
	flag.BoolVar(&showVersion, "version", false, "Show version")
	flag.BoolVar(&showVersion, "v", false, "Show version (short)")
	flag.Parse()

	if showVersion {
		fmt.Printf("refine %s\n", version)
		os.Exit(0)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	if server != "" {
		cfg.Server.BaseURL = server
	}
	if err := config.Validate(cfg); err != nil {
		log.Fatalf("Error: invalid config: %v", err)
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path == "" {
		found, err := loader.FindConfig()
		if err != nil {
			// Running without a config file is the common case.
			return config.Default(), nil
		}
		path = found
	}
	log.Printf("Using config: %s", path)
	return loader.LoadWithDefaults(context.Background(), path)
}

func run(cfg *config.Config) error {
	timeout, err := cfg.HTTPTimeout()
	if err != nil {
		return err
	}
	interval, err := cfg.ReconnectInterval()
	if err != nil {
		return err
	}

	orch := orchestrator.New(
		api.New(cfg.Server.BaseURL, api.WithTimeout(timeout)),
		stream.NewManager(cfg.EffectiveStreamURL(), stream.Config{
			ReconnectAttempts: cfg.Stream.ReconnectAttempts,
			ReconnectInterval: interval,
		}),
		session.NewStore(session.Policy{
			ClearHistoryOnClose: cfg.ClearHistoryOnClose(),
			HistoryDir:          cfg.History.Dir,
		}),
	)
	orch.Start(context.Background())
	defer orch.Stop()

	updates, cancel := orch.Subscribe()
	defer cancel()
	go render(updates)

	fmt.Printf("refine %s — connected to %s\n", version, cfg.Server.BaseURL)
	dimColor.Println("Type /help for commands.")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			orch.SendMessage(line)
			continue
		}
		if quit := command(orch, line); quit {
			return nil
		}
	}
	return scanner.Err()
}

// command dispatches a slash command. Returns true on /quit.
func command(orch *orchestrator.Orchestrator, line string) bool {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "/help":
		printHelp()

	case "/login":
		url := orch.Login()
		fmt.Printf("Open %s in your browser, then run /auth.\n", url)

	case "/auth":
		orch.CheckAuth(context.Background())

	case "/repos":
		st := orch.State()
		if len(st.Repositories) == 0 {
			warnColor.Println("No repositories. Are you logged in? (/login)")
			return false
		}
		for i, r := range st.Repositories {
			vis := "public"
			if r.Private {
				vis = "private"
			}
			fmt.Printf("%3d. %s (%s)\n", i+1, r.FullName, vis)
		}

	case "/use":
		if len(args) != 1 {
			warnColor.Println("Usage: /use <number>")
			return false
		}
		n, err := strconv.Atoi(args[0])
		st := orch.State()
		if err != nil || n < 1 || n > len(st.Repositories) {
			warnColor.Println("No such repository; run /repos first.")
			return false
		}
		repo := st.Repositories[n-1]
		orch.SelectRepository(repo)
		fmt.Printf("Selected %s. Run /clone to start a session.\n", repo.FullName)

	case "/cancel":
		orch.CancelSelection()

	case "/clone":
		orch.ConfirmClone()

	case "/review":
		orch.OpenReview()
		st := orch.State()
		if st.Review == nil {
			warnColor.Println("No review available.")
			return false
		}
		printReview(st.Review)

	case "/status":
		printStatus(orch.State())

	case "/close":
		orch.CloseSession()

	case "/quit", "/exit":
		return true

	default:
		warnColor.Printf("Unknown command %s. Type /help.\n", cmd)
	}
	return false
}

// render prints state changes as they arrive: committed transcript entries,
// in-flight turn progress, connection transitions, errors, and review flags.
func render(updates <-chan session.State) {
	var (
		lastLen      int
		lastTurn     string
		lastErr      string
		lastConn     session.ConnState
		lastPending  bool
		lastInFlight bool
	)
	for st := range updates {
		for _, e := range st.Conversation[min(lastLen, len(st.Conversation)):] {
			switch e.Role {
			case session.RoleUser:
				userColor.Printf("you> %s\n", e.Content)
			case session.RoleAssistant:
				agentColor.Printf("agent> %s\n", e.Content)
			}
		}
		lastLen = len(st.Conversation)

		if st.TurnInFlight && !lastInFlight && st.Turn == "" {
			dimColor.Println("... Processing...")
		}
		lastInFlight = st.TurnInFlight

		if st.Turn != lastTurn && st.Turn != "" {
			dimColor.Printf("... %s\n", st.Turn)
		}
		lastTurn = st.Turn

		if st.Conn != lastConn {
			switch st.Conn {
			case session.ConnConnected:
				dimColor.Println("[stream connected]")
			case session.ConnReconnecting:
				warnColor.Println("[stream lost, reconnecting...]")
			case session.ConnDisconnected:
				if lastConn == session.ConnReconnecting || lastConn == session.ConnConnected {
					errColor.Println("[stream disconnected]")
				}
			}
			lastConn = st.Conn
		}

		if st.LastError != "" && st.LastError != lastErr {
			errColor.Printf("error: %s\n", st.LastError)
		}
		lastErr = st.LastError

		if st.ReviewPending && !lastPending {
			warnColor.Println("[changes ready for review — run /review]")
		}
		lastPending = st.ReviewPending
	}
}

func printReview(rev *session.Review) {
	fmt.Printf("Review %s\n", rev.ID)
	for _, p := range rev.Changes.Added {
		color.Green("  A %s", p)
	}
	for _, p := range rev.Changes.Modified {
		color.Yellow("  M %s", p)
	}
	for _, p := range rev.Changes.Deleted {
		color.Red("  D %s", p)
	}
}

func printStatus(st session.State) {
	fmt.Printf("phase: %s  conn: %s\n", st.Phase, st.Conn)
	if st.Identity.Authenticated {
		fmt.Printf("user: %s\n", st.Identity.Username)
	}
	if st.Session != nil {
		fmt.Printf("session: %s (%s, %s)\n",
			st.Session.SessionID, st.Session.Repository.FullName, st.Session.Status)
	}
	if st.Selected != nil {
		fmt.Printf("selected: %s (awaiting /clone)\n", st.Selected.FullName)
	}
	fmt.Printf("transcript: %d entries (%d in history)\n", len(st.Conversation), len(st.History))
}

func printHelp() {
	fmt.Println(`Commands:
  /login          Print the login URL
  /auth           Re-check authentication after logging in
  /repos          List your repositories
  /use <n>        Select a repository by number
  /cancel         Cancel the pending selection
  /clone          Clone the selected repository and open a session
  /review         Show the latest review
  /status         Show session state
  /close          Close the current session
  /quit           Exit

Anything else is sent to the agent as a message.`)
}
