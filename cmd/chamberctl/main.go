// chamberctl is the operator CLI: check a chamber module offline, inspect
// the registry database, and mint dev sessions.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"ballmachine.dev/internal/auth"
	"ballmachine.dev/internal/registry"
	"ballmachine.dev/internal/sandbox"
	"ballmachine.dev/internal/validate"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "check":
			checkCmd(os.Args[2:])
			return
		case "chambers":
			chambersCmd(os.Args[2:])
			return
		case "grant-session":
			grantSessionCmd(os.Args[2:])
			return
		}
	}
	fmt.Fprintln(os.Stderr, "usage: chamberctl <check|chambers|grant-session> [flags]")
	os.Exit(2)
}

func checkCmd(args []string) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	steps := fs.Int("steps", 100, "battery length")
	balls := fs.Int("balls", 4, "balls seeded into the battery")
	budgetMs := fs.Int("budget_ms", 2000, "total budget in milliseconds")
	bound := fs.Float64("bound", 10, "coordinate bound")
	memPages := fs.Int("memory_pages", 256, "linear memory limit in pages")
	_ = fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: chamberctl check <module.wasm>")
		os.Exit(2)
	}
	wasm, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}

	ctx := context.Background()
	host, err := sandbox.NewRuntime(ctx, sandbox.Config{
		MemoryLimitPages: *memPages,
		StepBudget:       time.Duration(*budgetMs) * time.Millisecond,
	}, log.New(io.Discard, "", 0))
	if err != nil {
		fmt.Fprintln(os.Stderr, "sandbox:", err)
		os.Exit(1)
	}
	defer host.Close(ctx)

	verdict := struct {
		Module string `json:"module"`
		OK     bool   `json:"ok"`
		Error  string `json:"error,omitempty"`
	}{Module: fs.Arg(0)}

	err = validate.Check(ctx, host, wasm, validate.Config{
		Steps:      *steps,
		NumBalls:   *balls,
		Budget:     time.Duration(*budgetMs) * time.Millisecond,
		CoordBound: *bound,
	})
	if err != nil {
		verdict.Error = err.Error()
	} else {
		verdict.OK = true
	}
	printJSON(verdict)
	if !verdict.OK {
		os.Exit(1)
	}
}

func chambersCmd(args []string) {
	fs := flag.NewFlagSet("chambers", flag.ExitOnError)
	dbPath := fs.String("db", "./data/chambers.sqlite", "registry sqlite path")
	state := fs.String("state", "", "filter by lifecycle state")
	_ = fs.Parse(args)

	reg, err := registry.Open(*dbPath, registry.Options{})
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer reg.Close()

	var chambers []registry.Chamber
	if *state != "" {
		st, err := registry.ParseState(*state)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		chambers = reg.List(st)
	} else {
		chambers = reg.List()
	}
	for _, c := range chambers {
		printJSON(struct {
			ID        string `json:"chamber_id"`
			Owner     string `json:"owner"`
			Name      string `json:"name"`
			State     string `json:"state"`
			Message   string `json:"message,omitempty"`
			CreatedAt string `json:"created_at"`
		}{c.ID, c.Owner, c.Name, c.State.String(), c.Message, c.CreatedAt.Format(time.RFC3339)})
	}
}

func grantSessionCmd(args []string) {
	fs := flag.NewFlagSet("grant-session", flag.ExitOnError)
	dbPath := fs.String("db", "./data/auth.sqlite", "auth sqlite path")
	user := fs.String("user", "", "user name (required)")
	admin := fs.Bool("admin", false, "grant the admin role")
	_ = fs.Parse(args)

	if *user == "" {
		fmt.Fprintln(os.Stderr, "missing -user")
		os.Exit(2)
	}

	store, err := auth.OpenStore(*dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx := context.Background()
	p, err := store.CreateUser(ctx, *user, *admin)
	if err != nil {
		fmt.Fprintln(os.Stderr, "create user:", err)
		os.Exit(1)
	}
	token, err := store.CreateSession(ctx, p.UserID)
	if err != nil {
		fmt.Fprintln(os.Stderr, "create session:", err)
		os.Exit(1)
	}
	printJSON(struct {
		UserID    string `json:"user_id"`
		Name      string `json:"name"`
		IsAdmin   bool   `json:"is_admin"`
		SessionID string `json:"session_id"`
	}{p.UserID, p.Name, p.Admin, token})
}

func printJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		fmt.Fprintln(os.Stderr, "marshal:", err)
		os.Exit(1)
	}
	fmt.Println(string(b))
}
