// conductorctl issues operator actions (spec.md §4.9) directly against a
// conductor database file, grounded in cmd/legatorctl's hand-rolled
// subcommand dispatch but talking to SQLite directly rather than an HTTP
// API — this build has no control-plane HTTP surface to call instead.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/marcus-qen/conductor/internal/agentruntime"
	"github.com/marcus-qen/conductor/internal/config"
	"github.com/marcus-qen/conductor/internal/eventlog"
	"github.com/marcus-qen/conductor/internal/jobqueue"
	"github.com/marcus-qen/conductor/internal/mirror"
	"github.com/marcus-qen/conductor/internal/operator"
	"github.com/marcus-qen/conductor/internal/orchestrator"
	"github.com/marcus-qen/conductor/internal/outbox"
	"github.com/marcus-qen/conductor/internal/policy"
	"github.com/marcus-qen/conductor/internal/steps"
	"github.com/marcus-qen/conductor/internal/storage"
	"github.com/marcus-qen/conductor/internal/streambus"
	"github.com/marcus-qen/conductor/internal/worktree"
	"go.uber.org/zap"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var errShowUsage = errors.New("show usage")

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}
	if args[0] == "--help" || args[0] == "-h" || args[0] == "help" {
		printUsage()
		return
	}
	if args[0] == "version" {
		fmt.Printf("conductorctl %s (commit: %s, built: %s)\n", version, commit, date)
		return
	}

	if err := run(args[0], args[1:]); err != nil {
		if errors.Is(err, errShowUsage) {
			printUsage()
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`conductorctl — drive operator actions against a run.

Usage:
  conductorctl <command> --db PATH --run RUN_ID --actor ACTOR_ID [--actor-type TYPE] [--comment TEXT]

Commands:
  start-run        pending -> planning
  approve-plan     awaiting_plan_approval -> executing
  revise-plan      awaiting_plan_approval -> planning (bumps plan_revisions)
  reject-run       awaiting_plan_approval -> cancelled
  retry            blocked -> the phase recorded in blocked_context
  grant-exception  blocked -> the phase recorded in blocked_context
  deny-exception   blocked -> blocked (records the decision only)
  pause            any active phase -> paused (independent of phase)
  resume           paused -> unpaused
  cancel           any non-terminal phase -> cancelled
  version          print conductorctl's version

Flags default --actor-type to "user" and --db to $CONDUCTOR_DATABASE_PATH.`)
}

type flags struct {
	dbPath    string
	runID     string
	actorID   string
	actorType string
	comment   string
}

func parseFlags(args []string) (flags, error) {
	f := flags{dbPath: os.Getenv("CONDUCTOR_DATABASE_PATH"), actorType: "user"}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--db":
			if i+1 >= len(args) {
				return f, fmt.Errorf("--db requires a value")
			}
			i++
			f.dbPath = args[i]
		case "--run":
			if i+1 >= len(args) {
				return f, fmt.Errorf("--run requires a value")
			}
			i++
			f.runID = args[i]
		case "--actor":
			if i+1 >= len(args) {
				return f, fmt.Errorf("--actor requires a value")
			}
			i++
			f.actorID = args[i]
		case "--actor-type":
			if i+1 >= len(args) {
				return f, fmt.Errorf("--actor-type requires a value")
			}
			i++
			f.actorType = args[i]
		case "--comment":
			if i+1 >= len(args) {
				return f, fmt.Errorf("--comment requires a value")
			}
			i++
			f.comment = args[i]
		case "--help", "-h":
			return f, errShowUsage
		default:
			return f, fmt.Errorf("unknown flag: %s", args[i])
		}
	}
	if f.dbPath == "" {
		return f, fmt.Errorf("--db (or CONDUCTOR_DATABASE_PATH) is required")
	}
	if f.runID == "" {
		return f, fmt.Errorf("--run is required")
	}
	if f.actorID == "" {
		return f, fmt.Errorf("--actor is required")
	}
	return f, nil
}

func run(command string, args []string) error {
	f, err := parseFlags(args)
	if err != nil {
		return err
	}

	db, err := storage.Open(f.dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	logger := zap.NewNop()
	events := eventlog.New(db, logger)
	bus := streambus.New(db, 0)
	publisher := steps.NewStreamPublisher(bus)
	ob := outbox.New(db)
	mr := mirror.New(db, ob, 0, 0)
	policies := policy.NewStore(db)
	agents := agentruntime.New(db, events)
	jobs := jobqueue.New(db)
	worktrees := worktree.New(db, config.Default().DataDir)
	creds := agentruntime.StaticResolver{}
	cfg := config.Default()

	// Only needed so TransitionPhase enqueues the next phase's entry step;
	// conductorctl never starts the worker pool itself, it just leaves the
	// job row for the running conductord process to pick up.
	orch := orchestrator.New(db, events, nil, publisher, mr)
	stepsManager := steps.New(db, events, orch, jobs, worktrees, ob, mr, policies, agents, creds, cfg, logger)
	orch.SetEnqueuer(stepsManager)

	opStore := operator.New(db, publisher)

	switch command {
	case "start-run":
		_, err = opStore.ApplyStartRun(f.runID, f.actorID, f.actorType, f.comment, orch)
	case "approve-plan":
		_, err = opStore.ApplyApprovePlan(f.runID, f.actorID, f.actorType, f.comment, orch)
	case "revise-plan":
		_, err = opStore.ApplyRevisePlan(f.runID, f.actorID, f.actorType, f.comment, orch)
	case "reject-run":
		_, err = opStore.ApplyRejectRun(f.runID, f.actorID, f.actorType, f.comment, orch)
	case "retry":
		_, err = opStore.ApplyRetry(f.runID, f.actorID, f.actorType, f.comment, orch)
	case "grant-exception":
		_, err = opStore.ApplyGrantPolicyException(f.runID, f.actorID, f.actorType, f.comment, orch)
	case "deny-exception":
		_, err = opStore.ApplyDenyPolicyException(f.runID, f.actorID, f.actorType, f.comment)
	case "pause":
		_, err = opStore.ApplyPause(f.runID, f.actorID, f.actorType, f.comment)
	case "resume":
		_, err = opStore.ApplyResume(f.runID, f.actorID, f.actorType, f.comment)
	case "cancel":
		_, err = opStore.ApplyCancel(f.runID, f.actorID, f.actorType, f.comment, orch)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
	if err != nil {
		return err
	}

	fmt.Printf("%s applied to run %s\n", command, f.runID)
	return nil
}
