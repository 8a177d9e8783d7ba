package main

import (
	"database/sql"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const (
	failureContinue = "continue"
	failureHalt     = "halt"
)

// launchPlan is the fully resolved input of one run: every path absolute,
// every default applied. Built once by cmdRun, read-only afterwards.
type launchPlan struct {
	Name            string
	SpecPath        string
	Root            string
	ConfigPath      string
	LogRoot         string
	ModelDir        string
	Trainer         []string
	SavedModelDir   string
	OnFailure       string
	TimestampFormat string
	ExtraArgs       []string
	ExperimentDir   string
}

type trainError struct {
	shapeID  string
	exitCode int
	err      error
}

func (e *trainError) Error() string {
	if e.exitCode >= 0 {
		return fmt.Sprintf("shape %s: trainer exited with status %d", e.shapeID, e.exitCode)
	}
	return fmt.Sprintf("shape %s: %v", e.shapeID, e.err)
}

func (e *trainError) Unwrap() error { return e.err }

type runSummary struct {
	Total    int
	Failed   int
	Halted   bool
	Failures []*trainError
}

// trainerArgs builds the argument set handed to the external trainer for one
// shape. The per-shape log directory lives under the experiment directory.
func trainerArgs(plan *launchPlan, sh shape) []string {
	args := []string{
		"--config", plan.ConfigPath,
		"--log_dir", filepath.Join(plan.ExperimentDir, sh.ID),
		"--model_dir", plan.ModelDir,
	}
	if sh.Name != "" {
		args = append(args, "--shape_type", sh.Name)
	}
	if sh.DataDir != "" {
		args = append(args, "--data_dir", sh.DataDir, "--file_name", sh.FileName)
	}
	if plan.SavedModelDir != "" {
		args = append(args, "--saved_model_dir", plan.SavedModelDir)
	}
	args = append(args, plan.ExtraArgs...)
	return args
}

func trainerCommand(plan *launchPlan, sh shape) []string {
	argv := append([]string(nil), plan.Trainer...)
	return append(argv, trainerArgs(plan, sh)...)
}

// invokeTrainer runs the external trainer for one shape and blocks until it
// exits. stdout/stderr pass through; the trainer owns everything it writes
// under the log and model directories.
func invokeTrainer(plan *launchPlan, sh shape) *trainError {
	argv := trainerCommand(plan, sh)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = plan.Root
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		if exit, ok := err.(*exec.ExitError); ok {
			return &trainError{shapeID: sh.ID, exitCode: exit.ExitCode(), err: err}
		}
		return &trainError{shapeID: sh.ID, exitCode: -1, err: err}
	}
	return nil
}

// runShapes invokes the trainer once per shape, strictly sequentially,
// recording each invocation. Failures are reported per shape; whether the
// loop stops at the first one is the plan's on_failure policy.
func runShapes(db *sql.DB, runID string, plan *launchPlan, shapes []shape) (*runSummary, error) {
	summary := &runSummary{Total: len(shapes)}
	for i, sh := range shapes {
		logDir := filepath.Join(plan.ExperimentDir, sh.ID)
		argv := trainerCommand(plan, sh)
		fmt.Printf("[%d/%d] %s\n", i+1, len(shapes), sh.ID)
		fmt.Printf("  %s\n", strings.Join(argv, " "))

		invID, err := insertInvocation(db, runID, sh.ID, logDir, strings.Join(argv, " "), time.Now().UTC())
		if err != nil {
			return summary, fmt.Errorf("record invocation for %s: %w", sh.ID, err)
		}

		trainErr := invokeTrainer(plan, sh)
		finished := time.Now().UTC()
		if trainErr != nil {
			summary.Failed++
			summary.Failures = append(summary.Failures, trainErr)
			if err := finishInvocation(db, invID, statusFailed, trainErr.exitCode, finished); err != nil {
				return summary, fmt.Errorf("record failure for %s: %w", sh.ID, err)
			}
			fmt.Printf("  FAILED: %v\n", trainErr)
			if plan.OnFailure == failureHalt {
				summary.Halted = true
				return summary, nil
			}
			continue
		}
		if err := finishInvocation(db, invID, statusCompleted, 0, finished); err != nil {
			return summary, fmt.Errorf("record completion for %s: %w", sh.ID, err)
		}
	}
	return summary, nil
}
