package main

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
)

type multiStringFlag struct {
	values []string
}

func (m *multiStringFlag) Set(s string) error {
	m.values = append(m.values, s)
	return nil
}

func (m *multiStringFlag) String() string {
	return strings.Join(m.values, ",")
}

func (m *multiStringFlag) Values() []string {
	return append([]string(nil), m.values...)
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		return
	}

	switch os.Args[1] {
	case "run":
		if err := cmdRun(os.Args[2:]); err != nil {
			log.Fatalf("shaperun run: %v", err)
		}
	case "list":
		if err := cmdList(os.Args[2:]); err != nil {
			log.Fatalf("shaperun list: %v", err)
		}
	case "show":
		if err := cmdShow(os.Args[2:]); err != nil {
			log.Fatalf("shaperun show: %v", err)
		}
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage:
  shaperun run  [flags] -- [extra trainer args...]
  shaperun list
  shaperun show <id>

Commands:
  run   Launch the external trainer once per shape and record the run locally.
  list  List recorded runs (stored locally).
  show  Show details of one run by id (uuid prefixes accepted).

Examples:
  shaperun run --spec scripts/curves.yaml

  shaperun run \
    --spec scripts/shapenet.yaml \
    --name chairs-baseline \
    --config configs/surface_recon.toml \
    --on-failure halt

  shaperun run --spec scripts/curves.yaml --shape starAndHexagon --dry-run

  shaperun list

  shaperun show 7f3a

Notes:
  - --spec accepts YAML or JSON describing a single run (name/config/shapes or dataset).
  - Define defaults and profiles in ~/.shaperun/config.(yaml|json), then pass --profile NAME
    to avoid retyping trainer/log/model paths.
  - The workspace root defaults to two directory levels above the spec file; the trainer
    defaults to "python3 <root>/train/train.py".
  - Shapes are trained strictly one after another; --on-failure picks whether a failing
    shape halts the run or the remaining shapes still train (default: continue).
  - The spec file and the trainer config are copied into the experiment directory before
    training starts, so every experiment can be reproduced from its own log tree.`)
}

// runSnapshot is the fully resolved launch recorded with each run.
type runSnapshot struct {
	Name            string       `json:"name"`
	SpecPath        string       `json:"spec_path"`
	ConfigPath      string       `json:"config_path"`
	Root            string       `json:"root"`
	LogRoot         string       `json:"log_root"`
	ModelDir        string       `json:"model_dir"`
	Trainer         []string     `json:"trainer"`
	Shapes          []string     `json:"shapes,omitempty"`
	Dataset         *DatasetSpec `json:"dataset,omitempty"`
	SavedModelDir   string       `json:"saved_model_dir,omitempty"`
	OnFailure       string       `json:"on_failure"`
	TimestampFormat string       `json:"timestamp_format"`
	Args            []string     `json:"args,omitempty"`
	Profile         string       `json:"profile,omitempty"`
	ExperimentDir   string       `json:"experiment_dir"`
}

func cmdRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	var (
		specPath      string
		profileName   string
		name          string
		configPath    string
		logRoot       string
		modelDir      string
		savedModelDir string
		onFailure     string
		dryRun        bool
		shapeFlag     multiStringFlag
	)
	fs.StringVar(&specPath, "spec", "", "Path to YAML/JSON launch spec describing this run (required)")
	fs.StringVar(&profileName, "profile", "", "Profile name defined in ~/.shaperun/config.(yaml|json) to use as defaults")
	fs.StringVar(&name, "name", "", "Experiment identifier; prefixes the timestamped experiment directory")
	fs.StringVar(&configPath, "config", "", "Trainer configuration file passed through as --config")
	fs.StringVar(&logRoot, "log-root", "", "Directory that receives the timestamped experiment directory")
	fs.StringVar(&modelDir, "model-dir", "", "Shared model directory passed through as --model_dir")
	fs.StringVar(&savedModelDir, "saved-model-dir", "", "Directory passed through as --saved_model_dir (optional)")
	fs.StringVar(&onFailure, "on-failure", "", "Policy when a shape fails: continue or halt")
	fs.BoolVar(&dryRun, "dry-run", false, "Print the planned trainer invocations without executing anything")
	fs.Var(&shapeFlag, "shape", "Shape name to train; may be repeated, overrides the spec's shape list")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: shaperun run --spec SPEC [flags] -- [extra trainer args...]\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	if specPath == "" {
		fs.Usage()
		return fmt.Errorf("spec is required")
	}
	specAbs, err := resolveSpecPath(specPath)
	if err != nil {
		return err
	}
	spec, err := loadLaunchSpec(specAbs)
	if err != nil {
		return err
	}

	if name == "" {
		name = spec.Name
	}
	if configPath == "" {
		configPath = spec.Config
	}
	if logRoot == "" {
		logRoot = spec.LogRoot
	}
	if modelDir == "" {
		modelDir = spec.ModelDir
	}
	if savedModelDir == "" {
		savedModelDir = spec.SavedModelDir
	}
	if onFailure == "" {
		onFailure = spec.OnFailure
	}
	if profileName == "" {
		profileName = spec.Profile
	}
	trainer := append([]string(nil), spec.Trainer...)
	timestampFormat := spec.TimestampFormat
	datasetRoot := ""
	if spec.Dataset != nil {
		datasetRoot = spec.Dataset.Root
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyProfile := func(prof *RunProfile) {
		if prof == nil {
			return
		}
		if logRoot == "" {
			logRoot = prof.LogRoot
		}
		if modelDir == "" {
			modelDir = prof.ModelDir
		}
		if len(trainer) == 0 {
			trainer = append([]string(nil), prof.Trainer...)
		}
		if datasetRoot == "" {
			datasetRoot = prof.DatasetRoot
		}
		if savedModelDir == "" {
			savedModelDir = prof.SavedModelDir
		}
		if onFailure == "" {
			onFailure = prof.OnFailure
		}
		if timestampFormat == "" {
			timestampFormat = prof.TimestampFormat
		}
	}
	if cfg == nil {
		if profileName != "" {
			return fmt.Errorf("profile %q requested but no config file found (expected %s)", profileName, configPathHint())
		}
	} else {
		if profileName != "" {
			prof, err := cfg.profile(profileName)
			if err != nil {
				return err
			}
			applyProfile(&prof)
		}
		applyProfile(&cfg.Defaults)
	}

	if name == "" {
		return fmt.Errorf("experiment name is required (set --name or name: in %s)", specAbs)
	}
	if configPath == "" {
		return fmt.Errorf("trainer config is required (set --config or config: in %s)", specAbs)
	}

	root := spec.Root
	if root != "" {
		root, err = expandLocalPath(root)
		if err != nil {
			return fmt.Errorf("root: %w", err)
		}
	} else {
		root = workspaceRoot(specAbs)
	}

	resolveUnder := func(p string) (string, error) {
		expanded, err := expandLocalPath(p)
		if err != nil {
			return "", err
		}
		if filepath.IsAbs(p) || strings.HasPrefix(p, "~") {
			return expanded, nil
		}
		return filepath.Join(root, p), nil
	}

	configPath, err = resolveUnder(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := os.Stat(configPath); err != nil {
		return fmt.Errorf("trainer config %s: %w", configPath, err)
	}
	if logRoot == "" {
		logRoot = filepath.Join(root, "log")
	} else if logRoot, err = resolveUnder(logRoot); err != nil {
		return fmt.Errorf("log-root: %w", err)
	}
	if modelDir == "" {
		modelDir = filepath.Join(root, "models")
	} else if modelDir, err = resolveUnder(modelDir); err != nil {
		return fmt.Errorf("model-dir: %w", err)
	}
	if savedModelDir != "" {
		if savedModelDir, err = resolveUnder(savedModelDir); err != nil {
			return fmt.Errorf("saved-model-dir: %w", err)
		}
	}
	if len(trainer) == 0 {
		trainer = []string{"python3", filepath.Join(root, "train", "train.py")}
	}
	switch onFailure {
	case "":
		onFailure = failureContinue
	case failureContinue, failureHalt:
	default:
		return fmt.Errorf("on-failure must be %q or %q, got %q", failureContinue, failureHalt, onFailure)
	}

	shapeNames := spec.Shapes
	if names := shapeFlag.Values(); len(names) > 0 {
		shapeNames = names
	}
	var source shapeSource
	switch {
	case len(shapeNames) > 0 && spec.Dataset != nil:
		return fmt.Errorf("launch spec declares both a shape list and a dataset; pick one variant")
	case len(shapeNames) > 0:
		source = fixedList{names: shapeNames}
	case spec.Dataset != nil:
		if datasetRoot == "" {
			return fmt.Errorf("dataset root is required (set dataset.root in %s or dataset_root in a profile)", specAbs)
		}
		if datasetRoot, err = resolveUnder(datasetRoot); err != nil {
			return fmt.Errorf("dataset root: %w", err)
		}
		source = datasetGlob{
			root:       datasetRoot,
			categories: spec.Dataset.Categories,
			pattern:    spec.Dataset.Pattern,
		}
	default:
		return fmt.Errorf("launch spec declares no shapes (set shapes: or dataset: in %s)", specAbs)
	}

	shapes, err := source.Shapes()
	if err != nil {
		return err
	}

	// Extra trainer args are whatever remains after flags.
	extraArgs := fs.Args()
	if len(extraArgs) == 0 && len(spec.Args) > 0 {
		extraArgs = append([]string(nil), spec.Args...)
	}

	createdAt := time.Now().UTC()
	expName, err := experimentName(name, timestampFormat, time.Now())
	if err != nil {
		return err
	}
	plan := &launchPlan{
		Name:            name,
		SpecPath:        specAbs,
		Root:            root,
		ConfigPath:      configPath,
		LogRoot:         logRoot,
		ModelDir:        modelDir,
		Trainer:         trainer,
		SavedModelDir:   savedModelDir,
		OnFailure:       onFailure,
		TimestampFormat: timestampFormat,
		ExtraArgs:       extraArgs,
		ExperimentDir:   filepath.Join(logRoot, expName),
	}

	fmt.Printf("Workspace:  %s\n", plan.Root)
	fmt.Printf("Config:     %s\n", plan.ConfigPath)
	fmt.Printf("Experiment: %s\n", plan.ExperimentDir)
	fmt.Printf("Model dir:  %s\n", plan.ModelDir)
	fmt.Printf("Trainer:    %s\n", strings.Join(plan.Trainer, " "))
	fmt.Printf("Shapes:     %d\n", len(shapes))

	if dryRun {
		for i, sh := range shapes {
			fmt.Printf("[%d/%d] %s\n", i+1, len(shapes), sh.ID)
			fmt.Printf("  %s\n", strings.Join(trainerCommand(plan, sh), " "))
		}
		fmt.Println("Dry run; nothing was created or executed.")
		return nil
	}

	if err := archiveArtifacts(plan.ExperimentDir, plan.SpecPath, plan.ConfigPath); err != nil {
		return err
	}

	db, err := openDB()
	if err != nil {
		return fmt.Errorf("open DB: %w", err)
	}
	defer db.Close()

	snapshot := runSnapshot{
		Name:            name,
		SpecPath:        plan.SpecPath,
		ConfigPath:      plan.ConfigPath,
		Root:            plan.Root,
		LogRoot:         plan.LogRoot,
		ModelDir:        plan.ModelDir,
		Trainer:         plan.Trainer,
		Shapes:          shapeNames,
		Dataset:         spec.Dataset,
		SavedModelDir:   plan.SavedModelDir,
		OnFailure:       plan.OnFailure,
		TimestampFormat: plan.TimestampFormat,
		Args:            extraArgs,
		Profile:         profileName,
		ExperimentDir:   plan.ExperimentDir,
	}
	snapshotBytes, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal config snapshot: %w", err)
	}

	run := &Run{
		ID:             uuid.New().String(),
		Name:           name,
		SpecPath:       plan.SpecPath,
		ConfigPath:     plan.ConfigPath,
		ExperimentDir:  plan.ExperimentDir,
		ModelDir:       plan.ModelDir,
		Trainer:        strings.Join(plan.Trainer, " "),
		Status:         statusSubmitted,
		ShapesTotal:    len(shapes),
		CreatedAt:      createdAt,
		ConfigSnapshot: string(snapshotBytes),
	}
	if err := insertRun(db, run); err != nil {
		return err
	}
	fmt.Printf("Recorded run %s locally\n", run.ID)

	summary, runErr := runShapes(db, run.ID, plan, shapes)
	status := statusCompleted
	switch {
	case runErr != nil:
		status = statusFailed
	case summary.Halted:
		status = statusHalted
	case summary.Failed > 0:
		status = statusFailed
	}
	if err := finishRun(db, run.ID, status, summary.Failed, time.Now().UTC()); err != nil {
		return err
	}
	if runErr != nil {
		return runErr
	}

	if summary.Failed == 0 {
		fmt.Printf("All %d shape(s) trained; logs under %s\n", summary.Total, plan.ExperimentDir)
		return nil
	}
	fmt.Printf("Run finished with failures:\n")
	for _, f := range summary.Failures {
		fmt.Printf("  - %v\n", f)
	}
	if summary.Halted {
		return fmt.Errorf("halted after shape %s failed (%d of %d trained)",
			summary.Failures[len(summary.Failures)-1].shapeID, len(summary.Failures), summary.Total)
	}
	return fmt.Errorf("%d of %d shape(s) failed; see per-shape logs under %s", summary.Failed, summary.Total, plan.ExperimentDir)
}

func cmdList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: shaperun list\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	db, err := openDB()
	if err != nil {
		return fmt.Errorf("open DB: %w", err)
	}
	defer db.Close()

	runs, err := listRuns(db)
	if err != nil {
		return err
	}

	tty := isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
	fmt.Printf("%-10s %-25s %-10s %-8s %-20s\n", "ID", "NAME", "STATUS", "SHAPES", "CREATED")
	for _, run := range runs {
		shapes := fmt.Sprintf("%d", run.ShapesTotal)
		if run.ShapesFailed > 0 {
			shapes = fmt.Sprintf("%d/%d!", run.ShapesFailed, run.ShapesTotal)
		}
		created := ""
		if !run.CreatedAt.IsZero() {
			if tty {
				created = humanize.Time(run.CreatedAt)
			} else {
				created = run.CreatedAt.Format(time.RFC3339)
			}
		}
		fmt.Printf("%-10s %-25s %-10s %-8s %-20s\n", shortID(run.ID), run.Name, run.Status, shapes, created)
	}
	return nil
}

func cmdShow(args []string) error {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: shaperun show <id>\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return fmt.Errorf("id is required")
	}
	idStr := fs.Arg(0)

	db, err := openDB()
	if err != nil {
		return fmt.Errorf("open DB: %w", err)
	}
	defer db.Close()

	run, err := loadRunByID(db, idStr)
	if err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("no run with id %s", idStr)
		}
		return err
	}

	fmt.Printf("Run %s\n", run.ID)
	fmt.Println("-------------")
	fmt.Printf("Name:        %s\n", run.Name)
	fmt.Printf("Status:      %s\n", run.Status)
	fmt.Printf("Spec:        %s\n", run.SpecPath)
	fmt.Printf("Config:      %s\n", run.ConfigPath)
	fmt.Printf("Experiment:  %s\n", run.ExperimentDir)
	fmt.Printf("Model dir:   %s\n", run.ModelDir)
	fmt.Printf("Trainer:     %s\n", run.Trainer)
	fmt.Printf("Shapes:      %d total, %d failed\n", run.ShapesTotal, run.ShapesFailed)
	if !run.CreatedAt.IsZero() {
		fmt.Printf("Created at:  %s\n", run.CreatedAt.Format(time.RFC3339))
	} else {
		fmt.Printf("Created at:  (unknown)\n")
	}
	if !run.CompletedAt.IsZero() {
		fmt.Printf("Completed:   %s\n", run.CompletedAt.Format(time.RFC3339))
	}

	invs, err := loadInvocations(db, run.ID)
	if err != nil {
		return err
	}
	if len(invs) > 0 {
		fmt.Println("Invocations:")
		fmt.Printf("  %-20s %-10s %-6s %-20s\n", "SHAPE", "STATUS", "EXIT", "FINISHED")
		for _, inv := range invs {
			exit := "-"
			if inv.HasExit {
				exit = fmt.Sprintf("%d", inv.ExitCode)
			}
			finished := ""
			if !inv.FinishedAt.IsZero() {
				finished = inv.FinishedAt.Format(time.RFC3339)
			}
			fmt.Printf("  %-20s %-10s %-6s %-20s\n", inv.ShapeID, inv.Status, exit, finished)
		}
	}
	if run.ConfigSnapshot != "" {
		fmt.Println("Config snapshot:")
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, []byte(run.ConfigSnapshot), "  ", "  "); err == nil {
			fmt.Println(pretty.String())
		} else {
			fmt.Println(run.ConfigSnapshot)
		}
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
