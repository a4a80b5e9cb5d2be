package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/deepnoodle-ai/conductor"
	"github.com/deepnoodle-ai/conductor/executors"
	"github.com/deepnoodle-ai/conductor/expr"
	"github.com/fatih/color"
)

// CLI configuration
type Config struct {
	DefinitionFile string
	Inputs         map[string]any
	CheckpointsDir string
	DataDir        string
	Tools          map[string]string
	Timeout        time.Duration
	Verbose        bool
	JSON           bool
	ValidateOnly   bool
	ShowRecords    bool
}

func main() {
	config := parseFlags()

	if config.DefinitionFile == "" {
		color.Red("Error: definition file is required")
		flag.Usage()
		os.Exit(1)
	}
	if _, err := os.Stat(config.DefinitionFile); os.IsNotExist(err) {
		color.Red("Error: definition file '%s' not found", config.DefinitionFile)
		os.Exit(1)
	}

	logger := setupLogger(config.Verbose)

	color.Blue("Loading definition from: %s", config.DefinitionFile)
	def, err := conductor.LoadFile(config.DefinitionFile)
	if err != nil {
		log.Fatalf("Failed to load definition: %v", err)
	}

	color.Cyan("Definition: %s", def.ID)
	if def.Description != "" {
		color.White("Description: %s", def.Description)
	}

	result := conductor.Validate(def)
	if !result.OK {
		color.Red("Definition has %d validation error(s):", len(result.Errors))
		for _, verr := range result.Errors {
			fmt.Printf("  - %s\n", verr.Error())
		}
		os.Exit(1)
	}
	if config.ValidateOnly {
		color.Green("Definition is valid")
		return
	}

	registry, err := createRegistry(config, logger)
	if err != nil {
		log.Fatalf("Failed to create executor registry: %v", err)
	}

	var checkpoints conductor.CheckpointStore
	if config.CheckpointsDir != "" {
		checkpoints, err = conductor.NewFileCheckpointStore(config.CheckpointsDir)
		if err != nil {
			log.Fatalf("Failed to create checkpoint store: %v", err)
		}
		color.Blue("Checkpoints: %s", config.CheckpointsDir)
	} else {
		checkpoints = conductor.NewMemoryCheckpointStore()
	}

	engine, err := conductor.NewEngine(conductor.EngineOptions{
		Registry:    registry,
		Checkpoints: checkpoints,
		Logger:      logger,
	})
	if err != nil {
		log.Fatalf("Failed to create engine: %v", err)
	}
	defer engine.Close()

	ctx := context.Background()
	if config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.Timeout)
		defer cancel()
		color.Yellow("Timeout: %v", config.Timeout)
	}

	published, err := engine.Publish(ctx, def)
	if err != nil {
		log.Fatalf("Failed to publish definition: %v", err)
	}

	startTime := time.Now()
	snapshot, err := engine.StartSync(ctx, published.ID, published.Version, config.Inputs)
	duration := time.Since(startTime)

	showResults(snapshot, err, duration, config)
	if snapshot != nil && snapshot.Status == conductor.StatusFailed {
		os.Exit(1)
	}
}

func parseFlags() *Config {
	config := &Config{
		Inputs: make(map[string]any),
		Tools:  make(map[string]string),
	}

	flag.StringVar(&config.DefinitionFile, "file", "", "Path to the YAML workflow definition file (required)")
	flag.StringVar(&config.DefinitionFile, "f", "", "Path to the YAML workflow definition file (shorthand)")

	var inputFlags stringSlice
	flag.Var(&inputFlags, "input", "Input variable in format key=value (can be used multiple times)")
	flag.Var(&inputFlags, "i", "Input variable in format key=value (shorthand)")

	var toolFlags stringSlice
	flag.Var(&toolFlags, "tool", "Tool endpoint in format name=url for external-call nodes (can be used multiple times)")

	flag.StringVar(&config.CheckpointsDir, "checkpoints", "", "Directory to store instance checkpoints (optional)")
	flag.StringVar(&config.CheckpointsDir, "c", "", "Directory to store instance checkpoints (shorthand)")

	flag.StringVar(&config.DataDir, "data", "", "Directory of JSON fixtures served to data-fetch nodes (optional)")

	flag.DurationVar(&config.Timeout, "timeout", 0, "Execution timeout (e.g., 30s, 5m, 1h)")
	flag.DurationVar(&config.Timeout, "t", 0, "Execution timeout (shorthand)")

	flag.BoolVar(&config.Verbose, "verbose", false, "Enable verbose logging")
	flag.BoolVar(&config.Verbose, "v", false, "Enable verbose logging (shorthand)")

	flag.BoolVar(&config.JSON, "json", false, "Output results in JSON format")
	flag.BoolVar(&config.ValidateOnly, "validate", false, "Validate the definition and exit")
	flag.BoolVar(&config.ShowRecords, "show-records", false, "Show per-node execution records after the run")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `Conductor CLI - Execute YAML-defined workflow graphs

Usage: %s [options] -file <workflow.yaml>

Examples:
  # Validate a definition
  %s -file order.yaml -validate

  # Execute with inputs and durable checkpoints
  %s -file order.yaml -input customer_id=c-42 -checkpoints ./checkpoints

  # Execute with local data fixtures and a tool endpoint
  %s -file order.yaml -data ./fixtures -tool erp.confirm=http://localhost:8080/confirm

Options:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
		flag.PrintDefaults()

		fmt.Fprintf(os.Stderr, `
Capabilities:
  data-fetch     - Query JSON fixtures from the -data directory
  transform      - Evaluate Risor expressions over instance variables
  decision-call  - Evaluate the policy as a Risor expression locally
  external-call  - POST to the endpoint registered with -tool
  control-flow   - Guarded routing, fan-out, joins, bounded loops
  human-gate     - Suspends the instance; resolve via the engine API

Input Format:
  Use -input key=value for each input variable.
  Values are parsed as JSON if possible, otherwise as strings.

`)
	}

	flag.Parse()

	for _, input := range inputFlags {
		key, value, ok := strings.Cut(input, "=")
		if !ok {
			fmt.Fprintf(os.Stderr, "Error: invalid input format '%s'. Use key=value\n", input)
			os.Exit(1)
		}
		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err != nil {
			parsed = value
		}
		config.Inputs[key] = parsed
	}

	for _, tool := range toolFlags {
		name, url, ok := strings.Cut(tool, "=")
		if !ok {
			fmt.Fprintf(os.Stderr, "Error: invalid tool format '%s'. Use name=url\n", tool)
			os.Exit(1)
		}
		config.Tools[name] = url
	}

	return config
}

// Custom flag type for handling repeated values
type stringSlice []string

func (s *stringSlice) String() string {
	return strings.Join(*s, ", ")
}

func (s *stringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

func setupLogger(verbose bool) *slog.Logger {
	if verbose {
		return conductor.NewLogger()
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func createRegistry(config *Config, logger *slog.Logger) (*conductor.Registry, error) {
	compiler := expr.NewRisorCompiler(expr.RisorCompilerOptions{})

	transform, err := executors.NewTransform(executors.TransformOptions{Compiler: compiler})
	if err != nil {
		return nil, err
	}
	fetch, err := executors.NewDataFetch(executors.DataFetchOptions{
		Source: &fixtureDataSource{dir: config.DataDir},
	})
	if err != nil {
		return nil, err
	}
	decide, err := executors.NewDecisionCall(executors.DecisionCallOptions{
		Service: &localJudge{compiler: compiler},
	})
	if err != nil {
		return nil, err
	}
	call, err := executors.NewExternalCall(executors.ExternalCallOptions{
		Gateway: &httpToolGateway{
			endpoints: config.Tools,
			client:    &http.Client{Timeout: 30 * time.Second},
			logger:    logger,
		},
	})
	if err != nil {
		return nil, err
	}
	return conductor.NewRegistry(transform, fetch, decide, call)
}

// fixtureDataSource serves data-fetch queries from JSON files: the query name
// resolves to <dir>/<name>.json holding an array of row objects.
type fixtureDataSource struct {
	dir string
}

func (s *fixtureDataSource) Query(ctx context.Context, query string, params map[string]any) ([]map[string]any, error) {
	if s.dir == "" {
		return nil, fmt.Errorf("no -data directory configured for query %q", query)
	}
	path := filepath.Join(s.dir, query+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture %s: %w", path, err)
	}
	var rows []map[string]any
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("fixture %s is not an array of objects: %w", path, err)
	}
	return rows, nil
}

// localJudge evaluates the decision policy as a Risor expression over the
// node's inputs. Real deployments plug in a remote judgment service instead.
type localJudge struct {
	compiler expr.Compiler
}

func (j *localJudge) Decide(ctx context.Context, policy string, inputs map[string]any) (*executors.Verdict, error) {
	compiled, err := j.compiler.Compile(ctx, policy)
	if err != nil {
		return nil, fmt.Errorf("failed to compile policy: %w", err)
	}
	value, err := compiled.Evaluate(ctx, map[string]any{
		"inputs": inputs,
		"state":  inputs,
	})
	if err != nil {
		return nil, fmt.Errorf("policy evaluation failed: %w", err)
	}
	return &executors.Verdict{Result: value.Value(), Confidence: 1.0}, nil
}

// httpToolGateway POSTs external-call arguments as JSON to the endpoint
// registered for the tool. The idempotency key travels as a header so the
// receiving system can deduplicate retried attempts.
type httpToolGateway struct {
	endpoints map[string]string
	client    *http.Client
	logger    *slog.Logger
}

func (g *httpToolGateway) Invoke(ctx context.Context, tool string, args map[string]any, idempotencyKey string) (*executors.ToolResult, error) {
	endpoint, ok := g.endpoints[tool]
	if !ok {
		return nil, fmt.Errorf("no endpoint registered for tool %q (use -tool %s=url)", tool, tool)
	}
	body, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)

	start := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("tool %q returned status %d: %s", tool, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	g.logger.Debug("tool invoked", "tool", tool, "status", resp.StatusCode)

	var output any
	if err := json.Unmarshal(data, &output); err != nil {
		output = string(data)
	}
	return &executors.ToolResult{Output: output, Latency: time.Since(start)}, nil
}

func showResults(snapshot *conductor.InstanceSnapshot, err error, duration time.Duration, config *Config) {
	if snapshot == nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}

	color.White("Instance %s finished in %v", snapshot.InstanceID, duration)
	switch snapshot.Status {
	case conductor.StatusCompleted:
		color.Green("Status: %s", snapshot.Status)
	case conductor.StatusWaiting:
		color.Yellow("Status: %s", snapshot.Status)
		for _, wait := range snapshot.PendingWaits {
			line := fmt.Sprintf("  waiting at node %q (%s)", wait.NodeID, wait.Kind)
			if wait.Event != "" {
				line += fmt.Sprintf(" for event %q", wait.Event)
			}
			if !wait.Deadline.IsZero() {
				line += fmt.Sprintf(" until %s", wait.Deadline.Format(time.RFC3339))
			}
			fmt.Println(line)
		}
		color.White("Resume with DeliverEvent or ResolveApproval against instance %s", snapshot.InstanceID)
	default:
		color.Red("Status: %s", snapshot.Status)
		if snapshot.Reason != nil {
			color.Red("Reason: node %q: %s (%s)", snapshot.Reason.NodeID, snapshot.Reason.Message, snapshot.Reason.Kind)
		}
	}
	if err != nil {
		color.Red("Error: %v", err)
	}

	if config.ShowRecords {
		fmt.Printf("\n")
		color.Magenta("Records:")
		for _, record := range snapshot.Records {
			fmt.Printf("  %s attempt %d: %s\n", record.NodeID, record.Attempt, record.Status)
		}
	}

	if len(snapshot.Variables) > 0 {
		fmt.Printf("\n")
		color.Magenta("Variables:")
		if config.JSON {
			data, err := json.MarshalIndent(snapshot.Variables, "", "  ")
			if err != nil {
				fmt.Printf("Error formatting variables: %v\n", err)
			} else {
				fmt.Println(string(data))
			}
		} else {
			for key, value := range snapshot.Variables {
				if data, err := json.Marshal(value); err == nil {
					fmt.Printf("  %s: %s\n", key, string(data))
				} else {
					fmt.Printf("  %s: %v\n", key, value)
				}
			}
		}
	}
}
