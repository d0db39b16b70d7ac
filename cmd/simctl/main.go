package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/danmuck/simctl/internal/client"
	"github.com/danmuck/simctl/internal/command"
	"github.com/danmuck/simctl/internal/engine"
	"github.com/danmuck/simctl/internal/fixture"
	"github.com/danmuck/simctl/internal/logging"
	"github.com/danmuck/simctl/internal/observability"
	"github.com/danmuck/simctl/internal/sim"
	"github.com/danmuck/simctl/internal/table"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

func main() {
	log.Logger = observability.InitLogger("simctl")
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "simctl: %v\n", err)
		os.Exit(1)
	}
}

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:                      "simctl",
		Usage:                     "serve a simulation model graph and drive it remotely",
		Writer:                    out,
		DisableSliceFlagSeparator: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a TOML config file.",
				EnvVars: []string{"SIMCTL_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "transport",
				Usage: "Transport to use. One of [unix,tcp,ws].",
			},
			&cli.StringFlag{
				Name:  "address",
				Usage: "Socket path for unix, host:port for tcp and ws.",
			},
			&cli.StringFlag{
				Name:    "auth-token",
				Usage:   "Bearer token for the ws session endpoint.",
				EnvVars: []string{"SIMCTL_AUTH_TOKEN"},
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Log at debug level; run sends the verbose option to simulations.",
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			runCommand(),
			readCommand(),
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "serve the model graph until interrupted",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "keep-alive",
				Usage: "Accept another connection after one closes.",
				Value: true,
			},
			&cli.StringFlag{
				Name:  "workspace",
				Usage: "Workspace YAML file with the model graph and seed tables. Uses the built-in workspace when empty.",
			},
			&cli.IntFlag{
				Name:  "max-cpu-count",
				Usage: "Parallelism for commands that leave it unset. Zero uses every CPU.",
			},
			&cli.StringFlag{
				Name:  "metrics-address",
				Usage: "Address for /health and /metrics on the unix and tcp transports.",
			},
			&cli.StringSliceFlag{
				Name:  "cors-origin",
				Usage: "Browser origin allowed to call the HTTP endpoints. Repeatable.",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := resolveConfig(c)
			if err != nil {
				return err
			}
			if c.IsSet("keep-alive") {
				cfg.Service.KeepAlive = c.Bool("keep-alive")
			}
			if c.IsSet("workspace") {
				cfg.Workspace = c.String("workspace")
			}
			if c.IsSet("max-cpu-count") {
				cfg.MaxCPUCount = c.Int("max-cpu-count")
			}
			if c.IsSet("metrics-address") {
				cfg.Service.MetricsAddress = c.String("metrics-address")
			}
			if c.IsSet("cors-origin") {
				cfg.Service.CORSOrigins = c.StringSlice("cors-origin")
				if err := engine.ValidateCORSOrigins(cfg.Service.CORSOrigins); err != nil {
					return err
				}
			}

			ws, err := loadWorkspace(cfg.Workspace)
			if err != nil {
				return err
			}
			store := table.NewMemoryStore()
			ws.Seed(store)
			scheduler := sim.NewLocalScheduler(sim.DefaultRegistry(), store)
			exec := engine.NewExecutor(ws.Tree, scheduler, store, cfg.MaxCPUCount)
			svc := engine.NewService(cfg.Service, exec)

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			log.Info().
				Int("simulations", len(ws.Tree.Simulations())).
				Int("tables", len(ws.Tables)).
				Int("max_cpu_count", cfg.MaxCPUCount).
				Msg("simctl serve starting")
			return svc.Run(ctx)
		},
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "apply replacements and run simulations",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "set",
				Usage: "Property replacement as path=value. Repeatable.",
			},
			&cli.StringSliceFlag{
				Name:  "model",
				Usage: "Model replacement as path=file.yaml. Repeatable; applied before --set.",
			},
			&cli.StringSliceFlag{
				Name:  "sim",
				Usage: "Simulation to run. Repeatable; runs every simulation when omitted.",
			},
			&cli.IntFlag{
				Name:  "processors",
				Usage: "Parallelism for this run. Zero or less uses the service default.",
			},
			&cli.BoolFlag{
				Name:  "report-invalid-views",
				Usage: "Fail simulations whose report variables do not resolve.",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := resolveConfig(c)
			if err != nil {
				return err
			}
			cmd, err := buildRunCommand(
				cfg.Verbose,
				c.Bool("report-invalid-views"),
				c.Int("processors"),
				c.StringSlice("model"),
				c.StringSlice("set"),
				c.StringSlice("sim"),
			)
			if err != nil {
				return err
			}
			return withClient(c, cfg, func(ctx context.Context, cl *client.Client) error {
				start := time.Now()
				if err := cl.Run(ctx, cmd); err != nil {
					return err
				}
				fmt.Fprintf(c.App.Writer, "finished in %s\n", time.Since(start).Round(time.Millisecond))
				return nil
			})
		},
	}
}

func readCommand() *cli.Command {
	return &cli.Command{
		Name:      "read",
		Usage:     "read a result table",
		ArgsUsage: "TABLE [COLUMN...]",
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return fmt.Errorf("read: table name required")
			}
			cfg, err := resolveConfig(c)
			if err != nil {
				return err
			}
			args := c.Args().Slice()
			cmd := command.NewReadCommand(args[0], args[1:]...)
			return withClient(c, cfg, func(ctx context.Context, cl *client.Client) error {
				t, err := cl.Read(ctx, cmd)
				if err != nil {
					return err
				}
				return writeTable(c.App.Writer, t)
			})
		},
	}
}

// resolveConfig layers the config file and then global flags over the defaults.
func resolveConfig(c *cli.Context) (runtimeConfig, error) {
	cfg := defaultRuntimeConfig()
	if path := strings.TrimSpace(c.String("config")); path != "" {
		loaded, err := loadConfig(path)
		if err != nil {
			return runtimeConfig{}, err
		}
		cfg = loaded
	}
	if c.IsSet("transport") {
		t, err := engine.ParseTransport(c.String("transport"))
		if err != nil {
			return runtimeConfig{}, err
		}
		cfg.Service.Transport = t
	}
	if c.IsSet("address") {
		cfg.Service.Address = strings.TrimSpace(c.String("address"))
	}
	if c.IsSet("auth-token") {
		cfg.Service.AuthToken = strings.TrimSpace(c.String("auth-token"))
	}
	if c.IsSet("verbose") {
		cfg.Verbose = c.Bool("verbose")
	}
	logging.SetVerbose(cfg.Verbose)
	return cfg, nil
}

func withClient(c *cli.Context, cfg runtimeConfig, fn func(context.Context, *client.Client) error) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	cl, err := client.Dial(ctx, cfg.clientConfig())
	if err != nil {
		return err
	}
	defer cl.Close()
	return fn(ctx, cl)
}

func loadWorkspace(path string) (*fixture.Workspace, error) {
	if strings.TrimSpace(path) == "" {
		return fixture.Default(), nil
	}
	return fixture.Load(path)
}

func buildRunCommand(verbose, reportInvalidViews bool, processors int, models, sets, sims []string) (command.RunCommand, error) {
	reps := make([]command.Replacement, 0, len(models)+len(sets))
	for _, m := range models {
		path, file, err := parseAssignment(m)
		if err != nil {
			return command.RunCommand{}, fmt.Errorf("--model: %w", err)
		}
		node, err := fixture.LoadNode(file)
		if err != nil {
			return command.RunCommand{}, fmt.Errorf("--model %s: %w", path, err)
		}
		reps = append(reps, command.NewModelReplacement(path, node))
	}
	for _, s := range sets {
		path, raw, err := parseAssignment(s)
		if err != nil {
			return command.RunCommand{}, fmt.Errorf("--set: %w", err)
		}
		reps = append(reps, command.NewPropertyReplacement(path, parseScalar(raw)))
	}
	cmd := command.NewRunCommand(verbose, reportInvalidViews, processors, reps, sims)
	if err := cmd.Validate(); err != nil {
		return command.RunCommand{}, err
	}
	return cmd, nil
}

func parseAssignment(s string) (string, string, error) {
	path, value, ok := strings.Cut(s, "=")
	path = strings.TrimSpace(path)
	if !ok || path == "" {
		return "", "", fmt.Errorf("expected path=value, got %q", s)
	}
	return path, value, nil
}

// parseScalar reads a flag value as a bool, integer, float or date, falling back
// to the raw string. The service coerces it to the property's current type.
func parseScalar(raw string) any {
	s := strings.TrimSpace(raw)
	if b, err := strconv.ParseBool(s); err == nil && strings.ContainsAny(s[:1], "tTfF") {
		return b
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return raw
}

func writeTable(w io.Writer, t *table.Table) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	names := make([]string, len(t.Columns))
	for i, col := range t.Columns {
		names[i] = col.Name
	}
	fmt.Fprintln(tw, strings.Join(names, "\t"))
	cells := make([]string, len(t.Columns))
	for _, row := range t.Rows {
		for i := range cells {
			cells[i] = ""
			if i < len(row) {
				cells[i] = formatCell(row[i])
			}
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	return tw.Flush()
}

func formatCell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case time.Time:
		if x.Hour() == 0 && x.Minute() == 0 && x.Second() == 0 && x.Nanosecond() == 0 {
			return x.Format("2006-01-02")
		}
		return x.Format(time.RFC3339)
	default:
		return fmt.Sprint(x)
	}
}
