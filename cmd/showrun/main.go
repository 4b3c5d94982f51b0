// Command showrun runs declarative browser-automation task packs.
//
// Subcommands:
//
//	run <pack-dir>       execute a pack once and print the result JSON
//	serve [-packs dir]   expose packs and the result store as MCP tools on stdio
//	versions <op> <dir>  manage a pack's saved flow versions
//	secrets <pack-dir>   list declared secrets and whether each is set
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/showrun/showrun"
	rodbrowser "github.com/showrun/showrun/browser/rod"
	"github.com/showrun/showrun/engine"
	"github.com/showrun/showrun/internal/config"
	"github.com/showrun/showrun/mcp"
	"github.com/showrun/showrun/observer"
	"github.com/showrun/showrun/replay"
	"github.com/showrun/showrun/resultstore"
	"github.com/showrun/showrun/resultstore/postgres"
	"github.com/showrun/showrun/resultstore/sqlite"
	"github.com/showrun/showrun/versions"
)

const version = "0.1.0"

func usage() {
	fmt.Fprintf(os.Stderr, `usage: showrun <command> [arguments]

commands:
  run <pack-dir>       execute a task pack once
  serve                serve packs as MCP tools over stdio
  versions <op> <dir>  save | list | restore a pack's flow versions
  secrets <pack-dir>   list declared secrets
`)
	os.Exit(2)
}

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmsgprefix)
	log.SetPrefix("[showrun] ")
	log.SetOutput(os.Stderr)

	if len(os.Args) < 2 {
		usage()
	}

	switch os.Args[1] {
	case "run":
		cmdRun(os.Args[2:])
	case "serve":
		cmdServe(os.Args[2:])
	case "versions":
		cmdVersions(os.Args[2:])
	case "secrets":
		cmdSecrets(os.Args[2:])
	default:
		usage()
	}
}

func cmdRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path (default showrun.toml)")
	inputsJSON := fs.String("inputs", "{}", "run inputs as a JSON object")
	profile := fs.String("profile", "", "browser profile id")
	headed := fs.Bool("headed", false, "run with a visible browser window")
	noHTTP := fs.Bool("no-http", false, "force the browser path even when snapshots qualify")
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: showrun run [flags] <pack-dir>")
		os.Exit(2)
	}
	packDir := fs.Arg(0)

	cfg := config.Load(*configPath)

	pack, err := showrun.LoadPack(packDir)
	if err != nil {
		fatal(err)
	}

	var inputs map[string]any
	if err := json.Unmarshal([]byte(*inputsJSON), &inputs); err != nil {
		fatal(fmt.Errorf("parse -inputs: %w", err))
	}

	provider, err := openResultStore(cfg, packDir)
	if err != nil {
		fatal(err)
	}
	defer provider.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts, shutdown, err := runOptions(ctx, cfg, provider)
	if err != nil {
		fatal(err)
	}
	if shutdown != nil {
		defer shutdown()
	}
	opts.RunDir = filepath.Join(cfg.Engine.CacheDir, "runs", pack.ID, showrun.NewID())
	opts.ProfileID = *profile
	if *headed {
		opts.Headless = false
	}
	opts.DisableHTTPMode = *noHTTP

	result, err := engine.RunTaskPack(ctx, pack, inputs, opts)
	if err != nil {
		fatal(err)
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		fatal(err)
	}
	fmt.Println(string(out))
}

func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path (default showrun.toml)")
	packsDir := fs.String("packs", ".", "directory containing task pack subdirectories")
	fs.Parse(args)

	cfg := config.Load(*configPath)

	packs, err := loadPacks(*packsDir)
	if err != nil {
		fatal(err)
	}
	if len(packs) == 0 {
		fatal(fmt.Errorf("no task packs found under %s", *packsDir))
	}

	provider, err := openResultStore(cfg, *packsDir)
	if err != nil {
		fatal(err)
	}
	defer provider.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts, shutdown, err := runOptions(ctx, cfg, provider)
	if err != nil {
		fatal(err)
	}
	if shutdown != nil {
		defer shutdown()
	}

	limiter := showrun.NewLimiter(cfg.Engine.RunConcurrency)
	baseRunDir := filepath.Join(cfg.Engine.CacheDir, "runs")

	srv := mcp.New("showrun", version)
	mcp.RegisterPackTools(srv, packs, baseRunDir, opts, limiter)
	mcp.RegisterResultTools(srv, provider)

	log.Printf("serving %d pack(s) over stdio", len(packs))
	if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
		fatal(err)
	}
}

func cmdVersions(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: showrun versions <save|list|restore> <pack-dir> [flags]")
		os.Exit(2)
	}
	op, packDir := args[0], args[1]

	switch op {
	case "save":
		fs := flag.NewFlagSet("versions save", flag.ExitOnError)
		label := fs.String("label", "", "version label")
		fs.Parse(args[2:])
		v, err := versions.SaveVersion(packDir, versions.SaveOptions{Label: *label, Source: "cli"})
		if err != nil {
			fatal(err)
		}
		fmt.Printf("saved version %d\n", v.Number)

	case "list":
		list, err := versions.ListVersions(packDir)
		if err != nil {
			fatal(err)
		}
		for _, v := range list {
			label := v.Label
			if label == "" {
				label = "-"
			}
			fmt.Printf("%4d  %s  %-10s  %s\n", v.Number, v.Timestamp, v.Source, label)
		}

	case "restore":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: showrun versions restore <pack-dir> <number>")
			os.Exit(2)
		}
		n, err := strconv.Atoi(args[2])
		if err != nil {
			fatal(fmt.Errorf("version number: %w", err))
		}
		if err := versions.RestoreVersion(packDir, n); err != nil {
			fatal(err)
		}
		fmt.Printf("restored version %d\n", n)

	default:
		fmt.Fprintln(os.Stderr, "usage: showrun versions <save|list|restore> <pack-dir>")
		os.Exit(2)
	}
}

func cmdSecrets(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: showrun secrets <pack-dir>")
		os.Exit(2)
	}
	infos, err := showrun.GetSecretNamesWithValues(args[0])
	if err != nil {
		fatal(err)
	}
	for _, s := range infos {
		state := "unset"
		if s.IsSet {
			state = "set"
		}
		fmt.Printf("%-24s %-6s %s\n", s.Name, state, s.Description)
	}
}

// runOptions assembles the engine options shared by run and serve. The
// returned shutdown func flushes the observer pipeline when tracing is on.
func runOptions(ctx context.Context, cfg config.Config, provider resultstore.Provider) (engine.RunOptions, func(), error) {
	opts := engine.RunOptions{
		Logger:         slog.New(slog.NewTextHandler(os.Stderr, nil)),
		Headless:       cfg.Browser.Headless,
		Launcher:       rodbrowser.New(),
		Results:        provider,
		SnapshotMaxAge: time.Duration(cfg.Snapshot.MaxAgeDays) * 24 * time.Hour,
	}

	// Credentials only; each run applies them iff its pack's browser.proxy
	// block opts in.
	if cfg.Proxy.Username != "" {
		opts.ProxyProvider = cfg.Proxy.Provider
		opts.Proxy = replay.ProxyConfig{
			Username: cfg.Proxy.Username,
			Password: cfg.Proxy.Password,
		}
	}

	var shutdown func()
	if cfg.Observer.Enabled {
		if cfg.Observer.Endpoint != "" {
			os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Observer.Endpoint)
		}
		_, stop, err := observer.Init(ctx)
		if err != nil {
			return opts, nil, err
		}
		opts.Tracer = observer.NewTracer()
		shutdown = func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := stop(flushCtx); err != nil {
				log.Printf("observer shutdown: %v", err)
			}
		}
	}

	return opts, shutdown, nil
}

// openResultStore builds the configured provider. Relative sqlite paths
// resolve against baseDir.
func openResultStore(cfg config.Config, baseDir string) (resultstore.Provider, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch cfg.Results.Provider {
	case "memory":
		return resultstore.NewMemory(), nil

	case "sqlite", "":
		path := cfg.Results.Path
		if path == "" {
			path = "results.db"
		}
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		p := sqlite.New(path)
		if err := p.Init(ctx); err != nil {
			return nil, err
		}
		return p, nil

	case "postgres":
		if cfg.Results.PostgresURL == "" {
			return nil, fmt.Errorf("results provider postgres requires postgres_url")
		}
		pool, err := pgxpool.New(ctx, cfg.Results.PostgresURL)
		if err != nil {
			return nil, err
		}
		p := postgres.New(pool)
		if err := p.Init(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return p, nil

	default:
		return nil, fmt.Errorf("unknown results provider %q", cfg.Results.Provider)
	}
}

// loadPacks finds task packs directly under dir: dir itself when it holds a
// manifest, otherwise each immediate subdirectory that does.
func loadPacks(dir string) ([]*showrun.TaskPack, error) {
	if _, err := os.Stat(filepath.Join(dir, showrun.ManifestFile)); err == nil {
		pack, err := showrun.LoadPack(dir)
		if err != nil {
			return nil, err
		}
		return []*showrun.TaskPack{pack}, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var packs []*showrun.TaskPack
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sub := filepath.Join(dir, e.Name())
		if _, err := os.Stat(filepath.Join(sub, showrun.ManifestFile)); err != nil {
			continue
		}
		pack, err := showrun.LoadPack(sub)
		if err != nil {
			return nil, fmt.Errorf("load pack %s: %w", e.Name(), err)
		}
		packs = append(packs, pack)
	}
	return packs, nil
}

func fatal(err error) {
	log.Fatal(showrun.RedactError(err))
}
