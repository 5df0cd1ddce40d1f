// cmd/calorie-log/main.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"mcp-calorie-log/internal/aggregate"
	"mcp-calorie-log/internal/config"
	"mcp-calorie-log/internal/imaging"
	"mcp-calorie-log/internal/inference"
	"mcp-calorie-log/internal/logger"
	"mcp-calorie-log/internal/server"
	"mcp-calorie-log/internal/storage"
	"mcp-calorie-log/internal/tracker"
)

var version = "1.0.0"

var CLI struct {
	Version kong.VersionFlag `help:"Show version."`
	Config  string           `help:"Config file path (defaults to CONFIG_PATH or ./config.yaml)." type:"path"`

	Serve     ServeCmd     `cmd:"" help:"Run the tool server." default:"1"`
	Scan      ScanCmd      `cmd:"" help:"Estimate nutrition for a photo."`
	Dashboard DashboardCmd `cmd:"" help:"Print today's dashboard as JSON."`
	Show      VersionCmd   `cmd:"" name:"version" help:"Print the version."`
}

// App is handed to every command's Run.
type App struct {
	Config *config.Config
	Log    *log.Logger
}

func (a *App) openStore() (*storage.SQLiteStorage, error) {
	store, err := storage.NewSQLiteStorage(a.Config.Storage.DBPath, a.Log,
		storage.WithProfileDefaults(a.Config.Goals.DailyCalorieGoal, a.Config.Goals.WeightKg))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	return store, nil
}

func (a *App) normalizer() *imaging.Normalizer {
	img := a.Config.Image
	return imaging.NewNormalizer(img.MaxWidth, img.Quality, imaging.WithMaxPixels(img.MaxPixels))
}

func (a *App) estimator() *inference.Client {
	return inference.NewClient(inference.Config{
		Endpoint: a.Config.Inference.Endpoint,
		APIKey:   a.Config.Inference.APIKey,
		Timeout:  a.Config.Inference.Timeout,
	}, a.Log)
}

func (a *App) newTracker(store *storage.SQLiteStorage) *tracker.Tracker {
	cfg := a.Config
	return tracker.New(tracker.Options{
		Store:      store,
		Feed:       store,
		Normalizer: a.normalizer(),
		Estimator:  a.estimator(),
		Targets: aggregate.MacroTargets{
			Carbs:   cfg.Goals.CarbsTarget,
			Protein: cfg.Goals.ProteinTarget,
			Fat:     cfg.Goals.FatTarget,
		},
		Location:         cfg.Tracker.Location(),
		Logger:           a.Log,
		DraftTTL:         cfg.Tracker.DraftTTL,
		MaxDraftsPerUser: cfg.Tracker.MaxDrafts,
	})
}

type ServeCmd struct{}

func (c *ServeCmd) Run(app *App) error {
	cfg := app.Config
	if cfg.Inference.APIKey == "" {
		app.Log.Warn("inference.api_key is not set; photo scans will fall back to manual entry")
	}

	store, err := app.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	srv, err := server.NewCalorieLogServer(&server.Config{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		BaseURL:      cfg.Server.BaseURL,
		DefaultUser:  cfg.Tracker.DefaultUser,
		Version:      version,
	}, app.newTracker(store), app.Log)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		app.Log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Stop(shutdownCtx)
	})

	return g.Wait()
}

type ScanCmd struct {
	File string `arg:"" help:"Photo to analyze (JPEG, PNG, GIF or WebP)." type:"existingfile"`
}

func (c *ScanCmd) Run(app *App) error {
	raw, err := os.ReadFile(c.File)
	if err != nil {
		return fmt.Errorf("failed to read photo: %w", err)
	}

	payload, err := app.normalizer().Normalize(raw)
	if err != nil {
		return err
	}
	est, err := app.estimator().Estimate(context.Background(), payload)
	if err != nil {
		return fmt.Errorf("%s: %w", tracker.ScanFailedNotice, err)
	}
	return printJSON(os.Stdout, est)
}

type DashboardCmd struct {
	User string `help:"User to show (defaults to tracker.default_user)."`
}

func (c *DashboardCmd) Run(app *App) error {
	store, err := app.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	user := c.User
	if user == "" {
		user = app.Config.Tracker.DefaultUser
	}

	dash, err := app.newTracker(store).Dashboard(context.Background(), user)
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, dash)
}

type VersionCmd struct{}

func (c *VersionCmd) Run(app *App) error {
	fmt.Printf("mcp-calorie-log version %s\n", version)
	return nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("calorie-log"),
		kong.Description("Meal logging and nutrition dashboards over MCP"),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)

	cfg, err := config.Load(CLI.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	appLog, closer, err := logger.New(logger.Config{
		Level: cfg.Log.Level,
		Dir:   cfg.Log.Dir,
		File:  cfg.Log.File,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	err = ctx.Run(&App{Config: cfg, Log: appLog})
	closer.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
