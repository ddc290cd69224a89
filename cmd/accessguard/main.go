// Command accessguard runs the protection service and its maintenance
// commands.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"accessguard/internal/app"
	"accessguard/internal/config"
	"accessguard/internal/evidence"
	"accessguard/internal/infrastructure"
	"accessguard/internal/license"
	handlers "accessguard/internal/transport/http"
)

const usage = `usage: accessguard <command> [flags]

commands:
  serve       run the HTTP service (default)
  status      print the license status
  activate    activate a license key on this device
  deactivate  release this device from the license
  verify      compare this device with its stored identity
  evidence    print or export the evidence logs
  version     print the build version
`

var errUsage = errors.New("invalid usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		slog.Error("accessguard failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// run dispatches args to a subcommand. Command output goes to stdout, logs
// of the maintenance commands to stderr.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cmd := "serve"
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to the YAML config file")

	var (
		key, email       string
		logName, xlsxOut string
	)
	switch cmd {
	case "activate":
		fs.StringVar(&key, "key", "", "license key (LIC-XXXX-XXXX-XXXX-XXXX)")
		fs.StringVar(&email, "email", "", "email registered with the license")
	case "evidence":
		fs.StringVar(&logName, "log", "", "only this log ("+evidence.LogViolations+" or "+evidence.LogSecurity+")")
		fs.StringVar(&xlsxOut, "export", "", "write an .xlsx workbook to this path instead of printing")
	case "serve", "status", "deactivate", "verify":
	case "version":
		fmt.Fprintf(stdout, "%s %s %s\n", app.AppName, app.Version, app.BuildTime)
		return nil
	case "help":
		fmt.Fprint(stdout, usage)
		return nil
	default:
		fmt.Fprint(stderr, usage)
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %w", errUsage, err)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	if cmd == "serve" {
		return serve(ctx, cfg)
	}

	logger, err := infrastructure.NewLogger(cfg.Logging, stderr)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer infrastructure.CloseLogFile()

	// One trace id per invocation ties its log lines together.
	ctx = infrastructure.EnsureTraceID(ctx)
	a, err := app.New(ctx, cfg, app.Options{Logger: logger})
	if err != nil {
		return err
	}
	defer a.Stop(context.WithoutCancel(ctx))

	out := json.NewEncoder(stdout)
	out.SetIndent("", "  ")

	switch cmd {
	case "status":
		return out.Encode(statusOf(ctx, a))
	case "activate":
		if key == "" {
			return fmt.Errorf("%w: -key is required", errUsage)
		}
		lic, err := a.License.Activate(ctx, license.ActivationRequest{Key: key, Email: email})
		if err != nil {
			return err
		}
		return out.Encode(&handlers.LicenseView{License: lic, Key: license.MaskKey(lic.Key)})
	case "deactivate":
		if err := a.License.DeactivateCurrentDevice(ctx); err != nil {
			return err
		}
		return out.Encode(statusOf(ctx, a))
	case "verify":
		result, err := a.Identity.Verify(ctx)
		if err != nil {
			return err
		}
		return out.Encode(result)
	case "evidence":
		if xlsxOut != "" {
			return exportEvidence(ctx, a.Evidence, xlsxOut)
		}
		return printEvidence(ctx, out, a.Evidence, logName)
	}
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Load()
	}
	return config.LoadFile(path)
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer infrastructure.CloseLogFile()

	a, err := app.New(ctx, cfg, app.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	return a.Run(ctx)
}

func statusOf(ctx context.Context, a *app.Application) handlers.StatusResponse {
	result := a.License.Status(ctx)
	resp := handlers.StatusResponse{
		Status:        result.Status,
		DaysRemaining: result.DaysRemaining,
		DeviceID:      result.DeviceID,
		HasAuthority:  a.License.HasAuthority(),
	}
	if result.License != nil {
		resp.License = &handlers.LicenseView{License: result.License, Key: license.MaskKey(result.License.Key)}
	}
	return resp
}

func printEvidence(ctx context.Context, out *json.Encoder, book *evidence.Book, name string) error {
	logs := book.Logs()
	if name != "" {
		l, err := book.Log(name)
		if err != nil {
			return fmt.Errorf("%w: %w", errUsage, err)
		}
		logs = []*evidence.Log{l}
	}

	result := make([]handlers.LogResponse, 0, len(logs))
	for _, l := range logs {
		entries, err := l.ReadAll(ctx)
		if err != nil {
			return err
		}
		if entries == nil {
			entries = []evidence.Entry{}
		}
		result = append(result, handlers.LogResponse{
			Log:      l.Name(),
			Capacity: l.Capacity(),
			Count:    len(entries),
			Entries:  entries,
		})
	}
	return out.Encode(result)
}

func exportEvidence(ctx context.Context, book *evidence.Book, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create export file: %w", err)
	}
	if err := evidence.ExportXLSX(ctx, f, book); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
