package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/danmuck/lifelinetty/internal/config"
	"github.com/danmuck/lifelinetty/internal/link"
	"github.com/danmuck/lifelinetty/internal/logging"
	"github.com/danmuck/lifelinetty/internal/server"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

type flags struct {
	configPath string
	device     string
	baud       int
	logLevel   string
	initConfig string
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "lifelinectl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	f, err := parseFlags(args)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	logging.ConfigureRuntime()
	if f.logLevel != "" && !logging.SetLevel(f.logLevel) {
		return fmt.Errorf("unknown log level %q", f.logLevel)
	}

	if f.initConfig != "" {
		if err := config.WriteTemplate(f.initConfig, "daemon", false); err != nil {
			return err
		}
		log.Info().Str("path", f.initConfig).Msg("wrote config template")
		return nil
	}

	cfg, err := resolveConfig(f)
	if err != nil {
		return err
	}
	log.Info().
		Str("config", f.configPath).
		Str("device", cfg.Service.Device).
		Int("baud", cfg.Service.Serial.Baud).
		Uint32("node_id", cfg.Service.Negotiation.NodeID).
		Str("preference", cfg.Service.Negotiation.Preference.String()).
		Msg("loaded lifelinectl config")

	svc, err := link.NewService(cfg.Service, link.Options{
		Payload: func(line string) {
			fmt.Fprintln(os.Stdout, line)
		},
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	if cfg.AdminAddr != "" {
		admin := server.Appear(fmt.Sprintf("lifeline-%d", cfg.Service.Negotiation.NodeID), cfg.AdminAddr, cfg.CorsOrigins, svc)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := admin.Serve(ctx); err != nil {
				log.Error().Err(err).Str("addr", cfg.AdminAddr).Msg("admin server stopped")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		watchReload(ctx, f, svc)
	}()

	err = svc.Run(ctx)
	stop()
	wg.Wait()
	return err
}

func parseFlags(args []string) (flags, error) {
	var f flags
	fs := pflag.NewFlagSet("lifelinectl", pflag.ContinueOnError)
	fs.StringVarP(&f.configPath, "config", "c", "", "path to lifelinectl TOML config")
	fs.StringVar(&f.device, "device", "", "serial device path (overrides config)")
	fs.IntVar(&f.baud, "baud", 0, "serial baud rate (overrides config)")
	fs.StringVar(&f.logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	fs.StringVar(&f.initConfig, "init-config", "", "write a starter config to this path and exit")
	if err := fs.Parse(args); err != nil {
		return flags{}, err
	}
	if rest := fs.Args(); len(rest) > 0 {
		return flags{}, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	if fs.Changed("baud") && f.baud <= 0 {
		return flags{}, fmt.Errorf("--baud must be positive")
	}
	return f, nil
}

// resolveConfig loads the config file, then applies flag overrides.
func resolveConfig(f flags) (daemonConfig, error) {
	cfg, err := loadDaemonConfig(f.configPath)
	if err != nil {
		return daemonConfig{}, err
	}
	if f.device != "" {
		cfg.Service.Device = f.device
	}
	if f.baud > 0 {
		cfg.Service.Serial.Baud = f.baud
	}
	return cfg, nil
}

// watchReload re-reads the config on SIGHUP and applies the backoff delays.
// Other keys take effect on restart.
func watchReload(ctx context.Context, f flags, svc *link.Service) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			cfg, err := resolveConfig(f)
			if err != nil {
				log.Warn().Err(err).Msg("config reload failed; keeping current settings")
				continue
			}
			backoff := cfg.Service.Reliability.Backoff
			svc.UpdateBackoff(backoff.InitialDelay, backoff.MaxDelay)
		}
	}
}
