package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/goccy/go-yaml"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/tokmz/beacon"
	"github.com/tokmz/beacon/pkg/config"
)

type cliArgs struct {
	ConfigFile string
	LogLevel   string
	JSONLog    bool
}

func main() {
	if err := newCLI().RunContext(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "beacon: %v\n", err)
		os.Exit(1)
	}
}

func newCLI() *cli.App {
	args := &cliArgs{}
	return &cli.App{
		Name:    "beacon",
		Usage:   "realtime hub for the emergency-response platform",
		Version: beacon.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "config file; beacon.yaml in . or /etc/beacon when empty",
				EnvVars:     []string{"BEACON_CONFIG"},
				Destination: &args.ConfigFile,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Aliases:     []string{"l"},
				Usage:       "override log.level: [debug info warn error]",
				EnvVars:     []string{"LOG_LEVEL"},
				Destination: &args.LogLevel,
			},
			&cli.BoolFlag{
				Name:        "json-log",
				Aliases:     []string{"j"},
				Usage:       "force JSON log output",
				EnvVars:     []string{"LOG_AS_JSON"},
				Destination: &args.JSONLog,
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run the websocket hub and HTTP API",
				Action: func(c *cli.Context) error {
					return serve(c, args)
				},
			},
			{
				Name:  "config",
				Usage: "inspect configuration",
				Subcommands: []*cli.Command{
					{
						Name:  "print",
						Usage: "print the effective configuration as YAML",
						Action: func(c *cli.Context) error {
							return printConfig(c, args)
						},
					},
				},
			},
		},
	}
}

// applyFlags 命令行参数覆盖配置文件
func applyFlags(cfg *beacon.AppConfig, args *cliArgs) {
	if args.LogLevel != "" {
		cfg.Log.Level = args.LogLevel
	}
	if args.JSONLog {
		cfg.Log.Format = "json"
	}
}

func serve(c *cli.Context, args *cliArgs) error {
	var current atomic.Pointer[beacon.App]
	var mgr *config.Config

	mgr, appCfg, err := beacon.LoadConfig(args.ConfigFile,
		config.WithAutoWatch(true),
		config.WithOnChange(func() {
			app := current.Load()
			if app == nil {
				return
			}
			next, err := beacon.DecodeConfig(mgr)
			if err != nil {
				mgr.ReportError(err)
				return
			}
			applyFlags(next, args)
			if err := app.SetLogLevel(next.Log.Level); err != nil {
				mgr.ReportError(err)
			}
		}),
	)
	if err != nil {
		return err
	}
	defer mgr.Close()
	applyFlags(appCfg, args)

	log, err := beacon.NewLogger(appCfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := beacon.NewApp(ctx, appCfg, log)
	if err != nil {
		log.Error("startup failed", zap.Error(err))
		return err
	}
	current.Store(app)

	log.Info("beacon starting",
		zap.String("version", beacon.Version),
		zap.String("config", mgr.ConfigFileUsed()),
		zap.String("addr", appCfg.Server.Addr),
	)
	if err := app.Run(ctx); err != nil {
		log.Error("beacon stopped with error", zap.Error(err))
		return err
	}
	log.Info("beacon stopped")
	return nil
}

const redacted = "******"

func printConfig(c *cli.Context, args *cliArgs) error {
	_, appCfg, err := beacon.LoadConfig(args.ConfigFile)
	if err != nil {
		return err
	}
	applyFlags(appCfg, args)

	if appCfg.Redis.Password != "" {
		appCfg.Redis.Password = redacted
	}
	for k := range appCfg.Tracing.Headers {
		appCfg.Tracing.Headers[k] = redacted
	}
	appCfg.AMQP.URL = redactURL(appCfg.AMQP.URL)

	out, err := yaml.Marshal(appCfg)
	if err != nil {
		return err
	}
	_, err = c.App.Writer.Write(out)
	return err
}

// redactURL 隐藏连接串中的密码，无法解析时整体隐藏
func redactURL(raw string) string {
	if raw == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return redacted
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), redacted)
	}
	return u.String()
}
