// Command chainwatch follows a node's event stream and logs or exports what
// it sees.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nkkko/chainwatch/internal/config"
	"github.com/nkkko/chainwatch/internal/engine"
	"github.com/nkkko/chainwatch/internal/logging"
	"github.com/nkkko/chainwatch/pkg/client"
	"github.com/nkkko/chainwatch/pkg/types"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

// Version is set at build time
var Version = "dev"

func main() {
	ctl := newApp()

	if err := ctl.Run(os.Args); err != nil {
		fmt.Fprintln(ctl.ErrWriter, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:      "chainwatch",
		Usage:     "Subscribe to a node's event stream",
		Version:   Version,
		ErrWriter: os.Stderr,
		Flags:     configFlags(),
		Action:    run,
		Commands: []*cli.Command{
			{
				Name:   "check-config",
				Usage:  "Validate the configuration and print it",
				Flags:  configFlags(),
				Action: checkConfig,
			},
			{
				Name:   "status",
				Usage:  "Show the state and subscriptions of a running process",
				Flags:  adminFlags(),
				Action: status,
			},
			{
				Name:  "tail",
				Usage: "Print the live event stream of a running process",
				Flags: append(adminFlags(), &cli.StringSliceFlag{
					Name:  "event",
					Usage: "Event category to print, may be repeated",
				}),
				Action: tail,
			},
		},
	}
}

func configFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Path to the YAML configuration file",
			EnvVars: []string{"CHAINWATCH_CONFIG"},
		},
		&cli.StringFlag{
			Name:    "endpoint",
			Aliases: []string{"e"},
			Usage:   "Node websocket endpoint, overrides the configuration",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "Log level (debug, info, warn, error)",
		},
		&cli.StringSliceFlag{
			Name:  "event",
			Usage: "Event category to subscribe to, may be repeated",
		},
		&cli.StringSliceFlag{
			Name:  "tx-condition",
			Usage: "Extra key=value condition for the Tx subscription, may be repeated",
		},
	}
}

func adminFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "admin",
			Aliases: []string{"a"},
			Usage:   "Base URL of the admin server",
			Value:   "http://localhost:9464",
			EnvVars: []string{"CHAINWATCH_ADMIN_URL"},
		},
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.LoadConfig(c.String("config"), c.String("endpoint"), c.String("log-level"))
	if err != nil {
		return nil, err
	}
	if events := c.StringSlice("event"); len(events) > 0 {
		cfg.Listener.Events = events
	}
	if conds := c.StringSlice("tx-condition"); len(conds) > 0 {
		cfg.Listener.TxConditions = conds
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func checkConfig(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err, 1)
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return cli.Exit(fmt.Errorf("failed to encode configuration: %w", err), 1)
	}
	_, err = c.App.Writer.Write(out)
	return err
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err, 1)
	}

	if err := logging.Setup(cfg.ToLoggingConfig()); err != nil {
		return cli.Exit(fmt.Errorf("failed to set up logging: %w", err), 1)
	}

	e, err := engine.New(cfg, engine.Handlers{})
	if err != nil {
		return cli.Exit(fmt.Errorf("failed to create engine: %w", err), 1)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := e.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Shutdown failed")
	}

	if runErr != nil {
		return cli.Exit(runErr, 1)
	}
	return nil
}

func status(c *cli.Context) error {
	admin := client.New(c.String("admin"))

	st, err := admin.Subscriptions(c.Context)
	if err != nil {
		return cli.Exit(err, 1)
	}

	fmt.Fprintf(c.App.Writer, "state: %s\n", st.State)
	for _, sub := range st.Subscriptions {
		fmt.Fprintf(c.App.Writer, "%s\t%s\n", sub.ID, sub.Query)
	}
	return nil
}

func tail(c *cli.Context) error {
	var eventTypes []types.EventType
	for _, name := range c.StringSlice("event") {
		t, err := types.ParseEventType(name)
		if err != nil {
			return cli.Exit(err, 1)
		}
		eventTypes = append(eventTypes, t)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sub, err := client.New(c.String("admin")).Stream(ctx, eventTypes...)
	if err != nil {
		return cli.Exit(err, 1)
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events:
			if !ok {
				return cli.Exit("event stream closed", 1)
			}
			if ev.Error != "" {
				fmt.Fprintf(c.App.Writer, "%s\t%s\t%d\terror: %s\n", ev.Time.Format(time.RFC3339), ev.Type, ev.Height, ev.Error)
				continue
			}
			fmt.Fprintf(c.App.Writer, "%s\t%s\t%d\t%s\n", ev.Time.Format(time.RFC3339), ev.Type, ev.Height, ev.Data)
		}
	}
}
