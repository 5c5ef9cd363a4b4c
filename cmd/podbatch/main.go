package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/x121ai/podbatch/cmd/podbatch/commands"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:  "podbatch",
		Usage: "batch image-to-video generation on ephemeral GPU pods",
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "run a generation batch",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "batch",
						Usage:    "batch config file (yaml)",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "env",
						Usage: "env file path",
						Value: ".env",
					},
					&cli.StringFlag{
						Name:  "pod",
						Usage: "adopt an existing pod instead of creating one",
					},
					&cli.IntFlag{
						Name:  "workers",
						Usage: "override worker count",
					},
					&cli.StringFlag{
						Name:  "scenes",
						Usage: "override the scene filter (e.g. ALL, \"walk,dance\", \"NO turnaround\")",
					},
					&cli.BoolFlag{
						Name:  "no-resume",
						Usage: "discard prior progress and regenerate everything",
					},
					&cli.BoolFlag{
						Name:  "keep-pod",
						Usage: "stop created pods at the end instead of terminating them",
					},
					&cli.BoolFlag{
						Name:  "monitor",
						Usage: "serve live progress over http/websocket",
					},
				},
				Action: commands.RunAction,
			},
			{
				Name:  "plan",
				Usage: "preview a batch without touching any pod",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "batch",
						Usage:    "batch config file (yaml)",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "env",
						Usage: "env file path",
						Value: ".env",
					},
					&cli.StringFlag{
						Name:  "scenes",
						Usage: "override the scene filter",
					},
				},
				Action: commands.PlanAction,
			},
			{
				Name:   "scenes",
				Usage:  "list the scene catalog",
				Action: commands.ScenesAction,
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
