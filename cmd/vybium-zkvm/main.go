package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
)

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "vybium-zkvm"
	app.Usage = "Vybium zkVM prover"
	app.Description = "Execute, prove, verify and aggregate Vybium zkVM programs"
	app.Flags = globalFlags
	app.Commands = []*cli.Command{
		RunCommand,
		ProveCommand,
		VerifyCommand,
		AggregateCommand,
		InspectCommand,
	}
	return app
}

func main() {
	app := newApp()
	ctx, cancel := context.WithCancel(context.Background())

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-c
		cancel()
		fmt.Fprintln(os.Stderr, "\r\nExiting...")
	}()

	err := app.RunContext(ctx, os.Args)
	if err != nil {
		if errors.Is(err, ctx.Err()) {
			fmt.Fprintln(os.Stderr, "vybium-zkvm: command interrupted")
			os.Exit(130)
		}
		fmt.Fprintln(os.Stderr, "vybium-zkvm: ERROR:", err)
		os.Exit(1)
	}
}
