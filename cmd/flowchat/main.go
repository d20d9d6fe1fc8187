package main

import (
	"os"

	"flowchat/internal/app"
	"flowchat/internal/cli"
	"flowchat/internal/config"
)

func main() {
	rootCmd := cli.NewRootCmd(cli.Env{
		Open:  open,
		Serve: app.Run,
	})
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func open(verbose bool) (*cli.Session, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	level := "WARN"
	if verbose {
		level = "DEBUG"
	}
	app.SetupLoggerTo(os.Stderr, level)

	a, err := app.NewApp(cfg)
	if err != nil {
		return nil, err
	}
	return &cli.Session{
		Chat:       a.ChatService,
		Models:     a.ModelService,
		Background: a.Persister.Run,
		Close:      a.Close,
	}, nil
}
