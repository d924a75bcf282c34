package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/indexedcp/indexcp/config"
	"github.com/indexedcp/indexcp/internal/tracker"
	"github.com/indexedcp/indexcp/internal/transfer"
	"github.com/indexedcp/indexcp/pkg/env"
	"github.com/indexedcp/indexcp/pkg/logging"
)

// ledgerDirName is the chunk ledger's directory inside the output dir, so
// resume state travels with the uploads it describes.
const ledgerDirName = ".indexcp-chunks"

func main() {
	env.LoadEnv()
	logging.InitLogger(os.Getenv("INDEXCP_DEBUG") != "")

	app := &cli.App{
		Name:  "indexcp-server",
		Usage: "Receive resumable chunked file uploads",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "directory containing config.yaml",
				Value: ".",
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "port to listen on",
			},
			&cli.StringFlag{
				Name:    "output-dir",
				Aliases: []string{"o"},
				Usage:   "directory uploads are written into",
			},
			&cli.StringFlag{
				Name:    "api-key",
				Usage:   "bearer token to require (generated when empty)",
				EnvVars: []string{"INDEXCP_API_KEY"},
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		logging.Log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	config.LoadConfig(c.String("config"))

	port := config.Config.Port
	if c.IsSet("port") {
		port = c.Int("port")
	}
	outputDir := config.Config.OutputDir
	if c.IsSet("output-dir") {
		outputDir = c.String("output-dir")
	}
	apiKey := c.String("api-key")
	if apiKey == "" {
		apiKey = config.Config.APIKey
	}

	tr, err := tracker.Open(filepath.Join(outputDir, ledgerDirName))
	if err != nil {
		return err
	}
	defer tr.Close()

	server, err := transfer.NewServer(outputDir, port, apiKey, tr)
	if err != nil {
		return err
	}
	return server.Start()
}
