package main

import (
	"fmt"
	"os"
	"syscall"

	"github.com/docker/go-units"
	"github.com/urfave/cli/v2"
	"golang.org/x/crypto/ssh/terminal"

	"github.com/indexedcp/indexcp/config"
	"github.com/indexedcp/indexcp/internal/chunkstore"
	"github.com/indexedcp/indexcp/internal/transfer"
	"github.com/indexedcp/indexcp/pkg/env"
	"github.com/indexedcp/indexcp/pkg/logging"
)

func main() {
	env.LoadEnv()
	logging.InitLogger(os.Getenv("INDEXCP_DEBUG") != "")

	app := &cli.App{
		Name:  "indexcp",
		Usage: "Resumable chunked file uploads",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "directory containing config.yaml",
				Value: ".",
			},
			&cli.StringFlag{
				Name:    "server",
				Aliases: []string{"s"},
				Usage:   "upload endpoint URL",
				Value:   "http://localhost:3000/upload",
			},
			&cli.StringFlag{
				Name:    "api-key",
				Usage:   "bearer token (falls back to INDEXCP_API_KEY, then a prompt)",
				EnvVars: []string{"INDEXCP_API_KEY"},
			},
			&cli.StringFlag{
				Name:  "chunk-size",
				Usage: "chunk size, e.g. 1MB or 512KB",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "add",
				Usage:     "Split a file into the local buffer",
				ArgsUsage: "<file>",
				Action: func(c *cli.Context) error {
					client, store, err := buildClient(c, false)
					if err != nil {
						return err
					}
					defer store.Close()
					count, err := client.AddFile(c.Args().First())
					if err != nil {
						return err
					}
					fmt.Printf("buffered %d chunks\n", count)
					return nil
				},
			},
			{
				Name:      "upload",
				Usage:     "Upload a file directly, resuming if partially sent",
				ArgsUsage: "<file>",
				Action: func(c *cli.Context) error {
					client, store, err := buildClient(c, true)
					if err != nil {
						return err
					}
					defer store.Close()
					results, err := client.UploadFile(c.Args().First(), c.String("server"))
					if err != nil {
						return err
					}
					printResults(results)
					return nil
				},
			},
			{
				Name:  "send",
				Usage: "Upload everything in the local buffer",
				Action: func(c *cli.Context) error {
					client, store, err := buildClient(c, true)
					if err != nil {
						return err
					}
					defer store.Close()
					results, err := client.UploadBufferedFiles(c.String("server"))
					printResults(results)
					return err
				},
			},
			{
				Name:  "list",
				Usage: "List buffered files",
				Action: func(c *cli.Context) error {
					client, store, err := buildClient(c, false)
					if err != nil {
						return err
					}
					defer store.Close()
					files, err := client.BufferedFiles()
					if err != nil {
						return err
					}
					for _, f := range files {
						fmt.Println(f)
					}
					return nil
				},
			},
			{
				Name:  "clear",
				Usage: "Drop every buffered chunk",
				Action: func(c *cli.Context) error {
					client, store, err := buildClient(c, false)
					if err != nil {
						return err
					}
					defer store.Close()
					if err := client.ClearBuffer(); err != nil {
						return err
					}
					fmt.Println("buffer cleared")
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logging.Log.Fatal(err)
	}
}

// buildClient resolves configuration and the API key once, then constructs
// the upload client around the staging buffer. The key is only prompted for
// when the command actually talks to the server.
func buildClient(c *cli.Context, needsKey bool) (*transfer.Client, *chunkstore.Store, error) {
	config.LoadConfig(c.String("config"))

	apiKey := c.String("api-key")
	if apiKey == "" {
		apiKey = config.Config.APIKey
	}
	if apiKey == "" && needsKey {
		key, err := promptAPIKey()
		if err != nil {
			return nil, nil, err
		}
		apiKey = key
	}

	store, err := chunkstore.Open(config.Config.BufferPath)
	if err != nil {
		return nil, nil, err
	}

	client := transfer.NewClient(store, apiKey)
	client.Retrier = transfer.NewRetrier(config.Config.MaxRetries, config.Config.InitialRetryDelay)

	chunkSize := c.String("chunk-size")
	if chunkSize == "" {
		size, err := config.Config.ChunkSizeBytes()
		if err != nil {
			store.Close()
			return nil, nil, err
		}
		client.ChunkSize = size
	} else {
		size, err := units.RAMInBytes(chunkSize)
		if err != nil || size <= 0 {
			store.Close()
			return nil, nil, fmt.Errorf("invalid chunk size %q", chunkSize)
		}
		client.ChunkSize = size
	}

	return client, store, nil
}

func promptAPIKey() (string, error) {
	fmt.Fprint(os.Stderr, "Enter API key: ")
	key, err := terminal.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read API key: %w", err)
	}
	return string(key), nil
}

func printResults(results map[string]string) {
	for file, serverFilename := range results {
		fmt.Printf("%s -> %s\n", file, serverFilename)
	}
}
