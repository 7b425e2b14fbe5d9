package main

import (
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/urfave/cli/v3"

	"github.com/becomeliminal/codemem/memory"
	"github.com/becomeliminal/codemem/server"
	"github.com/becomeliminal/codemem/tools"
)

const version = "0.1.0"

type exitError struct {
	Code    int
	Message string
}

func run(ctx context.Context, argv []string) *exitError {
	cmd := &cli.Command{
		Name:    "codemem",
		Usage:   "Long-term memory for coding assistants",
		Version: version,
		Commands: []*cli.Command{
			serveCommand(),
			mcpCommand(),
			addCommand(),
			searchCommand(),
			listCommand(),
			forgetCommand(),
		},
	}

	if err := cmd.Run(ctx, argv); err != nil {
		return &exitError{Code: 1, Message: err.Error()}
	}
	return nil
}

func serveCommand() *cli.Command {
	var opts options
	return &cli.Command{
		Name:  "serve",
		Usage: "Accept host events over a websocket and capture memories",
		Flags: append(globalFlags(&opts), serverFlags(&opts)...),
		Action: func(ctx context.Context, c *cli.Command) error {
			a, err := build(ctx, &opts)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			srv, err := server.New(server.Config{
				Addr:       a.cfg.Server.Addr,
				HealthAddr: a.cfg.Server.HealthAddr,
				Engine:     a.engine,
				Capture:    a.capture,
				Hub:        a.hub,
				Learner:    a.learner,
			})
			if err != nil {
				return err
			}
			return srv.Run(a.ctx(ctx))
		},
	}
}

func mcpCommand() *cli.Command {
	var opts options
	return &cli.Command{
		Name:  "mcp",
		Usage: "Serve the memory tool over MCP stdio",
		Flags: globalFlags(&opts),
		Action: func(ctx context.Context, c *cli.Command) error {
			a, err := build(ctx, &opts)
			if err != nil {
				return err
			}
			defer a.close(ctx)
			ctx = a.ctx(ctx)

			go func() {
				if err := a.engine.Warmup(ctx); err != nil {
					a.logger.Warn("engine warm-up failed", "error", err)
				}
			}()

			srv := mcp.NewServer(&mcp.Implementation{Name: "codemem", Version: version}, nil)
			tools.RegisterMemoryTool(srv, tools.Deps{
				Engine:      a.engine,
				Capture:     a.capture,
				Profiles:    a.profiles,
				Tags:        a.tags,
				Attribution: a.attribution,
				SessionID:   opts.sessionID,
			})
			return srv.Run(ctx, &mcp.StdioTransport{})
		},
	}
}

func addCommand() *cli.Command {
	var (
		opts  options
		typ   string
		scope string
	)
	flags := append(globalFlags(&opts),
		&cli.StringFlag{
			Name:        "type",
			Aliases:     []string{"t"},
			Usage:       "Memory type: " + strings.Join(memory.Types, ", "),
			Destination: &typ,
		},
		scopeFlag(&scope),
	)

	return &cli.Command{
		Name:      "add",
		Usage:     "Save a memory",
		ArgsUsage: "<content>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			content := strings.Join(c.Args().Slice(), " ")
			a, err := build(ctx, &opts)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			res := a.engine.Add(a.ctx(ctx), content, a.tag(scope), memory.AddOptions{
				Type:        typ,
				Metadata:    map[string]any{"source": "cli"},
				Attribution: a.attribution,
			})
			return printResult(c.Root().Writer, res, res.Success, res.Error)
		},
	}
}

func searchCommand() *cli.Command {
	var (
		opts  options
		scope string
	)
	return &cli.Command{
		Name:      "search",
		Usage:     "Find memories similar to a query",
		ArgsUsage: "<query>",
		Flags:     append(globalFlags(&opts), scopeFlag(&scope)),
		Action: func(ctx context.Context, c *cli.Command) error {
			query := strings.Join(c.Args().Slice(), " ")
			a, err := build(ctx, &opts)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			res := a.engine.Search(a.ctx(ctx), query, a.tag(scope))
			return printResult(c.Root().Writer, res, res.Success, res.Error)
		},
	}
}

func listCommand() *cli.Command {
	var (
		opts  options
		scope string
		limit int64
		page  int64
	)
	flags := append(globalFlags(&opts),
		scopeFlag(&scope),
		&cli.IntFlag{
			Name:        "limit",
			Aliases:     []string{"l"},
			Usage:       "Page size",
			Value:       memory.DefaultListLimit,
			Destination: &limit,
		},
		&cli.IntFlag{
			Name:        "page",
			Usage:       "1-based page",
			Value:       1,
			Destination: &page,
		},
	)

	return &cli.Command{
		Name:  "list",
		Usage: "List memories, newest first",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			a, err := build(ctx, &opts)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			res := a.engine.List(a.ctx(ctx), a.tag(scope), int(limit), int(page))
			return printResult(c.Root().Writer, res, res.Success, res.Error)
		},
	}
}

func forgetCommand() *cli.Command {
	var opts options
	return &cli.Command{
		Name:      "forget",
		Usage:     "Delete memories by id",
		ArgsUsage: "<id>...",
		Flags:     globalFlags(&opts),
		Action: func(ctx context.Context, c *cli.Command) error {
			ids := c.Args().Slice()
			if len(ids) == 0 {
				return goerr.New("at least one memory id is required")
			}
			a, err := build(ctx, &opts)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			if len(ids) == 1 {
				res := a.engine.Delete(a.ctx(ctx), ids[0])
				return printResult(c.Root().Writer, res, res.Success, res.Error)
			}
			res := a.engine.BulkDelete(a.ctx(ctx), ids)
			return printResult(c.Root().Writer, res, res.Success, res.Error)
		},
	}
}

func printResult(w io.Writer, v any, success bool, message string) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return goerr.Wrap(err, "failed to write result")
	}
	if !success {
		return goerr.New(message)
	}
	return nil
}
