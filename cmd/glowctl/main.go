// Command glowctl runs single glowdb operations from the shell.
//
//	glowctl [-config glowdb.toml] [-endpoint ws://host:8888] <command> [args]
//
// Commands:
//
//	create-table TABLE
//	delete-table TABLE
//	get          TABLE ID
//	put          TABLE '{"id":"a","title":"x"}'
//	update       TABLE ID '{"title":"y"}'
//	delete       TABLE ID
//	scan         TABLE [-limit N] [-offset N]
//	query        TABLE [-limit N] [-offset N] [-filter '{"title":"x"}']
//	batch-get    TABLE ID...
//	batch-write  TABLE '[{"id":"a"},{"id":"b"}]'
//
// Results are printed as JSON on stdout.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"glowdb/client"
	"glowdb/config"
	"glowdb/document"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("glowctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "TOML config file")
	endpoint := fs.String("endpoint", "", "store URI, overrides the config")
	kind := fs.String("kind", "", "document kind used for generated ids")
	timeout := fs.Duration("timeout", 10*time.Second, "overall deadline")
	logLevel := fs.String("log-level", "", "debug|info|warn|error, overrides the config")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(stderr, "usage: glowctl [flags] <command> [args]")
		fs.PrintDefaults()
		return 2
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if *endpoint != "" {
		cfg.Endpoint = *endpoint
		cfg.EtcdEndpoints = nil
	}
	if *kind != "" {
		cfg.Kind = *kind
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger, err := config.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer logger.Sync()

	opts, release, err := cfg.ClientOptions(logger)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer release()

	c := client.New(opts...)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	result, err := dispatch(ctx, c, cfg.Kind, fs.Arg(0), fs.Args()[1:])
	if err != nil {
		logger.Debug("command failed", zap.String("command", fs.Arg(0)), zap.Error(err))
		fmt.Fprintln(stderr, "glowctl:", err)
		var usage usageError
		if errors.As(err, &usage) {
			return 2
		}
		return 1
	}
	if result == nil {
		return 0
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}

type usageError string

func (e usageError) Error() string { return string(e) }

func need(args []string, n int, usage string) error {
	if len(args) != n {
		return usageError("usage: glowctl " + usage)
	}
	return nil
}

func dispatch(ctx context.Context, c *client.Client, kind, cmd string, args []string) (any, error) {
	switch cmd {
	case "create-table":
		if err := need(args, 1, "create-table TABLE"); err != nil {
			return nil, err
		}
		return nil, c.CreateTable(ctx, args[0])

	case "delete-table":
		if err := need(args, 1, "delete-table TABLE"); err != nil {
			return nil, err
		}
		return nil, c.DeleteTable(ctx, args[0])

	case "get":
		if err := need(args, 2, "get TABLE ID"); err != nil {
			return nil, err
		}
		return c.GetItem(ctx, args[0], args[1])

	case "put":
		if err := need(args, 2, "put TABLE JSON"); err != nil {
			return nil, err
		}
		doc, err := document.Parse(kind, []byte(args[1]))
		if err != nil {
			return nil, err
		}
		return c.PutItem(ctx, args[0], doc)

	case "update":
		if err := need(args, 3, "update TABLE ID JSON"); err != nil {
			return nil, err
		}
		var updates map[string]any
		if err := json.Unmarshal([]byte(args[2]), &updates); err != nil {
			return nil, fmt.Errorf("updates: %w", err)
		}
		return c.UpdateItem(ctx, args[0], args[1], updates)

	case "delete":
		if err := need(args, 2, "delete TABLE ID"); err != nil {
			return nil, err
		}
		return nil, c.DeleteItem(ctx, args[0], args[1])

	case "scan", "query":
		return page(ctx, c, cmd, args)

	case "batch-get":
		if len(args) < 2 {
			return nil, usageError("usage: glowctl batch-get TABLE ID...")
		}
		return c.BatchGetItem(ctx, args[0], args[1:])

	case "batch-write":
		if err := need(args, 2, "batch-write TABLE JSON-ARRAY"); err != nil {
			return nil, err
		}
		var raw []json.RawMessage
		if err := json.Unmarshal([]byte(args[1]), &raw); err != nil {
			return nil, fmt.Errorf("items: %w", err)
		}
		items := make([]*document.Document, 0, len(raw))
		for i, r := range raw {
			doc, err := document.Parse(kind, r)
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
			items = append(items, doc)
		}
		return c.BatchWriteItem(ctx, args[0], items)
	}
	return nil, usageError(fmt.Sprintf("unknown command %q", cmd))
}

// page runs scan or query; flags follow the table name.
func page(ctx context.Context, c *client.Client, cmd string, args []string) (any, error) {
	if len(args) == 0 {
		return nil, usageError("usage: glowctl " + cmd + " TABLE [flags]")
	}
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	limit := fs.Int("limit", client.DefaultLimit, "page size")
	offset := fs.Int("offset", client.DefaultOffset, "documents to skip")
	filter := fs.String("filter", "", "JSON object of field equalities (query only)")
	if err := fs.Parse(args[1:]); err != nil {
		return nil, usageError(err.Error())
	}

	opts := []client.PageOption{client.WithLimit(*limit), client.WithOffset(*offset)}
	if cmd == "scan" {
		return c.Scan(ctx, args[0], opts...)
	}
	if *filter != "" {
		var filters map[string]any
		if err := json.Unmarshal([]byte(*filter), &filters); err != nil {
			return nil, fmt.Errorf("filter: %w", err)
		}
		opts = append(opts, client.WithFilters(filters))
	}
	return c.Query(ctx, args[0], opts...)
}
