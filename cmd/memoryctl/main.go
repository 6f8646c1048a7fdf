// memoryctl is a small command-line harness over pkg/cogmem.Engine,
// grounded in the teacher's cmd/app/main.go flag style: one global
// flag set, JSON output unless -json=false, a "fail" helper that prints to
// stderr and exits non-zero.
//
// Examples:
//
//	memoryctl create -user alice -content "met bob at the park" -sector episodic
//	memoryctl search -user alice -query "park" -method composite -limit 5
//	memoryctl update -user alice -id <id> -content "met bob at the lake"
//	memoryctl purge -user alice -id <id>
//	memoryctl health -user alice
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/protocol-lattice/cogmem/pkg/cogmem"
)

var (
	flagUser     = flag.String("user", "", "user id (required)")
	flagContent  = flag.String("content", "", "memory content (create)")
	flagSector   = flag.String("sector", "episodic", "primary sector (create)")
	flagID       = flag.String("id", "", "memory id (get/update/delete)")
	flagQuery    = flag.String("query", "", "search query text")
	flagMethod   = flag.String("method", "composite", "ranking method: similarity|composite|composite_mmr")
	flagLimit    = flag.Int("limit", 10, "search result limit")
	flagMode     = flag.String("mode", "merge", "import mode: merge|replace")
	flagFile     = flag.String("file", "", "import source file, or export destination file")
	flagJSON     = flag.Bool("json", true, "print JSON output")
	flagTimeout  = flag.Duration("timeout", 30*time.Second, "overall request timeout")
)

func main() {
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		fail(fmt.Errorf("usage: memoryctl <create|get|search|update|delete|export|import|health|consolidate|forget|recover|purge> [flags]"))
	}
	// Flags may also follow the subcommand, as in the examples above.
	if err := flag.CommandLine.Parse(args[1:]); err != nil {
		fail(err)
	}
	if strings.TrimSpace(*flagUser) == "" {
		fail(fmt.Errorf("-user is required"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), *flagTimeout)
	defer cancel()

	engine := cogmem.New(cogmem.Options{})

	var out any
	var err error
	switch args[0] {
	case "create":
		out, err = runCreate(ctx, engine)
	case "get":
		out, err = engine.GetMemory(ctx, *flagUser, *flagID)
	case "search":
		out, err = runSearch(ctx, engine)
	case "update":
		out, err = runUpdate(ctx, engine)
	case "delete":
		err = engine.DeleteMemory(ctx, *flagUser, *flagID)
	case "export":
		out, err = runExport(ctx, engine)
	case "import":
		out, err = runImport(ctx, engine)
	case "health":
		out, err = engine.GetHealth(ctx, *flagUser)
	case "consolidate":
		out, err = engine.RunConsolidation(ctx, *flagUser)
	case "forget":
		err = engine.RunForgetting(ctx, *flagUser)
	case "recover":
		err = engine.Recover(ctx, *flagUser, *flagID)
	case "purge":
		err = engine.Purge(ctx, *flagUser, *flagID)
	default:
		err = fmt.Errorf("unknown subcommand %q", args[0])
	}
	if err != nil {
		fail(err)
	}
	printResult(out)
}

func runCreate(ctx context.Context, e *cogmem.Engine) (any, error) {
	if strings.TrimSpace(*flagContent) == "" {
		return nil, fmt.Errorf("-content is required")
	}
	id, err := e.CreateMemory(ctx, cogmem.CreateInput{
		UserID:  *flagUser,
		Content: *flagContent,
		Sector:  cogmem.Sector(*flagSector),
	})
	if err != nil {
		return nil, err
	}
	return map[string]string{"id": id}, nil
}

func runSearch(ctx context.Context, e *cogmem.Engine) (any, error) {
	return e.SearchMemories(ctx, cogmem.SearchInput{
		UserID:        *flagUser,
		QueryText:     *flagQuery,
		Limit:         *flagLimit,
		RankingMethod: cogmem.RankingMethod(*flagMethod),
	})
}

func runUpdate(ctx context.Context, e *cogmem.Engine) (any, error) {
	if strings.TrimSpace(*flagID) == "" {
		return nil, fmt.Errorf("-id is required")
	}
	in := cogmem.UpdateInput{UserID: *flagUser, ID: *flagID}
	if strings.TrimSpace(*flagContent) != "" {
		in.Content = flagContent
		in.ReembedOnContentChange = true
	}
	return e.UpdateMemory(ctx, in)
}

func runExport(ctx context.Context, e *cogmem.Engine) (any, error) {
	doc, err := e.ExportMemories(ctx, *flagUser, cogmem.ExportFilter{}, true)
	if err != nil {
		return nil, err
	}
	if *flagFile != "" {
		data, merr := json.MarshalIndent(doc, "", "  ")
		if merr != nil {
			return nil, merr
		}
		if werr := os.WriteFile(*flagFile, data, 0o644); werr != nil {
			return nil, werr
		}
	}
	return doc, nil
}

func runImport(ctx context.Context, e *cogmem.Engine) (any, error) {
	if *flagFile == "" {
		return nil, fmt.Errorf("-file is required for import")
	}
	data, err := os.ReadFile(*flagFile)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", *flagFile, err)
	}
	mode := cogmem.ImportMerge
	if *flagMode == "replace" {
		mode = cogmem.ImportReplace
	}
	return e.ImportMemories(ctx, *flagUser, data, mode)
}

func printResult(v any) {
	if v == nil {
		return
	}
	if !*flagJSON {
		fmt.Printf("%+v\n", v)
		return
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fail(err)
	}
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}
