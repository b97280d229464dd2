package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/ionicresearchlabs/ionic/internal/incident"
	"github.com/ionicresearchlabs/ionic/internal/otel"
	"github.com/ionicresearchlabs/ionic/internal/store"
	"github.com/ionicresearchlabs/ionic/internal/ui"
)

func runSearch() {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	cfgPath := fs.String("config", "", "Config file (default ~/.ionic/config.json)")
	collection := fs.String("c", "TorontoPoliceFeed", "Collection to search")
	fields := fs.String("fields", "", "Comma-separated fields to match (default: whole record)")
	limit := fs.Int("n", 20, "Maximum results")
	caseSensitive := fs.Bool("case", false, "Case-sensitive match")
	rawJSON := fs.Bool("json", false, "Output raw JSON records")
	fs.Parse(os.Args[1:])

	term := strings.Join(fs.Args(), " ")
	if term == "" {
		fmt.Fprintln(os.Stderr, "usage: ionic search [-c collection] [-fields a,b] [-n limit] <term>")
		os.Exit(1)
	}

	cfg := loadConfig(*cfgPath)
	ctx := context.Background()
	st := openStore(ctx, cfg, otel.NewNullLogger())
	defer st.Close()

	var fieldList []string
	if *fields != "" {
		for _, f := range strings.Split(*fields, ",") {
			if f = strings.TrimSpace(f); f != "" {
				fieldList = append(fieldList, f)
			}
		}
	}
	opts := store.SearchOptions{Limit: *limit, CaseSensitive: *caseSensitive}

	if *rawJSON {
		docs, err := st.Search(ctx, *collection, term, fieldList, opts)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		for _, d := range docs {
			fmt.Println(string(d))
		}
		return
	}

	recs, err := store.SearchAs[incident.Record](ctx, st, *collection, term, fieldList, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if len(recs) == 0 {
		fmt.Println("no matches")
		return
	}
	for _, r := range recs {
		fmt.Println(formatRecord(r))
	}
	fmt.Printf("\n%d match(es) in %s\n", len(recs), *collection)
}

func formatRecord(r incident.Record) string {
	ts := "--:--"
	if !r.EventTime.IsZero() {
		ts = r.EventTime.Local().Format("2006-01-02 15:04")
	}
	line := fmt.Sprintf("%s  %-12s %-24s %s", ts, r.ID, truncate(r.Type, 24), truncate(ui.PlainText(r.Summary), 80))
	if n := len(r.DetailSources); n > 0 {
		line += fmt.Sprintf("  (+%d)", n)
	}
	return line
}

// truncate shortens a string to max runes, appending "..." if truncated.
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}

// printJSON writes v indented to stdout.
func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
