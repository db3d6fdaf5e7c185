package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// dbCmd runs read-only queries against the per-instance sqlite index.
// Queries: snapshots (default), slow_ticks, rejects.
func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	instanceID := fs.String("instance", "", "instance id (required unless -db)")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	limit := fs.Int("limit", 20, "result limit")
	code := fs.String("code", "", "rejection code filter (rejects)")
	_ = fs.Parse(args)

	q := "snapshots"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}
	if *limit <= 0 {
		*limit = 20
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		if strings.TrimSpace(*instanceID) == "" {
			fmt.Fprintln(os.Stderr, "missing -instance or -db")
			os.Exit(2)
		}
		path = filepath.Join(*dataDir, "instances", *instanceID, "index.db")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	switch q {
	case "snapshots":
		rows, err := db.Query(`SELECT tick,path,entities,created_at FROM snapshots ORDER BY tick DESC LIMIT ?`, *limit)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Tick      uint64 `json:"tick"`
				Path      string `json:"path"`
				Entities  int    `json:"entities"`
				CreatedAt string `json:"created_at"`
			}
			if err := rows.Scan(&r.Tick, &r.Path, &r.Entities, &r.CreatedAt); err != nil {
				fmt.Fprintln(os.Stderr, "scan:", err)
				os.Exit(1)
			}
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "rows:", err)
			os.Exit(1)
		}

	case "slow_ticks":
		rows, err := db.Query(`SELECT tick,step_ms,budget_ms,created_at FROM slow_ticks ORDER BY tick DESC LIMIT ?`, *limit)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Tick      uint64  `json:"tick"`
				StepMS    float64 `json:"step_ms"`
				BudgetMS  float64 `json:"budget_ms"`
				CreatedAt string  `json:"created_at"`
			}
			if err := rows.Scan(&r.Tick, &r.StepMS, &r.BudgetMS, &r.CreatedAt); err != nil {
				fmt.Fprintln(os.Stderr, "scan:", err)
				os.Exit(1)
			}
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "rows:", err)
			os.Exit(1)
		}

	case "rejects":
		query := `SELECT tick,code,count FROM rejected_commands ORDER BY tick DESC LIMIT ?`
		qargs := []any{*limit}
		if c := strings.TrimSpace(*code); c != "" {
			query = `SELECT tick,code,count FROM rejected_commands WHERE code=? ORDER BY tick DESC LIMIT ?`
			qargs = []any{c, *limit}
		}
		rows, err := db.Query(query, qargs...)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Tick  uint64 `json:"tick"`
				Code  string `json:"code"`
				Count int    `json:"count"`
			}
			if err := rows.Scan(&r.Tick, &r.Code, &r.Count); err != nil {
				fmt.Fprintln(os.Stderr, "scan:", err)
				os.Exit(1)
			}
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "rows:", err)
			os.Exit(1)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown query %q (snapshots, slow_ticks, rejects)\n", q)
		os.Exit(2)
	}
}
