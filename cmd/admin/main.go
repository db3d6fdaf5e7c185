// admin is the operator CLI for a running (or stopped) instance. It talks to
// the instance's loopback admin endpoints and reads the per-instance sqlite
// index and snapshot files directly.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"keyscape.gg/internal/persistence/snapshot"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "state":
			stateCmd(os.Args[2:])
			return
		case "stop":
			stopCmd(os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		case "snapshot":
			snapshotCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	instanceID := fs.String("instance", "", "instance id (optional)")
	_ = fs.Parse(args)

	base := filepath.Join(*dataDir, "instances")
	if *instanceID != "" {
		base = filepath.Join(base, *instanceID)
	}

	entries, err := os.ReadDir(base)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for _, e := range entries {
		fmt.Println(e.Name())
	}
}

func snapshotCmd(args []string) {
	fs := flag.NewFlagSet("snapshot", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	instanceID := fs.String("instance", "", "instance id (required unless -path)")
	snapPath := fs.String("path", "", "snapshot path (optional; defaults to latest)")
	full := fs.Bool("full", false, "print every entity, not just the header")
	_ = fs.Parse(args)

	path := strings.TrimSpace(*snapPath)
	if path == "" {
		if strings.TrimSpace(*instanceID) == "" {
			fmt.Fprintln(os.Stderr, "missing -instance or -path")
			os.Exit(2)
		}
		path = latestSnapshot(filepath.Join(*dataDir, "instances", *instanceID))
		if path == "" {
			fmt.Fprintln(os.Stderr, "no snapshot found; run the instance until it writes one")
			os.Exit(2)
		}
	}

	snap, err := snapshot.ReadSnapshot(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		os.Exit(1)
	}

	printJSON(struct {
		Path       string  `json:"path"`
		Version    int     `json:"version"`
		InstanceID string  `json:"instance_id"`
		Tick       uint64  `json:"tick"`
		HalfExtent float64 `json:"half_extent"`
		Entities   int     `json:"entities"`
		Obstacles  int     `json:"obstacles"`
		Removals   int     `json:"removals"`
		NextEntity uint64  `json:"next_entity_id"`
	}{path, snap.Header.Version, snap.Header.InstanceID, snap.Header.Tick,
		snap.HalfExtent, len(snap.Entities), len(snap.Obstacles), len(snap.Removals), snap.NextEntityID})

	if *full {
		for _, e := range snap.Entities {
			printJSON(e)
		}
	}
}

// latestSnapshot returns the newest snapshot under <instanceDir>/snapshots,
// ordered by the tick encoded in the filename.
func latestSnapshot(instanceDir string) string {
	dir := filepath.Join(instanceDir, "snapshots")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".snap.zst") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return ""
	}
	sort.Slice(names, func(i, j int) bool {
		return snapTick(names[i]) < snapTick(names[j])
	})
	return filepath.Join(dir, names[len(names)-1])
}

func snapTick(name string) uint64 {
	var tick uint64
	_, _ = fmt.Sscanf(name, "%d.snap.zst", &tick)
	return tick
}

func printJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		fmt.Fprintln(os.Stderr, "marshal:", err)
		os.Exit(1)
	}
	fmt.Println(string(b))
}
