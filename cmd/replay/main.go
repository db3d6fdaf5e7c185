package main

import (
	"flag"
	"fmt"
	"os"

	"keyscape.gg/internal/persistence/journal"
	"keyscape.gg/internal/persistence/snapshot"
	"keyscape.gg/internal/sim/tuning"
	"keyscape.gg/internal/sim/world"
)

// replay loads a snapshot, re-steps the journal over it, and verifies the
// per-tick state digests. Any mismatch means the simulation is not
// deterministic (or the files are corrupt) and exits nonzero.
func main() {
	var (
		snapPath   = flag.String("snapshot", "", "path to .snap.zst")
		journalDir = flag.String("journal", "", "directory containing ticks-*.jsonl.zst")
		tuningPath = flag.String("tuning", "", "path to the tuning.yaml the instance ran with (default: built-in defaults)")
		fromTick   = flag.Uint64("from_tick", 0, "start verifying digests from tick (inclusive, optional)")
		toTick     = flag.Uint64("to_tick", 0, "stop at tick (inclusive, optional)")
	)
	flag.Parse()

	if *snapPath == "" {
		fmt.Fprintln(os.Stderr, "missing -snapshot")
		os.Exit(2)
	}

	snap, err := snapshot.ReadSnapshot(*snapPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		os.Exit(1)
	}
	fmt.Printf("snapshot v%d instance=%s tick=%d entities=%d obstacles=%d\n",
		snap.Header.Version, snap.Header.InstanceID, snap.Header.Tick,
		len(snap.Entities), len(snap.Obstacles))

	if *journalDir == "" {
		return
	}

	tune := tuning.Defaults()
	if *tuningPath != "" {
		tune, err = tuning.Load(*tuningPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "load tuning:", err)
			os.Exit(1)
		}
	}

	w, err := world.New(world.Config{
		InstanceID:            snap.Header.InstanceID,
		TickRateHz:            tune.TickRateHz,
		InterestRadius:        tune.InterestRadius,
		MoveSpeed:             tune.MoveSpeed,
		ColliderRadius:        tune.ColliderRadius,
		RemovalRetentionTicks: tune.BaselineRetentionTicks,
	}, world.Bootstrap{InstanceID: snap.Header.InstanceID, HalfExtent: snap.HalfExtent})
	if err != nil {
		fmt.Fprintln(os.Stderr, "world:", err)
		os.Exit(1)
	}
	if err := w.ImportSnapshot(snap); err != nil {
		fmt.Fprintln(os.Stderr, "import snapshot:", err)
		os.Exit(1)
	}

	startTick := w.CurrentTick()
	verifyFrom := *fromTick
	if verifyFrom == 0 {
		verifyFrom = startTick
	}

	files, err := journal.ListFiles(*journalDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list journal:", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no journal segments found in", *journalDir)
		os.Exit(1)
	}

	var checked uint64
	done := fmt.Errorf("done")
	for _, path := range files {
		err := journal.Scan(path, func(e journal.Entry) error {
			if e.Tick <= startTick {
				return nil
			}
			if *toTick != 0 && e.Tick > *toTick {
				return done
			}
			if e.Tick != w.CurrentTick()+1 {
				return fmt.Errorf("tick gap: world at %d, journal entry %d", w.CurrentTick(), e.Tick)
			}

			joins := make([]world.Join, 0, len(e.Joins))
			for _, j := range e.Joins {
				joins = append(joins, world.Join{
					SessionID: j.SessionID,
					Subject:   j.Subject,
					Pos:       world.Vec2{X: j.Pos[0], Y: j.Pos[1]},
				})
			}
			leaves := make([]world.Leave, 0, len(e.Leaves))
			for _, id := range e.Leaves {
				leaves = append(leaves, world.Leave{EntityID: world.EntityID(id)})
			}
			inputs := make([]world.InputCommand, 0, len(e.Inputs))
			for _, in := range e.Inputs {
				inputs = append(inputs, world.InputCommand{
					EntityID: world.EntityID(in.EntityID),
					Seq:      in.Seq,
					Move:     in.Move,
				})
			}

			if _, err := w.Step(joins, leaves, inputs); err != nil {
				return fmt.Errorf("step tick %d: %w", e.Tick, err)
			}
			if e.Tick >= verifyFrom {
				checked++
				if got := w.Digest(); got != e.Digest {
					return fmt.Errorf("digest mismatch at tick %d: got=%s want=%s", e.Tick, got, e.Digest)
				}
			}
			return nil
		})
		if err == done {
			break
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, "replay:", err)
			os.Exit(1)
		}
	}
	fmt.Printf("replay ok: checked=%d ticks (from snapshot tick=%d)\n", checked, snap.Header.Tick)
}
