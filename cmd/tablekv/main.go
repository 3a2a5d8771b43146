// Command tablekv is a thin CLI front-end over the store: it parses flags,
// opens the engine, executes a single operation, and exits. It exists as a
// boundary collaborator for manual inspection, not as part of the store's
// tested core.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"tablekv/internal/config"
	"tablekv/internal/engine"
)

var (
	segmentsPath = flag.String("segments-path", config.DefaultSegmentsPath, "directory for sstable files")
	walPath      = flag.String("wal-path", config.DefaultWALPath, "directory for write-ahead-log files")
	threshold    = flag.Int("threshold", config.DefaultThreshold, "distinct-key count at which the active memtable freezes")
	l0Trigger    = flag.Int("l0-compaction-trigger", config.DefaultL0CompactionTrigger, "number of l0 tables that triggers compaction")
	verbose      = flag.Bool("verbose", false, "enable debug logging")
)

func main() {
	flag.Parse()
	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	args := flag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(2)
	}

	opts := config.Options{
		SegmentsPath:        *segmentsPath,
		WALPath:             *walPath,
		Threshold:           *threshold,
		L0CompactionTrigger: *l0Trigger,
	}

	store, err := engine.Open(opts)
	if err != nil {
		logrus.WithError(err).Fatal("tablekv: open failed")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logrus.WithError(err).Error("tablekv: close failed")
		}
	}()

	if err := run(store, args); err != nil {
		logrus.WithError(err).Error("tablekv: command failed")
		os.Exit(1)
	}
}

func run(store *engine.Storage, args []string) error {
	switch args[0] {
	case "get":
		if len(args) != 2 {
			return fmt.Errorf("usage: tablekv get <key>")
		}
		value, ok, err := store.Read(args[1])
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("(not found)")
			return nil
		}
		fmt.Println(string(value))
		return nil

	case "put":
		if len(args) != 3 {
			return fmt.Errorf("usage: tablekv put <key> <value>")
		}
		return store.Insert(args[1], []byte(args[2]))

	case "delete":
		if len(args) != 2 {
			return fmt.Errorf("usage: tablekv delete <key>")
		}
		return store.Remove(args[1])

	case "stats":
		stats := store.Stats()
		fmt.Printf("inserts=%d removes=%d reads=%d flushes=%d compactions=%d\n",
			stats.Inserts, stats.Removes, stats.Reads, stats.Flushes, stats.Compactions)
		return nil

	default:
		usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: tablekv [flags] <get|put|delete|stats> [args]")
	flag.PrintDefaults()
}
