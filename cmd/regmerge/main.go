// regmerge merges two partitions of a table into one, offline.
//
// Usage:
//
//	regmerge [flags] <table> <partition1> <partition2>
//
// On success the merged partition's encoded name is printed on stdout,
// so invocations can be chained to collapse many partitions into one.
// The cluster serving the table must be shut down first; regmerge
// refuses partitions whose catalog entries still carry a serving
// location.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/mosaicdb/mosaic/internal/catalog"
	"github.com/mosaicdb/mosaic/internal/merge"
	"github.com/mosaicdb/mosaic/internal/metrics"
	"github.com/mosaicdb/mosaic/internal/storage"
)

func main() {
	root := flag.String("root", "./data", "Storage root directory")
	force := flag.Bool("force", false, "Allow merging partitions whose ranges neither overlap nor adjoin")
	verbose := flag.Bool("v", false, "Debug logging")
	stats := flag.Bool("stats", false, "Print run metrics on exit")
	flag.Usage = printUsage
	flag.Parse()

	if flag.NArg() != 3 {
		printUsage()
		os.Exit(2)
	}
	tableName, name1, name2 := flag.Arg(0), flag.Arg(1), flag.Arg(2)

	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	cfg := storage.DefaultConfig()
	m := metrics.New()

	cat, err := catalog.Open(*root, cfg)
	if err != nil {
		log.WithError(err).Error("cannot open catalog")
		os.Exit(1)
	}
	defer cat.Close()

	driver := merge.NewDriver(*root, cat, cfg, merge.Options{AllowDisjoint: *force}, log, m)
	merged, err := driver.Run(tableName, name1, name2)
	if *stats {
		m.Render(os.Stderr)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "merge failed: %+v\n", err)
		os.Exit(1)
	}

	fmt.Println(merged.EncodedName())
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `regmerge - merge two partitions of a table into one (offline)

Usage:
  regmerge [flags] <table> <partition1> <partition2>

Partition names are the encoded names stored in the catalog. The merged
partition's encoded name is printed on stdout for chaining.

Flags:
`)
	flag.PrintDefaults()
}
