// Command rhashdump opens a ResourceHash by its three-part naming scheme
// and dumps its entries to stdout, one "rid\tattr\tlex" line per occupied
// slot.
package main

import (
	"bufio"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	segstore "github.com/jxrdf/segstore"
)

func main() {
	var (
		root    = flag.String("root", ".", "storage root directory")
		kb      = flag.String("kb", "", "knowledge base name")
		segment = flag.String("segment", "", "segment name")
		label   = flag.String("label", "", "resource hash label")
		verbose = flag.BoolP("verbose", "v", false, "enable debug logging")
	)
	flag.Parse()

	if *kb == "" || *segment == "" || *label == "" {
		fmt.Fprintln(os.Stderr, "rhashdump: --kb, --segment, and --label are required")
		flag.Usage()
		os.Exit(2)
	}

	log := zap.NewNop()
	if *verbose {
		l, err := zap.NewDevelopment()
		if err != nil {
			fmt.Fprintf(os.Stderr, "rhashdump: logger init: %v\n", err)
			os.Exit(1)
		}
		log = l
	}

	cfg := segstore.PathConfig{Root: *root, KB: *kb, Segment: *segment}
	if err := dump(cfg.ResourceHashPath(*label), log); err != nil {
		fmt.Fprintf(os.Stderr, "rhashdump: %v\n", err)
		os.Exit(1)
	}
}

func dump(path string, log *zap.Logger) error {
	rh, err := segstore.OpenResourceHash(path, segstore.WithResourceHashLogger(log))
	if err != nil {
		return err
	}
	defer rh.Close()

	if err := rh.Lock(segstore.LockSH); err != nil {
		return err
	}
	defer rh.Lock(segstore.LockUN)

	w := bufio.NewWriter(os.Stdout)
	defer w.Flush()

	fmt.Fprintf(w, "# size=%d count=%d\n", rh.Size(), rh.Count())
	return rh.ScanR(func(r segstore.Resource) error {
		_, err := fmt.Fprintf(w, "%d\t%d\t%s\n", r.Rid, r.Attr, r.Lex)
		return err
	})
}
