// Command tmstatsub subscribes to a published tmstat directory and prints
// the rows of one table, optionally watching it and refreshing on an
// interval until interrupted.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	isatty "github.com/mattn/go-isatty"

	"github.com/bennbollay/tmstat/internal/atexit"
	"github.com/bennbollay/tmstat/internal/env"
	"github.com/bennbollay/tmstat/internal/ictx"
	"github.com/bennbollay/tmstat/row"
	"github.com/bennbollay/tmstat/slab"
	"github.com/bennbollay/tmstat/subscribe"
)

const help = `tmstatsub [-flags] <table>

Subscribes to a published tmstat directory and prints <table>'s rows. With
-watch, keeps refreshing and re-printing every -interval until interrupted.

Example:
  % tmstatsub -root /tmp/tmstat/ifstats/published interfaces
`

func main() {
	fs := flag.NewFlagSet("tmstatsub", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, help)
		fs.PrintDefaults()
	}
	root := fs.String("root", "", "published directory to subscribe to (default $TMSTAT_ROOT/<name>/published)")
	name := fs.String("name", "ifstats", "collection name under the tmstat root, used when -root is unset")
	watch := fs.Bool("watch", false, "keep refreshing and reprinting until interrupted")
	interval := fs.Duration("interval", 2*time.Second, "refresh interval with -watch")
	fs.Parse(os.Args[1:])

	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(2)
	}
	table := fs.Arg(0)

	dir := *root
	if dir == "" {
		cfg := env.DefaultConfig(*name)
		published, err := cfg.PublishedDirPath()
		if err != nil {
			log.Fatalf("tmstatsub: %v", err)
		}
		dir = published
	}

	u, err := subscribe.Subscribe(dir, slab.HostPageSize())
	if err != nil {
		log.Fatalf("tmstatsub: %v", err)
	}
	atexit.Register(u.Close)

	plain := !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd())

	if !*watch {
		if err := printTable(u, table, plain); err != nil {
			log.Fatalf("tmstatsub: %v", err)
		}
		if err := atexit.Run(); err != nil {
			log.Fatalf("tmstatsub: %v", err)
		}
		return
	}

	ctx, cancel := ictx.Interruptible()
	defer cancel()
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		if err := u.Refresh(false); err != nil {
			log.Printf("tmstatsub: refresh: %v", err)
		}
		if err := printTable(u, table, plain); err != nil {
			log.Printf("tmstatsub: %v", err)
		}
		select {
		case <-ctx.Done():
			if err := atexit.Run(); err != nil {
				log.Fatalf("tmstatsub: %v", err)
			}
			return
		case <-ticker.C:
		}
	}
}

// printTable queries table with no predicates (spec: an empty predicate
// set matches every row) and prints one line per row. plain selects a
// machine-parseable tab-separated form over a human-aligned one.
func printTable(u *subscribe.Union, tableName string, plain bool) error {
	t, ok := u.Locate(tableName)
	if !ok {
		return fmt.Errorf("table %q not found", tableName)
	}
	rows, err := u.Query(tableName, nil)
	if err != nil {
		return err
	}
	cols := t.Columns()
	sep := "  "
	if plain {
		sep = "\t"
	}
	for i, c := range cols {
		if i > 0 {
			fmt.Print(sep)
		}
		fmt.Print(c.Name)
	}
	fmt.Println()
	for _, h := range rows {
		for i, c := range cols {
			if i > 0 {
				fmt.Print(sep)
			}
			fmt.Print(formatField(c, h.Bytes()[c.Offset:c.Offset+c.Size]))
		}
		fmt.Println()
	}
	// Outstanding handles block Refresh, so release them once printed.
	for _, h := range rows {
		h.Drop()
	}
	return nil
}

func formatField(c row.ColumnInfo, b []byte) string {
	switch c.Type {
	case row.TypeText:
		n := 0
		for n < len(b) && b[n] != 0 {
			n++
		}
		return string(b[:n])
	case row.TypeSigned:
		return fmt.Sprintf("%d", widenSigned(b))
	case row.TypeUnsigned:
		return fmt.Sprintf("%d", widenUnsigned(b))
	case row.TypeHex:
		return fmt.Sprintf("0x%x", widenUnsigned(b))
	default:
		return fmt.Sprintf("%x", b)
	}
}

func widenUnsigned(b []byte) uint64 {
	switch len(b) {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(b))
	case 4:
		return uint64(binary.LittleEndian.Uint32(b))
	case 8:
		return binary.LittleEndian.Uint64(b)
	default:
		return 0
	}
}

func widenSigned(b []byte) int64 {
	switch len(b) {
	case 1:
		return int64(int8(b[0]))
	case 2:
		return int64(int16(binary.LittleEndian.Uint16(b)))
	case 4:
		return int64(int32(binary.LittleEndian.Uint32(b)))
	case 8:
		return int64(binary.LittleEndian.Uint64(b))
	default:
		return 0
	}
}
