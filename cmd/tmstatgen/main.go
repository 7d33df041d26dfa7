// Command tmstatgen is a demo publisher: it bootstraps a segment, registers
// a small "interfaces" table keyed by name, writes some sample rows, and
// publishes the segment, repeating on an interval. It exists to give
// tmstatsub and the test suite something real to subscribe to, the way
// distri's own cmd/* tools are themselves users of internal/env and
// internal/build rather than just demos of them.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/bennbollay/tmstat/internal/env"
	"github.com/bennbollay/tmstat/segment"
	"github.com/bennbollay/tmstat/slab"
	"github.com/bennbollay/tmstat/table"
)

const help = `tmstatgen [-flags]

Publishes a sample tmstat segment named "ifstats" under -root, refreshing it
every -interval until killed. Use tmstatsub to subscribe to it.

Example:
  % tmstatgen -root /tmp/tmstat -writer eth0gen
`

// ifaceRowSize is name(17) + rx_bytes(8) + tx_bytes(8) + mtu(4).
const ifaceRowSize = 17 + 8 + 8 + 4

func putIfaceRow(b []byte, name string, rx, tx uint64, mtu uint32) {
	for i := range b[:17] {
		b[i] = 0
	}
	copy(b[:17], name)
	binary.LittleEndian.PutUint64(b[17:25], rx)
	binary.LittleEndian.PutUint64(b[25:33], tx)
	binary.LittleEndian.PutUint32(b[33:37], mtu)
}

func main() {
	fs := flag.NewFlagSet("tmstatgen", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, help)
		fs.PrintDefaults()
	}
	root := fs.String("root", "", "tmstat root directory (default $TMSTAT_ROOT or $HOME/tmstat)")
	writer := fs.String("writer", "tmstatgen", "label name recorded for this publisher")
	interval := fs.Duration("interval", 2*time.Second, "how often to republish")
	once := fs.Bool("once", false, "publish a single snapshot and exit")
	fs.Parse(os.Args[1:])

	cfg := env.DefaultConfig("ifstats")
	if *root != "" {
		cfg.Base = *root + "/ifstats"
	}

	var rx, tx uint64
	for {
		if err := publishOnce(cfg, *writer, rx, tx); err != nil {
			log.Fatalf("tmstatgen: %v", err)
		}
		rx += 1500
		tx += 900
		if *once {
			return
		}
		time.Sleep(*interval)
	}
}

func publishOnce(cfg env.Config, writer string, rx, tx uint64) error {
	privatePath, err := cfg.PrivatePath("ifstats")
	if err != nil {
		return err
	}
	pageSize := cfg.PageSize
	if pageSize == 0 {
		pageSize = slab.HostPageSize()
	}
	seg, err := segment.Create(segment.ModeFile, privatePath, pageSize)
	if err != nil {
		return err
	}
	store, err := table.Bootstrap(seg)
	if err != nil {
		seg.Destroy(privatePath)
		return err
	}
	if err := store.AddLabel(writer, time.Now()); err != nil {
		seg.Destroy(privatePath)
		return err
	}

	cols := []table.ColumnSpec{
		{Name: "name", Offset: 0, Size: 17, Type: table.TypeText, Rule: table.RuleKey},
		{Name: "rx_bytes", Offset: 17, Size: 8, Type: table.TypeUnsigned, Rule: table.RuleSum},
		{Name: "tx_bytes", Offset: 25, Size: 8, Type: table.TypeUnsigned, Rule: table.RuleSum},
		{Name: "mtu", Offset: 33, Size: 4, Type: table.TypeUnsigned, Rule: table.RuleMax},
	}
	t, err := store.Register("interfaces", cols, ifaceRowSize)
	if err != nil {
		seg.Destroy(privatePath)
		return err
	}

	// Dropping an owning handle frees its row (the allocator's slot-reuse
	// signal), so a publisher that wants these rows to stay in the
	// segment simply never drops them; CreateRow's refcount-1 handle is
	// left to the process to discard without a matching Drop.
	for _, name := range []string{"eth0", "eth1"} {
		h, err := t.CreateRow()
		if err != nil {
			seg.Destroy(privatePath)
			return err
		}
		putIfaceRow(h.Bytes(), name, rx, tx, 1500)
	}

	if err := seg.Close(); err != nil {
		return err
	}
	publishedPath, err := cfg.PublishedPath("ifstats")
	if err != nil {
		return err
	}
	if err := segment.Publish(privatePath, publishedPath); err != nil {
		return err
	}
	return segment.Unlink(privatePath)
}
