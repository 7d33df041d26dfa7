// Package coredump implements the core-extractor (spec §4.8): given a
// process core-dump file, scan its loadable segments for slab magic, group
// matching regions by owning-segment id, and write each group out as a
// reconstructed segment file the ordinary subscriber path can open.
//
// This is explicitly not part of the hot path (spec §4.8 "Not part of the
// hot path"); it is a batch, off-line recovery tool, so it favors clarity
// over the address-stability and append-only discipline the live engine
// needs.
package coredump

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/xerrors"

	"github.com/bennbollay/tmstat/slab"
	"github.com/bennbollay/tmstat/tmstaterr"
)

// Extract scans corePath's ELF program headers, identifies every
// page-sized window whose first four bytes are the slab magic, groups
// those windows by the owning-segment id stamped in their header, and
// writes one reconstructed file per group into destDir, named
// "segment-<id>". It returns the paths written.
func Extract(corePath, destDir string, pageSize int) ([]string, error) {
	f, err := elf.Open(corePath)
	if err != nil {
		return nil, xerrors.Errorf("open core %s: %w", corePath, tmstaterr.ErrInvalidArgument)
	}
	defer f.Close()

	if f.Type != elf.ET_CORE {
		return nil, xerrors.Errorf("%s is not a core file: %w", corePath, tmstaterr.ErrInvalidArgument)
	}

	bySegment := map[uint32][]byte{}
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Filesz == 0 {
			continue
		}
		data := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(data, 0); err != nil {
			continue // unreadable region (often a stripped-out anonymous page); skip.
		}
		scanRegion(data, pageSize, bySegment)
	}
	if len(bySegment) == 0 {
		return nil, xerrors.Errorf("core %s: no slab-tagged regions found: %w", corePath, tmstaterr.ErrInvalidArgument)
	}

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return nil, xerrors.Errorf("extract core %s: %w", corePath, err)
	}
	var written []string
	for id, bytes := range bySegment {
		path := filepath.Join(destDir, fmt.Sprintf("segment-%d", id))
		if err := os.WriteFile(path, bytes, 0644); err != nil {
			return written, xerrors.Errorf("write %s: %w", path, err)
		}
		written = append(written, path)
	}
	return written, nil
}

// scanRegion walks data pageSize bytes at a time, appending every window
// whose header carries the slab magic to its owning segment's byte run in
// bySegment. Slabs are appended in the order they are found, which is the
// original slab order for the common case of a single contiguous mapping.
// The reconstructed file is opened through the same Open path a live
// segment file would be, which locates each slab by its position in the
// file, so a segment split across multiple PT_LOAD entries whose pages
// are found out of slab order does not reconstruct into a readable file.
func scanRegion(data []byte, pageSize int, bySegment map[uint32][]byte) {
	for off := 0; off+pageSize <= len(data); off += pageSize {
		page := data[off : off+pageSize]
		if binary.LittleEndian.Uint32(page[0:4]) != slab.Magic {
			continue
		}
		h, err := slab.ReadHeader(page)
		if err != nil || !h.Valid() {
			continue
		}
		bySegment[h.OwningSegmentID] = append(bySegment[h.OwningSegmentID], page...)
	}
}
