// Command mkexec builds a REXE exec table image (spec §6.2): a small
// header followed by fixed-size directory entries, followed by the raw
// bytes of every named blob, in the exact layout
// internal/loader.ScanTable expects to find at boot. original_source
// built this table at compile time via its own build.rs; this hosted
// build has no equivalent embed step, so it is a small host-side tool
// instead, in the spirit of cmd/kernel's other host tooling.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

const (
	execMagic      = "REXE"
	execVersion    = 1
	maxExecEntries = 15
	entrySize      = 32
	nameSize       = 16
	tableHeaderLen = 16
)

func main() {
	out := flag.String("o", "exec.img", "output image path")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [-o out.img] name=path [name=path ...]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	entries := flag.Args()
	if len(entries) == 0 {
		log.Error("no entries given")
		flag.Usage()
		os.Exit(2)
	}
	if len(entries) > maxExecEntries {
		log.Error("too many entries", "count", len(entries), "max", maxExecEntries)
		os.Exit(1)
	}

	type blob struct {
		name string
		data []byte
	}
	blobs := make([]blob, 0, len(entries))
	for _, spec := range entries {
		name, path, ok := strings.Cut(spec, "=")
		if !ok {
			log.Error("malformed entry, want name=path", "entry", spec)
			os.Exit(2)
		}
		if len(name) == 0 || len(name) > nameSize {
			log.Error("entry name must be 1-16 bytes", "name", name)
			os.Exit(2)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			log.Error("failed to read blob", "name", name, "path", path, "err", err)
			os.Exit(1)
		}
		blobs = append(blobs, blob{name: name, data: data})
	}

	headerAndDir := tableHeaderLen + len(blobs)*entrySize
	total := headerAndDir
	for _, b := range blobs {
		total += len(b.data)
	}

	image := make([]byte, total)
	copy(image[0:4], execMagic)
	binary.LittleEndian.PutUint32(image[4:8], execVersion)
	binary.LittleEndian.PutUint32(image[8:12], uint32(len(blobs)))

	offset := headerAndDir
	for i, b := range blobs {
		eoff := tableHeaderLen + i*entrySize
		copy(image[eoff:eoff+nameSize], b.name)
		binary.LittleEndian.PutUint32(image[eoff+16:eoff+20], uint32(offset))
		binary.LittleEndian.PutUint32(image[eoff+20:eoff+24], uint32(len(b.data)))
		copy(image[offset:offset+len(b.data)], b.data)
		offset += len(b.data)
	}

	if err := os.WriteFile(*out, image, 0o644); err != nil {
		log.Error("failed to write image", "path", *out, "err", err)
		os.Exit(1)
	}
	log.Info("exec table written", "path", *out, "entries", len(blobs), "bytes", total)
}
