package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/ergochat/readline"
	"github.com/volstore/snapdiff"
	"github.com/volstore/snapdiff/store"
	"github.com/volstore/snapdiff/striper"
)

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),
	readline.PcItem("create"),
	readline.PcItem("clone"),
	readline.PcItem("open"),
	readline.PcItem("images"),
	readline.PcItem("snaps"),
	readline.PcItem("write"),
	readline.PcItem("discard"),
	readline.PcItem("snap"),
	readline.PcItem("resize"),
	readline.PcItem("diff"),
	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

const usage = `commands:
  create <name> <size> [objsize]     create an image
  clone <name> <parent> <snap>       create a copy-on-write child
  open <name>                        switch to an image
  images                             list images
  snaps                              list snapshots of the open image
  write <offset> <length>            record a write
  discard <offset> <length>          discard whole objects in the range
  snap <name>                        commit a snapshot
  resize <size>                      grow the image
  diff [from] [whole] [parent]       print changed ranges up to the head
  exit | quit
sizes accept K/M/G suffixes`

func parseSize(s string) (uint64, error) {
	mult := uint64(1)
	switch {
	case strings.HasSuffix(s, "K"):
		mult, s = 1<<10, s[:len(s)-1]
	case strings.HasSuffix(s, "M"):
		mult, s = 1<<20, s[:len(s)-1]
	case strings.HasSuffix(s, "G"):
		mult, s = 1<<30, s[:len(s)-1]
	}
	n, err := strconv.ParseUint(s, 10, 64)
	return n * mult, err
}

func printDiff(img *store.Image, args []string) error {
	opts := snapdiff.DiffOptions{}
	size, err := img.SizeAt(snapdiff.NoSnap)
	if err != nil {
		return err
	}
	opts.Length = size
	for _, a := range args {
		switch a {
		case "whole":
			opts.WholeObject = true
		case "parent":
			opts.IncludeParent = true
		default:
			opts.FromSnap = a
		}
	}
	total := uint64(0)
	err = snapdiff.DiffIterate(context.Background(), img, opts,
		func(offset, length uint64, exists bool) error {
			state := "data"
			if !exists {
				state = "hole"
			}
			fmt.Printf("%12d ~ %-12d %s\n", offset, length, state)
			total += length
			return nil
		})
	if err != nil {
		return err
	}
	fmt.Printf("%d bytes changed\n", total)
	return nil
}

func main() {
	dir := "snapdiff.db"
	if len(os.Args) > 1 {
		dir = os.Args[1]
	}
	s, err := store.Open(dir, store.Options{})
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(-1)
	}

	l, err := readline.NewEx(&readline.Config{
		Prompt:          "◌ ",
		HistoryFile:     "/tmp/snapdiff.history",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		panic(err)
	}
	defer l.Close()
	l.CaptureExitSignal()

	var img *store.Image

	needImage := func() bool {
		if img == nil {
			_, _ = fmt.Fprintln(os.Stderr, "no image open")
			return false
		}
		return true
	}

	for {
		line, err := l.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				break
			}
			continue
		} else if err == io.EOF {
			break
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		args := strings.Split(line, " ")
		cmd := args[0]
		args = args[1:]
		err = nil

		switch cmd {
		case "help":
			fmt.Println(usage)

		case "create":
			if len(args) < 2 {
				err = fmt.Errorf("usage: create <name> <size> [objsize]")
				break
			}
			var size, objSize uint64
			objSize = 4 << 20
			if size, err = parseSize(args[1]); err != nil {
				break
			}
			if len(args) > 2 {
				if objSize, err = parseSize(args[2]); err != nil {
					break
				}
			}
			layout := striper.Layout{ObjectSize: objSize, StripeUnit: objSize, StripeCount: 1}
			features := snapdiff.FeatureObjectMap | snapdiff.FeatureFastDiff
			img, err = s.CreateImage(args[0], size, layout, features)

		case "clone":
			if len(args) != 3 {
				err = fmt.Errorf("usage: clone <name> <parent> <snap>")
				break
			}
			img, err = s.CreateChild(args[0], args[1], args[2])

		case "open":
			if len(args) != 1 {
				err = fmt.Errorf("usage: open <name>")
				break
			}
			img, err = s.OpenImage(args[0])

		case "images":
			var names []string
			if names, err = s.Images(); err == nil {
				for _, n := range names {
					fmt.Println(n)
				}
			}

		case "snaps":
			if !needImage() {
				break
			}
			for _, id := range img.Snaps() {
				size, _ := img.SizeAt(id)
				fmt.Printf("%4d  %12d bytes\n", uint64(id), size)
			}

		case "write", "discard":
			if !needImage() {
				break
			}
			if len(args) != 2 {
				err = fmt.Errorf("usage: %s <offset> <length>", cmd)
				break
			}
			var off, length uint64
			if off, err = parseSize(args[0]); err != nil {
				break
			}
			if length, err = parseSize(args[1]); err != nil {
				break
			}
			if cmd == "write" {
				err = img.Write(off, length)
			} else {
				err = img.Discard(off, length)
			}

		case "snap":
			if !needImage() {
				break
			}
			if len(args) != 1 {
				err = fmt.Errorf("usage: snap <name>")
				break
			}
			var id snapdiff.SnapID
			if id, err = img.CreateSnap(args[0]); err == nil {
				fmt.Printf("snapshot %s id %d\n", args[0], uint64(id))
			}

		case "resize":
			if !needImage() {
				break
			}
			if len(args) != 1 {
				err = fmt.Errorf("usage: resize <size>")
				break
			}
			var size uint64
			if size, err = parseSize(args[0]); err == nil {
				err = img.Resize(size)
			}

		case "diff":
			if !needImage() {
				break
			}
			err = printDiff(img, args)

		case "exit", "quit":
			ex := 0
			if err = s.Close(); err != nil {
				_, _ = fmt.Fprintln(os.Stderr, err.Error())
				ex = -1
			}
			os.Exit(ex)

		default:
			_, _ = fmt.Fprintf(os.Stderr, "command unknown: %s\n", cmd)
		}

		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "Error executing %s: %s\n", cmd, err.Error())
		}
	}
	_ = s.Close()
}
