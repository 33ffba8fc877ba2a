// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command roc-spy spies the content of CRU registers.
package main // import "github.com/go-lpc/roc/cmd/roc-spy"

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-lpc/roc/cru"
	"github.com/peterh/liner"
)

func main() {
	var (
		bar  = flag.String("bar", "/sys/bus/pci/devices/0000:02:00.0/resource0", "path to the BAR0 resource file")
		buf  = flag.String("buf", "/var/lib/roc/dma.buf", "path to the DMA buffer backing file")
		ishl = flag.Bool("i", false, "interactive register shell")
	)

	log.SetPrefix("roc-spy: ")
	log.SetFlags(0)

	flag.Parse()

	dev, err := cru.NewDevice(*bar, *buf)
	if err != nil {
		log.Fatalf("could not open device: %+v", err)
	}
	defer dev.Close()

	fmt.Printf("------------------------------------------------\n")
	const layout = "2006-01-02 15:04:05 MST"
	fmt.Printf("%v\n", time.Now().Format(layout))

	err = dev.DumpRegisters(os.Stdout)
	if err != nil {
		log.Fatalf("could not dump registers: %+v", err)
	}

	if *ishl {
		err = shell(dev)
		if err != nil {
			log.Fatalf("could not run register shell: %+v", err)
		}
	}
}

func shell(dev *cru.Device) error {
	term := liner.NewLiner()
	defer term.Close()
	term.SetCtrlCAborts(true)

	fmt.Printf("commands: r <off> | w <off> <val> | d | q\n")
	for {
		o, err := term.Prompt("roc> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("could not read command: %w", err)
		}
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		term.AppendHistory(o)

		args := strings.Fields(o)
		switch args[0] {
		case "q", "quit":
			return nil
		case "d", "dump":
			err = dev.DumpRegisters(os.Stdout)
			if err != nil {
				fmt.Printf("error: %+v\n", err)
			}
		case "r", "read":
			if len(args) != 2 {
				fmt.Printf("usage: r <off>\n")
				continue
			}
			off, err := strconv.ParseInt(strings.TrimPrefix(args[1], "0x"), 16, 64)
			if err != nil {
				fmt.Printf("error: invalid offset %q\n", args[1])
				continue
			}
			v, err := dev.ReadRegister(off)
			if err != nil {
				fmt.Printf("error: %+v\n", err)
				continue
			}
			fmt.Printf("0x%03x: 0x%08x\n", off, v)
		case "w", "write":
			if len(args) != 3 {
				fmt.Printf("usage: w <off> <val>\n")
				continue
			}
			off, err := strconv.ParseInt(strings.TrimPrefix(args[1], "0x"), 16, 64)
			if err != nil {
				fmt.Printf("error: invalid offset %q\n", args[1])
				continue
			}
			val, err := strconv.ParseUint(strings.TrimPrefix(args[2], "0x"), 16, 32)
			if err != nil {
				fmt.Printf("error: invalid value %q\n", args[2])
				continue
			}
			err = dev.WriteRegister(off, uint32(val))
			if err != nil {
				fmt.Printf("error: %+v\n", err)
				continue
			}
		default:
			fmt.Printf("unknown command %q\n", args[0])
		}
	}
}
