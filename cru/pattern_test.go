// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cru

import (
	"encoding/binary"
	"strings"
	"testing"
)

func TestPatternFromString(t *testing.T) {
	for _, tc := range []struct {
		name string
		want Pattern
		err  string
	}{
		{name: "INCREMENTAL", want: Incremental},
		{name: "incremental", want: Incremental},
		{name: " Alternating ", want: Alternating},
		{name: "constant", want: Constant},
		{name: "bogus", err: `cru: unknown generator pattern "bogus"`},
		{name: "", err: `cru: unknown generator pattern ""`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := PatternFromString(tc.name)
			switch {
			case tc.err != "":
				if err == nil {
					t.Fatalf("expected an error")
				}
				if got, want := err.Error(), tc.err; got != want {
					t.Fatalf("invalid error:\ngot= %s\nwant=%s", got, want)
				}
			default:
				if err != nil {
					t.Fatalf("could not parse pattern: %+v", err)
				}
				if got != tc.want {
					t.Fatalf("got pattern %v, want %v", got, tc.want)
				}
			}
		})
	}
}

func TestPatternString(t *testing.T) {
	for _, tc := range []struct {
		pat  Pattern
		want string
	}{
		{Incremental, "INCREMENTAL"},
		{Alternating, "ALTERNATING"},
		{Constant, "CONSTANT"},
		{noPattern, "NONE"},
		{Pattern(42), "Pattern(42)"},
	} {
		if got := tc.pat.String(); got != tc.want {
			t.Fatalf("got=%q, want=%q", got, tc.want)
		}
	}
}

// genPage builds one page the way the data generator does, with every
// word holding the value the checker expects at its index.
func genPage(pat Pattern, counter uint32) []byte {
	page := make([]byte, dmaPageSize)
	for i := 0; i < dmaPageSize32; i++ {
		binary.LittleEndian.PutUint32(page[4*i:], pat.expected(i, counter))
	}
	return page
}

func TestCheckerIncremental(t *testing.T) {
	chk, err := newChecker(Incremental, false)
	if err != nil {
		t.Fatalf("could not create checker: %+v", err)
	}

	const seed = 1000
	for i := 0; i < 4; i++ {
		counter := uint32(seed + i*wordsPerPage)
		if chk.checkPage(genPage(Incremental, counter), i, int64(i)) {
			t.Fatalf("page %d flagged as erroneous", i)
		}
	}
	if got := chk.errorCount(); got != 0 {
		t.Fatalf("got %d errors, want 0", got)
	}
	if got := chk.report(); got != "" {
		t.Fatalf("unexpected report: %q", got)
	}
}

func TestCheckerMismatch(t *testing.T) {
	chk, err := newChecker(Constant, false)
	if err != nil {
		t.Fatalf("could not create checker: %+v", err)
	}

	page := genPage(Constant, 0)
	binary.LittleEndian.PutUint32(page[4*16:], 0xdeadbeef)

	if !chk.checkPage(page, 7, 3) {
		t.Fatalf("corrupted page not flagged")
	}
	if got := chk.errorCount(); got != 1 {
		t.Fatalf("got %d errors, want 1", got)
	}
	want := "error @ event:3 page:7 word:16 exp:0x12345678 got:0xdeadbeef\n"
	if got := chk.report(); got != want {
		t.Fatalf("invalid report:\ngot= %q\nwant=%q", got, want)
	}
}

func TestCheckerResync(t *testing.T) {
	chk, err := newChecker(Incremental, true)
	if err != nil {
		t.Fatalf("could not create checker: %+v", err)
	}

	if chk.checkPage(genPage(Incremental, 0), 0, 0) {
		t.Fatalf("page 0 flagged as erroneous")
	}

	// A page generated with the wrong counter: one error, then the
	// checker re-seeds and follows the new sequence.
	if !chk.checkPage(genPage(Incremental, 5000), 1, 1) {
		t.Fatalf("out-of-sequence page not flagged")
	}
	if chk.checkPage(genPage(Incremental, 5000+wordsPerPage), 2, 2) {
		t.Fatalf("page after resync flagged as erroneous")
	}
	if got := chk.errorCount(); got != 1 {
		t.Fatalf("got %d errors, want 1", got)
	}
}

func TestCheckerNoResyncCascades(t *testing.T) {
	chk, err := newChecker(Incremental, false)
	if err != nil {
		t.Fatalf("could not create checker: %+v", err)
	}

	if chk.checkPage(genPage(Incremental, 0), 0, 0) {
		t.Fatalf("page 0 flagged as erroneous")
	}
	if !chk.checkPage(genPage(Incremental, 5000), 1, 1) {
		t.Fatalf("out-of-sequence page not flagged")
	}
	// Without resync the checker keeps its own sequence: the next page
	// from the shifted generator mismatches too.
	if !chk.checkPage(genPage(Incremental, 5000+wordsPerPage), 2, 2) {
		t.Fatalf("cascading mismatch not flagged")
	}
	if got := chk.errorCount(); got != 2 {
		t.Fatalf("got %d errors, want 2", got)
	}
}

func TestCheckerRecordCap(t *testing.T) {
	chk, err := newChecker(Constant, false)
	if err != nil {
		t.Fatalf("could not create checker: %+v", err)
	}

	bad := genPage(Constant, 0)
	binary.LittleEndian.PutUint32(bad[0:], 0)

	for i := 0; i < maxRecordedErrors+10; i++ {
		chk.checkPage(bad, 0, int64(i))
	}
	if got, want := chk.errorCount(), int64(maxRecordedErrors+10); got != want {
		t.Fatalf("got %d errors, want %d", got, want)
	}
	if got, want := strings.Count(chk.report(), "\n"), maxRecordedErrors; got != want {
		t.Fatalf("got %d recorded lines, want %d", got, want)
	}
}

func TestCheckerInvalidPattern(t *testing.T) {
	_, err := newChecker(noPattern, false)
	if err == nil {
		t.Fatalf("expected an error")
	}
}

func TestCheckerInvalidPageSize(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected a panic")
		}
	}()
	chk, _ := newChecker(Constant, false)
	chk.checkPage(make([]byte, 16), 0, 0)
}
