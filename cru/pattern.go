// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cru

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Pattern enumerates the data generator patterns the checker can
// verify. The set is closed: adding a pattern means touching every
// switch over it, which the compiler will point out.
type Pattern uint8

const (
	noPattern Pattern = iota
	// Incremental: every marker word holds counter + word/8.
	Incremental
	// Alternating: every marker word holds 0xA5A5A5A5.
	Alternating
	// Constant: every marker word holds 0x12345678.
	Constant
)

func (p Pattern) String() string {
	switch p {
	case noPattern:
		return "NONE"
	case Incremental:
		return "INCREMENTAL"
	case Alternating:
		return "ALTERNATING"
	case Constant:
		return "CONSTANT"
	}
	return fmt.Sprintf("Pattern(%d)", uint8(p))
}

// PatternFromString parses a pattern name. An unknown name is a
// configuration mistake, reported before any page is pushed.
func PatternFromString(name string) (Pattern, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "INCREMENTAL":
		return Incremental, nil
	case "ALTERNATING":
		return Alternating, nil
	case "CONSTANT":
		return Constant, nil
	}
	return noPattern, fmt.Errorf("cru: unknown generator pattern %q", name)
}

// expected returns the value the generator wrote at word index i,
// given the running page counter.
func (p Pattern) expected(i int, counter uint32) uint32 {
	switch p {
	case Incremental:
		return counter + uint32(i)/patternStride
	case Alternating:
		return 0xa5a5a5a5
	case Constant:
		return 0x12345678
	}
	panic(fmt.Errorf("cru: checker ran with invalid pattern %v", p))
}

// checker verifies the generator pattern in completed pages. Pattern
// mismatches are data errors: counted, recorded up to a cap, and never
// fatal to the run.
type checker struct {
	pat     Pattern
	resync  bool  // re-seed the counter from the page after an error
	counter int64 // running generator counter; -1 = seed from next page

	nerrs    int64
	recorded int64
	errs     strings.Builder
}

func newChecker(pat Pattern, resync bool) (*checker, error) {
	switch pat {
	case Incremental, Alternating, Constant:
		// ok
	default:
		return nil, fmt.Errorf("cru: cannot check pattern %v", pat)
	}
	return &checker{pat: pat, resync: resync, counter: -1}, nil
}

// errorCount returns the number of pages that failed verification.
func (chk *checker) errorCount() int64 { return chk.nerrs }

// report returns the recorded error lines.
func (chk *checker) report() string { return chk.errs.String() }

func pageWord(page []byte, i int) uint32 {
	return binary.LittleEndian.Uint32(page[4*i:])
}

// checkPage scans the page at the generator marker stride and reports
// whether it held an error. event and pageIndex only label the report.
func (chk *checker) checkPage(page []byte, pageIndex int, event int64) bool {
	if len(page) != dmaPageSize {
		panic(fmt.Errorf("cru: invalid page size %d", len(page)))
	}

	if chk.counter < 0 {
		// First page (or first page after a resync) seeds the counter.
		chk.counter = int64(pageWord(page, 0))
	}

	counter := uint32(chk.counter)
	hasError := false
	for i := 0; i < dmaPageSize32; i += patternStride {
		want := chk.pat.expected(i, counter)
		got := pageWord(page, i)
		if got != want {
			hasError = true
			chk.nerrs++
			if chk.recorded < maxRecordedErrors {
				fmt.Fprintf(&chk.errs,
					"error @ event:%d page:%d word:%d exp:0x%08x got:0x%08x\n",
					event, pageIndex, i, want, got,
				)
				chk.recorded++
			}
			break
		}
	}

	switch {
	case hasError && chk.resync:
		// Re-seed from the first word of the very next page instead of
		// flagging every subsequent page as erroneous.
		chk.counter = -1
	default:
		chk.counter += wordsPerPage
	}

	return hasError
}
