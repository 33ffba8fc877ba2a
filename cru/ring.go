// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cru

import "fmt"

// handle identifies one in-flight transfer: the descriptor slot offered
// to the card and the host page it targets.
type handle struct {
	desc int // index into the FIFO table
	page int // index into the page array
}

// ringIndex is a wrap-around counter whose validity invariant
// (0 <= index < capacity) is enforced at construction rather than at
// every call site.
type ringIndex struct {
	i int
	n int
}

func newRingIndex(n int) ringIndex {
	if n <= 0 {
		panic(fmt.Errorf("cru: invalid ring-index capacity %d", n))
	}
	return ringIndex{n: n}
}

// next returns the current index and advances, wrapping at capacity.
func (ix *ringIndex) next() int {
	v := ix.i
	ix.i = (ix.i + 1) % ix.n
	return v
}

// queue is the bounded FIFO of in-flight handles. Push order is
// completion order: the readout loop only ever polls the front.
type queue struct {
	buf  []handle
	head int
	n    int
}

func newQueue(capacity int) *queue {
	if capacity <= 0 {
		panic(fmt.Errorf("cru: invalid queue capacity %d", capacity))
	}
	return &queue{buf: make([]handle, capacity)}
}

func (q *queue) len() int   { return q.n }
func (q *queue) cap() int   { return len(q.buf) }
func (q *queue) full() bool { return q.n == len(q.buf) }

func (q *queue) push(h handle) {
	if q.full() {
		panic(fmt.Errorf("cru: push on full readout queue"))
	}
	q.buf[(q.head+q.n)%len(q.buf)] = h
	q.n++
}

func (q *queue) front() handle {
	if q.n == 0 {
		panic(fmt.Errorf("cru: front of empty readout queue"))
	}
	return q.buf[q.head]
}

func (q *queue) pop() handle {
	h := q.front()
	q.head = (q.head + 1) % len(q.buf)
	q.n--
	return h
}
