// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package xcnv provides tools to convert page archives to/from LCIO.
package xcnv // import "github.com/go-lpc/roc/internal/xcnv"
