// Copyright (c) 2024-2026 The relaykit developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// This file changes the default GODEBUG values when building with newer
// releases of Go to enable the new features and security updates that are
// not strictly backwards compatible.  Newer Go toolchains disable such
// changes automatically when compiling old code, but they are generally
// desirable and the code works properly with them enabled.
//
// WARNING: Do not blindly update this with each new Go release.  It needs to
// be analyzed with each new release before updating to ensure none of the
// newly disabled-by-default changes break the existing code.

//go:build go1.25

//go:debug default=go1.25

package main
