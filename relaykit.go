// Copyright (c) 2024-2026 The relaykit developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"runtime/pprof"
	"strings"

	"github.com/meshforge/relaykit/internal/limits"
	"github.com/meshforge/relaykit/internal/version"
	"github.com/meshforge/relaykit/relaydb"
)

var cfg *config

// relaykitMain is the real main function for relaykit.  It is necessary to
// work around the fact that deferred functions do not run when os.Exit() is
// called.
func relaykitMain() error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	tcfg, _, err := loadConfig(appName)
	if err != nil {
		usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
		fmt.Fprintln(os.Stderr, err)
		var e errSuppressUsage
		if !errors.As(err, &e) {
			fmt.Fprintln(os.Stderr, usageMessage)
		}
		return err
	}
	cfg = tcfg
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	// Get a context that will be canceled when a shutdown signal has been
	// triggered either from an OS signal such as SIGINT (Ctrl+C) or from
	// another subsystem such as a completed one-shot publish.
	ctx := shutdownListener()
	defer rkitLog.Info("Shutdown complete")

	// Show version and home dir at startup.
	rkitLog.Infof("Version %s (Go version %s %s/%s)", version.String(),
		runtime.Version(), runtime.GOOS, runtime.GOARCH)
	rkitLog.Infof("Home dir: %s", cfg.HomeDir)
	if cfg.NoFileLogging {
		rkitLog.Info("File logging disabled")
	}

	// Bursts of ingested records cause bursty allocations.  Starting with
	// Go 1.19 a soft upper memory limit keeps the garbage collector from
	// overallocating during those bursts while leaving the target GC
	// percentage at its default to keep GC cycles infrequent.  For older
	// versions of Go, the GC percentage is lowered instead, which
	// prevents the overallocations at the expense of more frequent GC
	// cycles.
	if limits.SupportsMemoryLimit {
		const softMemLimit = 512 * (1 << 20)
		limits.SetMemoryLimit(softMemLimit)
		rkitLog.Infof("Soft memory limit: %d MiB", softMemLimit>>20)
	} else {
		debug.SetGCPercent(20)
	}

	// Enable http profile server if requested.  Note that since the server
	// may be started now or dynamically started and stopped later, the stop
	// call is always deferred to ensure it is always stopped during process
	// shutdown.
	var profiler profileServer
	defer profiler.Stop()
	if cfg.Profile != "" {
		if err := profiler.Start(cfg.Profile); err != nil {
			rkitLog.Warnf("unable to start profile server: %v", err)
			return err
		}
	}

	// Write cpu profile if requested.
	if cfg.CPUProfile != "" {
		f, err := os.Create(cfg.CPUProfile)
		if err != nil {
			rkitLog.Errorf("Unable to create cpu profile: %v", err.Error())
			return err
		}
		pprof.StartCPUProfile(f)
		defer f.Close()
		defer pprof.StopCPUProfile()
	}

	// Write mem profile if requested.
	if cfg.MemProfile != "" {
		f, err := os.Create(cfg.MemProfile)
		if err != nil {
			rkitLog.Errorf("Unable to create mem profile: %v", err)
			return err
		}
		defer f.Close()
		defer pprof.WriteHeapProfile(f)
	}

	// Return now if a shutdown signal was triggered.
	if shutdownRequested(ctx) {
		return nil
	}

	// Load the relay state database.
	db, err := relaydb.Open(cfg.DataDir)
	if err != nil {
		rkitLog.Errorf("%v", err)
		return err
	}
	defer func() {
		// Ensure the database is sync'd and closed on shutdown.
		rkitLog.Infof("Gracefully shutting down the relay state database...")
		db.Close()
	}()

	// Return now if a shutdown signal was triggered.
	if shutdownRequested(ctx) {
		return nil
	}

	// Create the relay client.
	c, err := newClient(cfg, db)
	if err != nil {
		rkitLog.Errorf("Unable to create relay client: %v", err)
		return err
	}

	if shutdownRequested(ctx) {
		return nil
	}

	// Publish the requested record once the client is up and shut down
	// when the publish settles.
	publishErr := make(chan error, 1)
	if cfg.PublishFile != "" {
		go func() {
			err := c.publishFile(ctx, cfg.PublishFile)
			if err != nil {
				rkitLog.Errorf("Unable to publish %s: %v",
					cfg.PublishFile, err)
			}
			publishErr <- err
			shutdownRequestChannel <- struct{}{}
		}()
	}

	// Run the client.  This will block until the context is cancelled
	// which happens when the interrupt signal is received from an OS
	// signal or shutdown is requested by a completed one-shot publish.
	c.Run(ctx)
	rkitLog.Infof("Client shutdown complete")

	select {
	case err := <-publishErr:
		return err
	default:
	}
	return nil
}

func main() {
	// Up some limits.
	if err := limits.SetLimits(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to set limits: %v\n", err)
		os.Exit(1)
	}

	// Work around defer not working after os.Exit()
	if err := relaykitMain(); err != nil {
		os.Exit(1)
	}
}
