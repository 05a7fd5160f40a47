// Copyright (c) 2024-2026 The relaykit developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
relaykit is a relay orchestration client written in Go.

It maintains persistent connections to a configurable set of relays, tracks
the health and performance of every relay it talks to, resolves the relays a
record should be published to from its author's advertised write relays, and
durably archives the records it observes.

The default options are sane for most users.  This means relaykit will work
'out of the box' for most users.  However, there are also a wide variety of
flags that can be used to control it.

The following section provides a usage overview which enumerates the flags.
An interesting point to note is that the long form of all of these options
(except -C) can be specified in a configuration file that is automatically
parsed when relaykit starts up.  By default, the configuration file is
located at ~/.relaykit/relaykit.conf on POSIX-style operating systems and
%LOCALAPPDATA%\relaykit\relaykit.conf on Windows.  The -C (--configfile)
flag, as shown below, can be used to override this location.

Usage:

	relaykit [OPTIONS]

Application Options:

	-V, --version           Display version information and exit
	-A, --appdata=          Path to application home directory
	-C, --configfile=       Path to configuration file
	-b, --datadir=          Directory to store data
	    --logdir=           Directory to log output
	    --nofilelogging     Disable file logging
	-d, --debuglevel=       Logging level for all subsystems {trace, debug,
	                        info, warn, error, critical} -- You may also
	                        specify
	                        <subsystem>=<level>,<subsystem2>=<level>,... to
	                        set the log level for individual subsystems --
	                        Use show to list available subsystems (info)
	    --relay=            Connect to the specified relay at startup and
	                        keep the connection alive (may be specified
	                        multiple times) [supports RELAYKIT_RELAYS
	                        environment variable]
	    --fallbackrelay=    Relay of last resort used by automatic selection
	                        when no better candidate source produces a usable
	                        relay (may be specified multiple times)
	    --authpreference=   Default answer to relay authentication challenges
	                        {always, never, ask} (default: ask)
	    --publishtimeout=   Per-relay timeout for publishing a record when no
	                        adaptive estimate exists (default: 10s)
	    --publish=          Publish the JSON-encoded record in the given file
	                        to its resolved relays, wait for the outcome, and
	                        exit
	    --proxy=            Connect to relays via SOCKS5 proxy (eg.
	                        127.0.0.1:9050)
	    --proxyuser=        Username for proxy server
	    --proxypass=        Password for proxy server
	    --profile=          Enable HTTP profiling on given [addr:]port --
	                        NOTE: port must be between 1024 and 65535
	    --cpuprofile=       Write CPU profile to the specified file
	    --memprofile=       Write mem profile to the specified file

Help Options:

	-h, --help              Show this help message
*/
package main
