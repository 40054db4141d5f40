// meshszd is a file-transfer node daemon: it bridges a serial-attached
// radio modem to the transfer engine, answers SEND:/RECV: commands from
// the mesh, and optionally watches an outbox directory whose files are
// sent automatically to a configured peer.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/drunlade/mesh-zmodem/mesh"
	"github.com/drunlade/mesh-zmodem/session"
	"github.com/drunlade/mesh-zmodem/zmodem"
)

var (
	device    = flag.String("device", "/dev/ttyUSB0", "serial device of the radio modem")
	baud      = flag.Int("baud", 115200, "serial baud rate")
	nodeID    = flag.String("node", "", "local node id (hex, e.g. !deadbeef)")
	cmdPort   = flag.Uint("cmdport", 90, "command port number")
	dataPort  = flag.Uint("dataport", 91, "data port number")
	timeout   = flag.Duration("timeout", session.DefaultTimeout, "transfer inactivity timeout")
	progressI = flag.Duration("progress", session.DefaultProgressInterval, "progress report interval (0 disables)")
	tick      = flag.Duration("tick", 50*time.Millisecond, "event loop tick interval")
	outbox    = flag.String("outbox", "", "directory whose new files are sent automatically")
	peerID    = flag.String("peer", "", "default peer node id for outbox sends")
	logFile   = flag.String("logfile", "", "append logs to this file instead of stderr")
	verbose   = flag.Bool("v", false, "verbose logging")
)

func main() {
	flag.Parse()

	var logger zmodem.Logger = &zmodem.ConsoleLogger{W: os.Stderr, Verbose: *verbose}
	if *logFile != "" {
		fl, err := zmodem.NewFileLogger(*logFile, *verbose)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: -logfile: %v\n", os.Args[0], err)
			os.Exit(1)
		}
		defer fl.Close()
		logger = fl
	}

	local, err := mesh.ParseNodeID(*nodeID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: -node: %v\n", os.Args[0], err)
		os.Exit(2)
	}

	var peer mesh.NodeID
	if *peerID != "" {
		peer, err = mesh.ParseNodeID(*peerID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: -peer: %v\n", os.Args[0], err)
			os.Exit(2)
		}
	}

	transport, err := mesh.OpenSerial(*device, *baud, local)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[0], err)
		os.Exit(1)
	}
	defer transport.Close()

	ctrl := session.New(transport, uint8(*dataPort),
		session.WithLogger(logger),
		session.WithTimeout(*timeout),
		session.WithProgressInterval(*progressI),
	)

	outboxEvents, outboxClose := watchOutbox(*outbox, logger)
	defer outboxClose()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("meshszd up as %s on %s (cmd port %d, data port %d)",
		local, *device, *cmdPort, *dataPort)

	ticker := time.NewTicker(*tick)
	defer ticker.Stop()

	for {
		select {
		case <-sigChan:
			logger.Info("shutting down")
			ctrl.Abort()
			return

		case f, ok := <-transport.Frames():
			if !ok {
				logger.Error("serial transport closed")
				return
			}
			switch f.Port {
			case uint8(*cmdPort):
				reply := ctrl.HandleCommand(string(f.Payload), f.From)
				if err := transport.SendUnicast(f.From, uint8(*cmdPort), []byte(reply)); err != nil {
					logger.Error("reply to %s failed: %v", f.From, err)
				}
			case uint8(*dataPort):
				ctrl.HandlePacket(f.Payload, f.From)
			}

		case path := <-outboxEvents:
			if !peer.Valid() {
				logger.Error("outbox: no -peer configured, ignoring %s", path)
				continue
			}
			if err := ctrl.StartSend(peer, path); err != nil {
				logger.Error("outbox: %s: %v", path, err)
			}

		case <-ticker.C:
			ctrl.Tick()
		}
	}
}

// watchOutbox watches dir for newly written regular files and emits their
// paths. Returns a nil channel (never ready) when dir is empty.
func watchOutbox(dir string, logger zmodem.Logger) (<-chan string, func()) {
	if dir == "" {
		return nil, func() {}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Error("outbox: %v", err)
		return nil, func() {}
	}
	if err := watcher.Add(dir); err != nil {
		logger.Error("outbox: watch %s: %v", dir, err)
		watcher.Close()
		return nil, func() {}
	}

	events := make(chan string, 8)
	go func() {
		// Writers rarely emit a single event; debounce per path so a
		// file is queued once its writes settle.
		pending := map[string]time.Time{}
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
					pending[ev.Name] = time.Now()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Error("outbox: %v", err)
			case now := <-ticker.C:
				for path, last := range pending {
					if now.Sub(last) < time.Second {
						continue
					}
					delete(pending, path)
					if info, err := os.Stat(path); err != nil || !info.Mode().IsRegular() {
						continue
					}
					logger.Info("outbox: queueing %s", filepath.Base(path))
					events <- path
				}
			}
		}
	}()
	return events, func() { watcher.Close() }
}
