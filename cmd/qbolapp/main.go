// Command qbolapp is the reference CLI shell over the messaging
// engine: a line-oriented REPL for sending messages, broadcasts, and
// files to peers on the local segment.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/qbolapp/qbolapp/internal/endpoint"
	"github.com/qbolapp/qbolapp/internal/engine"
	"github.com/qbolapp/qbolapp/internal/events"
	"github.com/qbolapp/qbolapp/internal/logging"
	"github.com/qbolapp/qbolapp/internal/wire"
)

const version = "1.0"

// defaultObfuscationKey is the fixed byte string every peer on a
// deployment shares out of band. A real deployment would pass this in
// via an operator-distributed config file or environment secret; this
// binary hardcodes the project default so the CLI is runnable out of
// the box.
var defaultObfuscationKey = []byte("qbolapp-default-key")

func main() {
	os.Exit(run())
}

func run() int {
	ifaceName := flag.String("i", "", "network interface to bind")
	userName := flag.String("u", "", "display name announced to peers")
	debug := flag.Bool("debug", false, "enable debug-level logging")
	flag.Parse()

	log := logging.New(os.Stdout, *debug)

	logging.Banner(os.Stdout, "qbolapp", version)
	logging.Section(os.Stdout, "configuration")
	fmt.Printf("interface: %s\nuser: %s\ndebug: %v\n\n", *ifaceName, *userName, *debug)

	if *ifaceName == "" || *userName == "" {
		fmt.Println("usage: qbolapp -i <interface> -u <name> [--debug]")
		return 1
	}

	link, err := endpoint.Open(*ifaceName)
	if err != nil {
		log.Error().Err(err).Msg("failed to bind link endpoint")
		return 1
	}

	cfg := engine.DefaultConfig()
	cfg.ObfuscationKey = defaultObfuscationKey
	eng := engine.Start(link, *userName, cfg, log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Println("\nshutting down...")
		eng.Shutdown()
		// The REPL goroutine is typically blocked reading stdin, which
		// a closed engine does not unblock; exit directly once
		// shutdown (queue drain, BROADCAST_OFFLINE, endpoint close) has
		// completed.
		os.Exit(0)
	}()

	go printEvents(eng)

	repl(eng, bufio.NewScanner(os.Stdin))

	eng.Shutdown()
	return 0
}

func printEvents(eng *engine.Engine) {
	for e := range eng.Events() {
		fmt.Println(formatEvent(e))
	}
}

func formatEvent(e events.Event) string {
	switch e.Kind {
	case events.MessageReceived:
		return fmt.Sprintf("[msg] %s: %s", e.Peer, e.Text)
	case events.BroadcastReceived:
		return fmt.Sprintf("[bc] %s: %s", e.Peer, e.Text)
	case events.PeerOnline:
		return fmt.Sprintf("[+] %s (%s) online", e.Peer, e.Name)
	case events.PeerOffline:
		return fmt.Sprintf("[-] %s (%s) offline", e.Peer, e.Name)
	case events.TransferCompleted:
		return fmt.Sprintf("[file] transfer %d from/to %s completed (%d bytes)", e.TransferID, e.Peer, len(e.Bytes))
	case events.TransferFailed:
		return fmt.Sprintf("[file] transfer %d with %s failed: %s", e.TransferID, e.Peer, e.Reason)
	case events.DeliveryFailed:
		return fmt.Sprintf("[!] delivery to %s failed (seq %d, %s)", e.Peer, e.Seq, e.FrameKind)
	default:
		return fmt.Sprintf("[?] unknown event kind %v", e.Kind)
	}
}

func repl(eng *engine.Engine, scanner *bufio.Scanner) {
	printHelp()
	fmt.Print("> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			dispatch(eng, line)
		}
		fmt.Print("> ")
	}
}

func dispatch(eng *engine.Engine, line string) {
	fields := strings.Fields(line)
	cmd := fields[0]
	args := fields[1:]

	switch cmd {
	case "help":
		printHelp()
	case "peers":
		cmdPeers(eng)
	case "msg":
		cmdMsg(eng, args, true)
	case "send":
		cmdMsg(eng, args, false)
	case "bc":
		cmdBroadcast(eng, line)
	case "file":
		cmdFile(eng, args)
	case "hello":
		eng.SendHello()
		fmt.Println("hello sent")
	case "exit", "quit":
		eng.Shutdown()
		os.Exit(0)
	default:
		fmt.Printf("unknown command %q; type 'help'\n", cmd)
	}
}

func printHelp() {
	fmt.Println(`commands:
  peers                          list known peers
  msg <MAC> <text>               send a reliable unicast message
  send <MAC> <text>              send an unreliable unicast message
  bc <text>                      broadcast a message to the LAN
  file <path> <MAC> [reliable]   send a file (reliable defaults to true)
  hello                          announce presence now
  help                           show this message
  exit                           shut down and quit`)
}

func cmdPeers(eng *engine.Engine) {
	peers := eng.ListPeers()
	if len(peers) == 0 {
		fmt.Println("no known peers")
		return
	}
	for _, p := range peers {
		fmt.Printf("%s  %-16s  %-8s  last_seen=%s\n", p.MAC, p.Name, p.State, p.LastSeen.Format("15:04:05"))
	}
}

func cmdMsg(eng *engine.Engine, args []string, reliable bool) {
	if len(args) < 2 {
		fmt.Println("usage: msg|send <MAC> <text...>")
		return
	}
	mac, err := wire.ParseMAC(args[0])
	if err != nil {
		fmt.Printf("invalid MAC: %v\n", err)
		return
	}
	text := strings.Join(args[1:], " ")
	seq := eng.SendMessage(mac, text, reliable)
	fmt.Printf("sent (seq=%d)\n", seq)
}

func cmdBroadcast(eng *engine.Engine, line string) {
	text := strings.TrimSpace(strings.TrimPrefix(line, "bc"))
	if text == "" {
		fmt.Println("usage: bc <text>")
		return
	}
	eng.SendBroadcast(text)
	fmt.Println("broadcast sent")
}

func cmdFile(eng *engine.Engine, args []string) {
	if len(args) < 2 {
		fmt.Println("usage: file <path> <MAC> [reliable]")
		return
	}
	path, macArg := args[0], args[1]
	reliable := true
	if len(args) >= 3 {
		r, err := strconv.ParseBool(args[2])
		if err != nil {
			fmt.Printf("invalid reliable flag %q: %v\n", args[2], err)
			return
		}
		reliable = r
	}

	info, err := os.Stat(path)
	if err != nil {
		fmt.Printf("cannot read %s: %v\n", path, err)
		return
	}
	if info.IsDir() {
		fmt.Println("directories are not supported; archive the contents yourself and send the archive file")
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Printf("cannot read %s: %v\n", path, err)
		return
	}

	mac, err := wire.ParseMAC(macArg)
	if err != nil {
		fmt.Printf("invalid MAC: %v\n", err)
		return
	}

	id := eng.SendFile(mac, data, reliable)
	fmt.Printf("transfer started (id=%d, %d bytes)\n", id, len(data))
}
