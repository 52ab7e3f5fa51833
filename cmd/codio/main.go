// Package main implements the codio CLI: publish, get, hash, and daemon.
// Exit codes: 0 success, 1 user error, 2 system error.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/extrophi/codio/pkg/content"
	"github.com/extrophi/codio/pkg/identity"
	"github.com/extrophi/codio/pkg/logging"
	"github.com/extrophi/codio/pkg/node"
	"github.com/extrophi/codio/pkg/transport/tcp"
)

// Build-time variables set by ldflags
var (
	version = "dev"
)

const (
	exitOK     = 0
	exitUsage  = 1
	exitSystem = 2
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitUsage)
	}

	switch os.Args[1] {
	case "version", "--version", "-v":
		fmt.Printf("codio %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	case "hash":
		os.Exit(hashCommand(os.Args[2:]))
	case "publish":
		os.Exit(publishCommand(os.Args[2:]))
	case "get":
		os.Exit(getCommand(os.Args[2:]))
	case "daemon":
		os.Exit(daemonCommand(os.Args[2:]))
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(exitUsage)
	}
}

func printUsage() {
	fmt.Printf(`codio %s - decentralized content delivery

Usage:
  codio <command> [options]

Commands:
  publish <path>        Publish a file and announce it to the network
  get <cid> [-o path]   Retrieve content by CID
  hash <path>           Print the CID of a file without publishing
  daemon                Run a node serving published content
  version               Show version information

Common options:
  -listen addr          Listen address (default :4701)
  -seed peer@addr       Bootstrap seed (repeatable)
  -home dir             Identity and state directory (default ~/.codio)
  -verbose              Debug logging
`, version)
}

// seedList collects repeated -seed flags of the form peerid@addr.
type seedList []node.Seed

func (s *seedList) String() string {
	return fmt.Sprintf("%d seeds", len(*s))
}

func (s *seedList) Set(value string) error {
	peerID, addr, ok := strings.Cut(value, "@")
	if !ok {
		return fmt.Errorf("seed must be peerid@addr, got %q", value)
	}
	*s = append(*s, node.Seed{PeerID: peerID, Addrs: []string{addr}})
	return nil
}

type nodeFlags struct {
	listen  string
	home    string
	seeds   seedList
	verbose bool
}

func registerNodeFlags(fs *flag.FlagSet) *nodeFlags {
	nf := &nodeFlags{}
	fs.StringVar(&nf.listen, "listen", ":4701", "listen address")
	fs.StringVar(&nf.home, "home", defaultHome(), "identity and state directory")
	fs.Var(&nf.seeds, "seed", "bootstrap seed peerid@addr (repeatable)")
	fs.BoolVar(&nf.verbose, "verbose", false, "debug logging")
	return nf
}

func defaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".codio"
	}
	return filepath.Join(home, ".codio")
}

func buildNode(nf *nodeFlags) (*node.Node, error) {
	level := slog.LevelInfo
	if nf.verbose {
		level = slog.LevelDebug
	}
	log := logging.New(level)

	id, err := identity.LoadOrGenerate(filepath.Join(nf.home, "identity.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}

	return node.New(&node.Config{
		Identity:    id,
		Transport:   tcp.NewNoise(id),
		Log:         log,
		ListenAddrs: []string{nf.listen},
		Seeds:       nf.seeds,
		StateFile:   filepath.Join(nf.home, "state.json"),
	})
}

func startNode(ctx context.Context, nf *nodeFlags) (*node.Node, error) {
	n, err := buildNode(nf)
	if err != nil {
		return nil, err
	}
	if err := n.Start(ctx); err != nil {
		return nil, err
	}
	if len(nf.seeds) > 0 {
		if err := n.Bootstrap(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "warning: bootstrap incomplete: %v\n", err)
		}
	}
	return n, nil
}

func hashCommand(args []string) int {
	fs := flag.NewFlagSet("hash", flag.ExitOnError)
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: codio hash <path>")
		return exitUsage
	}

	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitUsage
	}

	fmt.Println(content.NewCID(data).String())
	return exitOK
}

func publishCommand(args []string) int {
	fs := flag.NewFlagSet("publish", flag.ExitOnError)
	nf := registerNodeFlags(fs)
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: codio publish [options] <path>")
		return exitUsage
	}

	path := fs.Arg(0)
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitUsage
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := startNode(ctx, nf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitSystem
	}
	defer n.Stop()

	cid, err := n.Put(ctx, data, filepath.Base(path))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitSystem
	}

	fmt.Println(cid.String())
	fmt.Fprintln(os.Stderr, "Serving content; press Ctrl-C to stop.")
	<-ctx.Done()
	return exitOK
}

func getCommand(args []string) int {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	nf := registerNodeFlags(fs)
	output := fs.String("o", "", "output path (default: the CID)")
	timeout := fs.Duration("timeout", 5*time.Minute, "overall retrieval deadline")
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: codio get [options] <cid>")
		return exitUsage
	}

	cid, err := content.ParseCID(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitUsage
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	n, err := startNode(ctx, nf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitSystem
	}
	defer n.Stop()

	data, err := n.Get(ctx, cid)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitSystem
	}

	path := *output
	if path == "" {
		path = cid.String()
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitSystem
	}

	fmt.Fprintf(os.Stderr, "Wrote %d bytes to %s\n", len(data), path)
	return exitOK
}

func daemonCommand(args []string) int {
	fs := flag.NewFlagSet("daemon", flag.ExitOnError)
	nf := registerNodeFlags(fs)
	fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := startNode(ctx, nf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitSystem
	}
	defer n.Stop()

	fmt.Fprintf(os.Stderr, "codio daemon running as %s on %s\n", n.PeerID(), nf.listen)
	<-ctx.Done()
	return exitOK
}
