package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"

	"escrowcoord/config"
	"escrowcoord/core/engine"
	"escrowcoord/core/mirror"
	"escrowcoord/native/escrow"
	"escrowcoord/observability/logging"
)

const (
	phaseCommand  = "phase"
	priceCommand  = "price"
	watchCommand  = "watch"
	defaultConfig = "./escrow.toml"
	priceDigits   = 18
)

// engineOptions is swapped by tests to inject a ledger client.
var engineOptions = func() engine.Options { return engine.Options{} }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		usage(stderr)
		return 2
	}
	var err error
	switch args[0] {
	case phaseCommand:
		err = runPhase(ctx, args[1:], stdout, stderr)
	case priceCommand:
		err = runPrice(ctx, args[1:], stdout, stderr)
	case watchCommand:
		err = runWatch(ctx, args[1:], stdout, stderr)
	default:
		usage(stderr)
		return 2
	}
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 2
		}
		fmt.Fprintf(stderr, "escrowctl %s: %v\n", args[0], err)
		return 1
	}
	return 0
}

func usage(w io.Writer) {
	fmt.Fprintf(w, `Usage: escrowctl <command> [flags]

Commands:
  %s   Read an escrow and print its derived phase
  %s   Print the market price of a configured pair
  %s   Poll escrows and print mirror updates until they turn terminal
`, phaseCommand, priceCommand, watchCommand)
}

type targetFlags struct {
	config string
	kind   string
	addr   string
}

func newFlagSet(name string, stderr io.Writer, withTarget bool) (*flag.FlagSet, *targetFlags) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	f := &targetFlags{}
	fs.StringVar(&f.config, "config", defaultConfig, "Path to the escrow config file (TOML or YAML)")
	if withTarget {
		fs.StringVar(&f.kind, "kind", "", "Escrow kind: otc, nft or freelance")
		fs.StringVar(&f.addr, "address", "", "Escrow contract address")
	}
	return fs, f
}

func (f *targetFlags) target() (escrow.Kind, common.Address, error) {
	return config.WatchTarget{Kind: f.kind, Address: f.addr}.Parse()
}

func openEngine(path string, stderr io.Writer) (*config.Config, *engine.Engine, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	logger := logging.New(stderr, logging.Options{Service: "escrowctl", Level: cfg.Logging.Level})
	opts := engineOptions()
	opts.Logger = logger
	if opts.ReadLimiter == nil {
		opts.ReadLimiter = engine.ReadLimiter(cfg.Ledger)
	}
	eng, err := engine.New(cfg, opts)
	if err != nil {
		return nil, nil, err
	}
	return cfg, eng, nil
}

func runPhase(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs, f := newFlagSet(phaseCommand, stderr, true)
	if err := fs.Parse(args); err != nil {
		return err
	}
	kind, addr, err := f.target()
	if err != nil {
		return err
	}
	_, eng, err := openEngine(f.config, stderr)
	if err != nil {
		return err
	}
	defer eng.Close(context.Background())

	inst, phase, err := eng.Coordinator.Phase(ctx, kind, addr)
	if err != nil {
		return err
	}
	return printJSON(stdout, map[string]any{
		"address":     addr.Hex(),
		"blockNumber": inst.BlockNumber,
		"phase":       phase,
	})
}

func runPrice(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs, f := newFlagSet(priceCommand, stderr, false)
	base := fs.String("base", "", "Base token symbol")
	quote := fs.String("quote", "", "Quote token symbol")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*base) == "" || strings.TrimSpace(*quote) == "" {
		return errors.New("-base and -quote are required")
	}
	_, eng, err := openEngine(f.config, stderr)
	if err != nil {
		return err
	}
	defer eng.Close(context.Background())

	price, source, err := eng.Oracle.MarketPrice(ctx, *base, *quote)
	if price == nil {
		return err
	}
	out := map[string]any{
		"base":   strings.ToUpper(*base),
		"quote":  strings.ToUpper(*quote),
		"price":  price.FloatString(priceDigits),
		"source": source,
	}
	if err != nil {
		out["warning"] = err.Error()
	}
	return printJSON(stdout, out)
}

// runWatch polls the flag target, or every configured target when no
// address is given, and prints each mirror update as one JSON line.
func runWatch(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs, f := newFlagSet(watchCommand, stderr, true)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, eng, err := openEngine(f.config, stderr)
	if err != nil {
		return err
	}
	defer eng.Close(context.Background())

	targets := cfg.Watch
	if strings.TrimSpace(f.addr) != "" {
		targets = []config.WatchTarget{{Kind: f.kind, Address: f.addr}}
	}
	if len(targets) == 0 {
		return errors.New("nothing to watch: pass -kind and -address or configure [[watch]]")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	updates := make(chan *mirror.Record, 16)
	pending := make(map[common.Address]struct{}, len(targets))
	for _, target := range targets {
		kind, addr, err := target.Parse()
		if err != nil {
			return err
		}
		ch, unsubscribe := eng.Mirror.Subscribe(addr)
		defer unsubscribe()
		go forward(ctx, ch, updates)
		if err := eng.Watcher.Watch(ctx, kind, addr); err != nil {
			return err
		}
		pending[addr] = struct{}{}
	}

	enc := json.NewEncoder(stdout)
	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			return nil
		case rec := <-updates:
			if err := enc.Encode(rec); err != nil {
				return err
			}
			if rec.Terminal {
				delete(pending, rec.Address)
			}
		}
	}
	return nil
}

func forward(ctx context.Context, in <-chan *mirror.Record, out chan<- *mirror.Record) {
	for rec := range in {
		select {
		case out <- rec:
		case <-ctx.Done():
			return
		}
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
