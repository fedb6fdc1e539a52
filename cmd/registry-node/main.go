package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"

	"aim-chat/invite-registry/internal/composition/registrynode"
	"aim-chat/invite-registry/internal/config"
	"aim-chat/invite-registry/internal/identity"
	"aim-chat/invite-registry/pkg/models"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

const usage = `registry-node registers accounts and publishes invite keys.

Usage:
  registry-node mnemonic
  registry-node register [--private] [--account ACCOUNT] [flags]
  registry-node resolve ACCOUNT [flags]
  registry-node status [flags]
  registry-node serve [flags]

The account signer is read from REGISTRY_MNEMONIC.

Without --data-dir (or REGISTRY_DATA_DIR, or explicit directory/keystore
paths in the config) every invocation starts from an empty in-memory
directory, so a later "resolve" will not see what "register" published.
The keystore is only persisted when REGISTRY_KEYSTORE_SECRET is set.
`

var errUsage = errors.New("usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
}

type commonFlags struct {
	configPath string
	dataDir    string
	transport  string
	logLevel   string
}

func (c *commonFlags) add(fs *pflag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "path to registry.yaml (optional)")
	fs.StringVar(&c.dataDir, "data-dir", "", "directory for the persistent registry database and keystore")
	fs.StringVar(&c.transport, "transport", "", "network transport override: go-waku | mock")
	fs.StringVar(&c.logLevel, "log-level", "", "log level override")
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return errUsage
	}
	switch args[0] {
	case "--version", "version":
		fmt.Fprintf(stdout, "registry-node version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return nil
	case "mnemonic":
		mnemonic, err := identity.NewMnemonic()
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, mnemonic)
		return nil
	case "register":
		return runRegister(ctx, args[1:], stdout, stderr)
	case "resolve":
		return runResolve(ctx, args[1:], stdout, stderr)
	case "status":
		return runStatus(ctx, args[1:], stdout, stderr)
	case "serve":
		return runServe(ctx, args[1:], stderr)
	case "-h", "--help", "help":
		fmt.Fprint(stdout, usage)
		return nil
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", args[0], usage)
		return errUsage
	}
}

func runRegister(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var common commonFlags
	var private bool
	var rawAccount string
	fs := pflag.NewFlagSet("register", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	common.add(fs)
	fs.BoolVar(&private, "private", false, "register the identity key only, without publishing an invite key")
	fs.StringVar(&rawAccount, "account", "", "account to register (defaults to the mnemonic's account)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	signer, err := identity.SignerFromMnemonic(os.Getenv("REGISTRY_MNEMONIC"), os.Getenv("REGISTRY_MNEMONIC_PASSPHRASE"))
	if err != nil {
		return err
	}
	account := signer.Account()
	if strings.TrimSpace(rawAccount) != "" {
		if account, err = models.ParseAccount(rawAccount); err != nil {
			return err
		}
	}

	return withNode(ctx, common, stderr, func(node *registrynode.Node) error {
		key, err := node.Coordinator.Register(ctx, account, private, signer.SignFunc())
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "account:  %s\nidentity: %s\n", account, key.DIDKey())
		if !private {
			invite, err := node.Coordinator.Resolve(ctx, account)
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "invite:   %s\n", invite)
		}
		return nil
	})
}

func runResolve(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var common commonFlags
	fs := pflag.NewFlagSet("resolve", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	common.add(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fmt.Fprint(stderr, usage)
		return errUsage
	}
	account, err := models.ParseAccount(fs.Arg(0))
	if err != nil {
		return err
	}
	return withNode(ctx, common, stderr, func(node *registrynode.Node) error {
		pub, err := node.Coordinator.Resolve(ctx, account)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, pub)
		return nil
	})
}

func runStatus(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var common commonFlags
	fs := pflag.NewFlagSet("status", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	common.add(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	return withNode(ctx, common, stderr, func(node *registrynode.Node) error {
		status := node.Transport.Status()
		fmt.Fprintf(stdout, "network:       %s (peers=%d)\n", status.State, status.PeerCount)
		fmt.Fprintf(stdout, "subscriptions: %d\n", status.Subscriptions)
		if active, ok := node.Active.Current(); ok {
			fmt.Fprintf(stdout, "active:        %s\n", active)
		}
		return printMetricFamilies(stdout, node.Metrics.Gatherer())
	})
}

func runServe(ctx context.Context, args []string, stderr io.Writer) error {
	var common commonFlags
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	common.add(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	return withNode(ctx, common, stderr, func(node *registrynode.Node) error {
		node.OnInvite(func(inv registrynode.InboundInvite) {
			node.Logger.Info("invite received", "component", "registry-node", "channel", inv.Channel.String(), "bytes", len(inv.Payload))
		})
		node.Logger.Info("registry node serving", "component", "registry-node", "version", version)
		<-ctx.Done()
		return nil
	})
}

func withNode(ctx context.Context, common commonFlags, stderr io.Writer, fn func(*registrynode.Node) error) error {
	cfg, err := config.LoadFromPath(common.configPath)
	if err != nil {
		return err
	}
	config.ApplyDataDir(&cfg, common.dataDir)
	if common.transport != "" {
		cfg.Network.Transport = common.transport
	}
	if common.logLevel != "" {
		cfg.Log.Level = strings.ToLower(common.logLevel)
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}
	logger, err := registrynode.NewLogger(cfg.Log, stderr)
	if err != nil {
		return err
	}
	node, err := registrynode.Build(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := node.Close(context.Background()); err != nil {
			logger.Warn("registry node close failed", "component", "registry-node", "error", err.Error())
		}
	}()
	if err := node.Start(ctx); err != nil {
		return err
	}
	return fn(node)
}

func printMetricFamilies(w io.Writer, gatherer prometheus.Gatherer) error {
	families, err := gatherer.Gather()
	if err != nil {
		return err
	}
	sort.Slice(families, func(i, j int) bool { return families[i].GetName() < families[j].GetName() })
	for _, family := range families {
		total := 0.0
		for _, m := range family.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				total += m.GetCounter().GetValue()
			case m.GetHistogram() != nil:
				total += float64(m.GetHistogram().GetSampleCount())
			}
		}
		fmt.Fprintf(w, "%s %g\n", family.GetName(), total)
	}
	return nil
}
