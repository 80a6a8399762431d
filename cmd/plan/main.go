package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"hl-mirror-bot/internal/account"
	"hl-mirror-bot/internal/config"
	"hl-mirror-bot/internal/hl/rest"
	"hl-mirror-bot/internal/logging"
	"hl-mirror-bot/internal/market"
	"hl-mirror-bot/internal/mirror"
)

const (
	defaultRESTTimeout = 10 * time.Second
	defaultRESTBaseURL = "https://api.hyperliquid.xyz"
	defaultCopyRatio   = 0.1
	defaultPlanEnvFile = ".env"
)

// plan fetches leader and follower positions once, runs the same
// aggregate/target/order pipeline the bot loop runs, and prints the orders it
// would place. Nothing is signed or sent.
func main() {
	configPath := flag.String("config", "", "optional config path for REST and mirror settings")
	flag.Parse()

	if err := config.LoadEnv(defaultPlanEnvFile); err != nil {
		fatal(err)
	}

	logCfg := config.LoggingConfig{Level: "warn"}
	baseURL := defaultRESTBaseURL
	timeout := defaultRESTTimeout
	ratio := defaultCopyRatio
	notionalCap := 0.0
	tif := mirror.TifIoc
	var leaders []string
	var follower string
	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fatal(err)
		}
		logCfg = cfg.Log
		if cfg.REST.BaseURL != "" {
			baseURL = cfg.REST.BaseURL
		}
		if cfg.REST.Timeout > 0 {
			timeout = cfg.REST.Timeout
		}
		if cfg.Mirror.CopyRatio > 0 {
			ratio = cfg.Mirror.CopyRatio
		}
		notionalCap = cfg.Mirror.MaxNotionalPerOrderUSD
		if cfg.Mirror.Tif != "" {
			tif = mirror.Tif(cfg.Mirror.Tif)
		}
		leaders = cfg.Mirror.LeaderAddresses
		follower = cfg.Mirror.FollowerAddress
	}

	if env := strings.TrimSpace(os.Getenv("HL_PLAN_LEADERS")); env != "" {
		leaders = nil
		for _, addr := range strings.Split(env, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				leaders = append(leaders, addr)
			}
		}
	}
	if env := strings.TrimSpace(os.Getenv("HL_PLAN_FOLLOWER")); env != "" {
		follower = env
	} else if follower == "" {
		follower = strings.TrimSpace(os.Getenv("HL_WALLET_ADDRESS"))
	}
	if env := strings.TrimSpace(os.Getenv("HL_PLAN_RATIO")); env != "" {
		parsed, err := strconv.ParseFloat(env, 64)
		if err != nil || parsed <= 0 || parsed > 1 {
			fatal(fmt.Errorf("invalid HL_PLAN_RATIO: %q", env))
		}
		ratio = parsed
	}
	if len(leaders) == 0 {
		fatal(errors.New("no leaders: set mirror.leader_addresses in config or HL_PLAN_LEADERS"))
	}
	if follower == "" {
		fatal(errors.New("no follower: set mirror.follower_address in config or HL_PLAN_FOLLOWER"))
	}

	log := logging.New(logCfg)
	defer func() { _ = log.Sync() }()

	restClient := rest.New(baseURL, timeout, log)
	md := market.New(restClient, nil, log)
	accounts := account.New(restClient, log)
	ctx := context.Background()
	if err := md.RefreshContexts(ctx); err != nil {
		fatal(err)
	}

	leaderPositions := make(map[string][]mirror.Position, len(leaders))
	for _, addr := range leaders {
		snap, err := accounts.State(ctx, addr)
		if err != nil {
			fatal(fmt.Errorf("leader %s: %w", addr, err))
		}
		list := make([]mirror.Position, 0, len(snap.Positions))
		for _, pos := range snap.Positions {
			list = append(list, pos)
		}
		leaderPositions[addr] = list
		fmt.Printf("leader %s: %d positions\n", addr, len(list))
	}

	followerSnap, err := accounts.State(ctx, follower)
	if err != nil {
		fatal(fmt.Errorf("follower %s: %w", follower, err))
	}
	fmt.Printf("follower %s: %d positions, equity=%.2f notional=%.2f\n",
		follower, len(followerSnap.Positions), followerSnap.Account.Equity, followerSnap.Account.TotalNotional)

	aggregated := mirror.Aggregate(leaderPositions)
	for _, instrument := range mirror.DetectOrphans(followerSnap.Positions, aggregated) {
		aggregated[instrument] = mirror.Position{Instrument: instrument, UpdatedAt: time.Now()}
		fmt.Printf("orphan: %s held by follower but no leader, will be closed\n", instrument)
	}

	targets := mirror.ComputeTargets(aggregated, followerSnap.Positions, ratio)
	if len(targets) == 0 {
		fmt.Println("no targets: follower is in sync")
		return
	}

	instruments := make([]string, 0, len(targets))
	for _, target := range targets {
		instruments = append(instruments, target.Instrument)
	}
	marks, err := md.Prices(ctx, instruments)
	if err != nil {
		fatal(err)
	}

	for _, target := range targets {
		fmt.Printf("target %s: current=%.6f target=%.6f delta=%.6f\n",
			target.Instrument, target.CurrentSize, target.TargetSize, target.Delta)
		price, ok := marks[target.Instrument]
		if !ok || price.MarkPrice <= 0 {
			fmt.Printf("  skipped: no mark price\n")
			continue
		}
		for _, order := range mirror.GenerateOrders(target, price.MarkPrice, notionalCap, tif) {
			fmt.Printf("  order: %s %s size=%.6f reduce_only=%t tif=%s mark=%.4f\n",
				order.Side, order.Instrument, order.Size, order.ReduceOnly, order.Tif, price.MarkPrice)
		}
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
