// market-sim drives the mock provider standalone and prints every
// event as one JSON line. Useful for eyeballing scenarios and as a
// feed for shell pipelines.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"marketflow/internal/market"
	"marketflow/internal/provider/mock"
)

func main() {
	var (
		symbolsFlag  = flag.String("symbols", "BTCUSDT", "comma-separated symbols")
		intervalFlag = flag.String("interval", "1m", "kline interval")
		scenarioFlag = flag.String("scenario", "NORMAL", "market scenario (NORMAL, BULL_RUN, BEAR_MARKET, VOLATILE, SIDEWAYS, PUMP_AND_DUMP)")
		durationFlag = flag.Duration("duration", 0, "stop after this long (0 = until interrupted)")
		tickFlag     = flag.Duration("tick", 100*time.Millisecond, "price engine cadence")
		tradesFlag   = flag.Bool("trades", false, "include trade events")
		booksFlag    = flag.Bool("books", false, "include order book snapshots")
		depthFlag    = flag.Int("depth", 10, "order book depth (5, 10 or 20)")
	)
	flag.Parse()

	scenario, err := mock.ParseScenario(*scenarioFlag)
	if err != nil {
		fail(err)
	}
	interval, err := market.ParseInterval(*intervalFlag)
	if err != nil {
		fail(err)
	}
	symbols := strings.Split(*symbolsFlag, ",")
	for i := range symbols {
		symbols[i] = strings.ToUpper(strings.TrimSpace(symbols[i]))
	}

	p := mock.New(mock.Config{
		TickerInterval: *tickFlag,
		Scenario:       scenario,
		Symbols:        symbols,
	}, zerolog.Nop())

	enc := json.NewEncoder(os.Stdout)
	p.SetDataHandler(func(ev market.Event) {
		enc.Encode(ev)
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *durationFlag > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *durationFlag)
		defer cancel()
	}

	if err := p.Connect(ctx); err != nil {
		fail(err)
	}
	for _, symbol := range symbols {
		if err := p.SubscribeKline(symbol, interval); err != nil {
			fail(err)
		}
		if *tradesFlag {
			if err := p.SubscribeTrades(symbol); err != nil {
				fail(err)
			}
		}
		if *booksFlag {
			if err := p.SubscribeOrderBook(symbol, *depthFlag); err != nil {
				fail(err)
			}
		}
	}

	<-ctx.Done()
	p.Disconnect()
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "market-sim:", err)
	os.Exit(1)
}
