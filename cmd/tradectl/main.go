// tradectl drives configured brokerage accounts from the command line.
//
// Usage:
//
//	tradectl <command> [-config tradegate.yaml] [-account NAME] [options]
//
// Output is JSON on stdout; logs go to stderr.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"tradegate/internal/config"
	"tradegate/internal/domain"
	"tradegate/internal/util"
	"tradegate/pkg/tradegate"
)

const version = "0.1.0"

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: tradectl <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  version     Print the CLI version\n")
	fmt.Fprintf(os.Stderr, "  brokerages  List supported brokerages\n")
	fmt.Fprintf(os.Stderr, "  accounts    List configured accounts\n")
	fmt.Fprintf(os.Stderr, "  login       Log in to an account (-interactive prompts for the OTP)\n")
	fmt.Fprintf(os.Stderr, "  portfolio   Print the account portfolio\n")
	fmt.Fprintf(os.Stderr, "  orders      Print orders since -since YYYY-MM-DD (default today)\n")
	fmt.Fprintf(os.Stderr, "  place       Place an order (-symbol -qty -side -type -price)\n")
	fmt.Fprintf(os.Stderr, "  cancel      Cancel an order by -id\n")
	fmt.Fprintf(os.Stderr, "  refresh     Refresh the account's access token\n")
	fmt.Fprintf(os.Stderr, "  snapshot    Journal portfolio and orders of the -accounts list\n")
	fmt.Fprintf(os.Stderr, "\nThe config path defaults to $TRADEGATE_CONFIG or tradegate.yaml.\n")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	cmd, args := os.Args[1], os.Args[2:]
	if cmd == "version" {
		fmt.Printf("tradectl %s\n", version)
		return
	}

	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfigPath(), "path to the YAML config")
	account := fs.String("account", "", "configured account name")
	interactive := fs.Bool("interactive", false, "login: prompt for the OTP or PIN")
	since := fs.String("since", "", "orders/snapshot: first calendar date, YYYY-MM-DD")
	accounts := fs.String("accounts", "", "snapshot: comma-separated account names (default all)")
	symbol := fs.String("symbol", "", "place: ticker")
	qty := fs.Float64("qty", 0, "place: quantity")
	side := fs.String("side", "buy", "place: buy or sell")
	orderType := fs.String("type", "LO", "place: LO, MP, ATO or ATC")
	price := fs.Float64("price", 0, "place: limit price in display units")
	orderID := fs.String("id", "", "cancel: order id")
	fs.Parse(args)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.NewLoggerTo(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	client, err := tradegate.New(ctx, cfg, tradegate.WithLogger(logger), tradegate.WithPrompt(stdinPrompt))
	if err != nil {
		log.Fatalf("failed to initialise: %v", err)
	}
	defer client.Close()

	switch cmd {
	case "brokerages":
		printJSON(client.Brokerages())

	case "accounts":
		printJSON(client.AccountNames())

	case "login":
		acct := mustAccount(client, *account)
		if err := acct.Login(ctx, *interactive); err != nil {
			log.Fatalf("login: %v", err)
		}
		printJSON(map[string]string{"account": *account, "status": "ok"})

	case "portfolio":
		p, err := mustAccount(client, *account).GetCurrentPortfolio(ctx)
		if err != nil {
			log.Fatalf("portfolio: %v", err)
		}
		printJSON(p)

	case "orders":
		orders, err := mustAccount(client, *account).GetCurrentOrders(ctx, parseSince(*since))
		if err != nil {
			log.Fatalf("orders: %v", err)
		}
		printJSON(orders)

	case "place":
		acct := mustAccount(client, *account)
		if *symbol == "" || *qty <= 0 {
			log.Fatalf("place: -symbol and a positive -qty are required")
		}
		o := domain.NewOrder(acct.AccountID(), strings.ToUpper(*symbol), domain.TradeType(strings.ToLower(*side)),
			domain.OrderType(strings.ToUpper(*orderType)), *qty, *price)
		res := client.PlaceBatch(ctx, []tradegate.Placement{{Account: acct, Order: o}})[0]
		if res.Err != nil {
			log.Fatalf("place: %v", res.Err)
		}
		printJSON(res.Order)

	case "cancel":
		if *orderID == "" {
			log.Fatalf("cancel: -id is required")
		}
		ok, err := mustAccount(client, *account).CancelOrder(ctx, &domain.Order{ID: *orderID})
		if err != nil {
			log.Fatalf("cancel: %v", err)
		}
		printJSON(map[string]any{"id": *orderID, "cancelled": ok})

	case "refresh":
		if err := client.RefreshAccessToken(ctx, *account); err != nil {
			log.Fatalf("refresh: %v", err)
		}
		printJSON(map[string]string{"account": *account, "status": "refreshed"})

	case "snapshot":
		names := client.AccountNames()
		if *accounts != "" {
			names = strings.Split(*accounts, ",")
		}
		if err := client.Snapshot(ctx, parseSince(*since), names...); err != nil {
			log.Fatalf("snapshot: %v", err)
		}
		printJSON(map[string]any{"accounts": names, "journal": cfg.Storage.JournalDir})

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	if p := os.Getenv("TRADEGATE_CONFIG"); p != "" {
		return p
	}
	return "tradegate.yaml"
}

func mustAccount(c *tradegate.Client, name string) tradegate.Account {
	if name == "" {
		log.Fatalf("-account is required")
	}
	acct, err := c.Account(name)
	if err != nil {
		log.Fatalf("%v", err)
	}
	return acct
}

// parseSince parses a YYYY-MM-DD date; empty means today.
func parseSince(s string) time.Time {
	if s == "" {
		now := time.Now()
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		log.Fatalf("invalid -since %q: %v", s, err)
	}
	return d
}

// stdinPrompt reads one line from the terminal.
func stdinPrompt(ctx context.Context, prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	line := make(chan string, 1)
	errc := make(chan error, 1)
	go func() {
		s, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && s == "" {
			errc <- err
			return
		}
		line <- strings.TrimSpace(s)
	}()
	select {
	case s := <-line:
		return s, nil
	case err := <-errc:
		return "", err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Fatalf("encoding output: %v", err)
	}
}
