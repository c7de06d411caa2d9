package params

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
)

type Node struct {
	ListenAddr string // REST/WS listen address
	DBPath     string // pebble database path ("" disables persistence)
	LogFile    string // log file path ("" = stdout only)
	Debug      bool
	// DevMode auto-approves every deposit pull on the mock
	// transferor so local order flow needs no allowance setup.
	DevMode bool
}

type Dex struct {
	// Admin is the only address allowed to register tokens.
	Admin string
	// QuoteTicker overrides the first-registered convention for the
	// designated quote asset ("" = first registered wins).
	QuoteTicker string
	// SeedTokens are registered at startup in order, so the first
	// entry becomes the quote asset unless QuoteTicker is set.
	SeedTokens []SeedToken
}

type SeedToken struct {
	Ticker string
	Handle string // ERC-20 contract address
}

type Config struct {
	Node Node
	Dex  Dex
}

func Default() Config {
	return Config{
		Node: Node{
			ListenAddr: ":8080",
			DBPath:     "data/custodex.db",
			LogFile:    "data/node.log",
			DevMode:    true,
		},
		Dex: Dex{
			// Matches the deployment script: DAI registered first is
			// the quote asset, USDC and BAT trade against it.
			Admin: "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
			SeedTokens: []SeedToken{
				{Ticker: "DAI", Handle: "0x6B175474E89094C44Da98b954EedeAC495271d0F"},
				{Ticker: "USDC", Handle: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"},
				{Ticker: "BAT", Handle: "0x0D8775F648430679A709E98d2b0Cb6250d2887EF"},
			},
		},
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and
// environment variables. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	if v := os.Getenv("DEX_LISTEN"); v != "" {
		cfg.Node.ListenAddr = v
	}
	if v, ok := os.LookupEnv("DEX_DB_PATH"); ok {
		cfg.Node.DBPath = v
	}
	if v, ok := os.LookupEnv("DEX_LOG_FILE"); ok {
		cfg.Node.LogFile = v
	}
	if v := os.Getenv("DEX_DEBUG"); v != "" {
		cfg.Node.Debug = v == "true"
	}
	if v := os.Getenv("DEX_DEV_MODE"); v != "" {
		cfg.Node.DevMode = v == "true"
	}
	if v := os.Getenv("DEX_ADMIN"); v != "" {
		cfg.Dex.Admin = v
	}
	if v := os.Getenv("DEX_QUOTE_TICKER"); v != "" {
		cfg.Dex.QuoteTicker = v
	}

	// Seed list: "DAI=0x6B17...,USDC=0xA0b8..."
	if v := os.Getenv("DEX_SEED_TOKENS"); v != "" {
		var seeds []SeedToken
		for _, pair := range strings.Split(v, ",") {
			parts := strings.SplitN(strings.TrimSpace(pair), "=", 2)
			if len(parts) != 2 {
				continue
			}
			seeds = append(seeds, SeedToken{Ticker: parts[0], Handle: parts[1]})
		}
		if len(seeds) > 0 {
			cfg.Dex.SeedTokens = seeds
		}
	}

	return cfg
}
