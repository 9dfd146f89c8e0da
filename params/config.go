package params

import (
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

type Node struct {
	// ListenAddr is the REST/WebSocket bind address.
	ListenAddr string
	// DBPath is the pebble database directory.
	DBPath string
	// LogFile receives structured logs alongside stdout.
	LogFile string
}

type Exchange struct {
	// Owner is the only address allowed to register tokens.
	Owner common.Address
	// CORSOrigins are the allowed browser origins for the API.
	CORSOrigins []string
}

type Config struct {
	Node     Node
	Exchange Exchange
}

func Default() Config {
	return Config{
		Node: Node{
			ListenAddr: ":8080",
			DBPath:     "data/state.db",
			LogFile:    "data/node.log",
		},
		Exchange: Exchange{
			CORSOrigins: []string{"http://localhost:3000"},
		},
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and the
// environment. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if v := os.Getenv("LISTEN"); v != "" {
		cfg.Node.ListenAddr = v
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.Node.DBPath = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.Node.LogFile = v
	}
	if v := os.Getenv("OWNER_ADDRESS"); v != "" && common.IsHexAddress(v) {
		cfg.Exchange.Owner = common.HexToAddress(v)
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.Exchange.CORSOrigins = strings.Split(v, ",")
	}

	return cfg
}
