// Package chat parses chat command flags and composes transport entrypoints.
package chat

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	entrypoint "github.com/louisbranch/dicechat/internal/platform/cmd"
	platformgrpc "github.com/louisbranch/dicechat/internal/platform/grpc"
	"github.com/louisbranch/dicechat/internal/platform/timeouts"
	server "github.com/louisbranch/dicechat/internal/services/chat/app"
)

const defaultTokenTTL = 24 * time.Hour

// Config holds chat command configuration.
type Config struct {
	HTTPAddr        string `env:"CHAT_HTTP_ADDR"         envDefault:":8086"`
	GRPCAddr        string `env:"CHAT_GRPC_ADDR"         envDefault:":8087"`
	DBPath          string `env:"CHAT_DB_PATH"           envDefault:"data/chat.db"`
	NodeID          uint16 `env:"CHAT_NODE_ID"           envDefault:"1"`
	RedisAddr       string `env:"CHAT_REDIS_ADDR"`
	DefaultDiceFace int    `env:"CHAT_DEFAULT_DICE_FACE" envDefault:"20"`
	TokenSecret     string `env:"CHAT_TOKEN_SECRET"`
	TokenIssuer     string `env:"CHAT_TOKEN_ISSUER"`

	// Probe checks the gRPC health endpoint at GRPCAddr and exits.
	Probe bool
	// IssueToken prints a signed token for "user[:name]" and exits.
	IssueToken string
	TokenTTL   time.Duration
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "chat HTTP listen address")
	fs.StringVar(&cfg.GRPCAddr, "grpc-addr", cfg.GRPCAddr, "chat gRPC health listen address")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "chat SQLite database path")
	nodeID := uint(cfg.NodeID)
	fs.UintVar(&nodeID, "node-id", nodeID, "event id node number, unique per process")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address for cross-process fan-out (empty keeps fan-out local)")
	fs.IntVar(&cfg.DefaultDiceFace, "default-dice-face", cfg.DefaultDiceFace, "die face used by bare d rolls in new channels")
	fs.StringVar(&cfg.TokenSecret, "token-secret", cfg.TokenSecret, "HS256 secret for access tokens (empty accepts user ids as tokens)")
	fs.StringVar(&cfg.TokenIssuer, "token-issuer", cfg.TokenIssuer, "expected access token issuer")
	fs.BoolVar(&cfg.Probe, "probe", false, "check the gRPC health endpoint and exit")
	fs.StringVar(&cfg.IssueToken, "issue-token", "", "print an access token for user[:name] and exit")
	fs.DurationVar(&cfg.TokenTTL, "token-ttl", defaultTokenTTL, "lifetime of tokens printed by -issue-token")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	if nodeID > 0xffff {
		return Config{}, fmt.Errorf("node id %d exceeds 65535", nodeID)
	}
	cfg.NodeID = uint16(nodeID)
	return cfg, nil
}

// Run builds the chat app and starts realtime transport behavior. The probe
// and token modes write to out and return without serving.
func Run(ctx context.Context, cfg Config, out io.Writer) error {
	switch {
	case cfg.Probe:
		return probe(ctx, cfg)
	case strings.TrimSpace(cfg.IssueToken) != "":
		return issueToken(cfg, out, time.Now())
	}
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceChat, func(context.Context) error {
		if err := server.Run(ctx, server.Config{
			HTTPAddr:        cfg.HTTPAddr,
			GRPCAddr:        cfg.GRPCAddr,
			DBPath:          cfg.DBPath,
			NodeID:          cfg.NodeID,
			RedisAddr:       cfg.RedisAddr,
			DefaultDiceFace: cfg.DefaultDiceFace,
			TokenSecret:     cfg.TokenSecret,
			TokenIssuer:     cfg.TokenIssuer,
		}); err != nil {
			return fmt.Errorf("serve chat: %w", err)
		}
		return nil
	})
}

func probe(ctx context.Context, cfg Config) error {
	addr := cfg.GRPCAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	if err := platformgrpc.Probe(ctx, addr, timeouts.GRPCDial, log.Printf); err != nil {
		return fmt.Errorf("probe chat: %w", err)
	}
	return nil
}

func issueToken(cfg Config, out io.Writer, now time.Time) error {
	userID, name, _ := strings.Cut(strings.TrimSpace(cfg.IssueToken), ":")
	token, err := server.IssueToken(cfg.TokenSecret, cfg.TokenIssuer, userID, name, cfg.TokenTTL, now)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	if _, err := fmt.Fprintln(out, token); err != nil {
		return fmt.Errorf("write token: %w", err)
	}
	return nil
}
