// Package export writes channel transcripts from the chat database.
package export

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/louisbranch/dicechat/internal/chat"
	"github.com/louisbranch/dicechat/internal/chat/render"
	entrypoint "github.com/louisbranch/dicechat/internal/platform/cmd"
	"github.com/louisbranch/dicechat/internal/services/chat/storage"
	"github.com/louisbranch/dicechat/internal/services/chat/storage/sqlite"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/language"
)

const tracerName = "github.com/louisbranch/dicechat/internal/cmd/export"

// Transcript formats.
const (
	FormatText = "text"
	FormatHTML = "html"
)

// Config holds export command configuration.
type Config struct {
	DBPath string `env:"CHAT_DB_PATH"     envDefault:"data/chat.db"`
	OutDir string `env:"EXPORT_OUT_DIR"   envDefault:"exports"`
	Locale string `env:"EXPORT_LOCALE"    envDefault:"en-US"`
	Format string `env:"EXPORT_FORMAT"    envDefault:"text"`

	// Channel limits the export to one channel; empty exports all.
	Channel string
	// Viewer exports only what that user may read; empty exports everything.
	Viewer string
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "chat SQLite database path")
	fs.StringVar(&cfg.OutDir, "out", cfg.OutDir, "output directory, or - for stdout")
	fs.StringVar(&cfg.Locale, "locale", cfg.Locale, "transcript locale")
	fs.StringVar(&cfg.Format, "format", cfg.Format, "transcript format: text or html")
	fs.StringVar(&cfg.Channel, "channel", "", "export only this channel")
	fs.StringVar(&cfg.Viewer, "viewer", "", "export as this user, hiding whispers they cannot read")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	cfg.Format = strings.ToLower(strings.TrimSpace(cfg.Format))
	if cfg.Format != FormatText && cfg.Format != FormatHTML {
		return Config{}, fmt.Errorf("format must be %s or %s, got %q", FormatText, FormatHTML, cfg.Format)
	}
	if _, err := language.Parse(cfg.Locale); err != nil {
		return Config{}, fmt.Errorf("parse locale %q: %w", cfg.Locale, err)
	}
	return cfg, nil
}

// Run opens the database and exports transcripts.
func Run(ctx context.Context, cfg Config, stdout io.Writer) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceExport, func(ctx context.Context) error {
		store, err := sqlite.Open(ctx, cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open chat store: %w", err)
		}
		defer store.Close()
		return Export(ctx, store, cfg, stdout)
	})
}

// Export writes one transcript per selected channel.
func Export(ctx context.Context, store storage.Store, cfg Config, stdout io.Writer) error {
	tag, err := language.Parse(cfg.Locale)
	if err != nil {
		return fmt.Errorf("parse locale %q: %w", cfg.Locale, err)
	}
	renderer := render.New(tag)

	channels, err := selectChannels(ctx, store, cfg.Channel)
	if err != nil {
		return err
	}
	toStdout := cfg.OutDir == "-"
	if !toStdout {
		if err := os.MkdirAll(cfg.OutDir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	for _, channel := range channels {
		if toStdout {
			if err := exportChannel(ctx, store, renderer, cfg, channel, stdout); err != nil {
				return err
			}
			continue
		}
		path := filepath.Join(cfg.OutDir, fileName(channel.ID, cfg.Format))
		file, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
		err = exportChannel(ctx, store, renderer, cfg, channel, file)
		if closeErr := file.Close(); err == nil && closeErr != nil {
			err = fmt.Errorf("close %s: %w", path, closeErr)
		}
		if err != nil {
			return err
		}
		log.Printf("export: wrote channel=%s path=%s", channel.ID, path)
	}
	return nil
}

func selectChannels(ctx context.Context, store storage.ChannelStore, channelID string) ([]chat.Channel, error) {
	channelID = strings.TrimSpace(channelID)
	if channelID != "" {
		channel, err := store.GetChannel(ctx, channelID)
		if err != nil {
			return nil, fmt.Errorf("load channel %s: %w", channelID, err)
		}
		return []chat.Channel{channel}, nil
	}
	channels, err := store.ListChannels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	return channels, nil
}

func exportChannel(ctx context.Context, store storage.MessageStore, renderer *render.Renderer, cfg Config, channel chat.Channel, w io.Writer) (err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "export.channel", trace.WithAttributes(
		attribute.String("chat.channel_id", channel.ID),
		attribute.String("export.format", cfg.Format),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	messages, err := store.ListMessages(ctx, channel.ID)
	if err != nil {
		return fmt.Errorf("list messages for %s: %w", channel.ID, err)
	}
	messages = visibleMessages(messages, cfg.Viewer)
	span.SetAttributes(attribute.Int("export.messages", len(messages)))

	if cfg.Format == FormatHTML {
		if err := renderer.HTMLTranscript(channel, messages).Render(ctx, w); err != nil {
			return fmt.Errorf("render %s: %w", channel.ID, err)
		}
		return nil
	}
	if err := renderer.Transcript(w, messages); err != nil {
		return fmt.Errorf("render %s: %w", channel.ID, err)
	}
	return nil
}

func visibleMessages(messages []chat.Message, viewer string) []chat.Message {
	viewer = strings.TrimSpace(viewer)
	if viewer == "" {
		return messages
	}
	out := messages[:0:0]
	for _, m := range messages {
		if m.VisibleTo(viewer) {
			out = append(out, m)
		}
	}
	return out
}

// fileName keeps channel ids from escaping the output directory.
func fileName(channelID, format string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, channelID)
	safe = strings.TrimLeft(safe, ".")
	if safe == "" {
		safe = "channel"
	}
	ext := ".txt"
	if format == FormatHTML {
		ext = ".html"
	}
	return safe + ext
}
