// Package server hosts the chat WebSocket, HTTP and gRPC health surfaces.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/louisbranch/dicechat/internal/chat"
	"github.com/louisbranch/dicechat/internal/markup"
	platformgrpc "github.com/louisbranch/dicechat/internal/platform/grpc"
	"github.com/louisbranch/dicechat/internal/platform/timeouts"
	"github.com/louisbranch/dicechat/internal/position"
	"github.com/louisbranch/dicechat/internal/services/chat/storage"
	"github.com/louisbranch/dicechat/internal/services/chat/storage/sqlite"
)

const (
	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3

	maxMessageBodyRunes = 2000
	maxMessageIDRunes   = 128
	maxDiceFace         = 1000

	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

const (
	frameJoin          = "chat.join"
	frameJoined        = "chat.joined"
	frameEvent         = "chat.event"
	frameAck           = "chat.ack"
	frameError         = "chat.error"
	frameSend          = "chat.send"
	frameEdit          = "chat.edit"
	frameMove          = "chat.move"
	frameDelete        = "chat.delete"
	framePreview       = "chat.preview"
	frameDiff          = "chat.diff"
	frameHistoryBefore = "chat.history.before"
	frameChannelEdit   = "chat.channel.edit"
	frameMembersSet    = "chat.members.set"
)

// Config defines the inputs for the chat process.
type Config struct {
	HTTPAddr          string
	GRPCAddr          string
	DBPath            string
	NodeID            uint16
	RedisAddr         string
	DefaultDiceFace   int
	TokenSecret       string
	TokenIssuer       string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server hosts the chat HTTP/WebSocket process and its gRPC health endpoint.
type Server struct {
	httpAddr         string
	shutdownTimeout  time.Duration
	httpServer       *http.Server
	grpcServer       *platformgrpc.Server
	store            storage.Store
	broker           Broker
	subscriptionStop context.CancelFunc
	subscriptionDone chan struct{}
}

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type wsErrorEnvelope struct {
	Error wsError `json:"error"`
}

type wsError struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Retryable bool              `json:"retryable"`
	Details   map[string]string `json:"details,omitempty"`
}

type joinPayload struct {
	ChannelID string `json:"channel_id"`
	After     string `json:"after,omitempty"`
}

type joinedPayload struct {
	Channel    chat.Channel  `json:"channel"`
	Members    []chat.Member `json:"members"`
	ServerTime string        `json:"server_time"`
}

type sendPayload struct {
	ID        string   `json:"id,omitempty"`
	Text      string   `json:"text"`
	Name      string   `json:"name,omitempty"`
	WhisperTo []string `json:"whisper_to,omitempty"`
}

type editPayload struct {
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
}

type movePayload struct {
	MessageID string        `json:"message_id"`
	Low       *position.Key `json:"low,omitempty"`
	High      *position.Key `json:"high,omitempty"`
}

type deletePayload struct {
	MessageID string `json:"message_id"`
}

type previewPayload struct {
	Preview chat.Preview `json:"preview"`
}

type diffPayload struct {
	Diff chat.Diff `json:"diff"`
}

type historyBeforePayload struct {
	Before *position.Key `json:"before,omitempty"`
	Limit  int           `json:"limit"`
}

type channelEditPayload struct {
	Channel chat.Channel `json:"channel"`
}

type membersSetPayload struct {
	Members []chat.Member `json:"members"`
}

type ackEnvelope struct {
	Result ackResult `json:"result"`
}

type ackResult struct {
	Status    string         `json:"status"`
	MessageID string         `json:"message_id,omitempty"`
	Pos       *position.Key  `json:"pos,omitempty"`
	EventID   string         `json:"event_id,omitempty"`
	Duplicate bool           `json:"duplicate,omitempty"`
	Count     int            `json:"count,omitempty"`
	Messages  []chat.Message `json:"messages,omitempty"`
	Complete  bool           `json:"complete,omitempty"`
	Channel   *chat.Channel  `json:"channel,omitempty"`
	Members   []chat.Member  `json:"members,omitempty"`
}

// NewServer builds a configured chat server.
func NewServer(config Config) (*Server, error) {
	return NewServerWithContext(context.Background(), config)
}

// NewServerWithContext opens storage, the broker and the listeners' handlers.
func NewServerWithContext(ctx context.Context, config Config) (*Server, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}
	if config.DefaultDiceFace <= 0 {
		config.DefaultDiceFace = markup.DefaultDiceFace
	}
	if strings.TrimSpace(config.DBPath) == "" {
		return nil, errors.New("database path is required")
	}

	store, err := sqlite.Open(ctx, config.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open chat store: %w", err)
	}
	latest, err := store.LatestEventID(ctx)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("load latest event id: %w", err)
	}
	ids := chat.NewIDSource(config.NodeID)
	ids.Observe(latest)

	broker, err := openBroker(ctx, config.RedisAddr)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	var grpcServer *platformgrpc.Server
	if addr := strings.TrimSpace(config.GRPCAddr); addr != "" {
		grpcServer, err = platformgrpc.NewServer(addr)
		if err != nil {
			_ = broker.Close()
			_ = store.Close()
			return nil, fmt.Errorf("listen grpc %s: %w", addr, err)
		}
	}

	worker, stop, done := startChannelSubscriptionWorker(broker)
	hub := newRoomHub(store, broker, ids, worker, config.DefaultDiceFace)
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           newHandler(hub, newAuthorizer(config)),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	return &Server{
		httpAddr:         httpAddr,
		shutdownTimeout:  config.ShutdownTimeout,
		httpServer:       httpServer,
		grpcServer:       grpcServer,
		store:            store,
		broker:           broker,
		subscriptionStop: stop,
		subscriptionDone: done,
	}, nil
}

func openBroker(ctx context.Context, redisAddr string) (Broker, error) {
	if strings.TrimSpace(redisAddr) == "" {
		return newLocalBroker(), nil
	}
	broker, err := newRedisBroker(ctx, redisAddr)
	if err != nil {
		return nil, fmt.Errorf("connect broker: %w", err)
	}
	log.Printf("chat: fanning out through redis addr=%s", redisAddr)
	return broker, nil
}

func newAuthorizer(config Config) wsAuthorizer {
	if strings.TrimSpace(config.TokenSecret) == "" {
		log.Printf("chat: no token secret configured, trusting tokens as user ids")
		return devAuthorizer{}
	}
	return newJWTAuthorizer(config.TokenSecret, config.TokenIssuer)
}

// Run creates and serves a chat server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServerWithContext(ctx, config)
	if err != nil {
		return fmt.Errorf("init chat server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve chat: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP and gRPC servers until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("chat server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 2)
	log.Printf("chat server listening on %s", s.httpAddr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("serve http: %w", err)
		}
	}()
	grpcCtx, cancelGRPC := context.WithCancel(ctx)
	defer cancelGRPC()
	if s.grpcServer != nil {
		go func() {
			if err := s.grpcServer.Serve(grpcCtx); err != nil {
				serveErr <- fmt.Errorf("serve grpc: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		return err
	}
}

// Close releases server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.grpcServer != nil {
		s.grpcServer.Close()
	}
	if s.subscriptionStop != nil {
		s.subscriptionStop()
	}
	if s.subscriptionDone != nil {
		<-s.subscriptionDone
	}
	if s.broker != nil {
		if err := s.broker.Close(); err != nil {
			log.Printf("close broker: %v", err)
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close chat store: %v", err)
		}
	}
}
