// Package lmtp accepts inbound mail over LMTP and hands every recipient to
// the delivery pipeline, answering with one status per recipient.
package lmtp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/archessay/wildduck/config"
	"github.com/archessay/wildduck/logger"
	"github.com/archessay/wildduck/pkg/metrics"
	"github.com/archessay/wildduck/server/delivery"
	"github.com/archessay/wildduck/server/idgen"
	"github.com/emersion/go-smtp"
)

// UserStore resolves a recipient address (or username) to a user profile.
// Unknown addresses return consts.ErrUserNotFound.
type UserStore interface {
	UserByAddress(ctx context.Context, address string) (*delivery.User, error)
}

// Processor runs the delivery pipeline for one recipient.
// *delivery.Handler implements it.
type Processor interface {
	Process(ctx context.Context, req delivery.Request) delivery.Outcome
}

// Options configure the listener.
type Options struct {
	Addr           string
	Hostname       string
	MaxMessageSize int64
	MaxRecipients  int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// OptionsFromConfig parses the [lmtp] section.
func OptionsFromConfig(cfg config.LMTPConfig) (Options, error) {
	opts := Options{
		Addr:          cfg.Addr,
		Hostname:      cfg.Hostname,
		MaxRecipients: cfg.MaxRecipients,
	}
	var err error
	if opts.MaxMessageSize, err = cfg.GetMaxMessageSize(); err != nil {
		return opts, fmt.Errorf("invalid lmtp max_message_size: %w", err)
	}
	if opts.ReadTimeout, err = cfg.GetReadTimeout(); err != nil {
		return opts, fmt.Errorf("invalid lmtp read_timeout: %w", err)
	}
	if opts.WriteTimeout, err = cfg.GetWriteTimeout(); err != nil {
		return opts, fmt.Errorf("invalid lmtp write_timeout: %w", err)
	}
	return opts, nil
}

// Server is the go-smtp backend. It keeps no per-message state; each
// connection gets its own Session.
type Server struct {
	appCtx    context.Context
	opts      Options
	users     UserStore
	processor Processor
	server    *smtp.Server

	totalConnections  atomic.Int64
	activeConnections atomic.Int64
}

func New(appCtx context.Context, opts Options, users UserStore, processor Processor) *Server {
	if opts.Hostname == "" {
		opts.Hostname = "localhost"
	}

	b := &Server{
		appCtx:    appCtx,
		opts:      opts,
		users:     users,
		processor: processor,
	}

	s := smtp.NewServer(b)
	s.Addr = opts.Addr
	s.Domain = opts.Hostname
	s.LMTP = true
	s.ReadTimeout = opts.ReadTimeout
	s.WriteTimeout = opts.WriteTimeout
	s.MaxRecipients = opts.MaxRecipients
	// one extra byte lets the session report the size error itself
	if opts.MaxMessageSize > 0 {
		s.MaxMessageBytes = opts.MaxMessageSize + 1
	}
	b.server = s

	return b
}

// NewSession is called by go-smtp for every accepted connection.
func (b *Server) NewSession(c *smtp.Conn) (smtp.Session, error) {
	b.totalConnections.Add(1)
	b.activeConnections.Add(1)
	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsCurrent.Inc()

	s := newSession(b, idgen.New())
	if c != nil && c.Conn() != nil {
		s.remoteAddr = c.Conn().RemoteAddr().String()
		s.clientHost = c.Hostname()
	}
	s.Log("new session", "remote", s.remoteAddr)
	return s, nil
}

// Serve accepts connections on ln until Close is called.
func (b *Server) Serve(ln net.Listener) error {
	logger.Info("LMTP server listening", "addr", ln.Addr().String(), "hostname", b.opts.Hostname)
	err := b.server.Serve(ln)
	if err == nil || errors.Is(err, smtp.ErrServerClosed) || b.appCtx.Err() != nil {
		logger.Info("LMTP server stopped gracefully")
		return nil
	}
	return fmt.Errorf("LMTP server error: %w", err)
}

// ListenAndServe listens on the configured address.
func (b *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", b.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", b.opts.Addr, err)
	}
	return b.Serve(ln)
}

func (b *Server) Close() error {
	if b.server != nil {
		return b.server.Close()
	}
	return nil
}

// GetTotalConnections returns the cumulative total of all connections ever made
func (b *Server) GetTotalConnections() int64 {
	return b.totalConnections.Load()
}

// GetActiveConnections returns the current number of active connections
func (b *Server) GetActiveConnections() int64 {
	return b.activeConnections.Load()
}

var (
	_ smtp.Backend     = (*Server)(nil)
	_ smtp.LMTPSession = (*Session)(nil)
	_ Processor        = (*delivery.Handler)(nil)
)
