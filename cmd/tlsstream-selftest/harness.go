package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"io"
	"os"

	"tls-stream/config"
	iolib "tls-stream/lib/io"
	"tls-stream/lib/retry"
	tlsstream "tls-stream/session/tls"
	"tls-stream/session/tls/bridge"
	"tls-stream/session/tls/certs"
	"tls-stream/session/tls/engine/stdtls"
	"tls-stream/transport"
	"tls-stream/transport/pipe"
	"tls-stream/transport/tcp"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var greeting = []byte("hello from tls-stream\n")

const maxResponseHead = 16 * 1024

type harness struct {
	cfg    *config.Config
	clock  clock.Clock
	logger *zap.Logger

	payload []byte

	serverTLS, clientTLS *tls.Config
}

func newHarness(cfg *config.Config, clock clock.Clock, logger *zap.Logger) (*harness, error) {
	h := &harness{cfg: cfg, clock: clock, logger: logger, payload: greeting}

	if cfg.Payload != "" {
		b, err := os.ReadFile(cfg.Payload)
		if err != nil {
			return nil, errors.Wrap(err, "reading payload")
		}
		h.payload = b
	}

	var (
		cert tls.Certificate
		err  error
	)
	if cfg.TLS.CertFile != "" {
		cert, err = certs.LoadKeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	} else {
		cert, err = certs.SelfSigned(clock, cfg.TLS.ServerName)
	}
	if err != nil {
		return nil, errors.Wrap(err, "preparing server certificate")
	}

	h.serverTLS = &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   cfg.TLS.ALPN,
	}
	h.clientTLS = &tls.Config{
		ServerName:         cfg.TLS.ServerName,
		NextProtos:         cfg.TLS.ALPN,
		InsecureSkipVerify: cfg.TLS.InsecureSkipVerify,
	}

	switch {
	case cfg.TLS.CAFile != "":
		if h.clientTLS.RootCAs, err = certs.LoadPool(cfg.TLS.CAFile); err != nil {
			return nil, err
		}
	case cfg.TLS.CertFile == "":
		// Trust the certificate we just generated, so loopback verifies.
		h.clientTLS.RootCAs = x509.NewCertPool()
		h.clientTLS.RootCAs.AddCert(cert.Leaf)
	}
	return h, nil
}

func (h *harness) newStream(tlsCfg *tls.Config, conn transport.Conn, logger *zap.Logger) (*tlsstream.Stream, error) {
	return tlsstream.New(
		stdtls.Config{TLS: tlsCfg, Logger: logger},
		conn,
		h.clock,
		tlsstream.Options{Bridge: bridge.Options{}, Logger: logger},
	)
}

// loopback runs both peers over in-memory pipes.
func (h *harness) loopback(ctx context.Context) error {
	pt := pipe.NewPipeTransport(h.clock, h.cfg.PipeBufSize)
	addr := pipe.Addr{Name: "selftest"}

	l, err := pt.Listen(addr)
	if err != nil {
		return errors.Wrap(err, "listening")
	}
	defer l.Close()

	served := make(chan error, 1)
	go func() { served <- h.serveOne(ctx, l) }()

	if _, err := h.dialAndSend(ctx, pt, addr); err != nil {
		return err
	}
	return <-served
}

// server accepts a single TCP client.
func (h *harness) server(ctx context.Context) error {
	addr, err := tcp.ParseAddr(h.cfg.Addr)
	if err != nil {
		return err
	}

	l, err := tcp.Listen(addr)
	if err != nil {
		return err
	}
	defer l.Close()

	h.logger.Info("listening", zap.Stringer("addr", l.Addr()))
	return h.serveOne(ctx, l)
}

// serveOne accepts one client and expects the payload followed by close_notify.
func (h *harness) serveOne(ctx context.Context, l transport.ConnListener) error {
	logger := h.logger.Named("server")

	conn, err := l.Accept(ctx)
	if err != nil {
		return errors.Wrap(err, "accepting")
	}

	stream, err := h.newStream(h.serverTLS, conn, logger)
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer stream.Close()

	if err := stream.Accept(ctx); err != nil {
		return err
	}
	logSession(logger, stream)

	got, err := stream.ReadAll(ctx)
	if err != nil {
		return err
	}
	if !bytes.Equal(got, h.payload) {
		return errors.Errorf("received %d bytes, which differ from the %d byte payload", len(got), len(h.payload))
	}
	logger.Info("payload received", zap.Int("bytes", len(got)))

	return stream.Shutdown(ctx)
}

// client connects to the configured TCP peer.
func (h *harness) client(ctx context.Context) ([]byte, error) {
	addr, err := tcp.ParseAddr(h.cfg.Addr)
	if err != nil {
		return nil, err
	}
	return h.dialAndSend(ctx, tcp.Dialer{}, addr)
}

// dialAndSend sends the payload, or the request, and returns what the peer sent back.
func (h *harness) dialAndSend(ctx context.Context, d transport.ConnDialer, addr transport.Addr) ([]byte, error) {
	logger := h.logger.Named("client")

	conn, err := retry.Dial(ctx, d, addr, retry.Policy{Attempts: h.cfg.DialAttempts})
	if err != nil {
		return nil, err
	}

	stream, err := h.newStream(h.clientTLS, conn, logger)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	defer stream.Close()

	if err := stream.Connect(ctx); err != nil {
		return nil, err
	}
	logSession(logger, stream)

	out := h.payload
	if h.cfg.Request != "" {
		out = []byte("GET " + h.cfg.Request + " HTTP/1.0\r\n\r\n")
	}
	if _, err := stream.Write(ctx, out); err != nil {
		return nil, err
	}

	var resp []byte
	if h.cfg.Request != "" {
		if resp, err = readResponse(ctx, stream, logger); err != nil {
			return nil, err
		}
	}

	if err := stream.Shutdown(ctx); err != nil {
		return nil, err
	}
	logger.Info("payload sent", zap.Int("bytes", len(out)), zap.Int("received", len(resp)))
	return resp, nil
}

// readResponse reads an HTTP/1.0 response, which ends with the stream.
func readResponse(ctx context.Context, stream *tlsstream.Stream, logger *zap.Logger) ([]byte, error) {
	ur := iolib.NewUntilReader(iolib.Bind(ctx, stream))

	head, err := ur.ReadUntilLimit([]byte("\r\n\r\n"), maxResponseHead)
	if err != nil {
		return nil, errors.Wrap(err, "reading response head")
	}
	status, _, _ := bytes.Cut(head, []byte("\r\n"))
	logger.Info("response", zap.ByteString("status", status))

	body, err := io.ReadAll(ur)
	if err != nil {
		return nil, errors.Wrap(err, "reading response body")
	}
	return append(head, body...), nil
}

func logSession(logger *zap.Logger, stream *tlsstream.Stream) {
	info := stream.Session()
	logger.Info("handshake complete",
		zap.String("version", tls.VersionName(info.Version)),
		zap.String("cipher_suite", info.CipherSuiteName),
		zap.String("alpn", info.NegotiatedProtocol),
		zap.Bool("resumed", info.DidResume),
		zap.String("peer_fingerprint", hex.EncodeToString(info.PeerFingerprint)),
	)
}
