// Command fastxfer is the peer-side binary of the file transfer system:
// it pairs with a remote peer through a rendezvous server by a 4-digit
// room code, then streams one file over the directly-established
// channel (spec.md §4.4-§4.6).
package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AkaakuHub/fast-transfre/internal/chunkplan"
	"github.com/AkaakuHub/fast-transfre/internal/config"
	"github.com/AkaakuHub/fast-transfre/internal/logging"
	"github.com/AkaakuHub/fast-transfre/internal/pki"
	"github.com/AkaakuHub/fast-transfre/internal/rendezvous"
	"github.com/AkaakuHub/fast-transfre/internal/session"
	"github.com/AkaakuHub/fast-transfre/internal/transfer"
	"github.com/google/uuid"
)

// connDescriptor is the opaque payload relayed through the rendezvous
// offer/answer records: the sending peer's dial-back address. Real NAT
// traversal (STUN/TURN/ICE) is excluded by spec.md's Non-goals, so this
// address must already be reachable from the receiving peer (LAN, VPN,
// or a pre-arranged port forward).
type connDescriptor struct {
	Address string `json:"address"`
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "send":
		runSend(os.Args[2:])
	case "receive":
		runReceive(os.Args[2:])
	case "healthcheck":
		runHealthcheck(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: fastxfer <send|receive|healthcheck> [flags]")
}

func runSend(args []string) {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	configPath := fs.String("config", "/etc/fastxfer/peer.yaml", "path to peer config file")
	filePath := fs.String("file", "", "path to the file to send")
	listenAddr := fs.String("listen", "0.0.0.0:0", "local address to accept the direct transfer connection on")
	dialBackHost := fs.String("advertise-host", "", "host/IP the receiving peer should dial back (required; no NAT traversal)")
	fs.Parse(args)

	if *filePath == "" || *dialBackHost == "" {
		fmt.Fprintln(os.Stderr, "send: --file and --advertise-host are required")
		os.Exit(2)
	}

	cfg, err := config.LoadPeerConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}
	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	ctx, cancel := installSignalHandler()
	defer cancel()

	sessionID := uuid.NewString()
	logger, sessionLogCloser, sessionLogPath, err := logging.NewSessionLogger(logger, cfg.Logging.SessionLogDir, "sender", sessionID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "opening session log: %v\n", err)
		os.Exit(1)
	}
	defer sessionLogCloser.Close()
	if sessionLogPath != "" {
		logger.Info("session log", "path", sessionLogPath)
	}

	source, err := transfer.OpenFileSource(*filePath)
	if err != nil {
		logger.Error("opening source file", "error", err)
		os.Exit(1)
	}
	defer source.Close()

	plan, err := chunkplan.New(source.Size(), cfg.Transfer.MainSizeRaw, cfg.Transfer.SubSizeRaw)
	if err != nil {
		logger.Error("building chunk plan", "error", err)
		os.Exit(1)
	}

	ln, err := listen(*listenAddr, cfg)
	if err != nil {
		logger.Error("listening for direct transfer connection", "error", err)
		os.Exit(1)
	}
	defer ln.Close()
	logCertFingerprint(logger, cfg)

	rzClient, err := rendezvous.Dial(cfg.Rendezvous.Address, cfg.Rendezvous.TLS, logger)
	if err != nil {
		logger.Error("dialing rendezvous server", "error", err)
		os.Exit(1)
	}
	defer rzClient.Close()

	roomCode, err := rzClient.CreateRoom()
	if err != nil {
		logger.Error("creating room", "error", err)
		os.Exit(1)
	}
	fmt.Printf("room code: %s\n", roomCode)
	logger.Info("waiting for a peer to join", "room_code", roomCode)

	if _, err := rzClient.WaitForGuest(); err != nil {
		logger.Error("waiting for guest", "error", err)
		os.Exit(1)
	}

	advertised := net.JoinHostPort(*dialBackHost, portOf(ln.Addr()))
	if err := rzClient.SendDescriptor(rendezvous.MsgOffer, connDescriptor{Address: advertised}); err != nil {
		logger.Error("sending connection offer", "error", err)
		os.Exit(1)
	}

	conn, err := acceptWithTimeout(ctx, ln, 2*time.Minute)
	if err != nil {
		logger.Error("accepting direct transfer connection", "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	var frameOut io.Writer = conn
	if cfg.Throttle.RateLimitRaw > 0 {
		frameOut = transfer.NewThrottledWriter(ctx, conn, cfg.Throttle.RateLimitRaw)
		logger.Info("send pipeline throttled", "bytes_per_sec", cfg.Throttle.RateLimitRaw)
	}
	out := transfer.NewFrameWriter(frameOut)

	senderCfg := transfer.SenderConfig{
		MainSize:           cfg.Transfer.MainSizeRaw,
		SubSize:            cfg.Transfer.SubSizeRaw,
		HighWaterMark:      cfg.Transfer.HighWaterMarkRaw,
		LowWaterThreshold:  cfg.Transfer.LowWaterThresholdRaw,
		MaxConcurrentSends: cfg.Transfer.MaxConcurrentSends,
		MaxRetries:         cfg.Transfer.MaxRetries,
		AdaptiveTuning:     cfg.Transfer.AdaptiveTuning,
	}
	sender := transfer.NewSender(senderCfg, plan, source, out, logger)
	sess := session.NewSenderSession(sessionID, conn, out, sender, logger)

	runErr := sess.Run(ctx)
	if runErr != nil && sess.CanResume() {
		logger.Warn("transfer interrupted, waiting for peer to reconnect", "error", runErr)
		runErr = resumeSend(ctx, sess, ln, cfg, logger)
	}
	if runErr != nil {
		logger.Error("transfer failed", "error", runErr)
		os.Exit(1)
	}
	logger.Info("transfer complete", "file", *filePath, "bytes", source.Size(), "size", config.FormatByteSize(source.Size()))
	logging.RemoveSessionLog(cfg.Logging.SessionLogDir, "sender", sessionID)
}

func runReceive(args []string) {
	fs := flag.NewFlagSet("receive", flag.ExitOnError)
	configPath := fs.String("config", "/etc/fastxfer/peer.yaml", "path to peer config file")
	outPath := fs.String("out", "", "path to write the received file")
	roomCode := fs.String("room", "", "room code announced by the sending peer")
	fs.Parse(args)

	if *outPath == "" || *roomCode == "" {
		fmt.Fprintln(os.Stderr, "receive: --out and --room are required")
		os.Exit(2)
	}

	cfg, err := config.LoadPeerConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}
	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	ctx, cancel := installSignalHandler()
	defer cancel()

	sessionID := uuid.NewString()
	logger, sessionLogCloser, sessionLogPath, err := logging.NewSessionLogger(logger, cfg.Logging.SessionLogDir, "receiver", sessionID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "opening session log: %v\n", err)
		os.Exit(1)
	}
	defer sessionLogCloser.Close()
	if sessionLogPath != "" {
		logger.Info("session log", "path", sessionLogPath)
	}

	rzClient, err := rendezvous.Dial(cfg.Rendezvous.Address, cfg.Rendezvous.TLS, logger)
	if err != nil {
		logger.Error("dialing rendezvous server", "error", err)
		os.Exit(1)
	}
	defer rzClient.Close()

	if err := rzClient.JoinRoom(*roomCode); err != nil {
		logger.Error("joining room", "room_code", *roomCode, "error", err)
		os.Exit(1)
	}

	msgType, raw, err := rzClient.ReceiveDescriptor()
	if err != nil {
		logger.Error("receiving connection offer", "error", err)
		os.Exit(1)
	}
	if msgType != rendezvous.MsgOffer {
		logger.Error("unexpected descriptor type", "type", msgType)
		os.Exit(1)
	}
	var desc connDescriptor
	if err := json.Unmarshal(raw, &desc); err != nil {
		logger.Error("decoding connection offer", "error", err)
		os.Exit(1)
	}

	logCertFingerprint(logger, cfg)

	conn, err := dial(ctx, desc.Address, cfg)
	if err != nil {
		logger.Error("dialing sending peer", "address", desc.Address, "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	sink := transfer.NewFileSink(*outPath)
	receiverCfg := transfer.DefaultReceiverConfig()
	out := session.NewFrameWriter(conn)

	receiver := transfer.NewReceiver(receiverCfg, sink, out, logger)
	sess := session.NewReceiverSession(sessionID, conn, out, receiver, logger)

	go receiver.RunGapDetection(ctx)

	runErr := sess.Run(ctx)
	if runErr != nil && sess.CanResume() {
		logger.Warn("transfer interrupted, attempting to reconnect to sending peer", "error", runErr)
		runErr = resumeReceive(ctx, sess, desc.Address, cfg, logger)
	}
	if runErr != nil {
		logger.Error("transfer failed", "error", runErr)
		os.Exit(1)
	}
	logger.Info("transfer complete", "file", *outPath, "bytes", receiver.Stats().BytesCompleted, "size", config.FormatByteSize(receiver.Stats().BytesCompleted))
	logging.RemoveSessionLog(cfg.Logging.SessionLogDir, "receiver", sessionID)
}

func runHealthcheck(args []string) {
	fs := flag.NewFlagSet("healthcheck", flag.ExitOnError)
	configPath := fs.String("config", "/etc/fastxfer/peer.yaml", "path to peer config file")
	fs.Parse(args)

	cfg, err := config.LoadPeerConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}
	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	client, err := rendezvous.Dial(cfg.Rendezvous.Address, cfg.Rendezvous.TLS, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rendezvous unreachable: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	fmt.Println("ok")
}

// logCertFingerprint logs this peer's own certificate fingerprint so the
// two sides of a room-code pairing can read it aloud (or paste it into
// the same chat they shared the room code over) and confirm they ended
// up talking to each other, not a third party who guessed the code —
// there is no shared CA between two strangers to do that verification
// automatically the way the teacher's enterprise deployment can.
func logCertFingerprint(logger *slog.Logger, cfg *config.PeerConfig) {
	if !cfg.TLS.Enabled() {
		return
	}
	fp, err := pki.Fingerprint(cfg.TLS.Cert)
	if err != nil {
		logger.Warn("computing certificate fingerprint", "error", err)
		return
	}
	logger.Info("certificate fingerprint, verify out-of-band with peer", "fingerprint", fp)
}

func listen(addr string, cfg *config.PeerConfig) (net.Listener, error) {
	if !cfg.TLS.Enabled() {
		return net.Listen("tcp", addr)
	}
	tlsCfg, err := pki.NewServerTLSConfig(cfg.TLS.CACert, cfg.TLS.Cert, cfg.TLS.Key)
	if err != nil {
		return nil, err
	}
	return tls.Listen("tcp", addr, tlsCfg)
}

func dial(ctx context.Context, addr string, cfg *config.PeerConfig) (net.Conn, error) {
	if !cfg.TLS.Enabled() {
		d := net.Dialer{}
		return d.DialContext(ctx, "tcp", addr)
	}
	tlsCfg, err := pki.NewClientTLSConfig(cfg.TLS.CACert, cfg.TLS.Cert, cfg.TLS.Key)
	if err != nil {
		return nil, err
	}
	d := tls.Dialer{Config: tlsCfg}
	return d.DialContext(ctx, "tcp", addr)
}

// resumeAcceptTimeout bounds how long the sending side waits for the
// receiving peer to re-dial after an interruption, inside the session's
// own resumeGraceWindow (internal/session).
const resumeAcceptTimeout = 8 * time.Second

// resumeSend waits for the receiving peer to re-establish a direct
// connection on the same listener and resumes sess over it. It is a
// best-effort, single attempt: it does not renegotiate through
// rendezvous again, since the listener address handed out in the
// original offer is still valid for the grace window (SPEC_FULL.md
// supplemented feature #1, "resume across reconnect").
func resumeSend(ctx context.Context, sess *session.Session, ln net.Listener, cfg *config.PeerConfig, logger *slog.Logger) error {
	conn, err := acceptWithTimeout(ctx, ln, resumeAcceptTimeout)
	if err != nil {
		return fmt.Errorf("resume: waiting for peer reconnect: %w", err)
	}
	defer conn.Close()
	logger.Info("peer reconnected, resuming transfer")

	var frameOut io.Writer = conn
	if cfg.Throttle.RateLimitRaw > 0 {
		frameOut = transfer.NewThrottledWriter(ctx, conn, cfg.Throttle.RateLimitRaw)
	}
	out := transfer.NewFrameWriter(frameOut)
	return sess.Resume(ctx, conn, out)
}

// resumeReceive re-dials the sending peer's previously advertised
// address and resumes sess over the new connection.
func resumeReceive(ctx context.Context, sess *session.Session, addr string, cfg *config.PeerConfig, logger *slog.Logger) error {
	conn, err := dial(ctx, addr, cfg)
	if err != nil {
		return fmt.Errorf("resume: redialing sending peer: %w", err)
	}
	defer conn.Close()
	logger.Info("reconnected to sending peer, resuming transfer")

	out := session.NewFrameWriter(conn)
	return sess.Resume(ctx, conn, out)
}

func acceptWithTimeout(ctx context.Context, ln net.Listener, timeout time.Duration) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := ln.Accept()
		ch <- result{conn, err}
	}()

	select {
	case r := <-ch:
		return r.conn, r.err
	case <-time.After(timeout):
		return nil, fmt.Errorf("timed out waiting for peer to connect")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func portOf(addr net.Addr) string {
	_, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return "0"
	}
	return port
}

func installSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx, cancel
}
