// ikesad is a minimal IKEv2 exchange task manager daemon.
//
// Usage:
//
//	ikesad [options]
//
// Options:
//
//	-config   Path to a YAML configuration file (default: "ikesad.yaml")
//	-peer     Static peer address to initiate toward, host:port (optional)
package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/pion/logging"

	"github.com/hejoey/charonsa/pkg/config"
	"github.com/hejoey/charonsa/pkg/taskmanager"
	"github.com/hejoey/charonsa/pkg/transport"
)

// Options holds the daemon's command-line flags.
type Options struct {
	ConfigPath string
	PeerAddr   string
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		ConfigPath: "ikesad.yaml",
	}
}

// ParseFlags parses standard CLI flags and returns Options.
func ParseFlags() Options {
	defaults := DefaultOptions()
	o := Options{}
	flag.StringVar(&o.ConfigPath, "config", defaults.ConfigPath, "Path to YAML configuration file")
	flag.StringVar(&o.PeerAddr, "peer", "", "Static peer address to initiate toward (host:port)")
	flag.Parse()
	return o
}

func logLevelFromString(level string) logging.LogLevel {
	switch level {
	case "trace":
		return logging.LogLevelTrace
	case "debug":
		return logging.LogLevelDebug
	case "warn":
		return logging.LogLevelWarn
	case "error":
		return logging.LogLevelError
	default:
		return logging.LogLevelInfo
	}
}

func main() {
	opts := ParseFlags()

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		log.Fatalf("ikesad: configuration error: %v", err)
	}

	loggerFactory := logging.NewDefaultLoggerFactory()
	loggerFactory.DefaultLogLevel = logLevelFromString(cfg.Log.Level)
	logger := loggerFactory.NewLogger("ikesad")

	mgrConfig := taskmanager.DefaultConfig()
	mgrConfig.HalfOpenTimeout = cfg.HalfOpenTimeout()
	mgrConfig.MakeBeforeBreak = cfg.SA.MakeBeforeBreak
	mgrConfig.SelectiveFragmentRetransmission = cfg.Fragmentation.SelectiveFragmentRetransmission
	mgrConfig.MaxFragmentSize = cfg.Fragmentation.MaxFragmentSize
	mgrConfig.SimulateFirstFragmentLoss = cfg.Fragmentation.SimulateFirstFragmentLoss
	mgrConfig.Retransmit.MaxTries = cfg.Retransmit.MaxTries
	mgrConfig.Retransmit.Base = cfg.RetransmitBase()
	mgrConfig.Retransmit.ExpFactor = cfg.Retransmit.ExpFactor
	mgrConfig.Retransmit.JitterMargin = cfg.Retransmit.JitterMargin
	mgrConfig.Retransmit.SelectiveRetryDelay = cfg.SelectiveRetryDelay()

	var peer net.Addr
	if opts.PeerAddr != "" {
		peer, err = net.ResolveUDPAddr("udp", opts.PeerAddr)
		if err != nil {
			log.Fatalf("ikesad: invalid -peer address: %v", err)
		}
	} else {
		// A placeholder peer. The SA keeps this address: nothing in this
		// daemon updates SA.GetOtherHost when a request arrives.
		peer = &net.UDPAddr{IP: net.IPv4zero, Port: cfg.Listen.Port}
	}

	sa := taskmanager.NewSA(&net.UDPAddr{IP: net.ParseIP(cfg.Listen.Address), Port: cfg.Listen.Port}, peer)

	xport, err := transport.NewManager(transport.ManagerConfig{
		Port: cfg.Listen.Port,
		MessageHandler: func(msg *transport.ReceivedMessage) {
			// Wire-layer decoding (IKE header parsing, fragment header
			// extraction, FRAGMENT_ACK detection) is a Non-goal; a real
			// deployment plugs a codec in here that calls
			// tm.HandleRequest/tm.ProcessFragmentAck/tm.HandleResponse with
			// the parsed fields. This daemon wires the plumbing only.
			logger.Debugf("ikesad: received %d bytes from %v", len(msg.Data), msg.PeerAddr.Addr)
		},
	})
	if err != nil {
		log.Fatalf("ikesad: transport init error: %v", err)
	}

	tm := taskmanager.NewManager(taskmanager.ManagerConfig{
		SA:     sa,
		Config: mgrConfig,
		Sender: transport.TaskManagerSender{Manager: xport},
		Bus:    taskmanager.NopBus{},
		Log:    logger,
	})

	if err := xport.Start(); err != nil {
		log.Fatalf("ikesad: transport start error: %v", err)
	}
	defer xport.Stop()

	logger.Infof("ikesad: listening on %s", fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port))

	_ = tm // the wired Manager is ready for a wire-layer codec to drive it

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("ikesad: shutting down")
}
