// bacnet-sc-node runs a BACnet/SC datalink node from a YAML config
// file: it maintains the hub uplink (primary with failover) and, when
// enabled, the hub-function and direct-connection roles, logging every
// lifecycle event and received NPDU.
//
// Usage:
//
//	bacnet-sc-node -config node.yaml
//
// Example config:
//
//	ca_cert_file: ca.pem
//	cert_file: node.pem
//	key_file: node.key
//	uuid: 7b9a4f4e-2f2a-4f0e-9c31-54a1cc447b9a
//	primary_url: wss://hub1.example.com:9999
//	failover_url: wss://hub2.example.com:9999
//	reconnect_timeout: 5s
//	hub_function:
//	  enabled: true
//	  listen_port: 9999
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bacnet-sc/node/pkg/bacscid"
	"github.com/bacnet-sc/node/pkg/node"
	"github.com/pion/logging"
	"gopkg.in/yaml.v3"
)

type fileConfig struct {
	CACertFile string `yaml:"ca_cert_file"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`

	UUID string `yaml:"uuid"`
	VMAC string `yaml:"vmac"`

	MaxBVLCLen uint16 `yaml:"max_bvlc_len"`
	MaxNPDULen uint16 `yaml:"max_npdu_len"`

	PrimaryURL  string `yaml:"primary_url"`
	FailoverURL string `yaml:"failover_url"`

	ConnectTimeout      time.Duration `yaml:"connect_timeout"`
	HeartbeatTimeout    time.Duration `yaml:"heartbeat_timeout"`
	DisconnectTimeout   time.Duration `yaml:"disconnect_timeout"`
	ReconnectTimeout    time.Duration `yaml:"reconnect_timeout"`
	ResolutionTimeout   time.Duration `yaml:"resolution_timeout"`
	ResolutionFreshness time.Duration `yaml:"resolution_freshness"`

	HubFunction struct {
		Enabled    bool `yaml:"enabled"`
		ListenPort int  `yaml:"listen_port"`
	} `yaml:"hub_function"`

	NodeSwitch struct {
		Enabled    bool     `yaml:"enabled"`
		Initiate   bool     `yaml:"initiate"`
		Accept     bool     `yaml:"accept"`
		ListenPort int      `yaml:"listen_port"`
		AcceptURIs []string `yaml:"accept_uris"`
	} `yaml:"node_switch"`
}

func loadConfig(path string) (bacscid.Config, error) {
	var fc fileConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return bacscid.Config{}, err
	}
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return bacscid.Config{}, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg := bacscid.Config{
		MaxLocalBVLCLen: orDefault16(fc.MaxBVLCLen, bacscid.BVLCSCNPDUBufferSize),
		MaxLocalNPDULen: orDefault16(fc.MaxNPDULen, 1497),

		ConnectTimeout:             orDefault(fc.ConnectTimeout, 10*time.Second),
		HeartbeatTimeout:           orDefault(fc.HeartbeatTimeout, 300*time.Second),
		DisconnectTimeout:          orDefault(fc.DisconnectTimeout, 10*time.Second),
		ReconnectTimeout:           orDefault(fc.ReconnectTimeout, 5*time.Second),
		ResolutionTimeout:          orDefault(fc.ResolutionTimeout, 10*time.Second),
		ResolutionFreshnessTimeout: orDefault(fc.ResolutionFreshness, 60*time.Second),

		PrimaryURL:  fc.PrimaryURL,
		FailoverURL: fc.FailoverURL,

		HubFunctionEnabled:    fc.HubFunction.Enabled,
		HubFunctionListenPort: fc.HubFunction.ListenPort,

		NodeSwitchEnabled:       fc.NodeSwitch.Enabled,
		DirectConnectInitiate:   fc.NodeSwitch.Initiate,
		DirectConnectAccept:     fc.NodeSwitch.Accept,
		DirectConnectListenPort: fc.NodeSwitch.ListenPort,
		DirectConnectAcceptURIs: fc.NodeSwitch.AcceptURIs,
	}

	for _, f := range []struct {
		path string
		dst  *[]byte
	}{
		{fc.CACertFile, &cfg.TLS.CACertChain},
		{fc.CertFile, &cfg.TLS.CertChain},
		{fc.KeyFile, &cfg.TLS.Key},
	} {
		b, err := os.ReadFile(f.path)
		if err != nil {
			return bacscid.Config{}, err
		}
		*f.dst = b
	}

	if fc.UUID != "" {
		cfg.UUID, err = bacscid.ParseUUID(fc.UUID)
		if err != nil {
			return bacscid.Config{}, fmt.Errorf("parsing uuid: %w", err)
		}
	} else {
		cfg.UUID = bacscid.NewUUID()
	}
	if fc.VMAC != "" {
		cfg.VMAC, err = bacscid.ParseVMAC(fc.VMAC)
		if err != nil {
			return bacscid.Config{}, fmt.Errorf("parsing vmac: %w", err)
		}
	}
	return cfg, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

func orDefault16(v, def uint16) uint16 {
	if v > 0 {
		return v
	}
	return def
}

func main() {
	configPath := flag.String("config", "node.yaml", "path to the node YAML config")
	tick := flag.Duration("tick", time.Millisecond, "run-loop tick granularity")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	loggerFactory := logging.NewDefaultLoggerFactory()
	logger := loggerFactory.NewLogger("main")
	cfg.LoggerFactory = loggerFactory

	stopped := make(chan struct{}, 1)
	cfg.EventFunc = func(ev bacscid.Event) {
		switch ev.Kind {
		case bacscid.EventReceived:
			logger.Infof("received NPDU (%d bytes)", len(ev.PDU))
		case bacscid.EventStopped:
			logger.Infof("node stopped")
			select {
			case stopped <- struct{}{}:
			default:
			}
		default:
			logger.Infof("node event: %s", ev.Kind)
		}
	}

	n, err := node.Init(cfg)
	if err != nil {
		log.Fatalf("Failed to init node: %v", err)
	}
	if err := n.Start(); err != nil {
		log.Fatalf("Failed to start node: %v", err)
	}
	logger.Infof("node started, uplink %s (failover %s)", cfg.PrimaryURL, cfg.FailoverURL)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(*tick)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			n.ProcessState(now)
		case <-sig:
			logger.Infof("shutting down")
			n.Stop()
		case <-stopped:
			if err := n.Deinit(); err != nil {
				logger.Errorf("deinit: %v", err)
			}
			return
		}
	}
}
