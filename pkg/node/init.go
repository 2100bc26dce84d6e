package node

import (
	"crypto/rand"
	"fmt"
	"strings"
	"sync"

	"github.com/bacnet-sc/node/pkg/bacscid"
	"github.com/bacnet-sc/node/pkg/bvlcsc"
	"github.com/bacnet-sc/node/pkg/corebsc"
	"github.com/bacnet-sc/node/pkg/transport/wss"
)

// The process-wide node pool. Init allocates a slot, Deinit releases
// it; at most bacscid.MaxNodes nodes exist at a time.
var (
	poolMu sync.Mutex
	pool   = make(map[*Node]struct{})
)

// Init builds a fully wired Node from a bacscid.Config: it validates
// every field, allocates a pool slot, constructs the WSS transports
// from the config's TLS material and ports, and composes the
// sub-components. The returned Node is IDLE; call Start to bring it up
// and Deinit to release its pool slot once stopped.
func Init(cfg bacscid.Config) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	vmac := cfg.VMAC
	if vmac.IsZero() {
		var err error
		vmac, err = bacscid.GenerateVMAC(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("node: generating VMAC: %w", err)
		}
	}

	codec := bvlcsc.SimpleCodec{}
	hubDialer, err := wss.NewDialer(wss.Config{
		TLS:               cfg.TLS,
		Subprotocol:       wss.SubprotocolHub,
		ConnectTimeout:    cfg.ConnectTimeout,
		Heartbeat:         cfg.HeartbeatTimeout,
		DisconnectTimeout: cfg.DisconnectTimeout,
		Codec:             codec,
		LoggerFactory:     cfg.LoggerFactory,
	})
	if err != nil {
		return nil, err
	}

	nc := Config{
		LocalUUID: cfg.UUID,
		LocalVMAC: vmac,

		MaxBVLCLen: cfg.MaxLocalBVLCLen,
		MaxNPDULen: cfg.MaxLocalNPDULen,

		Codec: codec,

		HubDialer:        hubDialer,
		PrimaryURL:       cfg.PrimaryURL,
		FailoverURL:      cfg.FailoverURL,
		ReconnectTimeout: cfg.ReconnectTimeout,

		DirectConnectionAcceptURIs: strings.Join(cfg.DirectConnectAcceptURIs, " "),

		AddressResolutionTableSize: bacscid.MaxDirectConnections,
		AddressResolutionFreshness: cfg.ResolutionFreshnessTimeout,

		LoggerFactory: cfg.LoggerFactory,
	}

	if cfg.HubFunctionEnabled {
		acceptor, err := wss.NewListener(wss.Config{
			TLS:               cfg.TLS,
			Subprotocol:       wss.SubprotocolHub,
			Heartbeat:         cfg.HeartbeatTimeout,
			DisconnectTimeout: cfg.DisconnectTimeout,
			Codec:             codec,
			LoggerFactory:     cfg.LoggerFactory,
		}, fmt.Sprintf(":%d", cfg.HubFunctionListenPort))
		if err != nil {
			return nil, err
		}
		nc.HubFunctionEnabled = true
		nc.HubFunctionAcceptor = acceptor
		nc.HubFunctionSlots = bacscid.MaxDirectConnections
	}

	if cfg.NodeSwitchEnabled {
		nc.NodeSwitchEnabled = true
		nc.ResolutionTimeout = cfg.ResolutionTimeout
		if cfg.DirectConnectInitiate {
			dialer, err := wss.NewDialer(wss.Config{
				TLS:               cfg.TLS,
				Subprotocol:       wss.SubprotocolDirect,
				ConnectTimeout:    cfg.ConnectTimeout,
				Heartbeat:         cfg.HeartbeatTimeout,
				DisconnectTimeout: cfg.DisconnectTimeout,
				Codec:             codec,
				LoggerFactory:     cfg.LoggerFactory,
			})
			if err != nil {
				return nil, err
			}
			nc.NodeSwitchInitiateEnable = true
			nc.NodeSwitchDialer = dialer
			nc.NodeSwitchInitiateSlots = bacscid.MaxDirectConnections
		}
		if cfg.DirectConnectAccept {
			acceptor, err := wss.NewListener(wss.Config{
				TLS:               cfg.TLS,
				Subprotocol:       wss.SubprotocolDirect,
				Heartbeat:         cfg.HeartbeatTimeout,
				DisconnectTimeout: cfg.DisconnectTimeout,
				Codec:             codec,
				LoggerFactory:     cfg.LoggerFactory,
			}, fmt.Sprintf(":%d", cfg.DirectConnectListenPort))
			if err != nil {
				return nil, err
			}
			nc.NodeSwitchAcceptEnable = true
			nc.NodeSwitchAcceptor = acceptor
			nc.NodeSwitchAcceptSlots = bacscid.MaxDirectConnections
		}
	}

	nc.EventFunc = func(ev Event) {
		out := bacscid.Event{Kind: eventKindOf(ev.Kind), PDU: ev.PDU}
		// RECEIVED surfaces the raw NPDU, not the whole BVLC-SC frame.
		if ev.Kind == EventReceived && ev.Decoded != nil && ev.Decoded.NPDU != nil {
			out.PDU = ev.Decoded.NPDU
		}
		cfg.EventFunc(out)
	}

	poolMu.Lock()
	if len(pool) >= bacscid.MaxNodes {
		poolMu.Unlock()
		return nil, fmt.Errorf("node: %w: node pool exhausted", corebsc.ErrNoResources)
	}
	n, err := New(nc)
	if err != nil {
		poolMu.Unlock()
		return nil, err
	}
	pool[n] = struct{}{}
	poolMu.Unlock()
	return n, nil
}

// Deinit releases n's pool slot. Valid only while the node is IDLE
// (never started, or fully stopped).
func (n *Node) Deinit() error {
	n.mu.Lock()
	idle := n.state == StateIdle
	n.mu.Unlock()
	if !idle {
		return fmt.Errorf("node: %w: deinit while not idle", corebsc.ErrInvalidOperation)
	}
	poolMu.Lock()
	delete(pool, n)
	poolMu.Unlock()
	return nil
}

func eventKindOf(k EventKind) bacscid.EventKind {
	switch k {
	case EventRestarted:
		return bacscid.EventRestarted
	case EventStopped:
		return bacscid.EventStopped
	case EventReceived:
		return bacscid.EventReceived
	default:
		return bacscid.EventStarted
	}
}
