package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"superpeer/pkg/channel"
	"superpeer/pkg/config"
	"superpeer/pkg/dispatch"
	"superpeer/pkg/events"
	"superpeer/pkg/ledger"
	"superpeer/pkg/mesh"
	"superpeer/pkg/protocol"
	"superpeer/pkg/utils"
	"superpeer/pkg/viz"
)

// meshSender breaks the construction cycle between dispatcher and mesh
// node: the dispatcher needs a reply path before the transport exists.
type meshSender struct{ node *mesh.Node }

func (s *meshSender) SendReliable(ctx context.Context, peer channel.Address, data []byte) error {
	if s.node == nil {
		return errors.New("mesh transport not started")
	}
	return s.node.SendReliable(ctx, peer, data)
}

func main() {
	fmt.Println(strings.Repeat("=", 70))
	fmt.Println("Superpeer - Payment Channel Hub")
	fmt.Println(strings.Repeat("=", 70))
	fmt.Println()

	// Try multiple .env paths (Load doesn't overwrite existing env vars)
	envPaths := []string{".env", "../../../.env", "../../.env", "../.env"}
	envLoaded := false
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			envLoaded = true
			fmt.Printf("[INFO] Loaded environment from: %s\n", path)
			break
		}
	}
	if !envLoaded {
		fmt.Println("[WARN] .env not found or failed to load; continuing with environment variables")
	}

	cfgMgr, err := utils.NewConfigManager(&utils.ConfigManagerConfig{
		SensitiveKeys: []string{
			"db_dsn",
			"kafka_sasl_password",
			"signer_key",
			"audit_signing_key",
			"secret_key",
		},
		RedactMode: utils.RedactFull,
	})
	if err != nil {
		log.Fatalf("config manager init failed: %v", err)
	}

	logCfg := utils.DefaultLogConfig()
	logCfg.Level = cfgMgr.GetString("LOG_LEVEL", "info")
	logCfg.Development = cfgMgr.GetBool("LOG_DEVELOPMENT", false)
	logger, err := utils.NewLogger(logCfg)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	utils.SetGlobalLogger(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appCfg, err := config.LoadAppConfig(ctx, cfgMgr)
	if err != nil {
		logger.Fatal("app config invalid", utils.ZapError(err))
	}

	audit, err := utils.NewAuditLogger(config.LoadAuditConfig(cfgMgr))
	if err != nil {
		logger.Fatal("audit logger init failed", utils.ZapError(err))
	}
	defer audit.Close()

	signerCfg, err := config.LoadSignerConfig(cfgMgr)
	if err != nil {
		logger.Fatal("signer config invalid", utils.ZapError(err))
	}
	signer, err := channel.NewSigner(signerCfg)
	if err != nil {
		logger.Fatal("signer init failed", utils.ZapError(err))
	}
	logger.Info("settlement identity loaded",
		utils.ZapString("address", signer.Address().String()),
		utils.ZapString("key_id", signer.KeyID()))

	ledgerCfg, err := config.LoadLedgerConfig(ctx, cfgMgr)
	if err != nil {
		logger.Fatal("ledger config invalid", utils.ZapError(err))
	}
	gateway, err := ledger.NewClient(ledgerCfg, signer, logger, audit)
	if err != nil {
		logger.Fatal("ledger client init failed", utils.ZapError(err))
	}
	if err := gateway.HealthCheck(ctx); err != nil {
		logger.Warn("ledger health check failed; continuing", utils.ZapError(err))
	}

	publisher, producer, err := buildEventPublisher(ctx, cfgMgr, signer, logger, audit)
	if err != nil {
		logger.Fatal("event publisher init failed", utils.ZapError(err))
	}
	if producer != nil {
		defer producer.Close()
	}

	managerCfg, err := config.LoadChannelConfig(ctx, cfgMgr)
	if err != nil {
		logger.Fatal("channel config invalid", utils.ZapError(err))
	}
	store := channel.NewStore()
	manager, err := channel.NewManager(managerCfg, gateway, store, signer, logger, audit, publisher)
	if err != nil {
		logger.Fatal("channel manager init failed", utils.ZapError(err))
	}

	codec, err := protocol.NewCodec(nil)
	if err != nil {
		logger.Fatal("codec init failed", utils.ZapError(err))
	}

	handlers, err := dispatch.NewHandlers(manager, gateway, codec, logger, audit)
	if err != nil {
		logger.Fatal("handlers init failed", utils.ZapError(err))
	}

	sender := &meshSender{}
	dispatcher, err := dispatch.NewDispatcher(config.LoadDispatchConfig(ctx, cfgMgr), handlers, sender, logger)
	if err != nil {
		logger.Fatal("dispatcher init failed", utils.ZapError(err))
	}
	if err := dispatcher.Start(ctx); err != nil {
		logger.Fatal("dispatcher start failed", utils.ZapError(err))
	}

	recorder, vizStore := buildTopology(ctx, cfgMgr, appCfg.HeartbeatInterval, signer.Address(), logger, audit)
	if recorder != nil {
		recorder.Start(ctx)
	}

	var watcher mesh.PeerWatcher
	if recorder != nil {
		watcher = recorder
	}
	meshCfg, err := config.LoadMeshConfig(ctx, cfgMgr)
	if err != nil {
		logger.Fatal("mesh config invalid", utils.ZapError(err))
	}
	node, err := mesh.NewNode(ctx, meshCfg, signer.Seed(), dispatcher, watcher, logger, audit)
	if err != nil {
		logger.Fatal("mesh start failed", utils.ZapError(err))
	}
	sender.node = node

	logger.Info("superpeer running",
		utils.ZapString("peer_id", node.LocalPeerID().String()),
		utils.ZapStringArray("listen", node.ListenAddrs()))

	shutdown := func() {
		logger.Info("shutting down")
		if err := dispatcher.Stop(); err != nil {
			logger.Warn("dispatcher stop", utils.ZapError(err))
		}
		_ = node.Close()
		if recorder != nil {
			recorder.Stop()
		}
		if vizStore != nil {
			_ = vizStore.Close()
		}
		cancel()
		_ = logger.Shutdown()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if appCfg.Headless {
		<-sigCh
		shutdown()
		return
	}

	go func() {
		<-sigCh
		shutdown()
		os.Exit(0)
	}()
	runConsole(ctx, manager, node, dispatcher, codec, logger)
	shutdown()
}

// runConsole is the operator REPL: close channels, inspect state, make
// payments. Exits on "exit" or stdin EOF.
func runConsole(ctx context.Context, manager *channel.Manager, node *mesh.Node, dispatcher *dispatch.Dispatcher, codec *protocol.Codec, logger *utils.Logger) {
	fmt.Println("commands: status | peers | connect <multiaddr> | pay <peerAddress> <amount> | close <peerAddress> | exit")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "exit", "quit":
			return
		case "status":
			printStatus(manager, node, dispatcher)
		case "peers":
			for _, p := range node.Peers() {
				fmt.Println(" ", p)
			}
		case "connect":
			if len(fields) != 2 {
				fmt.Println("usage: connect <multiaddr>")
				continue
			}
			if err := node.Connect(ctx, fields[1]); err != nil {
				fmt.Println("connect failed:", err)
			}
		case "pay":
			if len(fields) != 3 {
				fmt.Println("usage: pay <peerAddress> <amount>")
				continue
			}
			if err := payPeer(ctx, manager, node, codec, fields[1], fields[2]); err != nil {
				fmt.Println("pay failed:", err)
			}
		case "close":
			if len(fields) != 2 {
				fmt.Println("usage: close <peerAddress>")
				continue
			}
			peer, err := channel.ParseAddress(fields[1])
			if err != nil {
				fmt.Println("bad address:", err)
				continue
			}
			if err := manager.CloseBothDirections(ctx, peer); err != nil {
				fmt.Println("close failed:", err)
			} else {
				fmt.Println("channels with", peer, "settled")
			}
		default:
			fmt.Println("unknown command:", fields[0])
		}
	}
}

// payPeer advances the outbound balance and pushes the fresh attestation to
// the peer.
func payPeer(ctx context.Context, manager *channel.Manager, node *mesh.Node, codec *protocol.Codec, peerArg, amountArg string) error {
	peer, err := channel.ParseAddress(peerArg)
	if err != nil {
		return err
	}
	amount, ok := new(big.Int).SetString(amountArg, 10)
	if !ok || amount.Sign() <= 0 {
		return fmt.Errorf("amount must be a positive decimal")
	}

	att, err := manager.SendPayment(ctx, peer, amount)
	if err != nil {
		return err
	}

	data, err := codec.EncodeEnvelope(&protocol.Envelope{
		Method: protocol.MethodActiveBalanceUpdate,
		Request: protocol.Request{
			BalanceValue: att.Balance.String(),
			BalanceSig:   att.Sig,
		},
	})
	if err != nil {
		return err
	}
	if err := node.SendReliable(ctx, peer, data); err != nil {
		return fmt.Errorf("payment recorded locally but delivery failed: %w", err)
	}
	fmt.Println("paid", amount, "to", peer, "cumulative", att.Balance)
	return nil
}

func printStatus(manager *channel.Manager, node *mesh.Node, dispatcher *dispatch.Dispatcher) {
	fmt.Println("address: ", manager.LocalAddress())
	fmt.Println("peer id: ", node.LocalPeerID())
	fmt.Println("peers:   ", len(node.Peers()))
	fmt.Println("channels:", manager.Store().Len())
	for id, ch := range manager.Store().Snapshot() {
		fmt.Printf("  %s  %s -> %s  deposit=%s balance=%s state=%s\n",
			id.Hex()[:18], ch.Payer, ch.Payee, ch.Deposit, ch.PayeeBalance, ch.State)
	}
	for k, v := range dispatcher.Stats() {
		fmt.Printf("  dispatch.%s = %v\n", k, v)
	}
}

func buildEventPublisher(ctx context.Context, cm *utils.ConfigManager, signer *channel.Signer, logger *utils.Logger, audit *utils.AuditLogger) (channel.EventPublisher, *events.Producer, error) {
	producerCfg := config.LoadEventsConfig(ctx, cm)
	if len(producerCfg.Brokers) == 0 {
		return events.NullPublisher{}, nil, nil
	}
	saramaCfg, err := events.BuildSaramaConfig(ctx, cm, logger, audit)
	if err != nil {
		return nil, nil, err
	}
	producer, err := events.NewProducer(ctx, producerCfg, saramaCfg, signer, logger, audit)
	if err != nil {
		return nil, nil, err
	}
	return producer, producer, nil
}

func buildTopology(ctx context.Context, cm *utils.ConfigManager, heartbeat time.Duration, local channel.Address, logger *utils.Logger, audit *utils.AuditLogger) (*viz.Recorder, *viz.Store) {
	if dsn, err := cm.GetSecret("DB_DSN"); err != nil || dsn == "" {
		logger.Info("no DB_DSN configured; topology recording disabled")
		return nil, nil
	}
	cfg, err := viz.LoadStoreConfig(cm)
	if err != nil {
		logger.Warn("topology store config invalid; recording disabled", utils.ZapError(err))
		return nil, nil
	}
	store, err := viz.NewStore(ctx, cfg, local, logger, audit)
	if err != nil {
		logger.Warn("topology store unavailable; recording disabled", utils.ZapError(err))
		return nil, nil
	}
	if err := store.MarkAllOffline(ctx); err != nil {
		logger.Warn("stale link cleanup failed", utils.ZapError(err))
	}
	return viz.NewRecorder(store, heartbeat, logger), store
}
