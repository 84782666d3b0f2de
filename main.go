package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Aysar1990/yas-remote-app/config"
	"github.com/Aysar1990/yas-remote-app/protocol"
	"github.com/Aysar1990/yas-remote-app/relay"
	"github.com/Aysar1990/yas-remote-app/session"
	"github.com/Aysar1990/yas-remote-app/storage"
	"github.com/Aysar1990/yas-remote-app/transfer"
	"github.com/Aysar1990/yas-remote-app/wol"
)

func main() {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		logrus.Fatalf("startup failed while loading config: %v", err)
	}

	fmt.Printf("Relay URL:       %s\n", cfg.RelayURL)
	fmt.Printf("Device Name:     %s\n", cfg.DeviceName)
	fmt.Printf("Config File:     %s\n", cfgPath)
	dataDir := filepath.Dir(cfgPath)
	fmt.Printf("Data Directory:  %s\n", dataDir)

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		logrus.Fatalf("startup failed while opening database: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logrus.Warnf("database close error: %v", err)
		}
	}()
	fmt.Printf("Database File:   %s\n", dbPath)

	// The engine and the manager reference each other: the manager carries
	// the engine's frames, and a dead connection must abort the engine's
	// in-flight transfers before any reconnect.
	var engine *transfer.Engine
	manager := relay.NewManager(relay.ManagerOptions{
		RelayURL: cfg.RelayURL,
		DeviceInfo: protocol.DeviceInfo{
			Name:   cfg.DeviceName,
			Client: "yas-remote-go",
		},
		Credentials: store,
		EventLog:    store,
		Retry: relay.RetryPolicy{
			MaxAttempts: cfg.ReconnectAttempts,
			Delay:       cfg.ReconnectDelay(),
		},
		HealthInterval:  cfg.HealthInterval(),
		ProbeTimeout:    cfg.PingTimeout(),
		MonitorInterval: cfg.MonitorInterval(),
		OnConnectionLost: func() {
			if engine != nil {
				engine.ConnectionLost()
			}
		},
	})

	engine = transfer.NewEngine(transfer.Options{
		Sender:      manager,
		ChunkSize:   cfg.ChunkSize,
		MaxFileSize: cfg.MaxFileSize,
		History:     store,
		Sink:        storage.DownloadDir{Path: cfg.DownloadDir},
		OnUpdate: func(t transfer.Transfer) {
			logrus.WithFields(logrus.Fields{
				"id":        t.ID,
				"file":      t.FileName,
				"direction": t.Direction,
				"status":    t.Status,
				"progress":  t.Progress,
			}).Info("transfer update")
		},
	})
	engine.Register(manager.Router())

	files := transfer.NewFileManager(transfer.FileManagerOptions{
		Sender: manager,
		OnBrowse: func(result protocol.BrowseResult) {
			for _, item := range result.Items {
				fmt.Printf("  %-6s %10d  %s\n", item.Kind, item.Size, item.Name)
			}
		},
		OnOperationResult: func(result protocol.FileOperationResult) {
			if result.Success {
				logrus.Infof("file operation %s succeeded", result.Operation)
			} else {
				logrus.Warnf("file operation %s failed: %s", result.Operation, result.Error)
			}
		},
		OnFileChanged: func(change protocol.FileChanged) {
			logrus.WithFields(logrus.Fields{
				"event": change.Event,
				"path":  change.Path,
			}).Info("remote file changed")
		},
	})
	files.Register(manager.Router())

	go logLifecycleEvents(manager.Subscribe())

	if _, _, ok, err := store.TrustedDevice(); err == nil && ok {
		go func() {
			if err := manager.AutoLogin(); err != nil {
				logrus.Warnf("auto-login failed: %v", err)
			}
		}()
	} else {
		fmt.Println("No trusted device stored; connect with a password to begin.")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wake *wol.Client
	if wakeURL, err := wol.WakeEndpoint(cfg.RelayURL); err != nil {
		logrus.Warnf("wake-on-LAN disabled: %v", err)
	} else {
		wake = wol.NewClient(wol.Options{WakeURL: wakeURL})
	}

	commands := &cli{
		manager: manager,
		engine:  engine,
		files:   files,
		wake:    wake,
		out:     os.Stdout,
		quit:    stop,
	}
	go commands.runLoop(ctx, os.Stdin)

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")
	manager.Disconnect()
}

func logLifecycleEvents(events <-chan relay.Event) {
	for event := range events {
		switch e := event.(type) {
		case relay.StateChanged:
			logrus.Infof("connection: %s -> %s", e.From, e.To)
		case relay.SessionStarted:
			logrus.Infof("session started id=%s reconnected=%v", e.Session.ID, e.Reconnected)
		case relay.SessionEnded:
			logrus.Infof("session ended: %s", e.Reason)
		case relay.SessionTick:
			if e.Level != session.LevelNormal && e.Remaining.Round(time.Second)%time.Minute == 0 {
				logrus.Warnf("session expires in %s", e.Remaining.Round(time.Second))
			}
		case relay.NeedCredentials:
			logrus.Warn("no stored credentials; password login required")
		case relay.AuthFailed:
			logrus.Warnf("authentication failed: %s", e.Reason)
		case relay.ReconnectFailed:
			logrus.Warnf("reconnect attempt %d failed: %v", e.Attempt, e.Err)
		case relay.TerminalFailure:
			logrus.Errorf("gave up after %d reconnect attempts", e.Attempts)
		case relay.MetricsUpdated:
			logrus.Debugf("host metrics cpu=%d%% ram=%d%% gpu=%d%%",
				e.Metrics.CPU, e.Metrics.RAM, e.Metrics.GPU)
		}
	}
}
