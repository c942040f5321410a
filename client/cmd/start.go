package cmd

import (
	"bufio"
	"context"
	"fmt"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"peerlink/internal/chat"
	"peerlink/internal/config"
	"peerlink/internal/identity"
	"peerlink/internal/logger"
	"peerlink/internal/media"
	"peerlink/internal/peer"
	signalclient "peerlink/internal/signal"
	"peerlink/internal/transfer"
	webrtctransport "peerlink/internal/transport/webrtc"
)

var (
	startID     string
	startRelay  string
	startConfig string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the client and open an interactive shell",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(startConfig)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		if startRelay != "" {
			cfg.Relay.URL = startRelay
		}

		log := logger.New(cfg.Logging.Level)

		localID := identity.Sanitize(startID)
		if localID == "" {
			log.Fatal("a non-empty --id is required")
		}
		if localID != startID {
			log.Infof("identifier sanitized to %s", localID)
		}

		db, err := chat.NewDB(cfg.Chat.DBPath)
		if err != nil {
			log.Fatalf("failed to open chat database: %v", err)
		}
		store := chat.NewStore(db)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sig, err := signalclient.NewClient(ctx, cfg.Relay.URL, localID, log)
		if err != nil {
			log.Fatalf("failed to reach relay: %v", err)
		}

		endpoint := webrtctransport.New(sig, cfg.WebRTC.STUNServers, log)

		mgr := peer.New(ctx, peer.Options{
			LocalID:   localID,
			Chat:      store,
			Capture:   media.NewSyntheticCapturer(),
			Endpoint:  endpoint,
			Logger:    log,
			RelaySend: sig.Relay,
		})
		mgr.Bind()

		sig.OnRelay(func(msg signalclient.Message) {
			mgr.HandleRelayPayload(msg.From, msg.Payload)
		})
		sig.OnPresence(func(peerID string, online bool) {
			if online {
				log.Infof("peer %s is online", peerID)
			} else {
				log.Infof("peer %s went offline", peerID)
			}
		})
		sig.OnPeerList(func(peers []string) {
			fmt.Println("registered peers:", strings.Join(peers, ", "))
		})

		bars := make(map[string]*progressbar.ProgressBar)
		mgr.OnTransferProgress = func(transferID string, transferred, total int64) {
			bar, ok := bars[transferID]
			if !ok {
				bar = progressbar.DefaultBytes(total, "transfer "+transferID)
				bars[transferID] = bar
			}
			bar.Set64(transferred)

			if transferred < total {
				return
			}
			delete(bars, transferID)

			t := mgr.Transfers().Get(transferID)
			if t == nil || t.Direction != transfer.Incoming {
				return
			}
			f := mgr.Transfers().Finalize(transferID)
			if f == nil {
				return
			}
			if err := saveDownload(cfg.Downloads.Dir, f); err != nil {
				log.Errorf("failed to save %s: %v", f.Name, err)
				return
			}
			log.Infof("saved %s (%d bytes) to %s", f.Name, f.Size, cfg.Downloads.Dir)
		}

		// All handlers are in place, start draining the relay socket.
		sig.Start()
		log.Infof("registered with relay as %s", localID)

		go runShell(mgr, sig, log, cancel)

		done := make(chan os.Signal, 1)
		signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-done:
		case <-ctx.Done():
		}

		mgr.Registry().Reset()
		sig.Close()
		fmt.Println("exiting...")
	},
}

func init() {
	startCmd.Flags().StringVar(&startID, "id", "", "local peer identifier")
	startCmd.Flags().StringVar(&startRelay, "relay", "", "relay websocket URL (overrides config)")
	startCmd.Flags().StringVar(&startConfig, "config", "peerlink.yaml", "path to config file")
	startCmd.MarkFlagRequired("id")
}

const shellHelp = `commands:
  connect <peer>        open a data connection
  msg <peer> <text>     send a message (queued if the peer is offline)
  send <peer> <path>    send a file
  call <peer>           start a video call
  screen <peer>         share the screen
  endcall <peer>        end the active call
  peers                 list peers registered with the relay
  status                show connection status
  quit                  exit`

func runShell(mgr *peer.Manager, sig *signalclient.Client, log *logrus.Logger, quit func()) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println(shellHelp)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			quit()
			return
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "connect":
			if len(fields) != 2 {
				fmt.Println("usage: connect <peer>")
				continue
			}
			if err := mgr.Connect(fields[1]); err != nil {
				log.Errorf("connect failed: %v", err)
			}

		case "msg":
			if len(fields) < 3 {
				fmt.Println("usage: msg <peer> <text>")
				continue
			}
			mgr.SendMessage(strings.Join(fields[2:], " "), fields[1])

		case "send":
			if len(fields) != 3 {
				fmt.Println("usage: send <peer> <path>")
				continue
			}
			f, err := loadFile(fields[2])
			if err != nil {
				log.Errorf("cannot read %s: %v", fields[2], err)
				continue
			}
			if !mgr.SendFile(f, fields[1]) {
				log.Errorf("no open connection to %s, file not sent", fields[1])
			}

		case "call":
			if len(fields) != 2 {
				fmt.Println("usage: call <peer>")
				continue
			}
			if _, err := mgr.SwitchMedia(fields[1], media.KindVideo); err != nil {
				log.Errorf("call failed: %v", err)
			}

		case "screen":
			if len(fields) != 2 {
				fmt.Println("usage: screen <peer>")
				continue
			}
			if _, err := mgr.SwitchMedia(fields[1], media.KindScreen); err != nil {
				log.Errorf("screen share failed: %v", err)
			}

		case "endcall":
			if len(fields) != 2 {
				fmt.Println("usage: endcall <peer>")
				continue
			}
			mgr.EndMedia(fields[1])

		case "peers":
			if err := sig.RequestPeers(); err != nil {
				log.Errorf("peer list request failed: %v", err)
			}

		case "status":
			fmt.Printf("status: %s, connected peers: %s\n",
				mgr.Registry().Status(),
				strings.Join(mgr.Registry().ConnectedPeerIDs(), ", "))

		case "quit", "exit":
			quit()
			return

		case "help":
			fmt.Println(shellHelp)

		default:
			fmt.Printf("unknown command %q, try help\n", fields[0])
		}
	}
}

func loadFile(path string) (*transfer.File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return &transfer.File{
		Name:     filepath.Base(path),
		Size:     int64(len(data)),
		MimeType: mimeType,
		Data:     data,
	}, nil
}

func saveDownload(dir string, f *transfer.File) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, filepath.Base(f.Name)), f.Data, 0o644)
}
