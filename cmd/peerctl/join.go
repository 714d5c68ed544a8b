package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/adityaadpandey/peermeet/internals/client"
	"github.com/adityaadpandey/peermeet/internals/config"
	"github.com/adityaadpandey/peermeet/internals/peer"
	"github.com/adityaadpandey/peermeet/internals/signaling"
	"github.com/adityaadpandey/peermeet/internals/utils"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pion/webrtc/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	flagJoinServer  string
	flagJoinName    string
	flagJoinAudio   bool
	flagJoinVideo   bool
	flagJoinTimeout time.Duration
)

var joinCmd = &cobra.Command{
	Use:   "join <room>",
	Short: "Join a room as a headless peer",
	Long: `Join a room and keep a peer link to every other participant. Lines typed
on stdin are sent as chat messages. Commands:

  /peers           show linked peers
  /audio on|off    toggle the outgoing audio track
  /video on|off    toggle the outgoing video track
  /leave           leave the room and exit`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJoin(cmd.Context(), args[0])
	},
}

func runJoin(ctx context.Context, roomName string) error {
	cfg := config.LoadConfig()
	logger := utils.GetLogger()
	defer logger.Sync()

	api, conf, err := peer.NewAPI(cfg.WebRTC, logger)
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, flagJoinTimeout)
	conn, err := client.Dial(dialCtx, flagJoinServer, cfg.Signaling, logger)
	cancel()
	if err != nil {
		return err
	}

	m := client.NewManager(conn, peer.NewPionFactory(api, conf, logger), client.Options{
		DisplayName: flagJoinName,
		Negotiation: cfg.Negotiation,
	}, logger)
	defer m.Close()

	unsubscribe := m.Subscribe(printEvent(m))
	defer unsubscribe()

	mic, cam, err := placeholderTracks(conn.ID(), flagJoinAudio, flagJoinVideo)
	if err != nil {
		return err
	}
	if err := m.SetLocalMedia(mic, cam); err != nil {
		logger.Warn("Failed to attach local media", zap.Error(err))
	}

	if err := m.Join(roomName); err != nil {
		return err
	}
	fmt.Printf("Joined %q as %s (%s)\n", roomName, flagJoinName, conn.ID())

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	for {
		select {
		case <-sig:
			return m.Leave()
		case <-m.Done():
			return fmt.Errorf("connection to relay lost")
		case line, ok := <-lines:
			if !ok {
				// stdin closed; stay until interrupted.
				lines = nil
				continue
			}
			done, err := handleLine(m, strings.TrimSpace(line))
			if err != nil {
				fmt.Fprintln(os.Stderr, "Error:", err)
			}
			if done {
				return m.Leave()
			}
		}
	}
}

func handleLine(m *client.Manager, line string) (bool, error) {
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return false, m.SendChat(map[string]string{"text": line})
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/peers":
		renderPeers(m)
	case "/audio", "/video":
		if len(fields) != 2 || (fields[1] != "on" && fields[1] != "off") {
			return false, fmt.Errorf("usage: %s on|off", fields[0])
		}
		on := fields[1] == "on"
		if fields[0] == "/audio" {
			return false, m.SetAudioEnabled(on)
		}
		return false, m.SetVideoEnabled(on)
	case "/leave":
		return true, nil
	default:
		return false, fmt.Errorf("unknown command %s", fields[0])
	}
	return false, nil
}

func printEvent(m *client.Manager) func(client.Event) {
	return func(ev client.Event) {
		switch ev.Kind {
		case client.EventMembersChanged:
			if ev.Members != nil {
				renderMembers(ev.Members)
			}
		case client.EventPeerUpdated:
			tracks := 0
			if ev.Peer.Stream != nil {
				tracks = len(ev.Peer.Stream.Tracks)
			}
			fmt.Printf("* %s is %s (%d remote tracks)\n", ev.Peer.DisplayName, ev.Peer.Status, tracks)
		case client.EventPeerRemoved:
			fmt.Printf("* %s left\n", ev.PeerID)
		case client.EventPeerStalled:
			fmt.Printf("! negotiation with %s is not progressing\n", ev.Peer.DisplayName)
		case client.EventChat:
			from := ev.Chat.From
			for _, mem := range m.Members() {
				if mem.ID == from {
					from = mem.DisplayName
					break
				}
			}
			fmt.Printf("[%s] %s: %s\n", ev.Chat.At.Format(time.Kitchen), from, string(ev.Chat.Payload))
		case client.EventError:
			fmt.Fprintln(os.Stderr, "Error:", ev.Err)
		}
	}
}

func renderPeers(m *client.Manager) {
	peers := m.Peers()
	ids := make([]string, 0, len(peers))
	for id := range peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Peer", "Name", "Status", "Tracks", "Loss", "Quality"})
	for _, id := range ids {
		p := peers[id]
		n := 0
		if p.Stream != nil {
			n = len(p.Stream.Tracks)
		}
		loss, quality := "-", "-"
		if snap, ok := m.Inbound(id); ok && snap.PacketsReceived > 0 {
			loss = fmt.Sprintf("%.1f%%", snap.LossPercent())
			quality = snap.Quality()
		}
		t.AppendRow(table.Row{id, p.DisplayName, p.Status.String(), n, loss, quality})
	}
	t.Render()
}

func renderMembers(members []signaling.Member) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Member", "Name", "Audio", "Video"})
	for _, mem := range members {
		t.AppendRow(table.Row{mem.ID, mem.DisplayName, onOff(mem.AudioEnabled), onOff(mem.VideoEnabled)})
	}
	t.Render()
}

// placeholderTracks creates sample tracks that are negotiated but carry no
// media, so other participants see this peer's slots.
func placeholderTracks(id string, audio, video bool) (mic, cam webrtc.TrackLocal, err error) {
	stream := "peerctl-" + id
	if audio {
		if mic, err = webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", stream); err != nil {
			return nil, nil, err
		}
	}
	if video {
		if cam, err = webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", stream); err != nil {
			return nil, nil, err
		}
	}
	return mic, cam, nil
}

func init() {
	rootCmd.AddCommand(joinCmd)

	host, _ := os.Hostname()
	joinCmd.Flags().StringVarP(&flagJoinServer, "server", "s", "ws://localhost:5555/ws", "Relay websocket URL")
	joinCmd.Flags().StringVarP(&flagJoinName, "name", "n", "peerctl@"+host, "Display name")
	joinCmd.Flags().BoolVar(&flagJoinAudio, "audio", true, "Send a placeholder audio track")
	joinCmd.Flags().BoolVar(&flagJoinVideo, "video", false, "Send a placeholder video track")
	joinCmd.Flags().DurationVar(&flagJoinTimeout, "timeout", 10*time.Second, "Connect timeout")
}
