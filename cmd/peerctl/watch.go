package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/adityaadpandey/peermeet/internals/config"
	"github.com/adityaadpandey/peermeet/internals/state"
	"github.com/adityaadpandey/peermeet/internals/utils"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var flagWatchRedis string

var watchCmd = &cobra.Command{
	Use:   "watch [room]",
	Short: "Follow presence events mirrored to Redis by the relays",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadConfig().Redis
		if flagWatchRedis != "" {
			cfg.Addr = flagWatchRedis
		}

		mgr, err := state.NewManager(cfg, utils.GetLogger())
		if err != nil {
			return err
		}
		defer mgr.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		roomName := ""
		if len(args) == 1 {
			roomName = args[0]
		}
		if err := printMirrored(ctx, mgr, roomName); err != nil {
			return err
		}
		return mgr.Watch(ctx, roomName, func(ev state.PresenceEvent) {
			fmt.Printf("%s  %-7s %s/%s %q audio=%s video=%s (%s)\n",
				ev.At.Format(time.TimeOnly), ev.Type, ev.Room, ev.ID, ev.DisplayName,
				onOff(ev.AudioEnabled), onOff(ev.VideoEnabled), ev.Instance)
		})
	},
}

// printMirrored renders the participants currently mirrored for roomName, or
// for every room when roomName is empty.
func printMirrored(ctx context.Context, mgr *state.Manager, roomName string) error {
	rooms := []string{roomName}
	if roomName == "" {
		var err error
		if rooms, err = mgr.Rooms(ctx); err != nil {
			return fmt.Errorf("list mirrored rooms: %w", err)
		}
		sort.Strings(rooms)
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Room", "Member", "Name", "Audio", "Video", "Instance"})
	for _, name := range rooms {
		records, err := mgr.RoomParticipants(ctx, name)
		if err != nil {
			return fmt.Errorf("read room %s: %w", name, err)
		}
		sort.Slice(records, func(i, j int) bool { return records[i].JoinedAt.Before(records[j].JoinedAt) })
		for _, rec := range records {
			t.AppendRow(table.Row{rec.Room, rec.ID, rec.DisplayName, onOff(rec.AudioEnabled), onOff(rec.VideoEnabled), rec.Instance})
		}
	}
	t.Render()
	return nil
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVar(&flagWatchRedis, "redis", "", "Redis address (defaults to REDIS_ADDR)")
}
