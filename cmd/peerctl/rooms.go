package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/adityaadpandey/peermeet/internals/room"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var flagRoomsServer string

var roomsCmd = &cobra.Command{
	Use:   "rooms [name]",
	Short: "List the rooms of a relay, or the participants of one room",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		base := strings.TrimRight(flagRoomsServer, "/")
		if len(args) == 1 {
			var summary room.Summary
			if err := getJSON(ctx, base+"/api/rooms/"+args[0], &summary); err != nil {
				return err
			}
			renderParticipants(summary)
			return nil
		}

		var list struct {
			Rooms []room.Summary `json:"rooms"`
			Total int            `json:"total"`
		}
		if err := getJSON(ctx, base+"/api/rooms", &list); err != nil {
			return err
		}
		renderRooms(list.Rooms)
		return nil
	},
}

func getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request %s: %s", url, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func renderRooms(rooms []room.Summary) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Room", "Participants", "Created"})
	for _, r := range rooms {
		t.AppendRow(table.Row{r.Name, r.ParticipantCount, r.CreatedAt.Format(time.RFC3339)})
	}
	t.AppendFooter(table.Row{"Total", len(rooms), ""})
	t.Render()
}

func renderParticipants(s room.Summary) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.SetTitle(s.Name)
	t.AppendHeader(table.Row{"ID", "Name", "Audio", "Video", "Joined"})
	for _, p := range s.Participants {
		t.AppendRow(table.Row{p.ID, p.DisplayName, onOff(p.AudioEnabled), onOff(p.VideoEnabled), p.JoinedAt.Format(time.Kitchen)})
	}
	t.Render()
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func init() {
	rootCmd.AddCommand(roomsCmd)
	roomsCmd.Flags().StringVarP(&flagRoomsServer, "server", "s", "http://localhost:5555", "Relay HTTP address")
}
