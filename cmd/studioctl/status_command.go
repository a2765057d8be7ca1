package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/dkeye/studio/internal/domain"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status ROOM SESSION",
		Short: "Show readiness of a conference session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			endpoint := fmt.Sprintf("%s/api/conferences/%s/%s/status",
				ctx.serverURL(), url.PathEscape(args[0]), url.PathEscape(args[1]))
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, endpoint, nil)
			if err != nil {
				return err
			}
			client := &http.Client{Timeout: 10 * time.Second}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("query server: %w", err)
			}
			defer resp.Body.Close()

			switch resp.StatusCode {
			case http.StatusOK:
			case http.StatusNotFound:
				fmt.Fprintln(cmd.OutOrStdout(), "Session not found")
				return nil
			default:
				return fmt.Errorf("server returned %s", resp.Status)
			}

			var r domain.Readiness
			if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
				return fmt.Errorf("decode status: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Session %s/%s: %s, %d/%d tracks ready, merge ready: %t\n",
				r.Room, r.Session, r.State, r.ReadyTracks, r.TotalTracks, r.ReadyForMerge)
			if len(r.Tracks) > 0 {
				fmt.Fprint(out, renderTable([]string{"Track", "Participant", "Ready"}, buildTrackRows(r.Tracks), nil))
				fmt.Fprintln(out)
			}
			return nil
		},
	}
}

func buildTrackRows(tracks []domain.TrackStatus) [][]string {
	rows := make([][]string, 0, len(tracks))
	for _, t := range tracks {
		rows = append(rows, []string{string(t.TrackID), string(t.Participant), strconv.FormatBool(t.Ready)})
	}
	return rows
}
