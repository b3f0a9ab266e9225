package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/webrequestd/webrequestd/internal/api"
	"github.com/webrequestd/webrequestd/internal/engine"
	"github.com/webrequestd/webrequestd/internal/store"
)

// dateLayout is the second-precision layout of registration dates, shared
// with the HTTP API's wire format.
const dateLayout = "2006-01-02 15:04:05"

func newAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <url>",
		Short: "Register a URL to fetch",
		Long: `Register a request for the given URL. Re-adding an equivalent request
(same URL and headers, dated inside the dedup window) returns the existing
request id instead of creating a new one.

By default the request is written straight into the database. With --server
the registration goes through a running daemon's API instead.`,
		Args: cobra.ExactArgs(1),
		RunE: runAdd,
	}

	cmd.Flags().StringArrayP("header", "H", nil, `request header as "Key: Value" (repeatable)`)
	cmd.Flags().IntSlice("status", nil, "accepted HTTP status codes (default 200)")
	cmd.Flags().String("min-date", "", "dedup window lower bound (2006-01-02 15:04:05, UTC)")
	cmd.Flags().String("max-date", "", "dedup window upper bound (2006-01-02 15:04:05, UTC)")
	cmd.Flags().String("server", "", "base URL of a running daemon to register through")

	return cmd
}

// addJSONOutput is the JSON output schema for the add command.
type addJSONOutput struct {
	RequestID int64 `json:"request_id"`
}

func runAdd(cmd *cobra.Command, args []string) error {
	rawURL := args[0]
	ctx := cmd.Context()

	headerFlags, err := cmd.Flags().GetStringArray("header")
	if err != nil {
		return err
	}

	header, err := parseHeaderFlags(headerFlags)
	if err != nil {
		return err
	}

	accepted, err := cmd.Flags().GetIntSlice("status")
	if err != nil {
		return err
	}

	minDate, err := dateFlag(cmd, "min-date")
	if err != nil {
		return err
	}

	maxDate, err := dateFlag(cmd, "max-date")
	if err != nil {
		return err
	}

	server, err := cmd.Flags().GetString("server")
	if err != nil {
		return err
	}

	var id int64

	if server != "" {
		id, err = addViaServer(ctx, server, rawURL, header, accepted, minDate, maxDate)
	} else {
		id, err = addDirect(ctx, buildLogger(), rawURL, header, accepted, minDate, maxDate)
	}

	if err != nil {
		return err
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(addJSONOutput{RequestID: id})
	}

	fmt.Println(id)

	return nil
}

// parseHeaderFlags converts repeated "Key: Value" flags into a header map.
func parseHeaderFlags(flags []string) (map[string]string, error) {
	if len(flags) == 0 {
		return nil, nil
	}

	header := make(map[string]string, len(flags))

	for _, raw := range flags {
		key, value, ok := strings.Cut(raw, ":")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("header %q: want \"Key: Value\"", raw)
		}

		header[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}

	return header, nil
}

// dateFlag parses an optional date flag; empty returns the zero time.
func dateFlag(cmd *cobra.Command, name string) (time.Time, error) {
	raw, err := cmd.Flags().GetString(name)
	if err != nil {
		return time.Time{}, err
	}

	if raw == "" {
		return time.Time{}, nil
	}

	t, err := time.ParseInLocation(dateLayout, raw, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing --%s: %w", name, err)
	}

	return t, nil
}

// dateWindow completes one-sided bounds the way the API does: a missing
// lower bound opens at the epoch, a missing upper bound closes at now.
func dateWindow(minDate, maxDate, now time.Time) (*store.DateWindow, error) {
	if minDate.IsZero() && maxDate.IsZero() {
		return nil, nil
	}

	w := store.DateWindow{Min: time.Unix(0, 0).UTC(), Max: now}

	if !minDate.IsZero() {
		w.Min = minDate
	}

	if !maxDate.IsZero() {
		w.Max = maxDate
	}

	if w.Max.Before(w.Min) {
		return nil, fmt.Errorf("--max-date is before --min-date")
	}

	return &w, nil
}

// addDirect registers the request straight into the database, through the
// same handler the daemon uses, so defaults and normalisation match the API
// path.
func addDirect(
	ctx context.Context, logger *slog.Logger,
	rawURL string, header map[string]string, accepted []int, minDate, maxDate time.Time,
) (int64, error) {
	window, err := dateWindow(minDate, maxDate, time.Now().UTC())
	if err != nil {
		return 0, err
	}

	st, err := openStore(logger)
	if err != nil {
		return 0, err
	}
	defer st.Close()

	// Registration-only handler: no orchestrator needed.
	handler := engine.NewHandler(st, nil, logger, engine.HandlerOptions{})

	return handler.AddRequest(ctx, rawURL, header, accepted, window)
}

// addViaServer registers the request through the HTTP API. One-sided date
// bounds are completed server-side.
func addViaServer(
	ctx context.Context, server, rawURL string,
	header map[string]string, accepted []int, minDate, maxDate time.Time,
) (int64, error) {
	client := api.NewClient(server, nil)

	return client.Add(ctx, api.AddSpec{
		URL:      rawURL,
		Header:   header,
		Accepted: accepted,
		MinDate:  minDate,
		MaxDate:  maxDate,
	})
}
