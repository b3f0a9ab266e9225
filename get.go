package main

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/webrequestd/webrequestd/internal/api"
	"github.com/webrequestd/webrequestd/internal/store"
)

// getPollInterval paces the --wait loop in direct database mode.
const getPollInterval = time.Second

func newGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <request-id>",
		Short: "Print the stored response for a request",
		Long: `Print the latest accepted response recorded for a request. The body goes
to stdout (or --output); metadata goes to stderr.

While the request is unsatisfied nothing is printed; use --wait to poll
until a response arrives. With --server the response is read through a
running daemon's API instead of straight from the database.`,
		Args: cobra.ExactArgs(1),
		RunE: runGet,
	}

	cmd.Flags().Bool("wait", false, "poll until the request is satisfied")
	cmd.Flags().StringP("output", "o", "", "write the response body to this file")
	cmd.Flags().String("server", "", "base URL of a running daemon to query")

	return cmd
}

// fetchedResponse is the CLI-side view of a stored response, assembled from
// either the API payload or a database row.
type fetchedResponse struct {
	ResponseID int64
	RequestID  int64
	Timestamp  string
	StatusCode int
	Header     map[string]string
	Body       []byte
}

// getJSONOutput is the JSON output schema for the get command. The body is
// omitted; combine with --output to extract it.
type getJSONOutput struct {
	ResponseID int64             `json:"response_id"`
	RequestID  int64             `json:"request_id"`
	Timestamp  string            `json:"timestamp"`
	StatusCode int               `json:"status_code"`
	Header     map[string]string `json:"header,omitempty"`
	BodyBytes  int               `json:"body_bytes"`
}

func runGet(cmd *cobra.Command, args []string) error {
	requestID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("parsing request id %q: %w", args[0], err)
	}

	ctx := cmd.Context()

	wait, err := cmd.Flags().GetBool("wait")
	if err != nil {
		return err
	}

	output, err := cmd.Flags().GetString("output")
	if err != nil {
		return err
	}

	server, err := cmd.Flags().GetString("server")
	if err != nil {
		return err
	}

	var resp *fetchedResponse

	if server != "" {
		resp, err = getViaServer(ctx, server, requestID, wait)
	} else {
		resp, err = getDirect(ctx, buildLogger(), requestID, wait)
	}

	if err != nil {
		return err
	}

	if resp == nil {
		if flagJSON {
			fmt.Println("{}")

			return nil
		}

		statusf("Request %d is not yet satisfied.\n", requestID)

		return nil
	}

	return printResponse(resp, output)
}

func getViaServer(ctx context.Context, server string, requestID int64, wait bool) (*fetchedResponse, error) {
	client := api.NewClient(server, nil)

	var (
		payload *api.ResponsePayload
		err     error
	)

	if wait {
		payload, err = client.Wait(ctx, requestID, 0)
	} else {
		payload, err = client.Get(ctx, requestID)
	}

	if err != nil || payload == nil {
		return nil, err
	}

	body, err := payload.DecodedBody()
	if err != nil {
		return nil, err
	}

	header, err := payload.DecodedHeader()
	if err != nil {
		return nil, err
	}

	return &fetchedResponse{
		ResponseID: payload.ResponseID,
		RequestID:  payload.RequestID,
		Timestamp:  payload.Timestamp,
		StatusCode: payload.StatusCode,
		Header:     header,
		Body:       body,
	}, nil
}

func getDirect(ctx context.Context, logger *slog.Logger, requestID int64, wait bool) (*fetchedResponse, error) {
	st, err := openStore(logger)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	for {
		stored, err := st.LatestAcceptedResponse(ctx, requestID)
		if err != nil {
			return nil, err
		}

		if stored != nil {
			return decodeStored(stored)
		}

		if !wait {
			return nil, nil
		}

		timer := time.NewTimer(getPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()

			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// decodeStored converts a database response row into the CLI view: the
// content is gunzipped, the canonical header JSON unmarshalled.
func decodeStored(stored *store.StoredResponse) (*fetchedResponse, error) {
	resp := &fetchedResponse{
		ResponseID: stored.ResponseID,
		RequestID:  stored.RequestID,
		Timestamp:  time.Unix(0, stored.RequestedAt).UTC().Format(dateLayout),
		StatusCode: stored.StatusCode,
	}

	if stored.Header != "" {
		if err := json.Unmarshal([]byte(stored.Header), &resp.Header); err != nil {
			return nil, fmt.Errorf("decoding stored header: %w", err)
		}
	}

	if len(stored.Content) > 0 {
		zr, err := gzip.NewReader(bytes.NewReader(stored.Content))
		if err != nil {
			return nil, fmt.Errorf("decompressing stored response: %w", err)
		}

		body, err := io.ReadAll(zr)
		zr.Close()

		if err != nil {
			return nil, fmt.Errorf("decompressing stored response: %w", err)
		}

		resp.Body = body
	}

	return resp, nil
}

func printResponse(resp *fetchedResponse, output string) error {
	if output != "" {
		if err := os.WriteFile(output, resp.Body, 0o644); err != nil {
			return fmt.Errorf("writing response body: %w", err)
		}

		statusf("Wrote %s (%s)\n", output, formatSize(int64(len(resp.Body))))
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(getJSONOutput{
			ResponseID: resp.ResponseID,
			RequestID:  resp.RequestID,
			Timestamp:  resp.Timestamp,
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			BodyBytes:  len(resp.Body),
		})
	}

	statusf("Response %d for request %d: HTTP %d at %s\n",
		resp.ResponseID, resp.RequestID, resp.StatusCode, resp.Timestamp)

	if output == "" {
		if _, err := os.Stdout.Write(resp.Body); err != nil {
			return fmt.Errorf("writing response body: %w", err)
		}
	}

	return nil
}
