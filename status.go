package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/webrequestd/webrequestd/internal/store"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [request-id]",
		Short: "Show queue counts and per-domain statuses",
		Long: `Without arguments, show request counts by status, the last recorded
outcome per (domain, header) pair, and whether a daemon is serving this
database. With a request id, show that request's detail instead.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runStatus,
	}
}

// requestJSONOutput is the JSON output schema for one request's status.
type requestJSONOutput struct {
	RequestID   int64  `json:"request_id"`
	URL         string `json:"url"`
	Date        string `json:"date"`
	Status      string `json:"status"`
	LastAttempt string `json:"last_attempt,omitempty"`
	Responses   int    `json:"responses"`
}

// statusJSONOutput is the JSON output schema for the queue-wide status.
type statusJSONOutput struct {
	Pending   int                `json:"pending"`
	Failed    int                `json:"failed"`
	Satisfied int                `json:"satisfied"`
	DaemonPID int                `json:"daemon_pid,omitempty"`
	Domains   []domainStatusJSON `json:"domains,omitempty"`
}

// domainStatusJSON is one (domain, header) outcome row in JSON output.
type domainStatusJSON struct {
	Domain      string `json:"domain"`
	HeaderID    int64  `json:"header_id"`
	Status      string `json:"status"`
	LastAttempt string `json:"last_attempt,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	st, err := openStore(buildLogger())
	if err != nil {
		return err
	}
	defer st.Close()

	if len(args) == 1 {
		requestID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("parsing request id %q: %w", args[0], err)
		}

		return printRequestStatus(ctx, st, requestID)
	}

	return printQueueStatus(ctx, st)
}

func printRequestStatus(ctx context.Context, st *store.Store, requestID int64) error {
	detail, err := st.RequestDetail(ctx, requestID)
	if err != nil {
		return err
	}

	if flagJSON {
		out := requestJSONOutput{
			RequestID: detail.RequestID,
			URL:       detail.URL.String(),
			Date:      formatWireTime(detail.Date),
			Status:    detail.Status.String(),
			Responses: detail.Responses,
		}

		if detail.LastAttemptAt != 0 {
			out.LastAttempt = formatWireTime(detail.LastAttemptAt)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(out)
	}

	fmt.Printf("Request:      %d\n", detail.RequestID)
	fmt.Printf("URL:          %s\n", detail.URL.String())
	fmt.Printf("Registered:   %s\n", formatNano(detail.Date))
	fmt.Printf("Status:       %s\n", detail.Status)
	fmt.Printf("Last attempt: %s\n", formatNano(detail.LastAttemptAt))
	fmt.Printf("Responses:    %d\n", detail.Responses)

	return nil
}

func printQueueStatus(ctx context.Context, st *store.Store) error {
	counts, err := st.CountsByStatus(ctx)
	if err != nil {
		return err
	}

	domains, err := st.Domains(ctx)
	if err != nil {
		return err
	}

	statuses, err := st.DomainStatuses(ctx)
	if err != nil {
		return err
	}

	names := make(map[int64]string, len(domains))
	for _, d := range domains {
		names[d.DomainID] = d.Scheme + "://" + d.Netloc
	}

	daemonPID := probeDaemon(pidFilePath())

	if flagJSON {
		return printQueueStatusJSON(counts, statuses, names, daemonPID)
	}

	fmt.Printf("Pending:   %d\n", counts[store.StatusPending])
	fmt.Printf("Failed:    %d\n", counts[store.StatusFailed])
	fmt.Printf("Satisfied: %d\n", counts[store.StatusSatisfied])

	if daemonPID != 0 {
		fmt.Printf("Daemon:    running (pid %d)\n", daemonPID)
	} else {
		fmt.Printf("Daemon:    not running\n")
	}

	if len(statuses) > 0 {
		fmt.Println()

		headers := []string{"DOMAIN", "HEADER", "STATUS", "LAST ATTEMPT"}
		rows := make([][]string, 0, len(statuses))

		for _, row := range statuses {
			rows = append(rows, []string{
				names[row.DomainID],
				strconv.FormatInt(row.HeaderID, 10),
				row.Status.String(),
				formatNano(row.LastAttemptAt),
			})
		}

		printTable(os.Stdout, headers, rows)
	}

	return nil
}

func printQueueStatusJSON(
	counts map[store.Status]int, statuses []store.DomainStatusRow,
	names map[int64]string, daemonPID int,
) error {
	out := statusJSONOutput{
		Pending:   counts[store.StatusPending],
		Failed:    counts[store.StatusFailed],
		Satisfied: counts[store.StatusSatisfied],
		DaemonPID: daemonPID,
	}

	for _, row := range statuses {
		entry := domainStatusJSON{
			Domain:   names[row.DomainID],
			HeaderID: row.HeaderID,
			Status:   row.Status.String(),
		}

		if row.LastAttemptAt != 0 {
			entry.LastAttempt = formatWireTime(row.LastAttemptAt)
		}

		out.Domains = append(out.Domains, entry)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(out)
}

// formatWireTime renders a Unix-nanosecond timestamp in the API's date
// layout, for JSON output that scripts can re-parse.
func formatWireTime(ns int64) string {
	return time.Unix(0, ns).UTC().Format(dateLayout)
}
