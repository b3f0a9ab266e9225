package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/webrequestd/webrequestd/internal/config"
	"github.com/webrequestd/webrequestd/internal/store"
)

func newPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and adjust per-domain fetch policies",
	}

	cmd.AddCommand(newPolicyShowCmd())
	cmd.AddCommand(newPolicySetCmd())

	return cmd
}

func newPolicyShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [domain]",
		Short: "Show domain policies",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runPolicyShow,
	}
}

func newPolicySetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <domain>",
		Short: "Change one domain's fetch policy",
		Long: `Change policy fields for a registered domain. Only the flags given are
changed; everything else keeps its stored value. The domain selector is the
netloc, optionally qualified with a scheme ("https://api.example.com") when
both schemes are registered.`,
		Args: cobra.ExactArgs(1),
		RunE: runPolicySet,
	}

	cmd.Flags().Duration("timeout", 0, "per-attempt fetch timeout")
	cmd.Flags().Int("retries", 0, "retry rounds after the first attempt")
	cmd.Flags().Duration("retry-min-delay", 0, "lower bound of the random sleep between retries")
	cmd.Flags().Duration("retry-max-delay", 0, "upper bound of the random sleep between retries")
	cmd.Flags().Bool("retry-http", false, "retry the final round over plain HTTP")
	cmd.Flags().Bool("retry-proxies", false, "reserved proxy escalation toggle")
	cmd.Flags().String("bps-limit", "", `throughput cap with unit (e.g. "500KB"), "0" for unlimited`)
	cmd.Flags().Bool("proxy", false, "route this domain's fetches through the proxy pool")
	cmd.Flags().String("regions", "", `reserved proxy region list, comma-separated (e.g. "eu,us")`)
	cmd.Flags().Duration("retry-interval", 0, "how long failed (domain, header) pairs stay parked")

	return cmd
}

// policyJSONOutput is the JSON output schema for one domain's policy.
type policyJSONOutput struct {
	Domain        string   `json:"domain"`
	FetchTimeout  string   `json:"fetch_timeout"`
	Retries       int      `json:"retries"`
	RetryMinDelay string   `json:"retry_min_delay"`
	RetryMaxDelay string   `json:"retry_max_delay"`
	RetryHTTP     bool     `json:"retry_http"`
	RetryProxies  bool     `json:"retry_proxies"`
	BPSLimit      int64    `json:"bps_limit"`
	ProxyDefault  bool     `json:"proxy_default"`
	ProxyRegions  []string `json:"proxy_regions,omitempty"`
}

func runPolicyShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	st, err := openStore(buildLogger())
	if err != nil {
		return err
	}
	defer st.Close()

	domains, err := st.Domains(ctx)
	if err != nil {
		return err
	}

	if len(args) == 1 {
		match, err := findDomain(domains, args[0])
		if err != nil {
			return err
		}

		domains = []store.Domain{*match}
	}

	if len(domains) == 0 {
		statusf("No domains registered yet.\n")

		return nil
	}

	policies, err := st.DomainPolicies(ctx)
	if err != nil {
		return err
	}

	if flagJSON {
		out := make([]policyJSONOutput, 0, len(domains))

		for _, d := range domains {
			p := policies[d.DomainID]
			out = append(out, policyJSONOutput{
				Domain:        d.Scheme + "://" + d.Netloc,
				FetchTimeout:  p.FetchTimeout.String(),
				Retries:       p.Retries,
				RetryMinDelay: p.RetryMinDelay.String(),
				RetryMaxDelay: p.RetryMaxDelay.String(),
				RetryHTTP:     p.RetryHTTP,
				RetryProxies:  p.RetryProxies,
				BPSLimit:      p.BPSLimit,
				ProxyDefault:  p.ProxyDefault,
				ProxyRegions:  p.ProxyRegions,
			})
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(out)
	}

	headers := []string{"DOMAIN", "TIMEOUT", "RETRIES", "MIN DELAY", "MAX DELAY", "HTTP", "PROXY", "BPS LIMIT"}
	rows := make([][]string, 0, len(domains))

	for _, d := range domains {
		p := policies[d.DomainID]

		bps := "unlimited"
		if p.BPSLimit > 0 {
			bps = strconv.FormatInt(p.BPSLimit, 10)
		}

		rows = append(rows, []string{
			d.Scheme + "://" + d.Netloc,
			p.FetchTimeout.String(),
			strconv.Itoa(p.Retries),
			p.RetryMinDelay.String(),
			p.RetryMaxDelay.String(),
			strconv.FormatBool(p.RetryHTTP),
			strconv.FormatBool(p.ProxyDefault),
			bps,
		})
	}

	printTable(os.Stdout, headers, rows)

	return nil
}

func runPolicySet(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	st, err := openStore(buildLogger())
	if err != nil {
		return err
	}
	defer st.Close()

	domains, err := st.Domains(ctx)
	if err != nil {
		return err
	}

	domain, err := findDomain(domains, args[0])
	if err != nil {
		return err
	}

	policies, err := st.DomainPolicies(ctx)
	if err != nil {
		return err
	}

	policy, ok := policies[domain.DomainID]
	if !ok {
		return fmt.Errorf("no policy row for domain %q", args[0])
	}

	changed, err := applyPolicyFlags(cmd, &policy)
	if err != nil {
		return err
	}

	if changed {
		if err := st.SetDomainPolicy(ctx, domain.DomainID, policy); err != nil {
			return err
		}
	}

	if cmd.Flags().Changed("retry-interval") {
		interval, err := cmd.Flags().GetDuration("retry-interval")
		if err != nil {
			return err
		}

		if interval <= 0 {
			return fmt.Errorf("--retry-interval must be positive")
		}

		if err := st.UpsertDomainTimeout(ctx, domain.DomainID, interval); err != nil {
			return err
		}

		changed = true
	}

	if !changed {
		return fmt.Errorf("no policy flags given; see 'webrequestd policy set --help'")
	}

	statusf("Updated policy for %s://%s\n", domain.Scheme, domain.Netloc)

	return nil
}

// splitRegions parses the comma-separated --regions value. An empty value
// clears the list.
func splitRegions(raw string) []string {
	var regions []string

	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			regions = append(regions, part)
		}
	}

	return regions
}

// findDomain resolves a domain selector to its row. A bare netloc matches
// any scheme; when that is ambiguous the selector must carry the scheme.
func findDomain(domains []store.Domain, selector string) (*store.Domain, error) {
	scheme, netloc, qualified := strings.Cut(selector, "://")
	if !qualified {
		scheme, netloc = "", selector
	}

	var matches []store.Domain

	for _, d := range domains {
		if d.Netloc != netloc {
			continue
		}

		if scheme != "" && d.Scheme != scheme {
			continue
		}

		matches = append(matches, d)
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("domain %q is not registered", selector)
	case 1:
		return &matches[0], nil
	default:
		return nil, fmt.Errorf("domain %q matches %d entries — qualify with a scheme (e.g. %s://%s)",
			selector, len(matches), matches[0].Scheme, matches[0].Netloc)
	}
}

// applyPolicyFlags copies every explicitly set flag onto the policy row and
// reports whether anything changed.
func applyPolicyFlags(cmd *cobra.Command, policy *store.DomainPolicy) (bool, error) {
	changed := false
	flags := cmd.Flags()

	if flags.Changed("timeout") {
		v, err := flags.GetDuration("timeout")
		if err != nil {
			return false, err
		}

		if v <= 0 {
			return false, fmt.Errorf("--timeout must be positive")
		}

		policy.FetchTimeout = v
		changed = true
	}

	if flags.Changed("retries") {
		v, err := flags.GetInt("retries")
		if err != nil {
			return false, err
		}

		if v < 0 {
			return false, fmt.Errorf("--retries must be >= 0")
		}

		policy.Retries = v
		changed = true
	}

	if flags.Changed("retry-min-delay") {
		v, err := flags.GetDuration("retry-min-delay")
		if err != nil {
			return false, err
		}

		if v < 0 {
			return false, fmt.Errorf("--retry-min-delay must be >= 0")
		}

		policy.RetryMinDelay = v
		changed = true
	}

	if flags.Changed("retry-max-delay") {
		v, err := flags.GetDuration("retry-max-delay")
		if err != nil {
			return false, err
		}

		if v < 0 {
			return false, fmt.Errorf("--retry-max-delay must be >= 0")
		}

		policy.RetryMaxDelay = v
		changed = true
	}

	if flags.Changed("retry-http") {
		v, err := flags.GetBool("retry-http")
		if err != nil {
			return false, err
		}

		policy.RetryHTTP = v
		changed = true
	}

	if flags.Changed("retry-proxies") {
		v, err := flags.GetBool("retry-proxies")
		if err != nil {
			return false, err
		}

		policy.RetryProxies = v
		changed = true
	}

	if flags.Changed("proxy") {
		v, err := flags.GetBool("proxy")
		if err != nil {
			return false, err
		}

		policy.ProxyDefault = v
		changed = true
	}

	if flags.Changed("regions") {
		raw, err := flags.GetString("regions")
		if err != nil {
			return false, err
		}

		policy.ProxyRegions = splitRegions(raw)
		changed = true
	}

	if flags.Changed("bps-limit") {
		raw, err := flags.GetString("bps-limit")
		if err != nil {
			return false, err
		}

		v, err := config.ParseSize(raw)
		if err != nil {
			return false, fmt.Errorf("--bps-limit: %w", err)
		}

		policy.BPSLimit = v
		changed = true
	}

	if policy.RetryMaxDelay < policy.RetryMinDelay {
		return false, fmt.Errorf("retry-max-delay %s is less than retry-min-delay %s",
			policy.RetryMaxDelay, policy.RetryMinDelay)
	}

	return changed, nil
}
