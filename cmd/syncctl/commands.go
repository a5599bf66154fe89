package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/and161185/courtsync/internal/casenum"
	"github.com/and161185/courtsync/internal/config"
	"github.com/and161185/courtsync/internal/convert"
	"github.com/and161185/courtsync/internal/model"
	grpcserver "github.com/and161185/courtsync/internal/server/grpc"
	"github.com/and161185/courtsync/internal/service"
)

func newLoginCommand() *cobra.Command {
	var (
		key     string
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Mint an operator token from the shared key and cache it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if key == "" {
				key = os.Getenv(config.EnvPrefix + "AUTH__JWT_KEY")
			}
			if len(key) < 16 {
				return errors.New("need --key (or COURTSYNC_AUTH__JWT_KEY) of at least 16 bytes")
			}
			tok, exp, err := service.NewOperatorAuth([]byte(key), ttl).Issue(subject)
			if err != nil {
				return err
			}
			if err := saveToken(tokenFile{AccessToken: tok, Subject: subject, ExpiresAt: exp}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok, token valid until %s\n", exp.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "shared HS256 key")
	cmd.Flags().StringVar(&subject, "subject", defaultSubject(), "operator name recorded in audit logs")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}

func defaultSubject() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "operator"
}

func newTriggerCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "trigger",
		Short: "Run one scheduler pass over gRPC",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := loadToken()
			if err != nil {
				return err
			}
			cc, err := dial(g, token)
			if err != nil {
				return err
			}
			defer cc.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()
			st, err := grpcserver.TriggerSchedule(ctx, cc)
			if err != nil {
				return err
			}
			sum, err := convert.FromProtoRunSummary(st)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), convert.RunSummaryFields(sum))
		},
	}
}

func newScheduleCommand() *cobra.Command {
	var (
		endpoint string
		secret   string
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run one scheduler pass through the HTTP cron endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = os.Getenv(config.EnvPrefix + "HTTP__CRON_SECRET")
			}
			if secret == "" {
				return errors.New("need --secret (or COURTSYNC_HTTP__CRON_SECRET)")
			}
			sum, err := cronSchedule(cmd.Context(), &http.Client{Timeout: timeout}, endpoint, secret)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), convert.RunSummaryFields(sum)); err != nil {
				return err
			}
			if !sum.Success {
				return errors.New("schedule run failed")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&endpoint, "url", "http://localhost:8080", "ops HTTP base URL")
	cmd.Flags().StringVar(&secret, "secret", "", "cron shared secret")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "request timeout")
	return cmd
}

func cronSchedule(ctx context.Context, hc *http.Client, base, secret string) (model.RunSummary, error) {
	u, err := url.JoinPath(base, "/cron/schedule")
	if err != nil {
		return model.RunSummary{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return model.RunSummary{}, err
	}
	req.Header.Set("Authorization", "Bearer "+secret)
	resp, err := hc.Do(req)
	if err != nil {
		return model.RunSummary{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return model.RunSummary{}, err
	}
	var out struct {
		Success             bool   `json:"success"`
		ScheduledJobs       int    `json:"scheduledJobs"`
		IdentityRenewalJobs int    `json:"identityRenewalJobs"`
		DurationMs          int64  `json:"durationMs"`
		Candidates          int    `json:"candidates"`
		CaseUpdateFailures  int    `json:"caseUpdateFailures"`
		EnqueueFailures     int    `json:"enqueueFailures"`
		RenewalFailures     int    `json:"renewalFailures"`
		Error               string `json:"error"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return model.RunSummary{}, fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	sum := model.RunSummary{
		Success:             out.Success,
		ScheduledJobs:       out.ScheduledJobs,
		IdentityRenewalJobs: out.IdentityRenewalJobs,
		DurationMs:          out.DurationMs,
		Candidates:          out.Candidates,
		CaseUpdateFailures:  out.CaseUpdateFailures,
		EnqueueFailures:     out.EnqueueFailures,
		RenewalFailures:     out.RenewalFailures,
	}
	if resp.StatusCode != http.StatusOK {
		return sum, fmt.Errorf("%s: %s", resp.Status, out.Error)
	}
	return sum, nil
}

func newNormalizeCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "normalize <case-number>...",
		Short: "Show how case numbers are normalized and parsed",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var codes *casenum.Codes
			if configPath != "" {
				cfg, err := config.Load(configPath)
				if err != nil {
					return err
				}
				c := cfg.Codes()
				codes = &c
			}
			failed := 0
			for _, in := range args {
				row := normalizeRow(in, codes)
				if row["error"] != nil {
					failed++
				}
				if err := printJSON(cmd.OutOrStdout(), row); err != nil {
					return err
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d case numbers did not parse", failed, len(args))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "server config, to resolve case-type codes")
	return cmd
}

func normalizeRow(in string, codes *casenum.Codes) map[string]any {
	row := map[string]any{"input": in, "normalized": casenum.Normalize(in)}
	n, err := casenum.Parse(in)
	if err != nil {
		row["error"] = err.Error()
		return row
	}
	row["year"] = n.Year
	row["type"] = n.Type
	row["serial"] = n.Serial
	row["paddedSerial"] = casenum.PadSerial(n.Serial)
	if codes != nil {
		code, err := codes.TypeCode(n.Type)
		if err != nil {
			row["error"] = err.Error()
			return row
		}
		row["typeCode"] = code
		row["csNoHistLst"] = casenum.HistKey(model.CaseDescriptor{Year: n.Year, TypeCode: code, Serial: n.Serial})
	}
	return row
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
