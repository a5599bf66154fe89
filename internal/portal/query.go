package portal

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/and161185/courtsync/internal/casenum"
	"github.com/and161185/courtsync/internal/errs"
	"github.com/and161185/courtsync/internal/model"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

var (
	progressLists  = []string{"dlt_csProgCtt", "dlt_csProgCttLst", "dlt_prgrCttLst", "dlt_prcdCttLst", "dlt_prcsCtt"}
	progressDates  = []string{"progYmd", "prgrDt", "prcdDt", "evntDt"}
	progressEvents = []string{"progCtt", "prgrCtt", "prcdNm", "evntNm", "cttNm"}
	progressResult = []string{"progRslt", "prgrRslt", "rslt", "dlvyDt"}
)

// QueryCase fetches the progress table of a registered case. A token issued
// under another identity is rejected without a request.
func (c *Client) QueryCase(ctx context.Context, d model.CaseDescriptor, tok model.CaseToken) ([]model.ProgressEntry, error) {
	if bound := c.sess.IdentityID(); !tok.Usable(bound) {
		return nil, fmt.Errorf("%w: token of case %s not usable under identity %s", errs.ErrTokenInvalid, tok.CaseID, bound)
	}
	serial := casenum.PadSerial(d.Serial)
	search := map[string]string{
		"cortCd":     d.CourtCode,
		"csNo":       d.Year + d.TypeCode + serial,
		"encCsNo":    tok.Value,
		"csYear":     d.Year,
		"csDvsCd":    d.TypeCode,
		"csSerial":   serial,
		"progCttDvs": "0",
		"srchDvs":    "06",
	}

	// A session rejection is retried once on a fresh JSESSIONID before the token is blamed.
	for attempt := 0; ; attempt++ {
		if err := c.ensureSession(ctx); err != nil {
			return nil, err
		}
		body, err := c.post(ctx, "progress", pathProgress, submitProgress, map[string]any{"dma_search": search})
		if err != nil {
			return nil, err
		}

		switch o := ClassifyResponse(body); o.Kind {
		case OutcomeOK:
			return parseProgress(body)
		case OutcomeSessionInvalid:
			c.sess.dropSession()
			if attempt == 0 {
				c.b.log.Debug("progress query bounced, refreshing session", zap.String("message", o.Message))
				continue
			}
			return nil, fmt.Errorf("%w: %s", errs.ErrTokenInvalid, o.Message)
		case OutcomeCaptchaRejected:
			c.sess.dropSession()
			return nil, fmt.Errorf("%w: %s", errs.ErrTokenInvalid, o.Message)
		case OutcomeNoResults:
			return nil, fmt.Errorf("%w: %s", errs.ErrNoResults, o.Message)
		default:
			return nil, fmt.Errorf("%w: %s", errs.ErrPortal, o.Message)
		}
	}
}

func parseProgress(body []byte) ([]model.ProgressEntry, error) {
	var r struct {
		Data map[string]json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("%w: decode progress: %v", errs.ErrPortal, err)
	}
	var rows []map[string]any
	for _, name := range progressLists {
		raw, ok := r.Data[name]
		if !ok || string(raw) == "null" {
			continue
		}
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, fmt.Errorf("%w: decode %s: %v", errs.ErrPortal, name, err)
		}
		break
	}

	entries := make([]model.ProgressEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, model.ProgressEntry{
			Date:   firstField(row, progressDates),
			Event:  firstField(row, progressEvents),
			Result: firstField(row, progressResult),
		})
	}
	return entries, nil
}

func firstField(row map[string]any, keys []string) string {
	for _, k := range keys {
		switch v := row[k].(type) {
		case nil:
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		default:
			return fmt.Sprint(v)
		}
	}
	return ""
}
