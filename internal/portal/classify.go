package portal

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// OutcomeKind is the business-level reading of a portal response.
type OutcomeKind int

// Outcome kinds.
const (
	OutcomeOK OutcomeKind = iota
	OutcomeCaptchaRejected
	OutcomeNoResults
	OutcomeSessionInvalid
	OutcomeError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeOK:
		return "ok"
	case OutcomeCaptchaRejected:
		return "captcha_rejected"
	case OutcomeNoResults:
		return "no_results"
	case OutcomeSessionInvalid:
		return "session_invalid"
	}
	return "error"
}

// Outcome is the classified response with the portal's message, if any.
type Outcome struct {
	Kind    OutcomeKind
	Message string
}

var (
	captchaPhrases  = []string{"캡챠", "자동입력", "captcha", "보안문자"}
	noResultPhrases = []string{"검색결과가 없", "조회된 사건이 없", "해당 사건이 없"}
	sessionPhrases  = []string{"세션", "만료", "유효하지 않", "잘못된 접근", "권한"}
)

// Checked in order: a CAPTCHA message mentioning the session is still a CAPTCHA rejection.
var phraseClasses = []struct {
	kind    OutcomeKind
	phrases []string
}{
	{OutcomeCaptchaRejected, captchaPhrases},
	{OutcomeNoResults, noResultPhrases},
	{OutcomeSessionInvalid, sessionPhrases},
}

type errorEnvelope struct {
	Error  any    `json:"error"`
	ErrMsg string `json:"errMsg"`
	Errors *struct {
		ErrorMessage string `json:"errorMessage"`
	} `json:"errors"`
}

// ClassifyResponse reads the error fields of a portal JSON body and maps the
// message to an outcome. An HTML body means the portal bounced the request to
// its landing page, which happens when the session is gone.
func ClassifyResponse(body []byte) Outcome {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return Outcome{Kind: OutcomeError, Message: "empty response"}
	}
	if trimmed[0] == '<' {
		return Outcome{Kind: OutcomeSessionInvalid, Message: "html page instead of json"}
	}

	var env errorEnvelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return Outcome{Kind: OutcomeError, Message: fmt.Sprintf("malformed response: %v", err)}
	}
	msg := env.message()
	if msg == "" {
		return Outcome{Kind: OutcomeOK}
	}
	return Outcome{Kind: classifyMessage(msg), Message: msg}
}

func (e errorEnvelope) message() string {
	switch v := e.Error.(type) {
	case string:
		if v != "" {
			return v
		}
	case bool:
		if v {
			if e.ErrMsg != "" {
				return e.ErrMsg
			}
			return "error"
		}
	case nil:
	default:
		return fmt.Sprint(v)
	}
	if e.ErrMsg != "" {
		return e.ErrMsg
	}
	if e.Errors != nil {
		return e.Errors.ErrorMessage
	}
	return ""
}

func classifyMessage(msg string) OutcomeKind {
	lower := strings.ToLower(msg)
	for _, c := range phraseClasses {
		for _, p := range c.phrases {
			if strings.Contains(lower, p) {
				return c.kind
			}
		}
	}
	return OutcomeError
}
