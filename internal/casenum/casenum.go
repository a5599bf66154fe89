// Package casenum parses court case numbers and maps them to portal codes.
package casenum

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/width"

	"github.com/and161185/courtsync/internal/model"
)

// ErrInvalidNumber is returned when no year/type/serial triple can be found.
var ErrInvalidNumber = errors.New("invalid case number")

// ErrUnknownCode is returned when a court or case type has no configured portal code.
var ErrUnknownCode = errors.New("unknown portal code")

var (
	courtWithSpace = regexp.MustCompile(`^\p{Hangul}+(?:법원|지원)\s+`)
	courtNoSpace   = regexp.MustCompile(`^\p{Hangul}+(?:법원|지원)(\d{4})`)
	generalPrefix  = regexp.MustCompile(`^\p{Hangul}+(\d{4}\p{Hangul}+\d+)$`)
	strictNumber   = regexp.MustCompile(`^(\d{4})(\p{Hangul}+)(\d+)$`)
	looseNumber    = regexp.MustCompile(`(\d{4})(\p{Hangul}+)(\d+)`)
	numericCode    = regexp.MustCompile(`^\d+$`)
)

// Number is a parsed case number.
type Number struct {
	Year   string
	Type   string // e.g. 드단
	Serial string
}

// String renders the canonical form, e.g. 2024드단26718.
func (n Number) String() string { return n.Year + n.Type + n.Serial }

// StripCourtPrefix removes a leading court name such as "서울가정법원 " or "평택지원".
func StripCourtPrefix(s string) string {
	s = strings.TrimSpace(s)
	for range 3 {
		next := strings.TrimSpace(courtWithSpace.ReplaceAllString(s, ""))
		if next == s {
			break
		}
		s = next
	}
	s = courtNoSpace.ReplaceAllString(s, "$1")
	s = generalPrefix.ReplaceAllString(s, "$1")
	return strings.TrimSpace(s)
}

// Normalize strips the court prefix, folds full-width characters and drops separators.
func Normalize(s string) string {
	s = StripCourtPrefix(width.Fold.String(s))
	return strings.Map(func(r rune) rune {
		switch {
		case unicode.IsSpace(r):
			return -1
		case strings.ContainsRune("-()[]·", r):
			return -1
		}
		return r
	}, s)
}

// Parse extracts year, type and serial from a free-form case number.
func Parse(s string) (Number, error) {
	norm := Normalize(s)
	m := strictNumber.FindStringSubmatch(norm)
	if m == nil {
		m = looseNumber.FindStringSubmatch(norm)
	}
	if m == nil {
		return Number{}, fmt.Errorf("%w: %q", ErrInvalidNumber, s)
	}
	return Number{Year: m[1], Type: m[2], Serial: m[3]}, nil
}

// Codes maps court and case-type names to portal codes. It is loaded from configuration.
type Codes struct {
	Courts    map[string]string
	CaseTypes map[string]string
}

var (
	courtCodeRe = regexp.MustCompile(`^\d{6}$`)
	typeCodeRe  = regexp.MustCompile(`^\d{3}$`)
)

// Validate checks code shapes: 6 digits for courts, 3 digits for case types.
func (c Codes) Validate() error {
	var errs []error
	for name, code := range c.Courts {
		if !courtCodeRe.MatchString(code) {
			errs = append(errs, fmt.Errorf("court %q: code %q is not 6 digits", name, code))
		}
	}
	for name, code := range c.CaseTypes {
		if !typeCodeRe.MatchString(code) {
			errs = append(errs, fmt.Errorf("case type %q: code %q is not 3 digits", name, code))
		}
	}
	return errors.Join(errs...)
}

// CourtCode resolves a court name; numeric input passes through.
func (c Codes) CourtCode(name string) (string, error) {
	name = strings.TrimSpace(name)
	if numericCode.MatchString(name) {
		return name, nil
	}
	if code, ok := c.Courts[name]; ok {
		return code, nil
	}
	if code, ok := c.Courts[strings.Join(strings.Fields(name), "")]; ok {
		return code, nil
	}
	return "", fmt.Errorf("%w: court %q", ErrUnknownCode, name)
}

// TypeCode resolves a case type name; numeric input passes through zero-padded to 3 digits.
func (c Codes) TypeCode(name string) (string, error) {
	if numericCode.MatchString(name) {
		return leftPad(name, 3), nil
	}
	if code, ok := c.CaseTypes[name]; ok {
		return code, nil
	}
	return "", fmt.Errorf("%w: case type %q", ErrUnknownCode, name)
}

// HistKey builds the portal's csNoHistLst value: year + 3-digit type code + serial padded to 7.
func HistKey(d model.CaseDescriptor) string {
	return d.Year + d.TypeCode + PadSerial(d.Serial)
}

// PadSerial left-pads a serial with zeros to 7 digits.
func PadSerial(serial string) string { return leftPad(serial, 7) }

func leftPad(s string, n int) string {
	if len(s) >= n {
		return s
	}
	return strings.Repeat("0", n-len(s)) + s
}

// Describe turns a case into the descriptor the portal expects.
func (c Codes) Describe(cs model.Case) (model.CaseDescriptor, error) {
	n, err := Parse(cs.CaseNumber)
	if err != nil {
		return model.CaseDescriptor{}, err
	}
	court, err := c.CourtCode(cs.CourtName)
	if err != nil {
		return model.CaseDescriptor{}, err
	}
	typ, err := c.TypeCode(n.Type)
	if err != nil {
		return model.CaseDescriptor{}, err
	}
	return model.CaseDescriptor{
		CourtCode: court,
		Year:      n.Year,
		TypeCode:  typ,
		Serial:    n.Serial,
		PartyName: strings.TrimSpace(cs.PartyName),
	}, nil
}
