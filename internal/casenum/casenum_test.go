package casenum

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/and161185/courtsync/internal/model"
)

func TestNormalize(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"2024 드단 26718":           "2024드단26718",
		"2024-드단-26718":           "2024드단26718",
		"２０２４드단２６７１８":           "2024드단26718",
		"서울가정법원 2024드합12345":      "2024드합12345",
		"서울중앙지방법원 부천지원 2024나1234": "2024나1234",
		"평택지원2023타경864":           "2023타경864",
		"평택가정2024드단25547":         "2024드단25547",
	}
	for in, want := range cases {
		require.Equal(t, want, Normalize(in), in)
	}
}

func TestParse(t *testing.T) {
	t.Parallel()
	n, err := Parse("수원가정법원 2024드단26718")
	require.NoError(t, err)
	require.Equal(t, Number{Year: "2024", Type: "드단", Serial: "26718"}, n)
	require.Equal(t, "2024드단26718", n.String())

	_, err = Parse("no number here")
	require.True(t, errors.Is(err, ErrInvalidNumber))
}

func TestCodes_DescribeAndHistKey(t *testing.T) {
	t.Parallel()
	codes := Codes{
		Courts:    map[string]string{"수원가정법원": "000302"},
		CaseTypes: map[string]string{"드단": "150"},
	}
	require.NoError(t, codes.Validate())

	d, err := codes.Describe(model.Case{CaseNumber: "2024드단26718", CourtName: "수원가정법원", PartyName: " 김 "})
	require.NoError(t, err)
	require.Equal(t, "000302", d.CourtCode)
	require.Equal(t, "150", d.TypeCode)
	require.Equal(t, "김", d.PartyName)
	require.Equal(t, "20241500026718", HistKey(d))
}

func TestCodes_NumericPassThroughAndUnknown(t *testing.T) {
	t.Parallel()
	codes := Codes{}
	c, err := codes.CourtCode("000305")
	require.NoError(t, err)
	require.Equal(t, "000305", c)

	tc, err := codes.TypeCode("15")
	require.NoError(t, err)
	require.Equal(t, "015", tc)

	_, err = codes.TypeCode("드합")
	require.True(t, errors.Is(err, ErrUnknownCode))
}

func TestCodes_Validate_RejectsBadShapes(t *testing.T) {
	t.Parallel()
	codes := Codes{
		Courts:    map[string]string{"x": "12"},
		CaseTypes: map[string]string{"y": "1500"},
	}
	require.Error(t, codes.Validate())
}
