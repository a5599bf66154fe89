package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/and161185/courtsync/internal/casenum"
)

func withCfgHome(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
}

func TestTokenStore_RoundTrip(t *testing.T) {
	withCfgHome(t)

	require.NoError(t, saveToken(tokenFile{AccessToken: "abc", Subject: "ops", ExpiresAt: time.Now().Add(time.Hour)}))
	tok, err := loadToken()
	require.NoError(t, err)
	require.Equal(t, "abc", tok)

	fi, err := os.Stat(tokenPath())
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), fi.Mode().Perm())
	require.Equal(t, filepath.Join(os.Getenv("XDG_CONFIG_HOME"), "courtsync", "token.json"), tokenPath())
}

func TestTokenStore_Expired(t *testing.T) {
	withCfgHome(t)

	require.NoError(t, saveToken(tokenFile{AccessToken: "abc", ExpiresAt: time.Now().Add(-time.Minute)}))
	_, err := loadToken()
	require.Error(t, err)
}

func TestTokenStore_Missing(t *testing.T) {
	withCfgHome(t)
	_, err := loadToken()
	require.Error(t, err)
}

func TestLogin_WritesToken(t *testing.T) {
	withCfgHome(t)

	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"login", "--key", "0123456789abcdef0123", "--subject", "alice"})
	require.NoError(t, cmd.Execute())
	require.Contains(t, out.String(), "token valid until")

	tok, err := loadToken()
	require.NoError(t, err)
	require.NotEmpty(t, tok)
}

func TestLogin_ShortKey(t *testing.T) {
	withCfgHome(t)
	t.Setenv("COURTSYNC_AUTH__JWT_KEY", "")

	cmd := newRootCommand()
	cmd.SetArgs([]string{"login", "--key", "short"})
	require.Error(t, cmd.Execute())
}

func TestNormalizeRow(t *testing.T) {
	row := normalizeRow("서울가정법원 2024 드단 26718", nil)
	require.Nil(t, row["error"])
	require.Equal(t, "2024", row["year"])
	require.Equal(t, "드단", row["type"])
	require.Equal(t, "26718", row["serial"])
	require.Equal(t, "0026718", row["paddedSerial"])
	require.NotContains(t, row, "typeCode")
}

func TestNormalizeRow_WithCodes(t *testing.T) {
	codes := &casenum.Codes{CaseTypes: map[string]string{"드단": "150"}}
	row := normalizeRow("2024드단26718", codes)
	require.Nil(t, row["error"])
	require.Equal(t, "150", row["typeCode"])
	require.NotEmpty(t, row["csNoHistLst"])

	row = normalizeRow("2024가합1", codes)
	require.NotNil(t, row["error"])
}

func TestNormalizeRow_Garbage(t *testing.T) {
	row := normalizeRow("hello", nil)
	require.NotNil(t, row["error"])
}

func TestNormalizeCommand_FailsOnBadInput(t *testing.T) {
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"normalize", "2024드단26718", "nope"})
	err := cmd.Execute()
	require.Error(t, err)
	require.Contains(t, err.Error(), "1 of 2")
	require.Contains(t, out.String(), `"serial": "26718"`)
}

func TestCronSchedule(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cron/schedule" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"scheduledJobs":3,"identityRenewalJobs":1,"durationMs":42,"candidates":4}`))
	}))
	defer srv.Close()

	sum, err := cronSchedule(context.Background(), srv.Client(), srv.URL, "s3cret")
	require.NoError(t, err)
	require.True(t, sum.Success)
	require.Equal(t, 3, sum.ScheduledJobs)
	require.Equal(t, 1, sum.IdentityRenewalJobs)
	require.Equal(t, 4, sum.Candidates)
	require.EqualValues(t, 42, sum.DurationMs)

	_, err = cronSchedule(context.Background(), srv.Client(), srv.URL, "wrong")
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "401"))
}

func TestBearerCreds(t *testing.T) {
	md, err := bearerCreds{token: "t"}.GetRequestMetadata(context.Background())
	require.NoError(t, err)
	require.Equal(t, "Bearer t", md["authorization"])
	require.True(t, bearerCreds{secure: true}.RequireTransportSecurity())
}

func TestLoadTLS_BadCA(t *testing.T) {
	p := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(p, []byte("not a cert"), 0o600))
	_, err := loadTLS(p, false)
	require.Error(t, err)
}
