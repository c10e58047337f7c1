package uotel

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
)

const testCA = `-----BEGIN CERTIFICATE-----
MIIDLjCCAhagAwIBAgIOfxYG/VG/dh8jgFfwzUQwDQYJKoZIhvcNAQELBQAwJTEj
MCEGA1UEAxMab3RlbC1jb2xsZWN0b3IuYzEuaW50ZXJuYWwwHhcNMjUwMzI1MDIw
MjI1WhcNMzUwMzIzMDIwMjI1WjAlMSMwIQYDVQQDExpvdGVsLWNvbGxlY3Rvci5j
MS5pbnRlcm5hbDCCASIwDQYJKoZIhvcNAQEBBQADggEPADCCAQoCggEBALFvWVtd
JbzW2EM7+YK/4/YjQn9YC2czYaIs0mnJwq9plj1NXcZ1Hy/36ShfklzslNTARYRB
gxdloSo993Ig/xoPXndrc3G2/MfVNdr5So/x5CC6qJGbDflbiaC4iaK243UmowCX
wq+KmajKtPY7IBlg4jE4sJFvbQxNllyX2KNgDyFrdj7rwMq6zcdf7q+fbt0xXqQ+
QD0wF39/nvWqCO1udj0k58QejvRyP4/W0Qy8IIyF4jlGNU3aSENrskXHk83YRR4o
6Bqne8WZurRdNJ1ALt7moK11fjfcAWZNvzD65waLK5YtlOCG08q6kRaPnsXxJB6u
e+MQTDEBbOrUD/8CAwEAAaNcMFowDgYDVR0PAQH/BAQDAgWgMBMGA1UdJQQMMAoG
CCsGAQUFBwMBMAwGA1UdEwEB/wQCMAAwJQYDVR0RBB4wHIIab3RlbC1jb2xsZWN0
b3IuYzEuaW50ZXJuYWwwDQYJKoZIhvcNAQELBQADggEBACpIfWsWO8zd9UyWNQyz
RkH1CAY8p1Vnnl6qQdxLnt27OlksKCnXyFg14vp2JBhSTeq9xms+CWOFgtZSg/2c
zmz/VaGjA7gubV+9paDjhIr8k+geVYiKTYxmt+HjLT7Iz4FJPbXsnEuU7rEbB4U2
dK/JRQ0SBnFFBzkheUsPjzpezA1SD6TBPMIV/GTEH0Qf46fKIEFVKwZ5dvrWPTsk
P3ZnXkZhWMzLtF+hffj8esMizUAHDLE/RScPGKCd/TTnMN2xo7zXpy3QGSXClMCb
+KwmoYwi+OjqnZsyXXb9UR86mWsgCt6JAIDFuTE8LARN3QLvmT+PFoDniQwC8U8R
hFE=
-----END CERTIFICATE-----`

func TestTLSConfigFromFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(p, []byte(testCA), 0o600))

	cfg, err := getTLSConfig(p)
	require.NoError(t, err)
	require.NotNil(t, cfg.RootCAs)

	bad := filepath.Join(t.TempDir(), "bad.pem")
	require.NoError(t, os.WriteFile(bad, []byte("not a certificate"), 0o600))
	_, err = getTLSConfig(bad)
	require.ErrorContains(t, err, "failed to parse TLS certificate")

	_, err = getTLSConfig(filepath.Join(t.TempDir(), "missing.pem"))
	require.Error(t, err)
}

func TestInitWithoutExportersIsNoop(t *testing.T) {
	ctx := context.Background()
	got, tel, err := InitOtel(ctx, WithServiceName("branch-cdc", "test"))
	require.NoError(t, err)
	require.Equal(t, ctx, got)
	require.IsType(t, noop.MeterProvider{}, tel.MeterProvider())
	require.NoError(t, tel.Shutdown(ctx))
}

func TestStdoutMetricsFlushOnShutdown(t *testing.T) {
	ctx := context.Background()
	var out bytes.Buffer
	_, tel, err := InitOtel(ctx, WithServiceName("branch-cdc", "test"), WithMetricsWriter(&out, time.Hour))
	require.NoError(t, err)

	counter, err := tel.MeterProvider().Meter("test").Int64Counter("branch_cdc.cycles")
	require.NoError(t, err)
	counter.Add(ctx, 2)

	require.NoError(t, tel.Shutdown(ctx))
	require.Contains(t, out.String(), "branch_cdc.cycles")
}
