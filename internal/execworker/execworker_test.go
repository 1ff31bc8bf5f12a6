package execworker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/InnuIO/fectl/internal/config"
	"github.com/InnuIO/fectl/internal/event"
)

func TestLaunchWiresControlFDsAndEnv(t *testing.T) {
	// A shell one-liner stands in for a worker binary: it reads the FD
	// numbers fectl told it about and echoes a byte back up the write
	// end, proving both pipes and the FD-number env vars are wired.
	script := `
read_fd="$` + EnvControlReadFD + `"
write_fd="$` + EnvControlWriteFD + `"
echo -n "x" >&"$write_fd"
`
	cfg := config.ServiceConfig{
		Name: "echoer",
		Exec: "/bin/sh",
		Args: []string{"-c", script},
	}

	h, perr := Launch(0, cfg)
	require.Nil(t, perr)
	require.NotNil(t, h)
	defer h.Up.Close()
	defer h.Down.Close()

	assert.Greater(t, h.PID, 0)

	buf := make([]byte, 1)
	h.Up.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := h.Up.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, byte('x'), buf[0])

	require.NoError(t, h.Wait())
}

func TestLaunchNonexistentBinaryReportsFailedToStart(t *testing.T) {
	cfg := config.ServiceConfig{Name: "nope", Exec: "/no/such/binary-xyz"}

	h, perr := Launch(0, cfg)
	assert.Nil(t, h)
	require.NotNil(t, perr)
	assert.Equal(t, event.ErrFailedToStart, perr.Kind)
}

func TestBuildEnvIncludesServiceAndSlot(t *testing.T) {
	cfg := config.ServiceConfig{Name: "svc", Env: map[string]string{"FOO": "bar"}}
	env := buildEnv(3, cfg)

	assertContains(t, env, "FECTL_SERVICE=svc")
	assertContains(t, env, "FECTL_SLOT=3")
	assertContains(t, env, "FOO=bar")
}

func assertContains(t *testing.T, env []string, want string) {
	t.Helper()
	for _, e := range env {
		if e == want {
			return
		}
	}
	t.Fatalf("env %v does not contain %q", env, want)
}
