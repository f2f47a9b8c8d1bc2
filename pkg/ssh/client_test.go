package ssh

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sshcollectorpro/diagrelay/internal/apperr"
	"github.com/sshcollectorpro/diagrelay/internal/console"
	"github.com/sshcollectorpro/diagrelay/simulate"
)

func startAppliance(t *testing.T, app *simulate.Appliance) *ConnectionInfo {
	t.Helper()
	srv, err := simulate.NewServer(app, "s3cret", "", 4)
	require.NoError(t, err)
	require.NoError(t, srv.Start("127.0.0.1:0"))
	t.Cleanup(srv.Stop)

	host, port, err := net.SplitHostPort(srv.Addr().String())
	require.NoError(t, err)
	p, _ := strconv.Atoi(port)
	return &ConnectionInfo{Host: host, Port: p, Username: "admin", Password: "s3cret"}
}

func newTestPool(t *testing.T, idle time.Duration) *Pool {
	t.Helper()
	pool := NewPool(&PoolConfig{
		MaxIdle:   2,
		MaxActive: 4,
		SSHConfig: &Config{Timeout: 5 * time.Second, IdleTimeout: idle},
	})
	t.Cleanup(func() { _ = pool.Close() })
	return pool
}

func deployment() []simulate.Node {
	return []simulate.Node{
		{Name: "ise-1", Persona: "Administration,Monitoring", Role: "PRIMARY", Active: "true", Replication: "none"},
		{Name: "ise-2", Persona: "PolicyService", Role: "SECONDARY", Active: "true", Replication: "COMPLETED"},
	}
}

func TestShellRunsPagedCommand(t *testing.T) {
	app := simulate.NewAppliance("ise-1", deployment())
	app.FillerSections = 3
	info := startAppliance(t, app)
	pool := newTestPool(t, 10*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	sh, err := pool.OpenShell(ctx, info)
	require.NoError(t, err)
	sess := console.NewSession("ise-1", sh, console.Options{})
	defer sess.Close()

	require.NoError(t, sess.WaitForPrompt(ctx))
	tr, err := sess.Run(ctx, "show tech-support", console.RunOptions{})
	require.NoError(t, err)

	out := tr.Text()
	assert.Contains(t, out, "DEPLOYMENT_ID")
	assert.Contains(t, out, "filler section 2 line 39")
	assert.NotContains(t, out, "--More--")
	assert.NotContains(t, out, "\r")
	assert.False(t, tr.Truncated)
}

func TestPoolReusesConnection(t *testing.T) {
	app := simulate.NewAppliance("ise-1", deployment())
	info := startAppliance(t, app)
	pool := newTestPool(t, 10*time.Second)
	ctx := context.Background()

	first, err := pool.OpenShell(ctx, info)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := pool.OpenShell(ctx, info)
	require.NoError(t, err)
	defer second.Close()

	stats := pool.GetStats()
	assert.Equal(t, 1, stats["total_connections"])
	assert.Equal(t, 1, stats["active_connections"])
}

func TestWrongPasswordIsAuthError(t *testing.T) {
	app := simulate.NewAppliance("ise-1", deployment())
	info := startAppliance(t, app)
	info.Password = "wrong"
	pool := newTestPool(t, time.Second)

	_, err := pool.OpenShell(context.Background(), info)
	require.Error(t, err)
	assert.Equal(t, apperr.KindAuth, apperr.KindOf(err))
}

func TestIdleTimeout(t *testing.T) {
	app := simulate.NewAppliance("ise-1", deployment())
	app.HangOn = "show tech-support"
	info := startAppliance(t, app)
	pool := newTestPool(t, time.Second)
	ctx := context.Background()

	sh, err := pool.OpenShell(ctx, info)
	require.NoError(t, err)
	sess := console.NewSession("ise-1", sh, console.Options{})
	defer sess.Close()
	require.NoError(t, sess.WaitForPrompt(ctx))

	_, err = sess.Run(ctx, "show tech-support", console.RunOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIdleTimeout)
	assert.Equal(t, apperr.KindTimeout, apperr.KindOf(err))
}

func TestDialRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	c := NewClient(&Config{Timeout: time.Second})
	err = c.Connect(context.Background(), &ConnectionInfo{Host: "127.0.0.1", Port: port, Username: "admin"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindConnection, apperr.KindOf(err))
}
