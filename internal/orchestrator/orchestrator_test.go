package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sshcollectorpro/diagrelay/internal/apperr"
	"github.com/sshcollectorpro/diagrelay/internal/archive"
	"github.com/sshcollectorpro/diagrelay/internal/bundle"
	"github.com/sshcollectorpro/diagrelay/internal/config"
	"github.com/sshcollectorpro/diagrelay/internal/console"
	"github.com/sshcollectorpro/diagrelay/internal/input"
	"github.com/sshcollectorpro/diagrelay/internal/intake"
	"github.com/sshcollectorpro/diagrelay/internal/report"
	"github.com/sshcollectorpro/diagrelay/internal/showtech"
	"github.com/sshcollectorpro/diagrelay/simulate"
)

const (
	testCase  = "612345678"
	testToken = "tok3n-abcdef"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

var cluster = []simulate.Node{
	{Name: "ise-1", Persona: "Administration,Monitoring", Role: "PRIMARY", Active: "true", Replication: "none"},
	{Name: "ise-2", Persona: "Administration,Monitoring", Role: "SECONDARY", Active: "true", Replication: "COMPLETED"},
	{Name: "ise-3", Persona: "PolicyService", Role: "STANDALONE", Active: "true", Replication: "COMPLETED"},
}

// syncBuffer 并发写入安全的缓冲
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fakeHistory struct {
	mu       sync.Mutex
	started  int
	nodes    []NodeResult
	finished bool
	runErr   error
	selected int
}

func (h *fakeHistory) StartRun(caseID, seed string, dryRun bool) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started++
	return "run-1", nil
}

func (h *fakeHistory) RecordNode(runID string, r NodeResult) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nodes = append(h.nodes, r)
	return nil
}

func (h *fakeHistory) FinishRun(runID string, discovered, selected int, runErr error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finished = true
	h.runErr = runErr
	h.selected = selected
	return nil
}

type failingDialer struct{ err error }

func (d failingDialer) Open(context.Context, console.Target) (console.Channel, error) {
	return nil, d.err
}

type env struct {
	apps    map[string]*simulate.Appliance
	dialer  *simulate.PipeDialer
	intake  *simulate.Intake
	out     *syncBuffer
	printer *report.Printer
	history *fakeHistory
	url     string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	apps := make(map[string]*simulate.Appliance)
	for _, n := range cluster {
		apps[n.Name] = simulate.NewAppliance(n.Name, cluster)
	}
	in := simulate.NewIntake(testCase, testToken)
	srv := httptest.NewServer(in.Handler())
	t.Cleanup(srv.Close)

	out := &syncBuffer{}
	return &env{
		apps:    apps,
		dialer:  &simulate.PipeDialer{Appliances: apps, IdleTimeout: time.Second},
		intake:  in,
		out:     out,
		printer: report.NewPrinter(out),
		history: &fakeHistory{},
		url:     srv.URL + "/home/",
	}
}

func (e *env) orchestrator(opts Options, arch archive.Writer) *Orchestrator {
	opts.CaseID = testCase
	opts.Username = "admin"
	opts.Password = "secret"
	opts.Console = console.Options{DrainQuiet: 50 * time.Millisecond}
	return New(opts, Deps{
		Dialer:   e.dialer,
		Uploader: intake.NewClient(intake.Config{URL: e.url}, testCase, testToken),
		Archive:  arch,
		Bundle:   bundle.New(bundle.Config{}, bundle.Credentials{CaseID: testCase, Token: testToken}, e.printer.Line),
		History:  e.history,
		Printer:  e.printer,
	})
}

func answers(s string) (input.Prompter, *bytes.Buffer) {
	var out bytes.Buffer
	return input.NewLinePrompter(strings.NewReader(s), &out), &out
}

func TestRunOneTimeoutOneSuccess(t *testing.T) {
	e := newEnv(t)
	e.apps["ise-3"].HangOn = "show tech-support"
	dir := t.TempDir()
	o := e.orchestrator(Options{}, archive.NewLocalWriter(config.LocalArchiveConfig{BaseDir: dir, MkdirIfMissing: true}))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	p, sel := answers("y\nn\ny\n")
	results, err := o.Run(ctx, "ise-1", p, sel)
	require.Error(t, err)
	require.Len(t, results, 2)

	ok, bad := results[0], results[1]
	assert.Equal(t, "ise-1", ok.Node())
	assert.True(t, ok.Success)
	assert.Equal(t, StageBundle, ok.Stage)
	assert.True(t, strings.HasPrefix(ok.FileName, "ise_show_tech_ise-1_"))
	assert.Positive(t, ok.Bytes)
	require.True(t, strings.HasPrefix(ok.Archive, "file://"+dir), ok.Archive)
	assert.FileExists(t, strings.TrimPrefix(ok.Archive, "file://"))

	assert.Equal(t, "ise-3", bad.Node())
	assert.False(t, bad.Success)
	assert.Equal(t, StageCollect, bad.Stage)
	assert.Equal(t, apperr.KindTimeout, bad.Kind)

	// 未选中的节点不建立连接
	assert.Equal(t, 0, e.dialer.Opened("ise-2"))
	assert.Equal(t, 3, e.dialer.Opened("ise-1"))

	uploads := e.intake.Uploads()
	require.Len(t, uploads, 1)
	assert.Equal(t, ok.FileName, uploads[0].FileName)
	assert.Contains(t, string(uploads[0].Body), "DEPLOYMENT_ID")

	repos := e.apps["ise-1"].Repositories()
	require.Len(t, repos, 1)
	assert.Equal(t, "TAC-"+testCase, repos[0].Name)
	assert.Empty(t, e.apps["ise-3"].Repositories())

	text := e.out.String()
	assert.Contains(t, sel.String(), "NODE: ise-2 - Administration,Monitoring - SECONDARY")
	assert.Contains(t, text, "Collection on node ise-3 timed out")
	assert.Contains(t, text, "1 node(s) succeeded, 1 failed")
	assert.Contains(t, text, "collect failed (timed out)")
	assert.Contains(t, text, "Backup completed successfully")
	assert.NotContains(t, text, "Successfully collected all necessary data")

	assert.Equal(t, 1, e.history.started)
	assert.Len(t, e.history.nodes, 2)
	assert.True(t, e.history.finished)
	assert.Equal(t, 2, e.history.selected)
}

func TestRunAllSucceedWithConcurrencyCap(t *testing.T) {
	e := newEnv(t)
	o := e.orchestrator(Options{Concurrency: 1}, nil)

	p, sel := answers("y\ny\ny\n")
	results, err := o.Run(context.Background(), "ise-2", p, sel)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, r := range results {
		assert.Equal(t, cluster[i].Name, r.Node())
		assert.True(t, r.Success, "%s: %v", r.Node(), r.Err)
		assert.Empty(t, r.Archive)
	}
	assert.Len(t, e.intake.Uploads(), 3)
	assert.Contains(t, e.out.String(), "Successfully collected all necessary data from all nodes")
}

func TestFingerprintMismatchStopsBeforeConfiguration(t *testing.T) {
	e := newEnv(t)
	e.apps["ise-1"].Fingerprint = "SHA256:not-the-trusted-key"
	o := e.orchestrator(Options{}, nil)

	p, sel := answers("y\nn\nn\n")
	results, err := o.Run(context.Background(), "ise-1", p, sel)
	require.Error(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, StageBundle, results[0].Stage)
	assert.Equal(t, apperr.KindSecurity, results[0].Kind)

	// 上传在诊断包之前，仍然完成
	assert.Len(t, e.intake.Uploads(), 1)
	for _, cmd := range e.apps["ise-1"].Commands() {
		assert.NotEqual(t, "configure terminal", cmd)
		assert.False(t, strings.HasPrefix(cmd, "backup-logs"), cmd)
	}
	assert.Empty(t, e.apps["ise-1"].Repositories())
}

func TestUploadFailureIsUploadKind(t *testing.T) {
	e := newEnv(t)
	e.intake.FailWith(500)
	o := e.orchestrator(Options{}, nil)

	p, sel := answers("y\nn\nn\n")
	results, err := o.Run(context.Background(), "ise-1", p, sel)
	require.Error(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, StageUpload, results[0].Stage)
	assert.Equal(t, apperr.KindUpload, results[0].Kind)
	assert.Contains(t, e.out.String(), "A problem occurred on ise-1")
	assert.Contains(t, e.out.String(), "upload failed (intake error)")
	assert.Empty(t, e.apps["ise-1"].Repositories())
}

func TestDryRunStopsAfterSelection(t *testing.T) {
	e := newEnv(t)
	o := e.orchestrator(Options{DryRun: true}, nil)

	p, sel := answers("y\ny\nn\n")
	results, err := o.Run(context.Background(), "ise-1", p, sel)
	require.NoError(t, err)
	assert.Nil(t, results)
	assert.Equal(t, 1, e.dialer.Opened("ise-1"))
	assert.Equal(t, 0, e.dialer.Opened("ise-2"))
	assert.Empty(t, e.intake.Uploads())
	assert.Contains(t, e.out.String(), "Dry run: would collect from ise-1, ise-2")
	assert.Equal(t, 2, e.history.selected)
}

func TestNothingSelected(t *testing.T) {
	e := newEnv(t)
	o := e.orchestrator(Options{}, nil)

	p, sel := answers("n\nn\nn\n")
	results, err := o.Run(context.Background(), "ise-1", p, sel)
	require.NoError(t, err)
	assert.Nil(t, results)
	assert.Contains(t, e.out.String(), "No nodes selected")
}

func TestConnectionNotOpenedReportedAsTimeout(t *testing.T) {
	e := newEnv(t)
	o := New(Options{CaseID: testCase}, Deps{
		Dialer:   failingDialer{err: errors.New("connection not opened")},
		Uploader: intake.NewClient(intake.Config{URL: e.url}, testCase, testToken),
		Printer:  e.printer,
	})

	res := o.RunNode(context.Background(), "run-1", showtech.NodeRecord{Node: "ise-2"})
	assert.False(t, res.Success)
	assert.Equal(t, StageConnect, res.Stage)
	assert.Equal(t, apperr.KindConnection, res.Kind)
	assert.Contains(t, e.out.String(), "Collection on node ise-2 timed out")
	assert.NotContains(t, e.out.String(), "A problem occurred")
	assert.Equal(t, "connection failed", res.Row().Kind)
}

func TestDiscoveryFailureAbortsRun(t *testing.T) {
	authErr := errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none password], no supported methods remain")
	e := newEnv(t)
	o := New(Options{CaseID: testCase}, Deps{
		Dialer:  failingDialer{err: authErr},
		History: e.history,
		Printer: e.printer,
	})

	p, sel := answers("")
	results, err := o.Run(context.Background(), "ise-1", p, sel)
	require.Error(t, err)
	assert.Nil(t, results)
	assert.Equal(t, apperr.KindAuth, apperr.KindOf(err))
	assert.Contains(t, e.out.String(), "Authentication failed. Please check the username and password and try again.")
	assert.Empty(t, sel.String())
	assert.True(t, e.history.finished)
	assert.Error(t, e.history.runErr)
}

func TestDiscoveryMessage(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{errors.New("ssh: unable to authenticate"), "Authentication failed"},
		{errors.New("dial tcp 10.0.0.1:22: i/o timeout"), "Timeout connecting to seed"},
		{errors.New("failed to dial: no such host"), "Error connecting to seed"},
		{apperr.Errorf(apperr.KindParse, "discover", "section missing"), "deployment node list on seed"},
	}
	for _, c := range cases {
		assert.Contains(t, DiscoveryMessage("seed", c.err), c.want)
	}
}

func TestDiscoverMissingSection(t *testing.T) {
	e := newEnv(t)
	o := e.orchestrator(Options{SectionTitle: "Displaying something else ..."}, nil)

	_, err := o.Discover(context.Background(), "ise-1")
	require.Error(t, err)
	assert.Equal(t, apperr.KindParse, apperr.KindOf(err))
}

func TestTargetResolution(t *testing.T) {
	hosts := map[string]string{"ise-2": "10.0.0.12:2222", "ise-3": "10.0.0.13"}
	o := New(Options{Username: "admin", HostFor: func(n string) string { return hosts[n] }}, Deps{})

	assert.Equal(t, console.Target{Host: "ise-1", Port: 22, Username: "admin"}, o.target("ise-1"))
	assert.Equal(t, console.Target{Host: "10.0.0.12", Port: 2222, Username: "admin"}, o.target("ise-2"))
	assert.Equal(t, console.Target{Host: "10.0.0.13", Port: 22, Username: "admin"}, o.target("ise-3"))
}
