package report

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	m.Run()
}

func TestNodeLineFormat(t *testing.T) {
	var out bytes.Buffer
	p := NewPrinter(&out)
	p.now = func() time.Time { return time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC) }

	p.Node("ise-1", "Uploading ise_show_tech_ise-1_20240501100000.txt")
	p.Node("ise-1", "Uploaded show tech to case")
	assert.Equal(t,
		"2024-05-01T10:00:00Z NODE: ise-1 - Uploading ise_show_tech_ise-1_20240501100000.txt\n"+
			"2024-05-01T10:00:00Z NODE: ise-1 - Uploaded show tech to case\n",
		out.String())
}

func TestLinesDoNotInterleave(t *testing.T) {
	var out bytes.Buffer
	p := NewPrinter(&out)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				p.Printf("worker-%d line-%d %s", w, i, strings.Repeat("x", 64))
			}
		}(w)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	require.Len(t, lines, 400)
	for _, l := range lines {
		assert.Regexp(t, `^worker-\d line-\d+ x{64}$`, l)
	}
}

func TestSummary(t *testing.T) {
	var out bytes.Buffer
	p := NewPrinter(&out)
	failed := p.Summary([]Row{
		{Node: "ise-1", Success: true, Bytes: 3 << 20, Duration: 90 * time.Second},
		{Node: "ise-2", Stage: "collect", Kind: "timeout", Err: errors.New("no output for 1h")},
	})
	assert.Equal(t, 1, failed)
	s := out.String()
	assert.Contains(t, s, "[ OK ] ise-1")
	assert.Contains(t, s, "3.0 MiB")
	assert.Contains(t, s, "[FAIL] ise-2")
	assert.Contains(t, s, "collect failed (timeout): no output for 1h")
	assert.Contains(t, s, "1 node(s) succeeded, 1 failed")
}

func TestHumanBytes(t *testing.T) {
	for n, want := range map[int]string{0: "0 B", 1023: "1023 B", 1536: "1.5 KiB", 5 << 30: "5.0 GiB"} {
		assert.Equal(t, want, humanBytes(n), fmt.Sprint(n))
	}
}
