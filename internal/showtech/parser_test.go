package showtech

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sshcollectorpro/diagrelay/internal/apperr"
)

type block struct {
	title string
	lines []string
}

// render 按设备格式拼出带分隔行的输出
func render(preamble []string, blocks []block) string {
	var b strings.Builder
	for _, l := range preamble {
		b.WriteString(l + "\n")
	}
	for _, blk := range blocks {
		b.WriteString(boundary + "\n")
		b.WriteString(blk.title + "\n")
		b.WriteString(boundary + "\n")
		b.WriteString("\n")
		for _, l := range blk.lines {
			b.WriteString(l + "\n")
		}
	}
	return b.String()
}

func TestSplitIntoSectionsRoundTrip(t *testing.T) {
	blocks := []block{
		{title: "Displaying ISE version ...", lines: []string{"Cisco Identity Services Engine", "Version: 3.2.0.542"}},
		{title: "Displaying ISE deployment ...", lines: []string{"a", "", "b"}},
		{title: "Displaying clock ...", lines: []string{}},
		{title: "Displaying last section ...", lines: []string{"tail line"}},
	}
	table := SplitIntoSections(render([]string{"show tech-support", "preamble junk"}, blocks))

	require.True(t, table.HasTitle())
	require.Equal(t, len(blocks), table.Len())
	for i, blk := range blocks {
		assert.Equal(t, blk.title, table.Titles()[i])
		lines, ok := table.Lines(blk.title)
		require.True(t, ok, "缺少章节 %q", blk.title)
		assert.Equal(t, blk.lines, lines)
	}
}

func TestSplitIntoSectionsDuplicateHeadersMerge(t *testing.T) {
	text := render(nil, []block{
		{title: "Displaying logs ...", lines: []string{"first"}},
		{title: "Other", lines: []string{"x"}},
		{title: "Displaying logs ...", lines: []string{"second"}},
	})
	table := SplitIntoSections(text)
	assert.Equal(t, []string{"Displaying logs ...", "Other"}, table.Titles())
	lines, _ := table.Lines("Displaying logs ...")
	assert.Equal(t, []string{"first", "second"}, lines)
}

func TestSplitIntoSectionsNoBoundary(t *testing.T) {
	table := SplitIntoSections("line1\r\nline2\nline3\n")
	assert.False(t, table.HasTitle())
	assert.Equal(t, 1, table.Len())
	lines, ok := table.Lines("")
	require.True(t, ok)
	assert.Equal(t, []string{"line1", "line2", "line3"}, lines)
}

func TestSplitIntoSectionsTrailingWhitespaceBoundary(t *testing.T) {
	text := boundary + "  \nTitle\n" + boundary + "\n\ncontent\n"
	table := SplitIntoSections(text)
	lines, ok := table.Lines("Title")
	require.True(t, ok)
	assert.Equal(t, []string{"content"}, lines)

	// 非 41 个星号不是分隔行
	assert.False(t, isBoundary(strings.Repeat("*", 40)))
	assert.False(t, isBoundary(strings.Repeat("*", 42)))
}

func TestSplitIntoSectionsHeaderAtEOF(t *testing.T) {
	table := SplitIntoSections("pre\n" + boundary + "\nOnly Title")
	lines, ok := table.Lines("Only Title")
	require.True(t, ok)
	assert.Empty(t, lines)
}

func TestLookupTrimmed(t *testing.T) {
	table := SplitIntoSections(render(nil, []block{{title: "Displaying ISE deployment ... ", lines: []string{"x"}}}))
	lines, ok := table.Lookup("Displaying ISE deployment ...")
	require.True(t, ok)
	assert.Equal(t, []string{"x"}, lines)

	_, ok = table.Lookup("missing")
	assert.False(t, ok)
}

func TestParseDeployment(t *testing.T) {
	lines := []string{
		"Node Name   Persona   Role   Active   Replication",
		"----------------------------------------------------",
		"node1   PAN   PRIMARY   true   none",
		"",
		"node2   MNT   SECONDARY   true   in sync with primary",
		"",
		"DEPLOYMENT_ID: 1234",
	}
	nodes, err := ParseDeployment(lines)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, NodeRecord{Node: "node1", Persona: "PAN", Role: "PRIMARY", Active: "true", Replication: "none"}, nodes[0])
	assert.Equal(t, "in sync with primary", nodes[1].Replication)
}

func TestParseDeploymentSingle(t *testing.T) {
	nodes, err := ParseDeployment([]string{"---", "node1   PAN   PRIMARY   true   none", "DEPLOYMENT_ID"})
	require.NoError(t, err)
	assert.Equal(t, []NodeRecord{{Node: "node1", Persona: "PAN", Role: "PRIMARY", Active: "true", Replication: "none"}}, nodes)
}

func TestParseDeploymentErrors(t *testing.T) {
	cases := map[string][]string{
		"missing marker": {"---", "node1   PAN   PRIMARY   true   none"},
		"missing field":  {"---", "node1   PAN   PRIMARY", "DEPLOYMENT_ID"},
		"no table":       {"node1   PAN   PRIMARY   true   none", "DEPLOYMENT_ID"},
	}
	for name, lines := range cases {
		_, err := ParseDeployment(lines)
		require.Error(t, err, name)
		assert.Equal(t, apperr.KindParse, apperr.KindOf(err), name)
		var pe *ParseError
		assert.True(t, errors.As(err, &pe), name)
	}
}

func TestDiscover(t *testing.T) {
	text := render([]string{"ise-1/admin# show tech-support"}, []block{
		{title: "Displaying ISE version ...", lines: []string{"3.2"}},
		{title: "Displaying ISE deployment ... ", lines: []string{
			"Node   Persona   Role   Active   Replication",
			"------------------------------------------",
			"ise-1   PAN   PRIMARY   true   none",
			"ise-2   PSN   SECONDARY   true   in sync",
			"",
			"DEPLOYMENT_ID 9f2a",
		}},
	})
	nodes, err := Discover(text, "Displaying ISE deployment ...")
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "ise-2", nodes[1].Node)

	_, err = Discover("no sections at all", "Displaying ISE deployment ...")
	assert.Equal(t, apperr.KindParse, apperr.KindOf(err))
}
