package input

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sshcollectorpro/diagrelay/internal/apperr"
	"github.com/sshcollectorpro/diagrelay/internal/showtech"
)

// scriptPrompter 按顺序返回预置应答，并记录提问
type scriptPrompter struct {
	answers []string
	asked   []string
	secret  []string
}

func (s *scriptPrompter) next(label string) string {
	s.asked = append(s.asked, label)
	if len(s.answers) == 0 {
		return ""
	}
	a := s.answers[0]
	s.answers = s.answers[1:]
	return a
}

func (s *scriptPrompter) Ask(label string) (string, error) { return s.next(label), nil }

func (s *scriptPrompter) AskSecret(label string) (string, error) {
	s.secret = append(s.secret, label)
	return s.next(label), nil
}

func (s *scriptPrompter) Confirm(label string, def bool) (bool, error) {
	a := strings.ToLower(s.next(label))
	if a == "" {
		return def, nil
	}
	return strings.HasPrefix(a, "y"), nil
}

func TestResolveFromEnv(t *testing.T) {
	env := map[string]string{
		EnvCaseID:   "612345678",
		EnvToken:    "tok-abcdef123",
		EnvHost:     "10.0.0.5",
		EnvUsername: "admin",
		EnvPassword: " pass word ",
	}
	p := &scriptPrompter{}
	c, err := Resolve(env, p)
	require.NoError(t, err)
	assert.Equal(t, Credentials{
		CaseID: "612345678", Token: "tok-abcdef123", Host: "10.0.0.5", Username: "admin", Password: " pass word ",
	}, c)
	assert.Empty(t, p.asked, "环境变量齐全时不应提示")
}

func TestResolvePromptsForMissing(t *testing.T) {
	env := map[string]string{EnvCaseID: "612345678", EnvUsername: "admin"}
	p := &scriptPrompter{answers: []string{"tok-abcdef123", " ise-1.example.com ", "secret"}}

	c, err := Resolve(env, p)
	require.NoError(t, err)
	assert.Equal(t, "ise-1.example.com", c.Host)
	assert.Equal(t, "admin", c.Username, "用户名来自 SSH_USERNAME，地址不应覆盖用户名")
	assert.Equal(t, "secret", c.Password)
	assert.Len(t, p.asked, 3)
	assert.Len(t, p.secret, 2, "令牌与密码应使用掩码输入")
}

func TestResolveRejectsBadCaseIDBeforeOtherPrompts(t *testing.T) {
	p := &scriptPrompter{answers: []string{"512345678", "tok-abcdef123"}}
	_, err := Resolve(map[string]string{}, p)
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.Len(t, p.asked, 1, "案例号校验失败后不再提示")
}

func TestResolveRejectsBadToken(t *testing.T) {
	for _, tok := range []string{"short", "has space inside", strings.Repeat("x", 21)} {
		_, err := Resolve(map[string]string{EnvCaseID: "612345678", EnvToken: tok}, &scriptPrompter{})
		require.Error(t, err, tok)
		assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	}
}

func TestResolveWithoutPrompter(t *testing.T) {
	_, err := Resolve(map[string]string{EnvCaseID: "612345678"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), EnvToken)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, ValidateCaseID("699999999"))
	assert.Error(t, ValidateCaseID("6999999999"))
	assert.Error(t, ValidateCaseID("69999999a"))
	assert.NoError(t, ValidateToken("0123456789"))
	assert.NoError(t, ValidateToken(strings.Repeat("z", 20)))
}

func TestLinePrompter(t *testing.T) {
	in := strings.NewReader("hello\r\n\nno\nyes\n")
	var out bytes.Buffer
	p := NewLinePrompter(in, &out)

	v, err := p.Ask("Name")
	require.NoError(t, err)
	assert.Equal(t, "hello", v)

	ok, err := p.Confirm("Collect", true)
	require.NoError(t, err)
	assert.True(t, ok, "空行取默认值")

	ok, _ = p.Confirm("Collect", true)
	assert.False(t, ok)
	ok, _ = p.Confirm("Collect", false)
	assert.True(t, ok)

	_, err = p.Ask("eof")
	assert.Error(t, err)
	assert.Contains(t, out.String(), "Collect (Y/n): ")
}

func TestParseConfirm(t *testing.T) {
	cases := []struct {
		ans  string
		def  bool
		want bool
	}{
		{"", true, true},
		{"  ", false, false},
		{"y", false, true},
		{"Yes", false, true},
		{"YES", true, true},
		{"n", true, false},
		{"no", true, false},
		{"maybe", true, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, parseConfirm(tc.ans, tc.def), "%q default=%t", tc.ans, tc.def)
	}
	assert.Equal(t, "(Y/n)", confirmHint(true))
	assert.Equal(t, "(y/N)", confirmHint(false))
}

func TestSelectNodes(t *testing.T) {
	nodes := []showtech.NodeRecord{
		{Node: "ise-1", Persona: "PAN", Role: "PRIMARY"},
		{Node: "ise-2", Persona: "MNT", Role: "SECONDARY"},
		{Node: "ise-3", Persona: "PSN", Role: "STANDALONE"},
	}
	var out bytes.Buffer
	p := &scriptPrompter{answers: []string{"y", "n", "Yes"}}

	selected, err := SelectNodes(nodes, p, &out)
	require.NoError(t, err)
	require.Len(t, selected, 2)
	assert.Equal(t, "ise-1", selected[0].Node)
	assert.Equal(t, "ise-3", selected[1].Node)
	assert.Contains(t, out.String(), "NODE: ise-2 - MNT - SECONDARY")
}
