// Package input 收集运行所需的案例号、令牌与 SSH 凭据：优先读环境变量，缺失时交互提示。
package input

import (
	"os"
	"regexp"
	"strings"

	"github.com/sshcollectorpro/diagrelay/internal/apperr"
)

// 环境变量名
const (
	EnvCaseID   = "CXD_SR"
	EnvToken    = "CXD_TOKEN"
	EnvHost     = "SSH_ADDRESS"
	EnvUsername = "SSH_USERNAME"
	EnvPassword = "SSH_PASSWORD"
)

var (
	caseIDPattern = regexp.MustCompile(`^6\d{8}$`)
	tokenPattern  = regexp.MustCompile(`^\S{10,20}$`)
)

// Credentials 一次运行的全部输入
type Credentials struct {
	CaseID   string
	Token    string
	Host     string
	Username string
	Password string
}

// Prompter 交互式输入
type Prompter interface {
	Ask(label string) (string, error)
	AskSecret(label string) (string, error)
	Confirm(label string, def bool) (bool, error)
}

// Environ 当前进程环境变量快照
func Environ() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}

// ValidateCaseID 案例号必须是 6 开头的 9 位数字
func ValidateCaseID(s string) error {
	if !caseIDPattern.MatchString(s) {
		return apperr.Errorf(apperr.KindValidation, "validate case number",
			"TAC Case Number must be a valid SR number (6xxxxxxxx)")
	}
	return nil
}

// ValidateToken 令牌为 10-20 个非空白字符
func ValidateToken(s string) error {
	if !tokenPattern.MatchString(s) {
		return apperr.Errorf(apperr.KindValidation, "validate token",
			"CXD Token must be 10-20 characters without whitespace")
	}
	return nil
}

// Resolve 依次获取案例号、令牌、节点地址、用户名与密码。
// 环境变量存在即使用，否则通过 p 提示；案例号与令牌在取得后立即校验，
// 校验失败时不再继续提示。
func Resolve(env map[string]string, p Prompter) (Credentials, error) {
	var c Credentials
	var err error

	if c.CaseID, err = lookup(env, EnvCaseID, p, "Please enter the TAC Case Number", false); err != nil {
		return c, err
	}
	if err := ValidateCaseID(c.CaseID); err != nil {
		return c, err
	}

	if c.Token, err = lookup(env, EnvToken, p, "Please enter the CXD Token provided by TAC", true); err != nil {
		return c, err
	}
	if err := ValidateToken(c.Token); err != nil {
		return c, err
	}

	if c.Host, err = lookup(env, EnvHost, p, "Please enter the hostname or IP address of the ISE node", false); err != nil {
		return c, err
	}
	if c.Host == "" {
		return c, apperr.Errorf(apperr.KindValidation, "validate address", "ISE node address is required")
	}

	if c.Username, err = lookup(env, EnvUsername, p, "Please enter the username to connect to the ISE node", false); err != nil {
		return c, err
	}
	if c.Username == "" {
		return c, apperr.Errorf(apperr.KindValidation, "validate username", "username is required")
	}

	if c.Password, err = lookup(env, EnvPassword, p, "Please enter the password to connect to the ISE node", true); err != nil {
		return c, err
	}
	return c, nil
}

func lookup(env map[string]string, key string, p Prompter, label string, secret bool) (string, error) {
	clean := strings.TrimSpace
	if secret {
		// 口令原样保留
		clean = func(s string) string { return strings.TrimRight(s, "\r\n") }
	}
	if v, ok := env[key]; ok {
		return clean(v), nil
	}
	if p == nil {
		return "", apperr.Errorf(apperr.KindValidation, "read input", "%s is not set and no terminal is available", key)
	}
	var v string
	var err error
	if secret {
		v, err = p.AskSecret(label)
	} else {
		v, err = p.Ask(label)
	}
	if err != nil {
		return "", apperr.New(apperr.KindValidation, "read "+key, err)
	}
	return clean(v), nil
}
