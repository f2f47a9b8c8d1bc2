// Package intake 把采集到的文本上传到案例附件接收服务。
package intake

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/sshcollectorpro/diagrelay/internal/apperr"
	"github.com/sshcollectorpro/diagrelay/pkg/logger"
)

const (
	DefaultURL       = "https://cxd.cisco.com/home/"
	DefaultUserAgent = "curl/8.1.2"
	DefaultTimeout   = 10 * time.Minute

	// 错误响应体最多保留的字节数
	maxErrorBody = 4096
)

// StatusError 接收服务返回了非成功状态码
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("intake returned status %d: %q", e.Status, e.Body)
}

// Config 接收服务参数
type Config struct {
	URL       string
	UserAgent string
	Timeout   time.Duration
}

// Client 上传客户端，凭据为案例号与令牌（HTTP Basic）
type Client struct {
	url       string
	userAgent string
	caseID    string
	token     string
	http      *resty.Client
}

// NewClient 创建上传客户端；不跟随重定向，302 视为成功
func NewClient(cfg Config, caseID, token string) *Client {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{
		url:       cfg.URL,
		userAgent: cfg.UserAgent,
		caseID:    caseID,
		token:     token,
		http: resty.New().
			SetTimeout(cfg.Timeout).
			SetLogger(logger.GetLogger()).
			SetRedirectPolicy(resty.RedirectPolicyFunc(func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			})),
	}
}

// FileName 生成 show tech 附件文件名，时间取 UTC
func FileName(node string, at time.Time) string {
	return fmt.Sprintf("ise_show_tech_%s_%s.txt", node, at.UTC().Format("20060102150405"))
}

// Upload 以 multipart 表单上传文本，表单字段名与文件名相同
func (c *Client) Upload(ctx context.Context, name string, content []byte) error {
	logger.WithField("file", name).Debugf("uploading %d bytes to %s", len(content), c.url)
	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetBasicAuth(c.caseID, c.token).
		SetHeader("User-Agent", c.userAgent).
		SetMultipartField(name, name, "text/plain", bytes.NewReader(content)).
		Post(c.url)
	if err != nil {
		kind := apperr.Classify(err)
		if kind == apperr.KindUnknown {
			kind = apperr.KindUpload
		}
		return apperr.New(kind, "upload "+name, err)
	}

	// 部分情况下服务返回 302 但文件已经收到
	if resp.StatusCode() == http.StatusOK || resp.StatusCode() == http.StatusFound {
		logger.WithField("file", name).Infof("uploaded in %s (status %d)", time.Since(start).Round(time.Millisecond), resp.StatusCode())
		return nil
	}

	body := resp.Body()
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return apperr.New(apperr.KindUpload, "upload "+name, &StatusError{Status: resp.StatusCode(), Body: string(body)})
}
