package simulate

import (
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sshcollectorpro/diagrelay/pkg/logger"
)

// Upload 接收到的一个附件
type Upload struct {
	Field       string
	FileName    string
	ContentType string
	UserAgent   string
	Body        []byte
}

// Intake 附件接收服务模拟：POST /home/，Basic 认证（案例号/令牌），multipart 表单
type Intake struct {
	caseID string
	token  string

	mu sync.Mutex
	// FailStatus 非 0 时所有上传返回该状态码
	failStatus int
	// redirect 成功后返回 302
	redirect bool
	uploads  []Upload
}

// NewIntake 创建接收服务
func NewIntake(caseID, token string) *Intake {
	return &Intake{caseID: caseID, token: token}
}

// FailWith 后续上传都返回 status，0 恢复正常
func (i *Intake) FailWith(status int) {
	i.mu.Lock()
	i.failStatus = status
	i.mu.Unlock()
}

// RedirectOnSuccess 成功上传后返回 302
func (i *Intake) RedirectOnSuccess(on bool) {
	i.mu.Lock()
	i.redirect = on
	i.mu.Unlock()
}

// Uploads 已接收的附件
func (i *Intake) Uploads() []Upload {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]Upload(nil), i.uploads...)
}

// Handler gin 路由
func (i *Intake) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestIDMiddleware())
	r.Use(loggingMiddleware())

	home := r.Group("/home", gin.BasicAuth(gin.Accounts{i.caseID: i.token}))
	home.POST("/", i.receive)
	home.GET("/done", func(c *gin.Context) {
		c.String(http.StatusOK, "Upload complete")
	})

	r.NoRoute(func(c *gin.Context) {
		c.String(http.StatusNotFound, "not found: %s", c.Request.URL.Path)
	})
	return r
}

func (i *Intake) receive(c *gin.Context) {
	i.mu.Lock()
	fail, redirect := i.failStatus, i.redirect
	i.mu.Unlock()
	if fail != 0 {
		c.String(fail, "upload rejected")
		return
	}

	form, err := c.MultipartForm()
	if err != nil {
		c.String(http.StatusBadRequest, "invalid multipart form: %v", err)
		return
	}
	var received []Upload
	for field, headers := range form.File {
		for _, fh := range headers {
			f, err := fh.Open()
			if err != nil {
				c.String(http.StatusBadRequest, "cannot open %s: %v", fh.Filename, err)
				return
			}
			body, err := io.ReadAll(f)
			_ = f.Close()
			if err != nil {
				c.String(http.StatusBadRequest, "cannot read %s: %v", fh.Filename, err)
				return
			}
			received = append(received, Upload{
				Field:       field,
				FileName:    fh.Filename,
				ContentType: fh.Header.Get("Content-Type"),
				UserAgent:   c.Request.UserAgent(),
				Body:        body,
			})
		}
	}
	if len(received) == 0 {
		c.String(http.StatusBadRequest, "no file in request")
		return
	}
	sort.Slice(received, func(a, b int) bool { return received[a].FileName < received[b].FileName })

	i.mu.Lock()
	i.uploads = append(i.uploads, received...)
	i.mu.Unlock()

	if redirect {
		c.Redirect(http.StatusFound, "/home/done")
		return
	}
	c.String(http.StatusOK, "Upload complete")
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header("X-Request-ID", requestID)
		c.Set("request_id", requestID)
		c.Next()
	}
}

func loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		entry := logger.WithFields(logrus.Fields{
			"request_id": c.GetString("request_id"),
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"duration":   time.Since(start),
		})
		if c.Writer.Status() >= 400 {
			entry.Warn("simulate: intake request failed")
			return
		}
		entry.Debug("simulate: intake request")
	}
}
