package orchestrator

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sshcollectorpro/diagrelay/internal/apperr"
	"github.com/sshcollectorpro/diagrelay/internal/archive"
	"github.com/sshcollectorpro/diagrelay/internal/bundle"
	"github.com/sshcollectorpro/diagrelay/internal/console"
	"github.com/sshcollectorpro/diagrelay/internal/intake"
	"github.com/sshcollectorpro/diagrelay/internal/report"
	"github.com/sshcollectorpro/diagrelay/internal/showtech"
	"github.com/sshcollectorpro/diagrelay/pkg/logger"
)

// Stage 节点流程阶段
type Stage string

const (
	StageDiscover Stage = "discover"
	StageConnect  Stage = "connect"
	StageCollect  Stage = "collect"
	StageUpload   Stage = "upload"
	StageArchive  Stage = "archive"
	StageBundle   Stage = "bundle"
)

// Uploader 附件上传，*intake.Client 满足该接口
type Uploader interface {
	Upload(ctx context.Context, name string, content []byte) error
}

// BundleRunner 诊断包工作流，*bundle.Workflow 满足该接口
type BundleRunner interface {
	Run(ctx context.Context, r bundle.Runner, node string) error
}

// NodeResult 单个节点的最终结果，创建后不再修改
type NodeResult struct {
	Record    showtech.NodeRecord
	Success   bool
	Stage     Stage // 失败所在阶段，成功时为最后完成的阶段
	Kind      apperr.Kind
	Err       error
	FileName  string
	Archive   string
	Bytes     int
	Truncated bool
	Duration  time.Duration
}

// Node 节点名
func (r NodeResult) Node() string { return r.Record.Node }

// Row 转为汇总行
func (r NodeResult) Row() report.Row {
	row := report.Row{
		Node:     r.Record.Node,
		Success:  r.Success,
		Stage:    string(r.Stage),
		Err:      r.Err,
		Bytes:    r.Bytes,
		Duration: r.Duration,
	}
	if !r.Success {
		row.Kind = apperr.Describe(r.Kind)
	}
	return row
}

// target 节点名解析为连接目标；HostFor 可返回 host 或 host:port
func (o *Orchestrator) target(node string) console.Target {
	addr := node
	if o.opts.HostFor != nil {
		if h := o.opts.HostFor(node); h != "" {
			addr = h
		}
	}
	t := console.Target{
		Host:     addr,
		Port:     o.opts.Port,
		Username: o.opts.Username,
		Password: o.opts.Password,
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		if p, err := strconv.Atoi(port); err == nil {
			t.Host, t.Port = host, p
		}
	}
	return t
}

// open 打开控制台并等待首个提示符
func (o *Orchestrator) open(ctx context.Context, node string) (*console.Session, error) {
	ch, err := o.dialer.Open(ctx, o.target(node))
	if err != nil {
		return nil, apperr.WithNode(node, err)
	}
	sess := console.NewSession(node, ch, o.opts.Console)
	if err := sess.WaitForPrompt(ctx); err != nil {
		_ = sess.Close()
		return nil, err
	}
	return sess, nil
}

// RunNode 单节点流程：采集 show tech → 上传 → 归档副本 → 诊断包。
// 任一阶段失败即停止，并记录阶段与错误类别；归档失败只告警。
func (o *Orchestrator) RunNode(ctx context.Context, runID string, rec showtech.NodeRecord) NodeResult {
	start := time.Now()
	node := rec.Node
	log := logger.ForNode(node)
	res := NodeResult{Record: rec}

	fail := func(stage Stage, err error) NodeResult {
		res.Stage = stage
		res.Kind = apperr.KindOf(err)
		res.Err = apperr.WithNode(node, err)
		res.Duration = time.Since(start)
		// 连接未建立与超时对操作员同样处理
		if res.Kind == apperr.KindTimeout || res.Kind == apperr.KindConnection {
			o.printer.Printf("Collection on node %s timed out", node)
		} else {
			o.printer.Printf("A problem occurred on %s: %v", node, err)
		}
		log.WithFields(logrus.Fields{"stage": stage, "kind": res.Kind}).Warnf("node failed: %v", err)
		return res
	}

	sess, err := o.open(ctx, node)
	if err != nil {
		return fail(StageConnect, err)
	}
	o.printer.Node(node, fmt.Sprintf("Connected - collecting '%s' this may take a while...", o.opts.CollectCommand))
	tr, err := sess.Run(ctx, o.opts.CollectCommand, console.RunOptions{
		Progress: func(n int) { o.printer.Printf("%s - Got %d bytes", node, n) },
	})
	_ = sess.Close()
	if err != nil {
		return fail(StageCollect, err)
	}
	res.Bytes = len(tr.Output)
	logger.DebugTranscript(node, o.opts.CollectCommand, tr.Text(), 5)
	res.Truncated = tr.Truncated
	if tr.Truncated {
		log.Warnf("transcript truncated at %d bytes", res.Bytes)
	}

	at := o.now()
	res.FileName = intake.FileName(node, at)
	o.printer.Node(node, "Uploading "+res.FileName)
	if err := o.uploader.Upload(ctx, res.FileName, tr.Output); err != nil {
		return fail(StageUpload, err)
	}
	o.printer.Node(node, "Uploaded show tech to case")

	if o.archive != nil {
		stored, err := o.archive.Write(ctx, archive.Meta{
			CaseID:   o.opts.CaseID,
			RunID:    runID,
			Node:     node,
			FileName: res.FileName,
			At:       at,
		}, tr.Output)
		if err != nil {
			log.WithField("stage", StageArchive).Warnf("archive copy failed: %v", err)
		} else {
			res.Archive = stored.URI
		}
	}

	res.Stage = StageUpload
	if o.bundle != nil {
		bs, err := o.open(ctx, node)
		if err != nil {
			return fail(StageBundle, err)
		}
		err = o.bundle.Run(ctx, bs, node)
		_ = bs.Close()
		if err != nil {
			return fail(StageBundle, err)
		}
		res.Stage = StageBundle
	}

	res.Success = true
	res.Duration = time.Since(start)
	log.WithField("bytes", res.Bytes).Infof("node done in %s", res.Duration.Round(time.Millisecond))
	return res
}
