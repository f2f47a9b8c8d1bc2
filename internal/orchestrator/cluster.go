// Package orchestrator 编排一次完整运行：从种子节点发现集群成员，确认采集范围，
// 并发执行各节点流程，最后汇总结果并写入运行历史。
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/sshcollectorpro/diagrelay/internal/apperr"
	"github.com/sshcollectorpro/diagrelay/internal/archive"
	"github.com/sshcollectorpro/diagrelay/internal/console"
	"github.com/sshcollectorpro/diagrelay/internal/input"
	"github.com/sshcollectorpro/diagrelay/internal/report"
	"github.com/sshcollectorpro/diagrelay/internal/showtech"
	"github.com/sshcollectorpro/diagrelay/pkg/logger"
)

const (
	DefaultCommand      = "show tech-support"
	DefaultStopMarker   = "Displaying ISE Node Group Information"
	DefaultSectionTitle = "Displaying ISE deployment ..."
)

// Options 运行参数
type Options struct {
	CaseID   string
	Username string
	Password string
	// Port 地址中未带端口时使用
	Port int
	// HostFor 节点名到连接地址（host 或 host:port）；为 nil 或返回空串时直接使用节点名
	HostFor func(node string) string

	Console          console.Options
	CollectCommand   string
	DiscoveryCommand string
	StopMarker       string
	SectionTitle     string
	// Concurrency 同时处理的节点数上限，0 不限制
	Concurrency int
	// DryRun 只做发现与选择
	DryRun bool
}

func (o Options) withDefaults() Options {
	if o.Port <= 0 {
		o.Port = 22
	}
	if o.CollectCommand == "" {
		o.CollectCommand = DefaultCommand
	}
	if o.DiscoveryCommand == "" {
		o.DiscoveryCommand = DefaultCommand
	}
	if o.StopMarker == "" {
		o.StopMarker = DefaultStopMarker
	}
	if o.SectionTitle == "" {
		o.SectionTitle = DefaultSectionTitle
	}
	return o
}

// Deps 外部依赖；Archive、Bundle、History 为 nil 时跳过对应环节
type Deps struct {
	Dialer   console.Dialer
	Uploader Uploader
	Archive  archive.Writer
	Bundle   BundleRunner
	History  History
	Printer  *report.Printer
}

// Orchestrator 集群编排器
type Orchestrator struct {
	opts     Options
	dialer   console.Dialer
	uploader Uploader
	archive  archive.Writer
	bundle   BundleRunner
	history  History
	printer  *report.Printer
	now      func() time.Time
}

// New 创建编排器
func New(opts Options, deps Deps) *Orchestrator {
	printer := deps.Printer
	if printer == nil {
		printer = report.NewPrinter(io.Discard)
	}
	return &Orchestrator{
		opts:     opts.withDefaults(),
		dialer:   deps.Dialer,
		uploader: deps.Uploader,
		archive:  deps.Archive,
		bundle:   deps.Bundle,
		history:  deps.History,
		printer:  printer,
		now:      time.Now,
	}
}

// Discover 在种子节点上执行 show tech，读到节点组章节即停止，解析部署表
func (o *Orchestrator) Discover(ctx context.Context, seed string) ([]showtech.NodeRecord, error) {
	sess, err := o.open(ctx, seed)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	o.printer.Printf("Connected to %s - discovering deployment nodes...", seed)
	tr, err := sess.Run(ctx, o.opts.DiscoveryCommand, console.RunOptions{
		StopMarker: o.opts.StopMarker,
		Progress:   func(n int) { o.printer.Printf("%s - Got %d bytes", seed, n) },
	})
	if err != nil {
		return nil, err
	}
	text := tr.Text()
	logger.DebugTranscript(seed, o.opts.DiscoveryCommand, text, 5)
	nodes, err := showtech.Discover(text, o.opts.SectionTitle)
	if err != nil {
		return nil, apperr.WithNode(seed, err)
	}
	return nodes, nil
}

// DiscoveryMessage 发现失败时面向操作员的提示
func DiscoveryMessage(seed string, err error) string {
	switch apperr.KindOf(err) {
	case apperr.KindAuth:
		return "Authentication failed. Please check the username and password and try again."
	case apperr.KindTimeout:
		return fmt.Sprintf("Timeout connecting to %s. Please check the IP address and try again.", seed)
	case apperr.KindParse:
		return fmt.Sprintf("Could not find the deployment node list on %s: %v", seed, err)
	}
	return fmt.Sprintf("Error connecting to %s: %v", seed, err)
}

// Run 完整运行：发现 → 选择 → 并发执行 → 汇总。
// 返回选中节点的结果（顺序与选择一致）；发现失败或有节点失败时返回错误。
func (o *Orchestrator) Run(ctx context.Context, seed string, p input.Prompter, out io.Writer) ([]NodeResult, error) {
	runID := o.startHistory(seed)

	nodes, err := o.Discover(ctx, seed)
	if err != nil {
		o.printer.Line(DiscoveryMessage(seed, err))
		o.finishHistory(runID, 0, 0, err)
		return nil, err
	}

	selected, err := input.SelectNodes(nodes, p, out)
	if err != nil {
		o.finishHistory(runID, len(nodes), 0, err)
		return nil, err
	}
	if len(selected) == 0 {
		o.printer.Line("No nodes selected, nothing to collect")
		o.finishHistory(runID, len(nodes), 0, nil)
		return nil, nil
	}
	if o.opts.DryRun {
		names := make([]string, 0, len(selected))
		for _, n := range selected {
			names = append(names, n.Node)
		}
		o.printer.Printf("Dry run: would collect from %s", strings.Join(names, ", "))
		o.finishHistory(runID, len(nodes), len(selected), nil)
		return nil, nil
	}

	results := o.collectAll(ctx, runID, selected)

	rows := make([]report.Row, 0, len(results))
	var merr *multierror.Error
	for _, r := range results {
		rows = append(rows, r.Row())
		if !r.Success {
			merr = multierror.Append(merr, r.Err)
		}
		o.recordHistory(runID, r)
	}
	if o.printer.Summary(rows) == 0 {
		o.printer.Line("Successfully collected all necessary data from all nodes")
	}
	o.finishHistory(runID, len(nodes), len(selected), nil)
	return results, merr.ErrorOrNil()
}

// collectAll 每个节点一个任务，结果写入各自下标；任务总是返回 nil，等待全部结束
func (o *Orchestrator) collectAll(ctx context.Context, runID string, nodes []showtech.NodeRecord) []NodeResult {
	results := make([]NodeResult, len(nodes))
	var sem *semaphore.Weighted
	if o.opts.Concurrency > 0 {
		sem = semaphore.NewWeighted(int64(o.opts.Concurrency))
	}

	var g errgroup.Group
	for i := range nodes {
		idx := i
		rec := nodes[i]
		g.Go(func() error {
			if sem != nil {
				if err := sem.Acquire(ctx, 1); err != nil {
					results[idx] = NodeResult{
						Record: rec,
						Stage:  StageConnect,
						Kind:   apperr.KindOf(err),
						Err:    apperr.WithNode(rec.Node, err),
					}
					return nil
				}
				defer sem.Release(1)
			}
			results[idx] = o.RunNode(ctx, runID, rec)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (o *Orchestrator) startHistory(seed string) string {
	if o.history != nil {
		id, err := o.history.StartRun(o.opts.CaseID, seed, o.opts.DryRun)
		if err == nil {
			return id
		}
		logger.Warnf("Failed to record run start: %v", err)
	}
	return uuid.NewString()
}

func (o *Orchestrator) recordHistory(runID string, r NodeResult) {
	if o.history == nil {
		return
	}
	if err := o.history.RecordNode(runID, r); err != nil {
		logger.Warnf("Failed to record result for %s: %v", r.Node(), err)
	}
}

func (o *Orchestrator) finishHistory(runID string, discovered, selected int, runErr error) {
	if o.history == nil {
		return
	}
	if err := o.history.FinishRun(runID, discovered, selected, runErr); err != nil {
		logger.Warnf("Failed to record run end: %v", err)
	}
}
