package console

import "bytes"

// MoreMarker 分页提示标记
const MoreMarker = "--More--"

// 已知的终端控制序列：分页提示显示/清除、反显、(END) 结束标记
var controlSequences = [][]byte{
	[]byte("\x1b[7m--More--\x1b[27m\x1b[8D\x1b[K"),
	[]byte("\x1b[01;31m\x1b[K"),
	[]byte("\x1b[7m(END)\x1b[27m\x1b[5D\x1b[K"),
	[]byte(MoreMarker),
}

// maxSequenceLen 最长控制序列的字节数
var maxSequenceLen = func() int {
	n := 0
	for _, seq := range controlSequences {
		n = max(n, len(seq))
	}
	return n
}()

// Sanitize 移除已知控制序列与所有回车符。
// 反复清洗直到不再变化，删除后拼接出的新序列也会被移除，因此对任意输入幂等。
func Sanitize(b []byte) []byte {
	out := sanitizeOnce(b)
	for {
		next := sanitizeOnce(out)
		if len(next) == len(out) {
			return next
		}
		out = next
	}
}

func sanitizeOnce(b []byte) []byte {
	out := b
	for _, seq := range controlSequences {
		out = bytes.ReplaceAll(out, seq, nil)
	}
	return bytes.ReplaceAll(out, []byte{'\r'}, nil)
}

// commitCut 返回可提交的原始字节长度：最后一个换行之后。
// 控制序列不含换行，清洗也不删除换行，换行两侧可分别清洗
func commitCut(raw []byte) int {
	return bytes.LastIndexByte(raw, '\n') + 1
}

// accumulator 单条命令的输出累积器。
// buf 保存已清洗并确定的输出；pending 保存最后一个换行之后的原始字节，
// 跨块的控制序列在其中完整拼出后才清洗提交。
// rawTail 保存上次处理分页标记之后的原始字节，用于检测跨块的分页标记。
type accumulator struct {
	buf      []byte
	pending  []byte
	rawTail  []byte
	scanFrom int
}

// add 追加原始数据块，返回本块是否带来新的分页标记
func (a *accumulator) add(chunk []byte) bool {
	a.pending = append(a.pending, chunk...)
	if cut := commitCut(a.pending); cut > 0 {
		a.buf = append(a.buf, Sanitize(a.pending[:cut])...)
		a.pending = append([]byte(nil), a.pending[cut:]...)
	}

	a.rawTail = append(a.rawTail, chunk...)
	paging := false
	marker := []byte(MoreMarker)
	if i := bytes.LastIndex(a.rawTail, marker); i >= 0 {
		paging = true
		a.rawTail = a.rawTail[i+len(marker):]
	}
	// 只需保留可能构成标记前缀的字节
	if n := len(marker) - 1; len(a.rawTail) > n {
		a.rawTail = append([]byte(nil), a.rawTail[len(a.rawTail)-n:]...)
	}
	return paging
}

// flush 清洗并提交剩余的原始字节
func (a *accumulator) flush() {
	if len(a.pending) > 0 {
		a.buf = append(a.buf, Sanitize(a.pending)...)
		a.pending = nil
	}
}

// stable 已提交的字节数
func (a *accumulator) stable() int { return len(a.buf) }

// contains 在上次扫描位置之后（含未提交部分）查找子串，避免每块都全量扫描
func (a *accumulator) contains(sub []byte) bool {
	if len(sub) == 0 {
		return false
	}
	from := max(0, min(a.scanFrom, len(a.buf))-len(sub))
	view := append(append([]byte(nil), a.buf[from:]...), Sanitize(a.pending)...)
	a.scanFrom = len(a.buf)
	return bytes.Contains(view, sub)
}

// tail 返回清洗后输出的最后 n 字节
func (a *accumulator) tail(n int) []byte {
	clean := Sanitize(a.pending)
	if len(clean) >= n {
		return clean[len(clean)-n:]
	}
	rest := n - len(clean)
	from := max(0, len(a.buf)-rest)
	return append(append([]byte(nil), a.buf[from:]...), clean...)
}

// slice 返回已提交部分 [from, to) 的拷贝
func (a *accumulator) slice(from, to int) []byte {
	return append([]byte(nil), a.buf[from:to]...)
}

// trimTo 已提交部分仅保留最后 n 字节（流式读取时只关心尾部）
func (a *accumulator) trimTo(n int) {
	if len(a.buf) > n {
		a.buf = append([]byte(nil), a.buf[len(a.buf)-n:]...)
		a.scanFrom = 0
	}
}

// size 清洗后的总字节数（未提交部分按原始长度估算）
func (a *accumulator) size() int { return len(a.buf) + len(a.pending) }

func (a *accumulator) snapshot() []byte {
	a.flush()
	return append([]byte(nil), a.buf...)
}
