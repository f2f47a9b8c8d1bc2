package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o deadline" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{context.DeadlineExceeded, KindTimeout},
		{fmt.Errorf("dial: %w", timeoutErr{}), KindTimeout},
		{errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none password]"), KindAuth},
		{errors.New("failed to dial: connection refused"), KindConnection},
		{errors.New("connection not opened"), KindConnection},
		{errors.New("read: EOF"), KindTransport},
		{errors.New("something odd"), KindUnknown},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.err), tc.err.Error())
	}
}

func TestKindOfPrefersExplicitKind(t *testing.T) {
	err := fmt.Errorf("wrap: %w", New(KindSecurity, "fingerprint", errors.New("timeout while comparing")))
	assert.Equal(t, KindSecurity, KindOf(err))
	assert.Equal(t, KindTimeout, KindOf(errors.New("session timed out")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestWithNode(t *testing.T) {
	base := New(KindUpload, "upload", errors.New("status 500"))
	err := WithNode("ise-2", base)
	assert.Equal(t, "ise-2: upload: status 500", err.Error())
	assert.Equal(t, KindUpload, KindOf(err))

	plain := WithNode("ise-3", errors.New("read: connection reset by peer"))
	assert.Equal(t, KindTransport, KindOf(plain))
	assert.Nil(t, WithNode("x", nil))
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "timed out", Describe(KindTimeout))
	assert.Equal(t, "connection failed", Describe(KindConnection))
	assert.Equal(t, "security check failed", Describe(KindSecurity))
	assert.Equal(t, "intake error", Describe(KindUpload))
	assert.Equal(t, "unexpected error", Describe(KindUnknown))
}
