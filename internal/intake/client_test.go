package intake

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sshcollectorpro/diagrelay/internal/apperr"
	"github.com/sshcollectorpro/diagrelay/simulate"
)

func newIntakeServer(t *testing.T) (*simulate.Intake, string) {
	t.Helper()
	in := simulate.NewIntake("612345678", "tok-abcdef123")
	srv := httptest.NewServer(in.Handler())
	t.Cleanup(srv.Close)
	return in, srv.URL + "/home/"
}

func TestUploadSuccess(t *testing.T) {
	in, url := newIntakeServer(t)
	c := NewClient(Config{URL: url}, "612345678", "tok-abcdef123")

	name := "ise_show_tech_ise-1_20240501120000.txt"
	require.NoError(t, c.Upload(context.Background(), name, []byte("show tech output\n")))

	uploads := in.Uploads()
	require.Len(t, uploads, 1)
	assert.Equal(t, name, uploads[0].Field, "表单字段名与文件名一致")
	assert.Equal(t, name, uploads[0].FileName)
	assert.Equal(t, "text/plain", uploads[0].ContentType)
	assert.Equal(t, DefaultUserAgent, uploads[0].UserAgent)
	assert.Equal(t, "show tech output\n", string(uploads[0].Body))
}

func TestUploadRedirectIsSuccess(t *testing.T) {
	in, url := newIntakeServer(t)
	in.RedirectOnSuccess(true)
	c := NewClient(Config{URL: url}, "612345678", "tok-abcdef123")

	require.NoError(t, c.Upload(context.Background(), "a.txt", []byte("x")))
	assert.Len(t, in.Uploads(), 1)
}

func TestUploadStatusError(t *testing.T) {
	in, url := newIntakeServer(t)
	in.FailWith(http.StatusInternalServerError)
	c := NewClient(Config{URL: url}, "612345678", "tok-abcdef123")

	err := c.Upload(context.Background(), "a.txt", []byte("x"))
	require.Error(t, err)
	assert.Equal(t, apperr.KindUpload, apperr.KindOf(err))

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusInternalServerError, se.Status)
	assert.Equal(t, "upload rejected", se.Body)
}

func TestUploadBadCredentials(t *testing.T) {
	_, url := newIntakeServer(t)
	c := NewClient(Config{URL: url}, "612345678", "wrong-token-x")

	err := c.Upload(context.Background(), "a.txt", []byte("x"))
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusUnauthorized, se.Status)
}

func TestUploadConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL + "/home/"
	srv.Close()

	c := NewClient(Config{URL: url, Timeout: 2 * time.Second}, "612345678", "tok-abcdef123")
	err := c.Upload(context.Background(), "a.txt", []byte("x"))
	require.Error(t, err)
	assert.Equal(t, apperr.KindConnection, apperr.KindOf(err))
}

func TestFileName(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 30, 45, 0, time.FixedZone("CEST", 2*3600))
	assert.Equal(t, "ise_show_tech_ise-1_20240501103045.txt", FileName("ise-1", at))
}
