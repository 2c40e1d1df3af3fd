package twofa

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	log, _ := test.NewNullLogger()
	return NewClient(srv.URL+"/app/2fa.php", time.Second, log)
}

func TestCode(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/app/2fa.php", r.URL.Path)
		assert.Equal(t, "JBSWY3DPEHPK3PXP", r.URL.Query().Get("secret"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"newCode":"492039","oldCode":"118273"}`))
	})

	code, err := c.Code(context.Background(), "JBSWY3DPEHPK3PXP")
	require.NoError(t, err)
	assert.Equal(t, "492039", code)
}

func TestCode_Failures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, `{"newCode":"1"}`},
		{"not json", http.StatusOK, `<html>rate limited</html>`},
		{"missing field", http.StatusOK, `{"oldCode":"118273"}`},
		{"empty code", http.StatusOK, `{"newCode":""}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			_, err := c.Code(context.Background(), "secret")
			assert.ErrorIs(t, err, ErrNoCode)
		})
	}
}

func TestCode_EmptySecret(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})
	_, err := c.Code(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoCode)
}

func TestCode_Canceled(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"newCode":"1"}`))
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Code(ctx, "secret")
	assert.ErrorIs(t, err, context.Canceled)
}
