package poster

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type host struct {
	Ip string `json:"ip"`
}

func TestGetByUrls(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-Token"))
		_, _ = w.Write([]byte(`{"result":true,"code":0,"data":{"ip":"10.0.0.1"}}`))
	}))
	defer ts.Close()

	dat, err := GetByUrls[host]([]string{"http://127.0.0.1:1", ts.URL}, "/host", Auth{Header: "X-Token", Token: "secret"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", dat.Ip)
}

func TestGetByUrlServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result":false,"message":"no permission"}`))
	}))
	defer ts.Close()

	_, err := GetByUrl[host](ts.URL, Auth{}, time.Second)
	assert.ErrorContains(t, err, "no permission")
}

func TestPostData(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"ip":"10.0.0.2"}`, string(body))
		_, _ = w.Write([]byte(`{"result":true,"data":{"ip":"10.0.0.2"}}`))
	}))
	defer ts.Close()

	dat, err := PostData[host](ts.URL, Auth{}, time.Second, host{Ip: "10.0.0.2"})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", dat.Ip)
}
