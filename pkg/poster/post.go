package poster

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/toolkits/pkg/logger"
	"github.com/toolkits/pkg/net/httplib"
)

// DataResponse is the envelope returned by the collaborator apis.
type DataResponse[T any] struct {
	Result  bool   `json:"result"`
	Code    int    `json:"code"`
	Data    T      `json:"data"`
	Message string `json:"message"`
}

type Auth struct {
	Header string
	Token  string
}

// GetByUrls tries the addresses in random order and returns the first success.
func GetByUrls[T any](addrs []string, path string, auth Auth, timeout time.Duration) (T, error) {
	var dat T
	err := fmt.Errorf("no address for %s", path)

	shuffled := append([]string(nil), addrs...)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	for _, addr := range shuffled {
		url := fmt.Sprintf("%s%s", addr, path)
		dat, err = GetByUrl[T](url, auth, timeout)
		if err != nil {
			logger.Warningf("failed to get data, url: %s, err: %v", url, err)
			continue
		}
		return dat, nil
	}

	return dat, err
}

func GetByUrl[T any](url string, auth Auth, timeout time.Duration) (T, error) {
	var dat T
	req := httplib.Get(url).SetTimeout(timeout)
	if auth.Token != "" {
		req = req.Header(auth.Header, auth.Token)
	}

	resp, err := req.Response()
	if err != nil {
		return dat, fmt.Errorf("failed to fetch from url: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return dat, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return dat, fmt.Errorf("failed to read response body: %w", err)
	}

	var dataResp DataResponse[T]
	err = json.Unmarshal(body, &dataResp)
	if err != nil {
		return dat, fmt.Errorf("failed to decode response: %w", err)
	}

	if !dataResp.Result {
		return dat, fmt.Errorf("error from server: %s", dataResp.Message)
	}

	logger.Debugf("get data from %s, data: %+v", url, dataResp.Data)
	return dataResp.Data, nil
}

// PostData posts v and decodes the enveloped data of the response.
func PostData[T any](url string, auth Auth, timeout time.Duration, v interface{}) (T, error) {
	var dat T
	body, code, err := PostJSON(url, auth, timeout, v)
	if err != nil {
		return dat, err
	}
	if code != http.StatusOK {
		return dat, fmt.Errorf("unexpected status code: %d, body: %s", code, string(body))
	}

	var dataResp DataResponse[T]
	if err := json.Unmarshal(body, &dataResp); err != nil {
		return dat, fmt.Errorf("failed to decode response: %w", err)
	}
	if !dataResp.Result {
		return dat, fmt.Errorf("error from server: %s", dataResp.Message)
	}
	return dataResp.Data, nil
}

func PostJSON(url string, auth Auth, timeout time.Duration, v interface{}) (response []byte, code int, err error) {
	var bs []byte

	bs, err = json.Marshal(v)
	if err != nil {
		return
	}

	client := http.Client{
		Timeout: timeout,
	}

	req, err := http.NewRequest("POST", url, bytes.NewBuffer(bs))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if auth.Token != "" {
		req.Header.Set(auth.Header, auth.Token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return
	}

	code = resp.StatusCode

	if resp.Body != nil {
		defer resp.Body.Close()
		response, err = io.ReadAll(resp.Body)
	}

	return
}
