// Package api is the HTTP client for the marketplace's mtop-style REST
// endpoints. It signs each request with the session token carried in the
// operator's cookies and implements agent.TokenIssuer and agent.ItemAPI.
package api

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/driftmarket/agent/agent"
)

const (
	tokenEndpoint  = "mtop.taobao.idlemessage.pc.login.token"
	detailEndpoint = "mtop.taobao.idle.pc.detail"

	apiVersion = "1.0"
	jsVersion  = "2.7.2"
)

// retSuccess is the gateway's literal success marker.
const retSuccess = "SUCCESS::调用成功"

// sessionExpiredMarkers appear in the ret field when the cookie-bound
// session is no longer valid. These map to agent.ErrCredentialInvalid.
var sessionExpiredMarkers = []string{
	"FAIL_SYS_SESSION_EXPIRED",
	"FAIL_SYS_TOKEN_EXOIRED", // upstream's own spelling
	"FAIL_SYS_TOKEN_EMPTY",
	"FAIL_SYS_ILLEGAL_ACCESS",
}

// Client calls the marketplace REST API. Safe for concurrent use.
type Client struct {
	httpClient *http.Client
	baseURL    string
	appKey     string
	cookies    string
	userAgent  string
	logger     *slog.Logger

	now func() time.Time
}

// NewClient builds a client bound to the operator's cookie credential.
func NewClient(cfg agent.Config, logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    strings.TrimRight(cfg.APIBaseURL, "/") + "/h5",
		appKey:     cfg.AppKey,
		cookies:    cfg.Cookies,
		userAgent:  cfg.UserAgent,
		logger:     logger.With("component", "api"),
		now:        time.Now,
	}
}

// IssueToken implements agent.TokenIssuer: it exchanges the cookie
// credential for a fresh gateway access token.
func (c *Client) IssueToken(ctx context.Context, deviceID string) (string, error) {
	data, err := json.Marshal(map[string]string{
		"appKey":   c.appKey,
		"deviceId": deviceID,
	})
	if err != nil {
		return "", fmt.Errorf("encode token request: %w", err)
	}

	var resp struct {
		Ret  []string `json:"ret"`
		Data struct {
			AccessToken string `json:"accessToken"`
		} `json:"data"`
	}
	if err := c.call(ctx, tokenEndpoint, string(data), &resp); err != nil {
		return "", err
	}
	if err := checkRet(resp.Ret); err != nil {
		return "", err
	}
	if resp.Data.AccessToken == "" {
		return "", fmt.Errorf("token response carried no access token")
	}
	return resp.Data.AccessToken, nil
}

// GetItemInfo implements agent.ItemAPI.
func (c *Client) GetItemInfo(ctx context.Context, itemID string) (*agent.ItemInfo, error) {
	data, err := json.Marshal(map[string]string{"itemId": itemID})
	if err != nil {
		return nil, fmt.Errorf("encode item request: %w", err)
	}

	var resp struct {
		Ret  []string `json:"ret"`
		Data struct {
			ItemDO struct {
				Title     string `json:"title"`
				Desc      string `json:"desc"`
				SoldPrice string `json:"soldPrice"`
			} `json:"itemDO"`
		} `json:"data"`
	}
	raw, err := c.callRaw(ctx, detailEndpoint, string(data))
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &agent.DecodeError{Stage: "item-response", Err: err}
	}
	if err := checkRet(resp.Ret); err != nil {
		return nil, err
	}
	return &agent.ItemInfo{
		Title:     resp.Data.ItemDO.Title,
		Desc:      resp.Data.ItemDO.Desc,
		SoldPrice: resp.Data.ItemDO.SoldPrice,
		Raw:       raw,
	}, nil
}

func (c *Client) call(ctx context.Context, endpoint, data string, out any) error {
	raw, err := c.callRaw(ctx, endpoint, data)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &agent.DecodeError{Stage: "api-response", Err: err}
	}
	return nil
}

// callRaw performs one signed POST against an mtop endpoint and returns
// the raw response body.
func (c *Client) callRaw(ctx context.Context, endpoint, data string) ([]byte, error) {
	ts := strconv.FormatInt(c.now().UnixMilli(), 10)
	token := c.sessionToken()

	params := url.Values{
		"jsv":           {jsVersion},
		"appKey":        {c.appKey},
		"t":             {ts},
		"sign":          {Sign(token, ts, c.appKey, data)},
		"v":             {apiVersion},
		"type":          {"originaljson"},
		"accountSite":   {"xianyu"},
		"dataType":      {"json"},
		"timeout":       {"20000"},
		"api":           {endpoint},
		"sessionOption": {"AutoLoginOnly"},
		"spm_cnt":       {"a21ybx.im.0.0"},
	}

	reqURL := fmt.Sprintf("%s/%s/%s/?%s", c.baseURL, endpoint, apiVersion, params.Encode())
	form := url.Values{"data": {data}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Cookie", c.cookies)
	req.Header.Set("Origin", "https://www.goofish.com")
	req.Header.Set("Referer", "https://www.goofish.com/")
	req.Header.Set("User-Agent", c.userAgent)

	c.logger.Debug("api call", "endpoint", endpoint)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &agent.TransportError{Op: "api " + endpoint, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &agent.TransportError{Op: "api " + endpoint, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("api %s: unexpected status %d", endpoint, resp.StatusCode)
	}
	return body, nil
}

// sessionToken extracts the signing token from the _m_h5_tk cookie; the
// cookie value is "<token>_<expiry>".
func (c *Client) sessionToken() string {
	for _, part := range strings.Split(c.cookies, ";") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && name == "_m_h5_tk" {
			token, _, _ := strings.Cut(value, "_")
			return token
		}
	}
	return ""
}

// Sign computes the mtop request signature: the MD5 of
// token&timestamp&appKey&data.
func Sign(token, ts, appKey, data string) string {
	sum := md5.Sum([]byte(token + "&" + ts + "&" + appKey + "&" + data))
	return hex.EncodeToString(sum[:])
}

// checkRet inspects the mtop ret field. Session expiry maps to the fatal
// credential error; any other non-success ret is a plain error.
func checkRet(ret []string) error {
	if len(ret) == 0 {
		return fmt.Errorf("api response carried no ret field")
	}
	for _, r := range ret {
		if r == retSuccess {
			return nil
		}
		for _, marker := range sessionExpiredMarkers {
			if strings.Contains(r, marker) {
				return fmt.Errorf("ret %q: %w", r, agent.ErrCredentialInvalid)
			}
		}
	}
	return fmt.Errorf("api call rejected: %s", strings.Join(ret, "; "))
}
