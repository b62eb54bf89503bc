package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

// LanternApi is the REST surface of the platform.
// It holds the bearer token issued by the auth endpoints; the realtime
// layer reads the token through `TokenFunc` so a refresh is honored on
// the next handshake.
type LanternApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	mutex sync.Mutex
	byJwt string
}

func NewLanternApi(apiUrl string) *LanternApi {
	return NewLanternApiWithContext(context.Background(), apiUrl)
}

func NewLanternApiWithContext(ctx context.Context, apiUrl string) *LanternApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &LanternApi{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: apiUrl,
	}
}

// this gets attached to api calls that need it
func (self *LanternApi) SetByJwt(byJwt string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.byJwt = byJwt
}

func (self *LanternApi) ByJwt() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.byJwt
}

// TokenFunc returns the current-credential function the realtime layer
// consumes. The returned function reads the live token on every call.
func (self *LanternApi) TokenFunc() func() string {
	return self.ByJwt
}

func (self *LanternApi) Close() {
	self.cancel()
}

type AuthLoginWithPasswordCallback apiCallback[*AuthLoginWithPasswordResult]

type AuthLoginWithPasswordArgs struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthLoginWithPasswordResult struct {
	Network *AuthLoginWithPasswordResultNetwork `json:"network,omitempty"`
	Error   *AuthLoginWithPasswordResultError   `json:"error,omitempty"`
}

type AuthLoginWithPasswordResultNetwork struct {
	ByJwt string `json:"by_jwt"`
}

type AuthLoginWithPasswordResultError struct {
	Message string `json:"message"`
}

func (self *LanternApi) AuthLoginWithPassword(authLoginWithPassword *AuthLoginWithPasswordArgs, callback AuthLoginWithPasswordCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/auth/login-with-password", self.apiUrl),
		authLoginWithPassword,
		self.ByJwt(),
		&AuthLoginWithPasswordResult{},
		callback,
	)
}

func (self *LanternApi) AuthLoginWithPasswordSync(authLoginWithPassword *AuthLoginWithPasswordArgs) (*AuthLoginWithPasswordResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/auth/login-with-password", self.apiUrl),
		authLoginWithPassword,
		self.ByJwt(),
		&AuthLoginWithPasswordResult{},
		NewNoopApiCallback[*AuthLoginWithPasswordResult](),
	)
}

type AuthRefreshCallback apiCallback[*AuthRefreshResult]

type AuthRefreshArgs struct {
}

type AuthRefreshResult struct {
	ByJwt string                  `json:"by_jwt,omitempty"`
	Error *AuthRefreshResultError `json:"error,omitempty"`
}

type AuthRefreshResultError struct {
	Message string `json:"message"`
}

func (self *LanternApi) AuthRefresh(authRefresh *AuthRefreshArgs, callback AuthRefreshCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/auth/refresh", self.apiUrl),
		authRefresh,
		self.ByJwt(),
		&AuthRefreshResult{},
		callback,
	)
}

func (self *LanternApi) AuthRefreshSync(authRefresh *AuthRefreshArgs) (*AuthRefreshResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/auth/refresh", self.apiUrl),
		authRefresh,
		self.ByJwt(),
		&AuthRefreshResult{},
		NewNoopApiCallback[*AuthRefreshResult](),
	)
}

func post[R any](ctx context.Context, url string, args any, byJwt string, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "text/json")

	if byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}

func get[R any](ctx context.Context, url string, byJwt string, result R, callback apiCallback[R]) (R, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "text/json")

	if byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}
