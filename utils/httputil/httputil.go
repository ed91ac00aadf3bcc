// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package httputil wraps net/http with the retry and status-code
// conventions tracker/httpclient needs for BEP 3 HTTP(S) announces.
package httputil

import (
	"context"
	"fmt"
	"io"
	"net/http"
	nethttputil "net/http/httputil"
	"time"

	"github.com/cenkalti/backoff"
)

// StatusError occurs when a request does not receive a response with an
// accepted status code.
type StatusError struct {
	Method       string
	URL          string
	Status       int
	Header       http.Header
	ResponseDump string
}

// Error implements error.
func (e StatusError) Error() string {
	return fmt.Sprintf(
		"%s request to %s failed with status %d: %s",
		e.Method, e.URL, e.Status, e.ResponseDump)
}

// NewStatusError creates a StatusError from resp.
func NewStatusError(resp *http.Response) StatusError {
	var dump string
	if b, err := nethttputil.DumpResponse(resp, true); err == nil {
		dump = string(b)
	}
	method, u := "", ""
	if resp.Request != nil {
		method = resp.Request.Method
		u = resp.Request.URL.String()
	}
	return StatusError{
		Method:       method,
		URL:          u,
		Status:       resp.StatusCode,
		Header:       resp.Header,
		ResponseDump: dump,
	}
}

// NetworkError occurs when a request could not be completed because of a
// connection-level failure (no response was received at all).
type NetworkError struct {
	error
}

// IsNetworkError returns whether err is a NetworkError.
func IsNetworkError(err error) bool {
	_, ok := err.(NetworkError)
	return ok
}

type retryOptions struct {
	backoff backoff.BackOff
	codes   map[int]bool
}

// RetryOption configures retry behavior for SendRetry.
type RetryOption func(*retryOptions)

// RetryBackoff sets the backoff policy used between retry attempts.
func RetryBackoff(b backoff.BackOff) RetryOption {
	return func(o *retryOptions) { o.backoff = b }
}

// RetryCodes marks additional status codes (beyond the default 5xx) as
// retryable.
func RetryCodes(codes ...int) RetryOption {
	return func(o *retryOptions) {
		for _, c := range codes {
			o.codes[c] = true
		}
	}
}

type sendOptions struct {
	ctx           context.Context
	transport     http.RoundTripper
	timeout       time.Duration
	body          io.Reader
	acceptedCodes map[int]bool
	retry         *retryOptions
}

func defaultSendOptions() *sendOptions {
	return &sendOptions{
		ctx:           context.Background(),
		acceptedCodes: map[int]bool{http.StatusOK: true},
	}
}

func (o *sendOptions) accepts(status int) bool {
	if len(o.acceptedCodes) == 1 && o.acceptedCodes[http.StatusOK] {
		return status >= 200 && status < 300
	}
	return o.acceptedCodes[status]
}

// SendOption configures a Send / Get request.
type SendOption func(*sendOptions)

// SendTransport overrides the http.RoundTripper used to issue the request.
func SendTransport(t http.RoundTripper) SendOption {
	return func(o *sendOptions) { o.transport = t }
}

// SendTimeout sets the client's overall request timeout.
func SendTimeout(d time.Duration) SendOption {
	return func(o *sendOptions) { o.timeout = d }
}

// SendBody attaches a request body.
func SendBody(body io.Reader) SendOption {
	return func(o *sendOptions) { o.body = body }
}

// SendAcceptedCodes overrides the set of status codes considered successful.
// By default, any 2xx status is accepted.
func SendAcceptedCodes(codes ...int) SendOption {
	return func(o *sendOptions) {
		o.acceptedCodes = make(map[int]bool)
		for _, c := range codes {
			o.acceptedCodes[c] = true
		}
	}
}

// SendRetry enables retrying the request on 5xx responses and network
// errors, as configured by opts.
func SendRetry(opts ...RetryOption) SendOption {
	return func(o *sendOptions) {
		r := &retryOptions{backoff: &backoff.StopBackOff{}, codes: make(map[int]bool)}
		for _, opt := range opts {
			opt(r)
		}
		o.retry = r
	}
}

// SendContext sets the context used to cancel the request.
func SendContext(ctx context.Context) SendOption {
	return func(o *sendOptions) { o.ctx = ctx }
}

func (o *sendOptions) isRetryableStatus(status int) bool {
	if status >= 500 {
		return true
	}
	if o.retry != nil && o.retry.codes[status] {
		return true
	}
	return false
}

func (o *sendOptions) client() *http.Client {
	c := &http.Client{}
	if o.timeout > 0 {
		c.Timeout = o.timeout
	}
	c.Transport = o.transport
	return c
}

// Send sends an HTTP request using method to url, applying opts.
func Send(method, rawurl string, opts ...SendOption) (*http.Response, error) {
	o := defaultSendOptions()
	for _, opt := range opts {
		opt(o)
	}
	client := o.client()

	b := backoff.BackOff(&backoff.StopBackOff{})
	if o.retry != nil {
		b = o.retry.backoff
	}

	for {
		req, err := http.NewRequestWithContext(o.ctx, method, rawurl, o.body)
		if err != nil {
			return nil, fmt.Errorf("new request: %s", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			if d := b.NextBackOff(); d != backoff.Stop {
				time.Sleep(d)
				continue
			}
			return nil, NetworkError{err}
		}
		if o.accepts(resp.StatusCode) {
			return resp, nil
		}
		statusErr := NewStatusError(resp)
		if !o.isRetryableStatus(resp.StatusCode) {
			return nil, statusErr
		}
		if d := b.NextBackOff(); d != backoff.Stop {
			time.Sleep(d)
			continue
		}
		return nil, statusErr
	}
}

// Get sends a GET request to url, applying opts.
func Get(url string, opts ...SendOption) (*http.Response, error) {
	return Send("GET", url, opts...)
}
