// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package messaging

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Standard header keys.
const (
	HeaderMessageID               = "Recoverbus.MessageId"
	HeaderFailedQ                 = "Recoverbus.FailedQ"
	HeaderExceptionType           = "Recoverbus.ExceptionInfo.ExceptionType"
	HeaderInnerExceptionType      = "Recoverbus.ExceptionInfo.InnerExceptionType"
	HeaderExceptionMessage        = "Recoverbus.ExceptionInfo.Message"
	HeaderExceptionStackTrace     = "Recoverbus.ExceptionInfo.StackTrace"
	HeaderTimeOfFailure           = "Recoverbus.TimeOfFailure"
	HeaderTimeSent                = "Recoverbus.TimeSent"
	HeaderVersion                 = "Recoverbus.Version"
	HeaderRetries                 = "Recoverbus.Retries"
	HeaderRetriesTimestamp        = "Recoverbus.Retries.Timestamp"
	HeaderMessageIntent           = "Recoverbus.MessageIntent"
	HeaderSubscriptionMessageType = "Recoverbus.SubscriptionMessageType"
	HeaderReplyToAddress          = "Recoverbus.ReplyToAddress"
	HeaderSubscriberEndpoint      = "Recoverbus.SubscriberEndpoint"
)

// Version is stamped on control messages produced by the host.
const Version = "1.0.0"

const wireDateLayout = "2006-01-02 15:04:05"

// ToWireFormattedString formats t in UTC as "yyyy-MM-dd HH:mm:ss:ffffff Z".
func ToWireFormattedString(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%s:%06d Z", t.Format(wireDateLayout), t.Nanosecond()/1000)
}

// ParseWireFormattedString parses a value produced by ToWireFormattedString.
func ParseWireFormattedString(s string) (time.Time, error) {
	value := strings.TrimSuffix(s, " Z")
	if len(value) != len(wireDateLayout)+7 || value == s || value[len(wireDateLayout)] != ':' {
		return time.Time{}, fmt.Errorf("invalid wire time %q", s)
	}
	t, err := time.ParseInLocation(wireDateLayout, value[:len(wireDateLayout)], time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid wire time %q: %w", s, err)
	}
	micros, err := strconv.Atoi(value[len(wireDateLayout)+1:])
	if err != nil || micros < 0 {
		return time.Time{}, fmt.Errorf("invalid wire time %q: bad fraction", s)
	}
	return t.Add(time.Duration(micros) * time.Microsecond), nil
}

// SetExceptionHeaders annotates headers with the details of err and the queue the
// failure happened on. Existing headers are kept.
func SetExceptionHeaders(headers map[string]string, err error, failedQueue string) {
	headers[HeaderFailedQ] = failedQueue
	headers[HeaderTimeOfFailure] = ToWireFormattedString(time.Now())
	if err == nil {
		return
	}
	headers[HeaderExceptionType] = errorTypeName(err)
	if inner := errors.Unwrap(err); inner != nil {
		headers[HeaderInnerExceptionType] = errorTypeName(inner)
	}
	headers[HeaderExceptionMessage] = err.Error()
	headers[HeaderExceptionStackTrace] = errorTrace(err)
}

// RetriesFromHeaders returns the number of delayed retries already performed.
// Missing or malformed values count as zero.
func RetriesFromHeaders(headers map[string]string) int {
	v, ok := headers[HeaderRetries]
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func errorTypeName(err error) string {
	if me, ok := err.(*BaseMessagingError); ok {
		return fmt.Sprintf("%s:%s", me.Type, me.Code)
	}
	return fmt.Sprintf("%T", err)
}

// errorTrace renders the wrap chain of err, one error per line.
func errorTrace(err error) string {
	var b strings.Builder
	for depth := 0; err != nil; depth++ {
		if depth > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%s: %s", errorTypeName(err), err.Error())
		err = errors.Unwrap(err)
	}
	return b.String()
}
