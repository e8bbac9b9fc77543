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

import "bytes"

// IncomingMessage is a message as read off an input queue.
//
// Body is the working copy and may be replaced by incoming mutators (decryption,
// decompression). The bytes as received are kept aside so that recovery paths
// always forward or reschedule exactly what the queue delivered.
type IncomingMessage struct {
	MessageID string
	Headers   map[string]string
	Body      []byte

	originalBody []byte
}

// NewIncomingMessage creates an IncomingMessage. Headers and body are copied.
func NewIncomingMessage(messageID string, headers map[string]string, body []byte) *IncomingMessage {
	return &IncomingMessage{
		MessageID:    messageID,
		Headers:      CopyHeaders(headers),
		Body:         copyBytes(body),
		originalBody: copyBytes(body),
	}
}

// OriginalBody returns a copy of the body as it was received.
func (m *IncomingMessage) OriginalBody() []byte {
	return copyBytes(m.originalBody)
}

// RevertToOriginalBodyIfNeeded restores Body to the bytes as received.
func (m *IncomingMessage) RevertToOriginalBodyIfNeeded() {
	if bytes.Equal(m.Body, m.originalBody) {
		return
	}
	m.Body = copyBytes(m.originalBody)
}

// OutgoingMessage is an envelope ready for dispatch.
type OutgoingMessage struct {
	MessageID string
	Headers   map[string]string
	Body      []byte
}

// NewOutgoingMessage creates an OutgoingMessage. Headers and body are copied so the
// caller's data is never aliased by the transport.
func NewOutgoingMessage(messageID string, headers map[string]string, body []byte) *OutgoingMessage {
	return &OutgoingMessage{
		MessageID: messageID,
		Headers:   CopyHeaders(headers),
		Body:      copyBytes(body),
	}
}

// CopyHeaders returns a shallow copy of headers. A nil map yields an empty map.
func CopyHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		out[k] = v
	}
	return out
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
