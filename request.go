//----------------------------------------------------------------------
// This file is part of tlslink.
// Copyright (c) 2023-present My Techno Talent
//
// Distributed under the MIT license: see LICENSE for details.
// SPDX-License-Identifier: MIT
//----------------------------------------------------------------------

package tlslink

import (
	"bytes"
	"errors"
	"fmt"
)

const (
	// RequestBufSize caps the single read of an incoming request.
	RequestBufSize = 1024
	// MaxMessageSize caps the decoded POST body.
	MaxMessageSize = 256
)

// ServerResponse is the canned reply sent for every request.
const ServerResponse = "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\n\r\nHello from the server!"

// ErrBodyTooLarge flags a declared Content-Length beyond the message capacity.
var ErrBodyTooLarge = errors.New("tlslink: body exceeds message capacity")

var (
	postPrefix  = []byte("POST /")
	lengthToken = []byte("Content-Length: ")
	headerEnd   = []byte("\r\n\r\n")
)

// ExtractPost pulls the URL-decoded message out of a raw POST request.
// ok is false when req is not a POST, or when the Content-Length header or
// the header/body separator is missing; those requests fall through to the
// canned response without decoding. A declared length beyond MaxMessageSize
// yields ErrBodyTooLarge.
func ExtractPost(req []byte) (msg []byte, ok bool, err error) {
	if !bytes.HasPrefix(req, postPrefix) {
		return nil, false, nil
	}
	i := bytes.Index(req, lengthToken)
	if i < 0 {
		return nil, false, nil
	}
	length, digits := parseLength(req[i+len(lengthToken):])
	if digits == 0 {
		return nil, false, nil
	}
	j := bytes.Index(req, headerEnd)
	if j < 0 {
		return nil, false, nil
	}
	if length > MaxMessageSize {
		return nil, false, ErrBodyTooLarge
	}
	body := req[j+len(headerEnd):]
	if length > len(body) {
		// a single read may deliver a partial body
		length = len(body)
	}
	msg = make([]byte, length)
	copy(msg, body[:length])
	return URLDecode(msg), true, nil
}

// parseLength reads a leading run of decimal digits. Accumulation stops once
// the value exceeds the message capacity; the remaining digits are consumed
// but can no longer change the out-of-bounds verdict.
func parseLength(b []byte) (n, digits int) {
	for digits < len(b) && b[digits] >= '0' && b[digits] <= '9' {
		if n <= MaxMessageSize {
			n = n*10 + int(b[digits]-'0')
		}
		digits++
	}
	return n, digits
}

// URLDecode percent-decodes b in place, single pass, and returns the
// shortened slice. The decoder is lossy and non-validating: a trailing "%"
// or "%x" with too few following characters is copied through unchanged, as
// is a sequence whose digits are not hexadecimal.
func URLDecode(b []byte) []byte {
	w := 0
	for r := 0; r < len(b); r++ {
		if b[r] == '%' && r+2 < len(b) {
			hi, ok1 := unhex(b[r+1])
			lo, ok2 := unhex(b[r+2])
			if ok1 && ok2 {
				b[w] = hi<<4 | lo
				w++
				r += 2
				continue
			}
		}
		b[w] = b[r]
		w++
	}
	return b[:w]
}

func unhex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// URLEncode percent-encodes everything outside the unreserved set.
func URLEncode(b []byte) []byte {
	const hexdigits = "0123456789ABCDEF"
	var out []byte
	for _, c := range b {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			c == '-', c == '.', c == '_', c == '~':
			out = append(out, c)
		default:
			out = append(out, '%', hexdigits[c>>4], hexdigits[c&0x0f])
		}
	}
	return out
}

// BuildRequest assembles the fixed HTTP/1.1 POST sent by the client: the
// message is URL-encoded into the body and the content length computed from
// the encoded form.
func BuildRequest(host, message string) []byte {
	body := URLEncode([]byte(message))
	var b bytes.Buffer
	fmt.Fprintf(&b, "POST / HTTP/1.1\r\n"+
		"Host: %s\r\n"+
		"Connection: close\r\n"+
		"Content-Type: application/x-www-form-urlencoded\r\n"+
		"Content-Length: %d\r\n"+
		"\r\n", host, len(body))
	b.Write(body)
	return b.Bytes()
}
