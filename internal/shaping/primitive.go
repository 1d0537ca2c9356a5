/**
 * Copyright (c) 2011-2021 Cloudware S.A. All rights reserved.
 *
 * This file is part of casper-http-gateway.
 *
 * casper-http-gateway is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 */

package shaping

import (
	"fmt"
	"strconv"
	"strings"
)

// HeaderKV is an ordered header pair; primitive framing must preserve
// header order so Frame/Parse round-trip exactly, which a map cannot
// guarantee.
type HeaderKV struct {
	Name  string
	Value string
}

// Frame renders the length-prefixed primitive wire format of spec.md
// §4.5: "!<code>,<ct_len>,<ct>,<body_len>,<body>,<h_len>,<h>...", with
// each header serialized as "name:value" and its own length prefix so
// that commas inside content-type, body, or header values never need
// escaping.
func Frame(code uint16, contentType, body string, headers []HeaderKV) string {
	var b strings.Builder
	fmt.Fprintf(&b, "!%d,%d,%s,%d,%s", code, len(contentType), contentType, len(body), body)
	for _, h := range headers {
		seg := h.Name + ":" + h.Value
		fmt.Fprintf(&b, ",%d,%s", len(seg), seg)
	}
	return b.String()
}

// Parse reverses Frame. It is lossless for all valid inputs, including
// values containing commas, because every variable-length field is read
// by its explicit byte-length prefix rather than split on commas.
func Parse(frame string) (code uint16, contentType, body string, headers []HeaderKV, err error) {
	s := frame
	if !strings.HasPrefix(s, "!") {
		return 0, "", "", nil, fmt.Errorf("shaping: frame missing '!' prefix")
	}
	s = s[1:]

	var n int
	if n, s, err = readLenPrefixedInt(s); err != nil {
		return
	}
	code = uint16(n)

	if contentType, s, err = readLenPrefixedField(s); err != nil {
		return
	}
	if !strings.HasPrefix(s, ",") {
		err = fmt.Errorf("shaping: expected ',' before body field, got %q", s)
		return
	}
	s = s[1:]
	if body, s, err = readLenPrefixedField(s); err != nil {
		return
	}

	for len(s) > 0 {
		if !strings.HasPrefix(s, ",") {
			err = fmt.Errorf("shaping: expected ',' before next header, got %q", s)
			return
		}
		s = s[1:]
		var seg string
		if seg, s, err = readLenPrefixedField(s); err != nil {
			return
		}
		idx := strings.Index(seg, ":")
		if idx < 0 {
			err = fmt.Errorf("shaping: malformed header segment %q", seg)
			return
		}
		headers = append(headers, HeaderKV{Name: seg[:idx], Value: seg[idx+1:]})
	}
	return
}

// readLenPrefixedInt reads "<digits>," and returns the integer plus the
// remainder of s after the trailing comma.
func readLenPrefixedInt(s string) (int, string, error) {
	idx := strings.Index(s, ",")
	if idx < 0 {
		return 0, "", fmt.Errorf("shaping: expected ',' terminating a length/code field")
	}
	n, err := strconv.Atoi(s[:idx])
	if err != nil {
		return 0, "", fmt.Errorf("shaping: bad integer field %q: %w", s[:idx], err)
	}
	return n, s[idx+1:], nil
}

// readLenPrefixedField reads "<len>,<len bytes of field>" and returns
// the field plus whatever follows it (no trailing separator consumed).
func readLenPrefixedField(s string) (string, string, error) {
	length, rest, err := readLenPrefixedInt(s)
	if err != nil {
		return "", "", err
	}
	if len(rest) < length {
		return "", "", fmt.Errorf("shaping: field declares length %d but only %d bytes remain", length, len(rest))
	}
	return rest[:length], rest[length:], nil
}
