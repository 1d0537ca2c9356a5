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
	"encoding/json"
	"sort"

	"github.com/casper2020/casper-http-gateway/internal/model"
)

// Shape renders the final Response per spec.md §4.5: Structured (a JSON
// object) or Primitive (the framed {data: string}), selected by
// primitive.
func Shape(resp *model.Response, primitive bool) (map[string]interface{}, error) {
	if primitive {
		return shapePrimitive(resp), nil
	}
	return shapeStructured(resp)
}

func shapeStructured(resp *model.Response) (map[string]interface{}, error) {
	out := map[string]interface{}{
		"content-type": resp.ContentType,
		"headers":      resp.Headers,
	}
	if resp.JSON != nil {
		out["body"] = resp.JSON
		return out, nil
	}
	if resp.IsJSON() && resp.Body != "" {
		var parsed interface{}
		if err := json.Unmarshal([]byte(resp.Body), &parsed); err != nil {
			// Malformed upstream JSON: fall back to the raw string
			// rather than failing the whole response.
			out["body"] = resp.Body
			return out, nil
		}
		out["body"] = parsed
		return out, nil
	}
	out["body"] = resp.Body
	return out, nil
}

func shapePrimitive(resp *model.Response) map[string]interface{} {
	headers := orderedHeaders(resp.Headers)
	body := resp.Body
	if body == "" && resp.JSON != nil {
		if bs, err := json.Marshal(resp.JSON); err == nil {
			body = string(bs)
		}
	}
	frame := Frame(resp.Code, resp.ContentType, body, headers)
	return map[string]interface{}{"data": frame}
}

func orderedHeaders(h map[string]string) []HeaderKV {
	if len(h) == 0 {
		return nil
	}
	names := make([]string, 0, len(h))
	for k := range h {
		names = append(names, k)
	}
	sort.Strings(names)
	out := make([]HeaderKV, 0, len(names))
	for _, n := range names {
		out = append(out, HeaderKV{Name: n, Value: h[n]})
	}
	return out
}
