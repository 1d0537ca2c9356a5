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
	"fmt"

	"github.com/casper2020/casper-http-gateway/internal/model"
)

// Evaluate is the subset of evaluator.Evaluator that Intercept needs;
// declared as an interface here so shaping does not import evaluator
// directly (avoids a cycle with the gateway package, which wires both).
type Evaluate interface {
	Evaluate(object interface{}, expression string) (interface{}, error)
}

// Intercept runs resp.Body through eval as $.response together with
// interceptor.V8Data, per spec.md §4.5, and replaces resp.Body with the
// evaluator's return value before shaping. A nil interceptor is a no-op.
func Intercept(eval Evaluate, resp *model.Response, interceptor *model.Interceptor) error {
	if interceptor == nil || interceptor.V8Expr == "" {
		return nil
	}
	var responseVal interface{} = resp.Body
	if resp.IsJSON() {
		var parsed interface{}
		if err := json.Unmarshal([]byte(resp.Body), &parsed); err == nil {
			responseVal = parsed
		}
	}
	dollar := map[string]interface{}{
		"response": responseVal,
		"data":     interceptor.V8Data,
	}
	result, err := eval.Evaluate(dollar, interceptor.V8Expr)
	if err != nil {
		return err
	}
	switch v := result.(type) {
	case string:
		resp.Body = v
	default:
		bs, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("shaping: interceptor result not serializable: %w", err)
		}
		resp.Body = string(bs)
	}
	resp.JSON = nil
	return nil
}
