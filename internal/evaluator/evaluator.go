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

// Package evaluator implements the sandboxed expression engine of
// spec.md §4.4 on top of dop251/goja, the same ECMAScript-in-Go engine
// the teacher embeds for its action scripts (interpreters/goja).
//
// An Evaluator is per-provider and shared by that provider's Deferreds.
// A single Goja runtime is not safe for concurrent use (the same
// constraint the teacher's Interpreter carries), so Evaluate serializes
// its callers on an internal mutex.
package evaluator

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/ioutil"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"
)

// EvaluationError is returned by Evaluate when the sandbox throws. It
// carries the original JavaScript exception message, matching
// gwerrors.EvaluationError's contract (defined at the call site to
// avoid an import cycle between evaluator and gateway).
type EvaluationError struct {
	Expression string
	Message    string
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluation error in %q: %s", e.Expression, e.Message)
}

// SignatureEncoding selects how RSASignSHA256 renders its signature.
type SignatureEncoding int

const (
	Base64RFC4648 SignatureEncoding = iota
	Hex
)

// Evaluator wraps one goja.Runtime compiled with the fixed entry point
// _basic_expr_eval, a logging helper _log, and every *.js file found in
// an external scripts directory — the same "fixed entry point + library
// concatenation" shape interpreters/goja/goja.go builds for action code.
type Evaluator struct {
	rt          *goja.Runtime
	entry       goja.Callable
	log         *zerolog.Logger
	sigEncoding SignatureEncoding
	mu          sync.Mutex
}

// New constructs an Evaluator and registers the host functions. Load
// must be called before Evaluate.
func New(log *zerolog.Logger, sigEncoding SignatureEncoding) *Evaluator {
	e := &Evaluator{rt: goja.New(), log: log, sigEncoding: sigEncoding}
	e.registerHostFunctions()
	return e
}

const entryPoint = `
function _basic_expr_eval(expr, $) {
    return eval(expr);
}
function _log($) {
    NativeLog($);
}
`

// Load compiles the fixed entry point, the logging helper, and the
// concatenated contents of every *.js file under externalScriptsDir (if
// non-empty), then binds _basic_expr_eval for Evaluate to call.
func (e *Evaluator) Load(externalScriptsDir string, expressions []string) error {
	src := entryPoint
	if externalScriptsDir != "" {
		matches, err := filepath.Glob(filepath.Join(externalScriptsDir, "*.js"))
		if err != nil {
			return err
		}
		for _, m := range matches {
			bs, err := ioutil.ReadFile(m)
			if err != nil {
				return err
			}
			src += "\n" + string(bs)
		}
	}
	_ = expressions // expressions are evaluated on demand by Evaluate; nothing to precompile.

	if _, err := e.rt.RunString(src); err != nil {
		return &EvaluationError{Expression: "<load>", Message: err.Error()}
	}

	fn, ok := goja.AssertFunction(e.rt.Get("_basic_expr_eval"))
	if !ok {
		return errors.New("evaluator: _basic_expr_eval did not compile to a function")
	}
	e.entry = fn
	return nil
}

// Evaluate runs _basic_expr_eval(expression, object) and returns its
// value converted to a plain Go value (map/slice/string/float64/bool/nil).
func (e *Evaluator) Evaluate(object interface{}, expression string) (interface{}, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.entry == nil {
		return nil, errors.New("evaluator: Load was not called")
	}
	dollar := e.rt.ToValue(object)
	result, err := e.callProtected(expression, dollar)
	if err != nil {
		return nil, err
	}
	return result.Export(), nil
}

// callProtected recovers from a goja panic (the runtime's mechanism for
// propagating JS exceptions through host calls) and converts it into an
// EvaluationError, mirroring the teacher's protest()/panic(o.ToValue(x))
// convention in interpreters/goja/goja.go.
func (e *Evaluator) callProtected(expression string, dollar goja.Value) (v goja.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			if gojaErr, ok := r.(*goja.Exception); ok {
				err = &EvaluationError{Expression: expression, Message: gojaErr.Error()}
				return
			}
			err = &EvaluationError{Expression: expression, Message: fmt.Sprintf("%v", r)}
		}
	}()
	v, err = e.entry(goja.Undefined(), e.rt.ToValue(expression), dollar)
	if err != nil {
		var ex *goja.Exception
		if errors.As(err, &ex) {
			return nil, &EvaluationError{Expression: expression, Message: ex.Error()}
		}
		return nil, &EvaluationError{Expression: expression, Message: err.Error()}
	}
	return v, nil
}

func (e *Evaluator) registerHostFunctions() {
	e.rt.Set("NowUTCISO8601", func() string {
		return time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	})

	e.rt.Set("RSASignSHA256", func(value string, pemKey string, pwd ...string) (string, error) {
		return rsaSignSHA256(value, pemKey, e.sigEncoding)
	})

	e.rt.Set("NativeLog", func(args ...interface{}) {
		if e.log == nil {
			return
		}
		parts := make([]string, 0, len(args))
		for _, a := range args {
			parts = append(parts, fmt.Sprintf("%v", a))
		}
		e.log.Debug().Str("source", "evaluator").Msg(strings.Join(parts, " "))
	})
}

// rsaSignSHA256 signs value with the RSA private key in pemKey using
// PKCS1v15/SHA-256 and renders the signature per encoding.
func rsaSignSHA256(value, pemKey string, encoding SignatureEncoding) (string, error) {
	block, _ := pem.Decode([]byte(pemKey))
	if block == nil {
		return "", errors.New("RSASignSHA256: invalid PEM block")
	}
	key, err := parseRSAPrivateKey(block.Bytes)
	if err != nil {
		return "", err
	}
	hashed := sha256.Sum256([]byte(value))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, hashed[:])
	if err != nil {
		return "", err
	}
	switch encoding {
	case Hex:
		return hex.EncodeToString(sig), nil
	default:
		return base64.StdEncoding.EncodeToString(sig), nil
	}
}

func parseRSAPrivateKey(der []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	keyAny, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	key, ok := keyAny.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("RSASignSHA256: not an RSA private key")
	}
	return key, nil
}
