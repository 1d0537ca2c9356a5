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
	"bytes"
	"compress/flate"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorhill/cronexpr"
	bolt "go.etcd.io/bbolt"
	"github.com/rs/zerolog"
)

// CacheStore persists a response body under a key with a TTL, backing
// the optional response caching of spec.md §4.5 when HTTPResponse.URI
// is set. Two schemes are supported: "file://" (a plain file) and
// "cache://" (an embedded go.etcd.io/bbolt store), grounded on
// sio/jsonstore.go's bbolt-backed local store.
type CacheStore interface {
	Put(uri string, validity time.Duration, data []byte) error
	Get(uri string) (data []byte, fresh bool, err error)
}

// NewCacheStore resolves uri's scheme to a CacheStore implementation.
func NewCacheStore(uri string) (CacheStore, error) {
	switch {
	case strings.HasPrefix(uri, "file://"):
		return &fileCacheStore{}, nil
	case strings.HasPrefix(uri, "cache://"):
		return nil, errors.New("shaping: cache:// requires an explicit *BoltCacheStore; see NewBoltCacheStore")
	default:
		return nil, fmt.Errorf("shaping: unsupported cache scheme in %q", uri)
	}
}

// fileCacheStore is the "file://" backend. Like BoltCacheStore it writes
// a written-at/validity envelope ahead of the payload so Get can enforce
// the TTL without relying on filesystem mtime, which callers (and other
// processes touching the same tree) can disturb.
type fileCacheStore struct{}

func (f *fileCacheStore) Put(uri string, validity time.Duration, data []byte) error {
	path := strings.TrimPrefix(uri, "file://")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return ioutil.WriteFile(path, encodeCacheEnvelope(validity, data), 0o644)
}

func (f *fileCacheStore) Get(uri string) ([]byte, bool, error) {
	path := strings.TrimPrefix(uri, "file://")
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, false, err
	}
	writtenAt, validity, data, err := splitCacheEnvelope(raw)
	if err != nil {
		return nil, false, err
	}
	fresh := validity <= 0 || time.Since(writtenAt) < validity
	return data, fresh, nil
}

// BoltCacheStore is the "cache://" backend: one bbolt bucket keyed by
// URI, storing a JSON-free raw value plus a written-at timestamp so
// Get can enforce validity.
type BoltCacheStore struct {
	db     *bolt.DB
	bucket []byte
}

var responsesBucket = []byte("responses")

// NewBoltCacheStore opens (creating if needed) a bbolt database at path.
func NewBoltCacheStore(path string) (*BoltCacheStore, error) {
	db, err := bolt.Open(path, 0o644, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(responsesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltCacheStore{db: db, bucket: responsesBucket}, nil
}

func (s *BoltCacheStore) Close() error { return s.db.Close() }

func (s *BoltCacheStore) Put(uri string, validity time.Duration, data []byte) error {
	key := strings.TrimPrefix(uri, "cache://")
	envelope := encodeCacheEnvelope(validity, data)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).Put([]byte(key), envelope)
	})
}

// encodeCacheEnvelope prefixes data with a "<writtenAtNanos>|<validityNanos>|"
// header both cache backends use so validity survives a process restart.
func encodeCacheEnvelope(validity time.Duration, data []byte) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%d|%d|", time.Now().UnixNano(), int64(validity))
	buf.Write(data)
	return buf.Bytes()
}

func (s *BoltCacheStore) Get(uri string) ([]byte, bool, error) {
	key := strings.TrimPrefix(uri, "cache://")
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(s.bucket).Get([]byte(key))
		if v == nil {
			return errors.New("shaping: cache miss")
		}
		raw = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	writtenAt, validity, data, err := splitCacheEnvelope(raw)
	if err != nil {
		return nil, false, err
	}
	fresh := validity <= 0 || time.Since(writtenAt) < validity
	return data, fresh, nil
}

func splitCacheEnvelope(raw []byte) (time.Time, time.Duration, []byte, error) {
	first := bytes.IndexByte(raw, '|')
	if first < 0 {
		return time.Time{}, 0, nil, errors.New("shaping: malformed cache entry")
	}
	second := bytes.IndexByte(raw[first+1:], '|')
	if second < 0 {
		return time.Time{}, 0, nil, errors.New("shaping: malformed cache entry")
	}
	second += first + 1

	var writtenAtNanos, validityNanos int64
	if _, err := fmt.Sscanf(string(raw[:first]), "%d", &writtenAtNanos); err != nil {
		return time.Time{}, 0, nil, err
	}
	if _, err := fmt.Sscanf(string(raw[first+1:second]), "%d", &validityNanos); err != nil {
		return time.Time{}, 0, nil, err
	}
	return time.Unix(0, writtenAtNanos), time.Duration(validityNanos), raw[second+1:], nil
}

// StartGC runs a background sweep on the schedule cronExpr describes
// (cronexpr syntax: five fields are minute..day-of-week, a sixth field
// is the year, seven fields add leading seconds; e.g. "0 * * * *" for
// hourly), deleting
// any bucket entry whose validity window has expired. It returns once
// stop is closed. Timer-driven cache eviction mirrors sio/timersspec.go's
// cron-scheduled firing of machine timers, retargeted here at a bbolt
// bucket instead of a crew of machines.
func (s *BoltCacheStore) StartGC(cronExpr string, log *zerolog.Logger, stop <-chan struct{}) error {
	expr, err := cronexpr.Parse(cronExpr)
	if err != nil {
		return fmt.Errorf("shaping: parsing gc schedule %q: %w", cronExpr, err)
	}

	go func() {
		for {
			next := expr.Next(time.Now())
			if next.IsZero() {
				return
			}
			timer := time.NewTimer(time.Until(next))
			select {
			case <-stop:
				timer.Stop()
				return
			case <-timer.C:
				n, err := s.sweepExpired()
				if err != nil {
					log.Error().Err(err).Msg("shaping: cache gc sweep failed")
					continue
				}
				if n > 0 {
					log.Info().Int("evicted", n).Msg("shaping: cache gc swept expired entries")
				}
			}
		}
	}()
	return nil
}

func (s *BoltCacheStore) sweepExpired() (int, error) {
	var expiredKeys [][]byte
	now := time.Now()

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).ForEach(func(k, v []byte) error {
			writtenAt, validity, _, err := splitCacheEnvelope(v)
			if err != nil {
				return nil
			}
			if validity > 0 && now.Sub(writtenAt) >= validity {
				expiredKeys = append(expiredKeys, append([]byte(nil), k...))
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	if len(expiredKeys) == 0 {
		return 0, nil
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		for _, k := range expiredKeys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(expiredKeys), nil
}

// Deflate compresses data at the given flate level, used when
// HTTPResponse.Deflated is set.
func Deflate(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Inflate reverses Deflate.
func Inflate(data []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()
	return io.ReadAll(r)
}
