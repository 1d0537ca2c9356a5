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

package jobqueue

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/casper2020/casper-http-gateway/internal/config"
)

// MQTTClient wraps paho.mqtt.golang with the Client contract. Field
// provenance follows sio/siomq's main.go: broker URL, client id,
// keep-alive, username/password, TLS material, clean-session and
// auto-reconnect flags were all CLI flags there; here they arrive as
// config.JobQueueConfig.
type MQTTClient struct {
	client mqtt.Client
	log    *zerolog.Logger
	qos    byte
}

// NewMQTTClient connects to the broker described by cfg and returns a
// ready-to-use Client. It blocks until the initial connection succeeds
// or fails.
func NewMQTTClient(cfg config.JobQueueConfig, log *zerolog.Logger) (*MQTTClient, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)
	if cfg.KeepAlive > 0 {
		opts.SetKeepAlive(cfg.KeepAlive)
	}
	opts.SetPingTimeout(10 * time.Second)
	opts.Username = cfg.Username
	opts.Password = cfg.Password
	opts.AutoReconnect = cfg.Reconnect
	opts.CleanSession = cfg.Clean

	tlsConf, err := buildTLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	if tlsConf != nil {
		opts.SetTLSConfig(tlsConf)
	}

	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Error().Err(err).Msg("jobqueue: mqtt connection lost")
	}

	c := mqtt.NewClient(opts)
	if t := c.Connect(); t.Wait() && t.Error() != nil {
		return nil, fmt.Errorf("jobqueue: connecting to %s: %w", cfg.BrokerURL, t.Error())
	}

	return &MQTTClient{client: c, log: log, qos: cfg.QoS}, nil
}

func buildTLSConfig(cfg config.JobQueueConfig) (*tls.Config, error) {
	if cfg.CertFile == "" && cfg.KeyFile == "" && cfg.CAFile == "" && !cfg.Insecure {
		return nil, nil
	}

	tlsConf := &tls.Config{InsecureSkipVerify: cfg.Insecure}

	rootCAs, err := x509.SystemCertPool()
	if err != nil || rootCAs == nil {
		rootCAs = x509.NewCertPool()
	}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("jobqueue: reading ca_file: %w", err)
		}
		rootCAs.AppendCertsFromPEM(pem)
	}
	tlsConf.RootCAs = rootCAs

	if cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("jobqueue: loading client cert/key: %w", err)
		}
		tlsConf.Certificates = []tls.Certificate{cert}
	}

	return tlsConf, nil
}

func (m *MQTTClient) Subscribe(tube string, handler func(Job)) error {
	t := m.client.Subscribe(tube, m.qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(Job{Tube: tube, Payload: msg.Payload()})
	})
	t.Wait()
	return t.Error()
}

func (m *MQTTClient) Publish(replyTopic string, payload []byte) error {
	t := m.client.Publish(replyTopic, m.qos, false, payload)
	t.Wait()
	return t.Error()
}

func (m *MQTTClient) Close() error {
	m.client.Disconnect(250)
	return nil
}
